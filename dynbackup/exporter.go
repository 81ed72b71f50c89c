// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/juju/ratelimit"
	"go.uber.org/zap"
)

const (
	initialLimit       = 20  // Initial number of items to request when size is unknown
	defaultMaxInFlight = 256 // Concurrent puts allowed when the rate is unlimited
)

// DynScanner defines the portion of the DynamoDB service that an Exporter
// requires.
type DynScanner interface {
	DynDescriber
	ScanWithContext(ctx aws.Context, input *dynamodb.ScanInput, opts ...request.Option) (*dynamodb.ScanOutput, error)
}

// S3Putter defines the portion of the S3 service that an Exporter requires.
type S3Putter interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// ExportStats is returned by Exporter.Stats.
type ExportStats struct {
	ItemsRead    int64
	ItemsWritten int64
	BytesRead    int64
	CapacityUsed float64
}

// Exporter scans a DynamoDB table and writes each item to its own S3 object
// at [Prefix/]TableName/md5(key).  Because the object key depends only on the
// item's primary key, running an export twice against an unchanged table
// leaves the same set of objects in S3.
type Exporter struct {
	Dyn            DynScanner
	S3             S3Putter
	TableName      string
	Bucket         string
	Prefix         string
	Rate           Rate    // Maximum items per second to export; zero means Unlimited.
	ReadCapacity   float64 // Optional ceiling on consumed read capacity units per second.
	ConsistentRead bool    // Setting to true will use double the read capacity.
	MaxItems       int64   // Stop after (approximately) this many items; 0 exports everything.
	MaxInFlight    int     // Maximum puts in flight; defaults to Rate.
	Clock          Clock   // Time source for the throttle; nil uses the system clock.
	Logger         *zap.Logger

	capLimit     *ratelimit.Bucket
	limitCalc    *limitCalc
	usedCapacity int64
	itemsRead    int64
	bytesRead    int64
	capacityUsed int64 // multiplied by 10
	sink         *BatchSink[objectPut]
}

type objectPut struct {
	key  string
	body []byte
}

// Run executes the export and returns when every scanned item has been
// written to S3, or on the first failure.
func (e *Exporter) Run(ctx context.Context) (Outcome, error) {
	out := Outcome{Table: e.TableName}
	logger := loggerOrNop(e.Logger).With(zap.String("table", e.TableName))

	rate := e.Rate
	if rate == 0 {
		rate = Unlimited
	}
	throttle, err := NewThrottle(rate, e.Clock)
	if err != nil {
		out.Err = &ConfigError{Msg: "invalid export rate for table " + e.TableName, Err: err}
		return out, out.Err
	}

	table, err := DescribeTable(ctx, e.Dyn, e.TableName)
	if err != nil {
		out.Err = pipelineErr(e.TableName, "describe", err)
		return out, out.Err
	}
	if len(table.KeySchema) == 0 {
		out.Err = pipelineErr(e.TableName, "describe", errors.New("table has no key schema"))
		return out, out.Err
	}

	e.limitCalc = newLimitCalc(limitCalcSize)
	e.usedCapacity = 1
	if e.ReadCapacity > 0 {
		e.capLimit = ratelimit.NewBucketWithQuantum(time.Second, int64(e.ReadCapacity), int64(e.ReadCapacity))
	}

	maxInFlight := e.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
		if !rate.IsUnlimited() {
			maxInFlight = int(rate)
		}
	}
	// object writes are independent puts, so each batch holds a single item
	// and the pending limit bounds the number of puts in flight.
	e.sink = NewBatchSink[objectPut](1, maxInFlight, e.put)

	logger.Info("Beginning export",
		zap.String("bucket", e.Bucket),
		zap.String("prefix", e.Prefix),
		zap.Stringer("rate", rate),
		zap.Strings("key_schema", table.KeySchema),
		zap.Int64("item_count", table.ItemCount))

	runErr := e.scan(ctx, table, throttle)
	if closeErr := e.sink.Close(ctx); runErr == nil && closeErr != nil {
		runErr = pipelineErr(e.TableName, "put", closeErr)
	}

	stats := e.Stats()
	out.Count = stats.ItemsWritten
	out.Bytes = stats.BytesRead
	out.Err = runErr
	if runErr != nil {
		logger.Error("Export failed", zap.Int64("items_written", out.Count), zap.Error(runErr))
	} else {
		logger.Info("Export completed OK", zap.Int64("items_written", out.Count))
	}
	return out, runErr
}

// Stats returns current statistics about an ongoing or completed run.
// It is safe to call from concurrent goroutines.
func (e *Exporter) Stats() ExportStats {
	stats := ExportStats{
		ItemsRead:    atomic.LoadInt64(&e.itemsRead),
		BytesRead:    atomic.LoadInt64(&e.bytesRead),
		CapacityUsed: float64(atomic.LoadInt64(&e.capacityUsed)) / 10,
	}
	if e.sink != nil {
		stats.ItemsWritten = e.sink.Flushed()
	}
	return stats
}

func (e *Exporter) scan(ctx context.Context, table *Table, throttle *Throttle) error {
	pager := NewPager[Item, Item](e.scanPage)
	for {
		page, err := pager.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return pipelineErr(e.TableName, "scan", err)
		}

		for _, item := range page {
			if err := throttle.Wait(ctx); err != nil {
				return pipelineErr(e.TableName, "scan", err)
			}
			hash, err := KeyHash(item, table.KeySchema)
			if err != nil {
				return pipelineErr(e.TableName, "scan", err)
			}
			body, err := EncodeItem(item)
			if err != nil {
				return pipelineErr(e.TableName, "encode", err)
			}
			put := objectPut{key: ObjectKey(e.Prefix, e.TableName, hash), body: body}
			if err := e.sink.Accept(ctx, put); err != nil {
				return pipelineErr(e.TableName, "put", err)
			}

			itemSize := calcItemSize(item)
			e.limitCalc.addSize(itemSize)
			atomic.AddInt64(&e.bytesRead, int64(itemSize))
			if n := atomic.AddInt64(&e.itemsRead, 1); e.MaxItems > 0 && n >= e.MaxItems {
				return nil
			}
		}
	}
}

// scanPage fetches one page of the table.  The cursor is the previous
// page's LastEvaluatedKey.
func (e *Exporter) scanPage(ctx context.Context, cursor Item) ([]Item, Item, bool, error) {
	if e.capLimit != nil {
		if err := e.waitForCapacity(ctx); err != nil {
			return nil, nil, false, err
		}
	}

	params := &dynamodb.ScanInput{
		TableName:              aws.String(e.TableName),
		ConsistentRead:         aws.Bool(e.ConsistentRead),
		ExclusiveStartKey:      cursor,
		ReturnConsumedCapacity: aws.String(dynamodb.ReturnConsumedCapacityTotal),
	}
	if limit := e.pageLimit(); limit > 0 {
		params.Limit = aws.Int64(int64(limit))
	}

	// the dynamo service will automatically retry soft errors (including hitting capacity limits)
	// with a backoff algorithm any other errors returned are hard errors
	resp, err := e.Dyn.ScanWithContext(ctx, params)
	if err != nil {
		return nil, nil, false, err
	}

	if cc := resp.ConsumedCapacity; cc != nil && cc.CapacityUnits != nil {
		atomic.AddInt64(&e.capacityUsed, int64(*cc.CapacityUnits*10))
		e.usedCapacity = int64(math.Ceil(*cc.CapacityUnits))
	}
	return resp.Items, resp.LastEvaluatedKey, len(resp.LastEvaluatedKey) > 0, nil
}

// pageLimit keeps a single scan page to roughly one second's worth of the
// configured limits.  Returns 0 for no limit.
func (e *Exporter) pageLimit() int {
	limit := 0
	if r := e.Rate; r > 0 {
		limit = int(r)
	}
	if e.capLimit != nil {
		capLimit := e.limitCalc.scanLimit(e.ReadCapacity, e.ConsistentRead)
		if capLimit <= 0 {
			capLimit = initialLimit // slow start
		}
		if limit == 0 || capLimit < limit {
			limit = capLimit
		}
	}
	return limit
}

// Interruptible capacity wait, based on the capacity used by the previous page.
func (e *Exporter) waitForCapacity(ctx context.Context) error {
	return waitBucket(ctx, e.capLimit, e.usedCapacity)
}

func (e *Exporter) put(ctx context.Context, batch []objectPut) error {
	for _, p := range batch {
		_, err := e.S3.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(e.Bucket),
			Key:         aws.String(p.key),
			Body:        bytes.NewReader(p.body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ObjectKey returns the S3 key used to store the record with the given key
// hash: [prefix/]table/hash.
func ObjectKey(prefix, table, hash string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return table + "/" + hash
	}
	return prefix + "/" + table + "/" + hash
}
