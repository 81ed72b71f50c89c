// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"go.uber.org/zap"
)

const (
	// MaxBatchWriteItems is the most put requests DynamoDB accepts in a
	// single BatchWriteItem call.
	MaxBatchWriteItems = 25

	defaultMaxRetries = 10
	defaultRetryDelay = 50 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

// ItemReader is the interface expected by an Importer to retrieve items from
// a source for loading into a DynamoDB table.  ReadItem returns io.EOF once
// the source is exhausted.
type ItemReader interface {
	ReadItem(ctx context.Context) (Item, error)
}

// DynBatchWriter defines the portion of the DynamoDB service the Importer
// requires.
type DynBatchWriter interface {
	DynDescriber
	BatchWriteItemWithContext(ctx aws.Context, input *dynamodb.BatchWriteItemInput, opts ...request.Option) (*dynamodb.BatchWriteItemOutput, error)
}

// ImportStats are returned by Importer.Stats
type ImportStats struct {
	ItemsRead    int64
	ItemsWritten int64
	BytesRead    int64
	CapacityUsed float64
	Resubmitted  int64 // unprocessed items sent again
}

// Importer reads records from an ItemReader and writes them to a DynamoDB
// table using BatchWriteItem.  Every record is written as a PutRequest, so
// existing records with the same primary key are replaced and an import may
// safely be run more than once.
type Importer struct {
	Dyn        DynBatchWriter
	TableName  string     // Table name to restore to
	Source     ItemReader // The source to fetch items from
	Rate       Rate       // Items per second; zero derives half the table's write capacity
	MaxItems   int64      // Maximum (approximately) number of items to write; 0 for all
	MaxRetries int        // Rounds of resubmitting unprocessed items before failing
	RetryDelay time.Duration
	Clock      Clock
	Logger     *zap.Logger

	itemsRead    int64
	bytesRead    int64
	capacityUsed int64 // multiplied by 10
	resubmitted  int64
	sink         *BatchSink[Item]
}

// WriteRate returns the rate an import into table runs at: the explicit
// rate if set, otherwise half the table's provisioned write capacity.
// Tables using on-demand capacity are not throttled.
func WriteRate(explicit Rate, table *Table) Rate {
	if explicit != 0 {
		return explicit
	}
	return HalfCapacity(table.WriteCapacity)
}

// FlushThreshold is the number of items an import accumulates before
// issuing writes: one more than the rate, or a single backend batch when
// the rate is unlimited.
func FlushThreshold(rate Rate) int {
	if rate.IsUnlimited() {
		return MaxBatchWriteItems
	}
	return int(rate) + 1
}

// Run executes the import.  It returns once the source is exhausted and
// every accepted item has been written, or on the first failure.
func (im *Importer) Run(ctx context.Context) (Outcome, error) {
	out := Outcome{Table: im.TableName}
	logger := loggerOrNop(im.Logger).With(zap.String("table", im.TableName))

	table, err := DescribeTable(ctx, im.Dyn, im.TableName)
	if err != nil {
		out.Err = pipelineErr(im.TableName, "describe", err)
		return out, out.Err
	}

	rate := WriteRate(im.Rate, table)
	throttle, err := NewThrottle(rate, im.Clock)
	if err != nil {
		out.Err = &ConfigError{Msg: "invalid write rate for table " + im.TableName, Err: err}
		return out, out.Err
	}

	threshold := FlushThreshold(rate)
	maxPending := threshold
	if int(rate) > maxPending {
		maxPending = int(rate)
	}
	im.sink = NewBatchSink[Item](threshold, maxPending, im.writeBatch)

	logger.Info("Beginning import",
		zap.Stringer("rate", rate),
		zap.Int("flush_threshold", threshold),
		zap.Int64("write_capacity", table.WriteCapacity))

	runErr := im.load(ctx, throttle)
	if closeErr := im.sink.Close(ctx); runErr == nil && closeErr != nil {
		runErr = pipelineErr(im.TableName, "batch-write", closeErr)
	}

	stats := im.Stats()
	out.Count = stats.ItemsWritten
	out.Bytes = stats.BytesRead
	out.Err = runErr
	if runErr != nil {
		logger.Error("Import failed", zap.Int64("items_written", out.Count), zap.Error(runErr))
	} else {
		logger.Info("Import completed OK",
			zap.Int64("items_written", out.Count),
			zap.Int64("resubmitted", stats.Resubmitted))
	}
	return out, runErr
}

// Stats return the current importer statistics.
func (im *Importer) Stats() ImportStats {
	stats := ImportStats{
		ItemsRead:    atomic.LoadInt64(&im.itemsRead),
		BytesRead:    atomic.LoadInt64(&im.bytesRead),
		CapacityUsed: float64(atomic.LoadInt64(&im.capacityUsed)) / 10,
		Resubmitted:  atomic.LoadInt64(&im.resubmitted),
	}
	if im.sink != nil {
		stats.ItemsWritten = im.sink.Flushed()
	}
	return stats
}

func (im *Importer) load(ctx context.Context, throttle *Throttle) error {
	for {
		item, err := im.Source.ReadItem(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return pipelineErr(im.TableName, "read", err)
		}
		if err := throttle.Wait(ctx); err != nil {
			return pipelineErr(im.TableName, "read", err)
		}
		if err := im.sink.Accept(ctx, item); err != nil {
			return pipelineErr(im.TableName, "batch-write", err)
		}
		atomic.AddInt64(&im.bytesRead, int64(calcItemSize(item)))
		if n := atomic.AddInt64(&im.itemsRead, 1); im.MaxItems > 0 && n >= im.MaxItems {
			return nil
		}
	}
}

// writeBatch is the sink's flush function.  The batch may be larger than
// DynamoDB allows in one call, so it's split into chunks of at most
// MaxBatchWriteItems.
func (im *Importer) writeBatch(ctx context.Context, batch []Item) error {
	for start := 0; start < len(batch); start += MaxBatchWriteItems {
		end := start + MaxBatchWriteItems
		if end > len(batch) {
			end = len(batch)
		}
		reqs := make([]*dynamodb.WriteRequest, 0, end-start)
		for _, item := range batch[start:end] {
			reqs = append(reqs, &dynamodb.WriteRequest{
				PutRequest: &dynamodb.PutRequest{Item: item},
			})
		}
		if err := im.batchWrite(ctx, reqs); err != nil {
			return err
		}
	}
	return nil
}

// batchWrite sends a single BatchWriteItem request.  DynamoDB may accept
// only part of a batch, returning the rest as UnprocessedItems; those are
// sent again after an exponential backoff.
func (im *Importer) batchWrite(ctx context.Context, reqs []*dynamodb.WriteRequest) error {
	clock := im.Clock
	if clock == nil {
		clock = realClock{}
	}
	maxRetries := im.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	delay := im.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	for attempt := 0; ; attempt++ {
		resp, err := im.Dyn.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems:           map[string][]*dynamodb.WriteRequest{im.TableName: reqs},
			ReturnConsumedCapacity: aws.String(dynamodb.ReturnConsumedCapacityTotal),
		})
		if err != nil {
			return err
		}
		for _, cc := range resp.ConsumedCapacity {
			atomic.AddInt64(&im.capacityUsed, int64(aws.Float64Value(cc.CapacityUnits)*10))
		}

		unprocessed := resp.UnprocessedItems[im.TableName]
		if len(unprocessed) == 0 {
			return nil
		}
		if attempt >= maxRetries {
			return fmt.Errorf("%d items still unprocessed after %d retries", len(unprocessed), attempt)
		}

		atomic.AddInt64(&im.resubmitted, int64(len(unprocessed)))
		select {
		case <-clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if delay *= 2; delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		reqs = unprocessed
	}
}
