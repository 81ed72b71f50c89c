// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/juju/ratelimit"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Uploader defines the portion of the s3manager uploader that a Snapshotter
// requires.
type Uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// DefaultTag returns the snapshot tag used when none is given: the date of
// t as yyyymmdd, in UTC.
func DefaultTag(t time.Time) string {
	return t.UTC().Format("20060102")
}

// SnapshotKey returns the key of the snapshot object for table under tag.
func SnapshotKey(tag, table string) string {
	return strings.TrimSuffix(strings.Trim(tag, "/")+"/"+table, "/")
}

// SnapshotTable returns the table name from a snapshot key, i.e. everything
// after the tag segment.
func SnapshotTable(key string) string {
	key = strings.TrimSuffix(strings.TrimSpace(key), "/")
	if i := strings.Index(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// SnapshotStats is returned by Snapshotter.Stats.
type SnapshotStats struct {
	ObjectsCopied int64
	BytesRead     int64
}

// Snapshotter copies a table's backup objects into a single gzip compressed
// object containing one item per line.  The compressed stream is uploaded as
// it is produced.
type Snapshotter struct {
	S3        S3GetLister
	Uploader  Uploader
	SrcBucket string
	SrcPrefix string // folder holding the table's backup objects, eg. "users/"
	DstBucket string
	DstKey    string  // usually SnapshotKey(tag, table), optionally below a prefix
	CopyRate  float64 // Optional limit on objects read per second
	Logger    *zap.Logger

	copied    int64
	bytesRead int64
}

// Run creates the snapshot.  A failure part way through aborts the upload,
// so a partially written snapshot is never left at DstKey.
func (sn *Snapshotter) Run(ctx context.Context) (Outcome, error) {
	table := path.Base(sn.DstKey)
	out := Outcome{Table: table}
	logger := loggerOrNop(sn.Logger).With(zap.String("table", table))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var limiter *ratelimit.Bucket
	if sn.CopyRate > 0 {
		limiter = ratelimit.NewBucketWithRate(sn.CopyRate, int64(sn.CopyRate)+1)
	}

	logger.Info("Creating snapshot",
		zap.String("src", sn.SrcBucket+"/"+sn.SrcPrefix),
		zap.String("dst", sn.DstBucket+"/"+sn.DstKey))

	pr, pw := io.Pipe()
	copyErr := make(chan error, 1)
	go func() {
		err := sn.copyObjects(ctx, pw, limiter)
		pw.CloseWithError(err)
		copyErr <- err
	}()

	_, err := sn.Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(sn.DstBucket),
		Key:         aws.String(sn.DstKey),
		Body:        pr,
		ContentType: aws.String("application/x-gzip"),
	})
	if err != nil {
		// unblock the copier if the upload gave up early
		cancel()
		pr.CloseWithError(err)
	}
	cerr := <-copyErr

	stats := sn.Stats()
	out.Count = stats.ObjectsCopied
	out.Bytes = stats.BytesRead
	// a failed read reaches the uploader through the pipe, so check for it
	// first; a failed upload cancels the copier's reads
	var serr *sourceError
	switch {
	case err != nil && errors.Is(cerr, context.Canceled):
		out.Err = pipelineErr(table, "upload", err)
	case errors.As(cerr, &serr):
		out.Err = pipelineErr(table, "read", serr.err)
	case err != nil:
		out.Err = pipelineErr(table, "upload", err)
	case cerr != nil:
		out.Err = pipelineErr(table, "read", cerr)
	}
	if out.Err != nil {
		logger.Error("Snapshot failed", zap.Error(out.Err))
		return out, out.Err
	}
	logger.Info("Snapshot completed OK", zap.Int64("objects", out.Count))
	return out, nil
}

// Stats returns the progress of the snapshot so far.
func (sn *Snapshotter) Stats() SnapshotStats {
	return SnapshotStats{
		ObjectsCopied: atomic.LoadInt64(&sn.copied),
		BytesRead:     atomic.LoadInt64(&sn.bytesRead),
	}
}

func (sn *Snapshotter) copyObjects(ctx context.Context, w io.Writer, limiter *ratelimit.Bucket) error {
	prefix := sn.SrcPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	gz := gzip.NewWriter(w)
	enc := NewSimpleEncoder(gz)
	pager := NewPager(objectPages(sn.S3, sn.SrcBucket, prefix))
	for {
		page, err := pager.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return &sourceError{err}
		}
		for _, obj := range page {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			if limiter != nil {
				if err := waitBucket(ctx, limiter, 1); err != nil {
					return err
				}
			}
			body, err := getObject(ctx, sn.S3, sn.SrcBucket, key)
			if err != nil {
				return &sourceError{err}
			}
			body = bytes.TrimSpace(body)
			if len(body) == 0 {
				continue
			}
			item, err := DecodeItem(body)
			if err != nil {
				return &sourceError{fmt.Errorf("invalid backup object %s: %w", key, err)}
			}
			if err := enc.WriteItem(item); err != nil {
				return err
			}
			atomic.AddInt64(&sn.copied, 1)
			atomic.AddInt64(&sn.bytesRead, int64(len(body)))
		}
	}
	return gz.Close()
}

// sourceError marks a copier failure that came from reading the backup,
// rather than from the upload side of the pipe.
type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

// waitBucket takes n tokens from b, waiting if necessary.
func waitBucket(ctx context.Context, b *ratelimit.Bucket, n int64) error {
	d := b.Take(n)
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
