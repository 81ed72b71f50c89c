// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3DeleteLister defines the portion of the S3 service required by
// SnapshotDeleter.
type S3DeleteLister interface {
	S3Lister
	DeleteObjectsWithContext(ctx aws.Context, input *s3.DeleteObjectsInput, opts ...request.Option) (*s3.DeleteObjectsOutput, error)
}

// ErrAborted is returned by SnapshotDeleter.Delete if Abort was called
// before every object was removed.
var ErrAborted = errors.New("delete aborted")

// SnapshotDeleter deletes every snapshot object stored under a tag.
type SnapshotDeleter struct {
	S3     S3DeleteLister
	Bucket string
	Tag    string

	delcount int64
	abort    int64
}

// Completed returns the number of objects that have been deleted from S3 so
// far.  It may be called while a delete is in progress.
func (d *SnapshotDeleter) Completed() int64 {
	return atomic.LoadInt64(&d.delcount)
}

// Abort requests the deleter discontinues deleting the snapshot.
func (d *SnapshotDeleter) Abort() {
	atomic.StoreInt64(&d.abort, 1)
}

// Delete removes the snapshot objects a listing page at a time.  It will
// block until the delete operations complete.
func (d *SnapshotDeleter) Delete(ctx context.Context) error {
	tag := strings.Trim(d.Tag, "/")
	if tag == "" {
		return &ConfigError{Msg: "a snapshot tag is required"}
	}

	bucket := aws.String(d.Bucket)
	pager := NewPager(objectPages(d.S3, d.Bucket, tag+"/"))
	for {
		if d.isAborted() {
			return ErrAborted
		}
		page, err := pager.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &CatalogError{Source: "s3://" + d.Bucket + "/" + tag, Err: err}
		}

		del := &s3.DeleteObjectsInput{
			Bucket: bucket,
			Delete: &s3.Delete{Quiet: aws.Bool(true)},
		}
		for _, obj := range page {
			del.Delete.Objects = append(del.Delete.Objects, &s3.ObjectIdentifier{Key: obj.Key})
		}
		resp, err := d.S3.DeleteObjectsWithContext(ctx, del)
		if err != nil {
			return err
		}
		if errs := resp.Errors; len(errs) > 0 {
			return fmt.Errorf("failed to delete key %q: %v",
				aws.StringValue(errs[0].Key),
				aws.StringValue(errs[0].Message))
		}
		atomic.AddInt64(&d.delcount, int64(len(del.Delete.Objects)))
	}
}

func (d *SnapshotDeleter) isAborted() bool {
	return atomic.LoadInt64(&d.abort) != 0
}
