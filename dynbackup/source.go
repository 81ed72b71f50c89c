// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/klauspost/compress/gzip"
)

// S3Getter defines the portion of the S3 service needed to fetch objects.
type S3Getter interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
}

// S3Lister defines the portion of the S3 service needed to list objects.
type S3Lister interface {
	ListObjectsWithContext(ctx aws.Context, input *s3.ListObjectsInput, opts ...request.Option) (*s3.ListObjectsOutput, error)
}

// S3GetLister defines the portion of the S3 service required by ObjectSource.
type S3GetLister interface {
	S3Getter
	S3Lister
}

// ObjectSource reads a backup stored as one object per record under a
// common prefix, as written by an Exporter.  Objects are listed lazily, a
// page at a time, and fetched in listing order.
type ObjectSource struct {
	s3     S3GetLister
	bucket string
	pager  *Pager[*s3.Object, string]
	page   []*s3.Object
}

// NewObjectSource creates a source that reads every object under
// bucket/prefix.  A trailing slash is added to a non-empty prefix so that
// table "users" does not also match "users2".
func NewObjectSource(svc S3GetLister, bucket, prefix string) *ObjectSource {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ObjectSource{
		s3:     svc,
		bucket: bucket,
		pager:  NewPager(objectPages(svc, bucket, prefix)),
	}
}

// ReadItem fetches and decodes the next backup object.
func (src *ObjectSource) ReadItem(ctx context.Context) (Item, error) {
	for {
		if len(src.page) == 0 {
			page, err := src.pager.Next(ctx)
			if err != nil {
				return nil, err // includes io.EOF
			}
			src.page = page
		}
		obj := src.page[0]
		src.page = src.page[1:]

		key := aws.StringValue(obj.Key)
		if strings.HasSuffix(key, "/") {
			continue // folder placeholder
		}
		body, err := getObject(ctx, src.s3, src.bucket, key)
		if err != nil {
			return nil, err
		}
		body = bytes.TrimSpace(body)
		if len(body) == 0 {
			continue
		}
		item, err := DecodeItem(body)
		if err != nil {
			return nil, fmt.Errorf("invalid backup object %s: %v", key, err)
		}
		return item, nil
	}
}

// SnapshotSource reads a snapshot object: a gzip compressed stream of
// newline delimited items.  The object is decompressed and decoded
// incrementally, so it is never held in memory whole.
type SnapshotSource struct {
	s3     S3Getter
	bucket string
	key    string
	body   io.ReadCloser
	gz     *gzip.Reader
	dec    *SimpleDecoder
	done   bool
}

// NewSnapshotSource creates a source reading the snapshot stored at
// bucket/key.
func NewSnapshotSource(svc S3Getter, bucket, key string) *SnapshotSource {
	return &SnapshotSource{s3: svc, bucket: bucket, key: key}
}

// ReadItem returns the next item in the snapshot.
func (src *SnapshotSource) ReadItem(ctx context.Context) (Item, error) {
	if src.done {
		return nil, io.EOF
	}
	if src.dec == nil {
		if err := src.open(ctx); err != nil {
			return nil, err
		}
	}
	item, err := src.dec.Decode()
	if err == io.EOF {
		src.done = true
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot %s: %v", src.key, err)
	}
	return item, nil
}

// Close releases the underlying object stream.
func (src *SnapshotSource) Close() error {
	src.done = true
	if src.gz != nil {
		src.gz.Close()
	}
	if src.body != nil {
		return src.body.Close()
	}
	return nil
}

func (src *SnapshotSource) open(ctx context.Context) error {
	resp, err := src.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(src.bucket),
		Key:    aws.String(src.key),
	})
	if err != nil {
		return err
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return fmt.Errorf("snapshot %s is not gzip compressed: %v", src.key, err)
	}
	src.body = resp.Body
	src.gz = gz
	src.dec = NewSimpleDecoder(gz)
	return nil
}

func getObject(ctx context.Context, svc S3Getter, bucket, key string) ([]byte, error) {
	resp, err := svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// objectPages lists the leaf objects under prefix, using the listing marker
// as the page cursor.
func objectPages(svc S3Lister, bucket, prefix string) PageFunc[*s3.Object, string] {
	return func(ctx context.Context, marker string) ([]*s3.Object, string, bool, error) {
		input := &s3.ListObjectsInput{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		}
		if marker != "" {
			input.Marker = aws.String(marker)
		}
		resp, err := svc.ListObjectsWithContext(ctx, input)
		if err != nil {
			return nil, "", false, err
		}
		next, more := nextMarker(resp)
		return resp.Contents, next, more, nil
	}
}

// nextMarker returns the marker for the page following resp.  NextMarker is
// only returned for delimited listings; otherwise the last key is used.
func nextMarker(resp *s3.ListObjectsOutput) (string, bool) {
	if !aws.BoolValue(resp.IsTruncated) {
		return "", false
	}
	if m := aws.StringValue(resp.NextMarker); m != "" {
		return m, true
	}
	if n := len(resp.Contents); n > 0 {
		return aws.StringValue(resp.Contents[n-1].Key), true
	}
	return "", false
}
