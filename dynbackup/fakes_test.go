// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// fakeBucket is an in-memory S3 bucket.  Listings return at most pageSize
// keys per call so that callers have to paginate.
type fakeBucket struct {
	m        sync.Mutex
	name     string
	objects  map[string][]byte
	pageSize int
	lists    int
	putErr   error
	getErr   error
}

func newFakeBucket(name string) *fakeBucket {
	return &fakeBucket{name: name, objects: make(map[string][]byte), pageSize: 2}
}

func (b *fakeBucket) keys() []string {
	b.m.Lock()
	defer b.m.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *fakeBucket) set(key string, data []byte) {
	b.m.Lock()
	b.objects[key] = data
	b.m.Unlock()
}

func (b *fakeBucket) get(key string) []byte {
	b.m.Lock()
	defer b.m.Unlock()
	return b.objects[key]
}

func (b *fakeBucket) checkBucket(name *string) error {
	if aws.StringValue(name) != b.name {
		return awserr.New(s3.ErrCodeNoSuchBucket, "no bucket "+aws.StringValue(name), nil)
	}
	return nil
}

func (b *fakeBucket) PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	if err := b.checkBucket(input.Bucket); err != nil {
		return nil, err
	}
	if b.putErr != nil {
		return nil, b.putErr
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	b.set(aws.StringValue(input.Key), data)
	return &s3.PutObjectOutput{}, nil
}

func (b *fakeBucket) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	if err := b.checkBucket(input.Bucket); err != nil {
		return nil, err
	}
	if b.getErr != nil {
		return nil, b.getErr
	}
	b.m.Lock()
	data, ok := b.objects[aws.StringValue(input.Key)]
	b.m.Unlock()
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (b *fakeBucket) ListObjectsWithContext(ctx aws.Context, input *s3.ListObjectsInput, opts ...request.Option) (*s3.ListObjectsOutput, error) {
	if err := b.checkBucket(input.Bucket); err != nil {
		return nil, err
	}
	b.m.Lock()
	b.lists++
	b.m.Unlock()

	prefix := aws.StringValue(input.Prefix)
	delim := aws.StringValue(input.Delimiter)
	marker := aws.StringValue(input.Marker)

	// build the ordered list of entries: either object keys or common prefixes
	type entry struct {
		key    string
		folder bool
	}
	var entries []entry
	seen := make(map[string]bool)
	for _, key := range b.keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if delim != "" {
			if i := strings.Index(key[len(prefix):], delim); i >= 0 {
				cp := key[:len(prefix)+i+len(delim)]
				if !seen[cp] {
					seen[cp] = true
					entries = append(entries, entry{key: cp, folder: true})
				}
				continue
			}
		}
		entries = append(entries, entry{key: key})
	}

	out := &s3.ListObjectsOutput{IsTruncated: aws.Bool(false)}
	n := 0
	for _, e := range entries {
		if marker != "" && e.key <= marker {
			continue
		}
		if n == b.pageSize {
			out.IsTruncated = aws.Bool(true)
			break
		}
		n++
		if e.folder {
			out.CommonPrefixes = append(out.CommonPrefixes, &s3.CommonPrefix{Prefix: aws.String(e.key)})
		} else {
			out.Contents = append(out.Contents, &s3.Object{Key: aws.String(e.key)})
		}
		if delim != "" {
			out.NextMarker = aws.String(e.key)
		}
	}
	if !aws.BoolValue(out.IsTruncated) {
		out.NextMarker = nil
	}
	return out, nil
}

func (b *fakeBucket) DeleteObjectsWithContext(ctx aws.Context, input *s3.DeleteObjectsInput, opts ...request.Option) (*s3.DeleteObjectsOutput, error) {
	if err := b.checkBucket(input.Bucket); err != nil {
		return nil, err
	}
	b.m.Lock()
	defer b.m.Unlock()
	for _, obj := range input.Delete.Objects {
		delete(b.objects, aws.StringValue(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

// fakeUploader stores uploads in a fakeBucket.
type fakeUploader struct {
	bucket *fakeBucket
	err    error
}

func (u *fakeUploader) UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if u.err != nil {
		return nil, u.err
	}
	if err := u.bucket.checkBucket(input.Bucket); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	u.bucket.set(aws.StringValue(input.Key), data)
	return &s3manager.UploadOutput{Location: "s3://" + u.bucket.name + "/" + aws.StringValue(input.Key)}, nil
}

// fakeTable is an in-memory DynamoDB table keyed on its hash key, with
// optional range key.
type fakeTable struct {
	m         sync.Mutex
	name      string
	hashKey   string
	rangeKey  string
	rcu, wcu  int64
	items     map[string]Item
	order     []string
	pageSize  int
	scans     int
	batches   [][]*dynamodb.WriteRequest
	describe  error
	writeErr  error
	unprocess int // items to hand back as unprocessed before accepting everything
}

func newFakeTable(name, hashKey string) *fakeTable {
	return &fakeTable{name: name, hashKey: hashKey, items: make(map[string]Item), pageSize: 2}
}

func (t *fakeTable) itemKey(item Item) string {
	k := aws.StringValue(item[t.hashKey].S) + aws.StringValue(item[t.hashKey].N)
	if t.rangeKey != "" {
		k += "|" + aws.StringValue(item[t.rangeKey].S) + aws.StringValue(item[t.rangeKey].N)
	}
	return k
}

func (t *fakeTable) put(item Item) {
	t.m.Lock()
	defer t.m.Unlock()
	k := t.itemKey(item)
	if _, ok := t.items[k]; !ok {
		t.order = append(t.order, k)
	}
	t.items[k] = item
}

func (t *fakeTable) count() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.items)
}

func (t *fakeTable) DescribeTableWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	if t.describe != nil {
		return nil, t.describe
	}
	if aws.StringValue(input.TableName) != t.name {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "no table", nil)
	}
	td := &dynamodb.TableDescription{
		TableName: aws.String(t.name),
		TableArn:  aws.String("arn:aws:dynamodb:us-west-2:123456789012:table/" + t.name),
		ItemCount: aws.Int64(int64(t.count())),
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String(t.hashKey), KeyType: aws.String(dynamodb.KeyTypeHash)},
		},
		ProvisionedThroughput: &dynamodb.ProvisionedThroughputDescription{
			ReadCapacityUnits:  aws.Int64(t.rcu),
			WriteCapacityUnits: aws.Int64(t.wcu),
		},
	}
	if t.rangeKey != "" {
		// range key listed first to check ordering
		td.KeySchema = append([]*dynamodb.KeySchemaElement{
			{AttributeName: aws.String(t.rangeKey), KeyType: aws.String(dynamodb.KeyTypeRange)},
		}, td.KeySchema...)
	}
	return &dynamodb.DescribeTableOutput{Table: td}, nil
}

func (t *fakeTable) ScanWithContext(ctx aws.Context, input *dynamodb.ScanInput, opts ...request.Option) (*dynamodb.ScanOutput, error) {
	t.m.Lock()
	defer t.m.Unlock()
	t.scans++

	start := 0
	if esk := input.ExclusiveStartKey; esk != nil {
		k := t.itemKey(esk)
		for i, ok := range t.order {
			if ok == k {
				start = i + 1
				break
			}
		}
	}
	limit := t.pageSize
	if input.Limit != nil && int(*input.Limit) < limit {
		limit = int(*input.Limit)
	}
	out := &dynamodb.ScanOutput{
		ConsumedCapacity: &dynamodb.ConsumedCapacity{CapacityUnits: aws.Float64(0.5)},
	}
	end := start + limit
	if end > len(t.order) {
		end = len(t.order)
	}
	for _, k := range t.order[start:end] {
		out.Items = append(out.Items, t.items[k])
	}
	if end < len(t.order) {
		last := t.items[t.order[end-1]]
		out.LastEvaluatedKey = Item{t.hashKey: last[t.hashKey]}
		if t.rangeKey != "" {
			out.LastEvaluatedKey[t.rangeKey] = last[t.rangeKey]
		}
	}
	return out, nil
}

func (t *fakeTable) BatchWriteItemWithContext(ctx aws.Context, input *dynamodb.BatchWriteItemInput, opts ...request.Option) (*dynamodb.BatchWriteItemOutput, error) {
	if t.writeErr != nil {
		return nil, t.writeErr
	}
	reqs := input.RequestItems[t.name]
	if len(input.RequestItems) != 1 || reqs == nil {
		return nil, errors.New("unexpected table in batch write")
	}
	if len(reqs) > MaxBatchWriteItems {
		return nil, awserr.New("ValidationException", "too many items: "+strconv.Itoa(len(reqs)), nil)
	}

	t.m.Lock()
	t.batches = append(t.batches, reqs)
	bounce := 0
	if t.unprocess > 0 {
		bounce = t.unprocess
		if bounce > len(reqs) {
			bounce = len(reqs)
		}
		t.unprocess -= bounce
	}
	t.m.Unlock()

	accepted := reqs[:len(reqs)-bounce]
	for _, r := range accepted {
		t.put(r.PutRequest.Item)
	}
	out := &dynamodb.BatchWriteItemOutput{
		ConsumedCapacity: []*dynamodb.ConsumedCapacity{{CapacityUnits: aws.Float64(float64(len(accepted)))}},
	}
	if bounce > 0 {
		out.UnprocessedItems = map[string][]*dynamodb.WriteRequest{t.name: reqs[len(reqs)-bounce:]}
	}
	return out, nil
}

func (t *fakeTable) batchSizes() []int {
	t.m.Lock()
	defer t.m.Unlock()
	sizes := make([]int, len(t.batches))
	for i, b := range t.batches {
		sizes[i] = len(b)
	}
	return sizes
}

// fakeClock advances only when something waits on it.
type fakeClock struct {
	m   sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2016, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.m.Lock()
	defer c.m.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.m.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.m.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.m.Lock()
	c.now = c.now.Add(d)
	c.m.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.m.Lock()
	c.now = t
	c.m.Unlock()
}

func strItem(key, value string, extra ...string) Item {
	item := Item{key: {S: aws.String(value)}}
	for i := 0; i+1 < len(extra); i += 2 {
		item[extra[i]] = &dynamodb.AttributeValue{S: aws.String(extra[i+1])}
	}
	return item
}

// sliceSource is an ItemReader over a fixed set of items.
type sliceSource struct {
	items []Item
	err   error // returned once the items are exhausted, instead of io.EOF
}

func (s *sliceSource) ReadItem(ctx context.Context) (Item, error) {
	if len(s.items) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item, nil
}
