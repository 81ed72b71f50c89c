// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTestExporter(table *fakeTable, bucket *fakeBucket) *Exporter {
	return &Exporter{
		Dyn:       table,
		S3:        bucket,
		TableName: table.name,
		Bucket:    bucket.name,
		Prefix:    "backups",
		Rate:      Unlimited,
	}
}

func TestExportIdempotent(t *testing.T) {
	table := newFakeTable("users", "id")
	for _, id := range []string{"1", "2", "3"} {
		table.put(strItem("id", id, "name", "user"+id))
	}
	bucket := newFakeBucket("test-bucket")

	out, err := newTestExporter(table, bucket).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), out.Count)
	assert.Equal(t, "users", out.Table)

	expected := []string{
		"backups/users/" + md5hex(`{"id":{"S":"1"}}`),
		"backups/users/" + md5hex(`{"id":{"S":"2"}}`),
		"backups/users/" + md5hex(`{"id":{"S":"3"}}`),
	}
	assert.ElementsMatch(t, expected, bucket.keys())

	body := bucket.get(expected[1])
	item, err := DecodeItem(body)
	require.NoError(t, err)
	assert.Equal(t, strItem("id", "2", "name", "user2"), item)

	// a second export overwrites the same objects
	out, err = newTestExporter(table, bucket).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), out.Count)
	assert.ElementsMatch(t, expected, bucket.keys())
}

func TestExportCompositeKey(t *testing.T) {
	table := newFakeTable("events", "id")
	table.rangeKey = "ts"
	table.put(strItem("id", "a", "ts", "1"))
	table.put(strItem("id", "a", "ts", "2"))
	bucket := newFakeBucket("test-bucket")

	ex := newTestExporter(table, bucket)
	ex.Prefix = ""
	_, err := ex.Run(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"events/" + md5hex(`{"id":{"S":"a"},"ts":{"S":"1"}}`),
		"events/" + md5hex(`{"id":{"S":"a"},"ts":{"S":"2"}}`),
	}, bucket.keys())
}

func TestExportKeySchemaOrder(t *testing.T) {
	table := newFakeTable("visits", "user")
	table.rangeKey = "at"
	table.put(strItem("user", "u1", "at", "5"))
	bucket := newFakeBucket("test-bucket")

	ex := newTestExporter(table, bucket)
	ex.Prefix = ""
	_, err := ex.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"visits/" + md5hex(`{"user":{"S":"u1"},"at":{"S":"5"}}`)}, bucket.keys())
}

func TestExportRateLimited(t *testing.T) {
	table := newFakeTable("users", "id")
	for i := 0; i < 25; i++ {
		table.put(strItem("id", fmt.Sprint(i)))
	}
	bucket := newFakeBucket("test-bucket")
	clock := newFakeClock()
	start := clock.Now()

	ex := newTestExporter(table, bucket)
	ex.Rate = 10
	ex.Clock = clock
	out, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(25), out.Count)
	assert.Len(t, bucket.keys(), 25)
	assert.GreaterOrEqual(t, clock.Now().Sub(start).Seconds(), 2.0)
}

func TestExportMaxItems(t *testing.T) {
	table := newFakeTable("users", "id")
	for i := 0; i < 10; i++ {
		table.put(strItem("id", fmt.Sprint(i)))
	}
	bucket := newFakeBucket("test-bucket")

	ex := newTestExporter(table, bucket)
	ex.MaxItems = 4
	out, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), out.Count)
	assert.Equal(t, int64(4), ex.Stats().ItemsRead)
}

func TestExportPutError(t *testing.T) {
	table := newFakeTable("users", "id")
	table.put(strItem("id", "1"))
	bucket := newFakeBucket("test-bucket")
	testErr := errors.New("test error")
	bucket.putErr = testErr

	out, err := newTestExporter(table, bucket).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, testErr)
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "users", perr.Table)
	assert.Equal(t, "put", perr.Op)
	assert.Equal(t, err, out.Err)
}

func TestExportMissingKey(t *testing.T) {
	table := newFakeTable("users", "id")
	table.put(strItem("id", "1"))
	table.m.Lock()
	table.items["1"] = strItem("other", "x")
	table.m.Unlock()
	bucket := newFakeBucket("test-bucket")

	_, err := newTestExporter(table, bucket).Run(context.Background())
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "scan", perr.Op)
	assert.Empty(t, bucket.keys())
}

func TestExportDescribeError(t *testing.T) {
	table := newFakeTable("users", "id")
	table.describe = errors.New("no access")
	_, err := newTestExporter(table, newFakeBucket("b")).Run(context.Background())
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "describe", perr.Op)
}

func TestExportInvalidRate(t *testing.T) {
	table := newFakeTable("users", "id")
	ex := newTestExporter(table, newFakeBucket("b"))
	ex.Rate = -3
	_, err := ex.Run(context.Background())
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestExportReadCapacity(t *testing.T) {
	table := newFakeTable("users", "id")
	for i := 0; i < 5; i++ {
		table.put(strItem("id", fmt.Sprint(i)))
	}
	bucket := newFakeBucket("test-bucket")
	ex := newTestExporter(table, bucket)
	ex.ReadCapacity = 1000
	out, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.Count)
	assert.InDelta(t, 1.5, ex.Stats().CapacityUsed, 0.01) // three scan pages at 0.5 each
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "t/h", ObjectKey("", "t", "h"))
	assert.Equal(t, "p/t/h", ObjectKey("p", "t", "h"))
	assert.Equal(t, "p/q/t/h", ObjectKey("/p/q/", "t", "h"))
}
