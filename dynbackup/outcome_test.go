// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTables(t *testing.T) {
	entries := []ManifestEntry{{Table: "a"}, {Table: "b"}, {Table: "c"}}
	var running, peak int32
	outcomes, err := RunTables(context.Background(), entries, 2, func(ctx context.Context, e ManifestEntry) (Outcome, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		defer atomic.AddInt32(&running, -1)
		return Outcome{Table: e.Table, Count: int64(len(e.Table))}, nil
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for i, o := range outcomes {
		assert.Equal(t, entries[i].Table, o.Table)
		assert.Equal(t, int64(1), o.Count)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, 0, ExitStatus(outcomes))
}

// The first failure cancels the remaining tables.
func TestRunTablesFailure(t *testing.T) {
	testErr := errors.New("test error")
	entries := []ManifestEntry{{Table: "a"}, {Table: "b"}, {Table: "c"}}
	var canceled int32
	outcomes, err := RunTables(context.Background(), entries, 1, func(ctx context.Context, e ManifestEntry) (Outcome, error) {
		if ctx.Err() != nil {
			atomic.AddInt32(&canceled, 1)
			return Outcome{}, ctx.Err()
		}
		if e.Table == "a" {
			return Outcome{}, testErr
		}
		return Outcome{Count: 1}, nil
	})
	assert.Equal(t, testErr, err)
	require.NotEmpty(t, outcomes)
	assert.Equal(t, "a", outcomes[0].Table)
	assert.Equal(t, testErr, outcomes[0].Err)
	assert.Equal(t, 1, ExitStatus(outcomes))
	for _, o := range outcomes[1:] {
		assert.Error(t, o.Err, "tables after a failure must not succeed")
	}
}
