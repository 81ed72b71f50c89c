// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pages served by cursor; an empty page in the middle must be skipped
var testPages = map[int][]string{
	0: {"a", "b"},
	1: {},
	2: {"c"},
}

func testPageFunc(calls *int) PageFunc[string, int] {
	return func(ctx context.Context, cursor int) ([]string, int, bool, error) {
		*calls++
		return testPages[cursor], cursor + 1, cursor < 2, nil
	}
}

func TestPagerNext(t *testing.T) {
	var calls int
	p := NewPager(testPageFunc(&calls))
	ctx := context.Background()

	page, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, page)
	assert.Equal(t, 1, calls, "pages should be fetched lazily")

	page, err = p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, page)

	_, err = p.Next(ctx)
	assert.Equal(t, io.EOF, err)
	_, err = p.Next(ctx)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 3, calls, "no fetch after the final page")
}

func TestPagerReset(t *testing.T) {
	var calls int
	p := NewPager(testPageFunc(&calls))
	all, err := CollectAll(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, all)

	p.Reset()
	all, err = CollectAll(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, all)
}

func TestPagerError(t *testing.T) {
	testErr := errors.New("test error")
	p := NewPager(func(ctx context.Context, cursor string) ([]int, string, bool, error) {
		if cursor == "" {
			return []int{1}, "next", true, nil
		}
		return nil, "", false, testErr
	})
	_, err := CollectAll(context.Background(), p)
	assert.Equal(t, testErr, err)
}

func TestPagerCanceled(t *testing.T) {
	var calls int
	p := NewPager(testPageFunc(&calls))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}
