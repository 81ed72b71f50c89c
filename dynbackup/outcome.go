// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outcome is the result of running one table's pipeline.
type Outcome struct {
	Table string
	Count int64 // records written to the destination
	Bytes int64
	Err   error
}

// TableFunc runs the pipeline for a single manifest entry.
type TableFunc func(ctx context.Context, entry ManifestEntry) (Outcome, error)

// RunTables runs fn for each entry, at most concurrency at a time.  The
// first failure cancels the context passed to the remaining pipelines; the
// outcomes of every table started are returned in entry order along with
// that first error.
func RunTables(ctx context.Context, entries []ManifestEntry, concurrency int, fn TableFunc) ([]Outcome, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var m sync.Mutex
	outcomes := make([]Outcome, len(entries))
	started := make([]bool, len(entries))

	for i, entry := range entries {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := fn(gctx, entry)
			if out.Table == "" {
				out.Table = entry.Table
			}
			if err != nil && out.Err == nil {
				out.Err = err
			}
			m.Lock()
			outcomes[i] = out
			started[i] = true
			m.Unlock()
			return err
		})
	}
	err := g.Wait()

	result := make([]Outcome, 0, len(entries))
	for i := range outcomes {
		if started[i] {
			result = append(result, outcomes[i])
		}
	}
	return result, err
}

// ExitStatus maps a set of outcomes to a process exit status: 0 if every
// table succeeded, otherwise 1.
func ExitStatus(outcomes []Outcome) int {
	for _, o := range outcomes {
		if o.Err != nil {
			return 1
		}
	}
	return 0
}

func loggerOrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
