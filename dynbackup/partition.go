// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Direction says whether tables are being read (backup) or written
// (restore), which selects the capacity used for rate hints.
type Direction int

const (
	DirectionRead Direction = iota
	DirectionWrite
)

func (d Direction) String() string {
	if d == DirectionWrite {
		return "write"
	}
	return "read"
}

// ParseDirection converts "read" or "write" to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "":
		return DirectionRead, nil
	case "write":
		return DirectionWrite, nil
	}
	return DirectionRead, &ConfigError{Msg: fmt.Sprintf("invalid direction %q; must be read or write", s)}
}

// WeightedTable is a manifest entry with its estimated workload.
type WeightedTable struct {
	ManifestEntry
	Weight int64
}

// Partition is the set of tables assigned to one worker.
type Partition struct {
	Index  int
	Tables []ManifestEntry
}

// Weight returns the total weight of the tables in p, as looked up in
// weights.
func (p Partition) Weight(weights map[string]int64) (total int64) {
	for _, t := range p.Tables {
		total += weights[t.Table]
	}
	return total
}

// Weigh looks up each table's metadata to estimate its workload.  For reads
// the weight is the table's item count; for writes the destination's item
// count says nothing about the backup's size, so the weight is left at 0.
// Entries without a rate override are given half the table's capacity in the
// given direction, capped at limit.  Tables without provisioned capacity get
// no override, leaving the caller's limit in force.  Lookups are best effort:
// a table that can't be described keeps weight 0 and its original rate.
func Weigh(ctx context.Context, dyn DynDescriber, entries []ManifestEntry, dir Direction, limit Rate, concurrency int, logger *zap.Logger) []WeightedTable {
	logger = loggerOrNop(logger)
	if concurrency < 1 {
		concurrency = 1
	}
	result := make([]WeightedTable, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, entry := range entries {
		result[i] = WeightedTable{ManifestEntry: entry}
		g.Go(func() error {
			table, err := DescribeTable(gctx, dyn, SnapshotTable(entry.Table))
			if err != nil {
				logger.Warn("Failed to describe table; weighting as empty",
					zap.String("table", entry.Table), zap.Error(err))
				return nil
			}
			wt := &result[i]
			capacity := table.ReadCapacity
			if dir == DirectionRead {
				wt.Weight = table.ItemCount
			} else {
				capacity = table.WriteCapacity
			}
			if wt.Rate == 0 {
				wt.Rate = capRate(HalfCapacity(capacity), limit)
			}
			return nil
		})
	}
	g.Wait() // goroutines never return an error
	return result
}

// capRate returns a capacity hint no higher than limit.  An Unlimited hint is
// no override at all.
func capRate(hint, limit Rate) Rate {
	switch {
	case hint.IsUnlimited():
		return 0
	case limit > 0 && hint > limit:
		return limit
	}
	return hint
}

// Unweighted wraps entries with zero weight, for when no metadata is
// available.
func Unweighted(entries []ManifestEntry) []WeightedTable {
	result := make([]WeightedTable, len(entries))
	for i, e := range entries {
		result[i] = WeightedTable{ManifestEntry: e}
	}
	return result
}

// PartitionTables splits tables between workers.  Tables are sorted by
// ascending weight, keeping the listing order for equal weights, and the
// table at sorted position i goes to worker i mod workers.
//
// This interleaving keeps the partitions within one table's weight of each
// other when weights are evenly spread, but it is not optimal bin packing;
// clusters of large tables can still skew it.  Assigning the heaviest
// remaining table to the lightest partition would balance better if needed.
//
// Exactly workers partitions are returned; some may be empty.
func PartitionTables(tables []WeightedTable, workers int) []Partition {
	if workers < 1 {
		workers = 1
	}
	sorted := append([]WeightedTable(nil), tables...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Weight < sorted[j].Weight
	})

	parts := make([]Partition, workers)
	for i := range parts {
		parts[i].Index = i
	}
	for i, t := range sorted {
		p := &parts[i%workers]
		p.Tables = append(p.Tables, t.ManifestEntry)
	}
	return parts
}

// Weights returns a table name to weight lookup.
func Weights(tables []WeightedTable) map[string]int64 {
	m := make(map[string]int64, len(tables))
	for _, t := range tables {
		m[t.Table] = t.Weight
	}
	return m
}
