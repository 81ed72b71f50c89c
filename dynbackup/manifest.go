// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ManifestEntry names a table to process along with an optional rate
// override.  A zero Rate means no override.
type ManifestEntry struct {
	Table string
	Rate  Rate
}

func (e ManifestEntry) String() string {
	if e.Rate == 0 {
		return e.Table
	}
	return e.Table + "," + e.Rate.String()
}

// ReadManifest parses a manifest: one table per line, optionally followed by
// a comma and a rate limit ("users,50").  Blank lines are skipped and fields
// are trimmed.  Tables listed more than once keep their first entry.
func ReadManifest(r io.Reader) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) > 2 {
			return nil, &ConfigError{Msg: fmt.Sprintf("manifest line %d: expected table[,rate]", lineno)}
		}
		entry := ManifestEntry{Table: strings.TrimSpace(fields[0])}
		if entry.Table == "" {
			return nil, &ConfigError{Msg: fmt.Sprintf("manifest line %d: missing table name", lineno)}
		}
		if len(fields) == 2 {
			rate, err := parseManifestRate(fields[1])
			if err != nil {
				return nil, &ConfigError{Msg: fmt.Sprintf("manifest line %d", lineno), Err: err}
			}
			entry.Rate = rate
		}
		if seen[entry.Table] {
			continue
		}
		seen[entry.Table] = true
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// WriteManifest writes entries in the format read by ReadManifest.
func WriteManifest(w io.Writer, entries []ManifestEntry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintln(bw, e.String()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func parseManifestRate(s string) (Rate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.EqualFold(s, Unlimited.String()) {
		return Unlimited, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid rate %q: %w", s, ErrInvalidRate)
	}
	return Rate(n), nil
}

// Tables returns the table names of the entries, in order.
func Tables(entries []ManifestEntry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Table
	}
	return names
}
