// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRate is returned when a rate limit of zero or less is supplied.
	ErrInvalidRate = errors.New("rate must be greater than zero")

	// ErrConflictingSources is returned when more than one table source is
	// configured for an enumeration.
	ErrConflictingSources = errors.New("at most one table source may be specified")

	// ErrSinkClosed is returned by BatchSink.Accept after Close has been called.
	ErrSinkClosed = errors.New("sink is closed")
)

// ConfigError reports invalid operator input.  It is always detected before
// any I/O is performed.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// CatalogError reports a failure to enumerate tables or backup objects.
type CatalogError struct {
	Source string
	Err    error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("listing %s failed: %v", e.Source, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// PipelineError reports a failure inside a single table's export or import.
// Once returned, no further records are processed for that table.
type PipelineError struct {
	Table string
	Op    string // describe, scan, read, put, batch-write, close
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("table %s: %s failed: %v", e.Table, e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func pipelineErr(table, op string, err error) error {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return err
	}
	return &PipelineError{Table: table, Op: op, Err: err}
}
