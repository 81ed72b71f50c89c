// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// FlushFunc writes a batch of items to the destination.  It is called from
// its own goroutine and may run concurrently with other flushes.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// BatchSink buffers items and hands them to a FlushFunc in batches.
//
// Items that have been accepted but whose batch has not finished flushing
// count as pending; once maxPending items are pending Accept blocks until a
// flush completes.  The first flush error is sticky: it is returned by every
// later call to Accept and by Close.  Batches flushed before a failure are
// not rolled back.
type BatchSink[T any] struct {
	batchSize int
	flush     FlushFunc[T]
	sem       *semaphore.Weighted

	m       sync.Mutex // protects buf, closed and failed
	buf     []T
	closed  bool
	failed  error
	wg      sync.WaitGroup
	flushed int64
	pending int64
}

// NewBatchSink creates a sink that flushes every batchSize items and allows
// at most maxPending unflushed items.  maxPending is raised to batchSize if
// it is smaller, otherwise a batch could never fill.
func NewBatchSink[T any](batchSize, maxPending int, flush FlushFunc[T]) *BatchSink[T] {
	if batchSize < 1 {
		batchSize = 1
	}
	if maxPending < batchSize {
		maxPending = batchSize
	}
	return &BatchSink[T]{
		batchSize: batchSize,
		flush:     flush,
		sem:       semaphore.NewWeighted(int64(maxPending)),
		buf:       make([]T, 0, batchSize),
	}
}

// Accept adds an item to the current batch, starting a flush if the batch
// is full.  It blocks while the sink is at its pending limit.
func (s *BatchSink[T]) Accept(ctx context.Context, item T) error {
	if err := s.failError(); err != nil {
		return err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	atomic.AddInt64(&s.pending, 1)

	s.m.Lock()
	defer s.m.Unlock()
	if s.failed != nil || s.closed {
		s.release(1)
		if s.failed != nil {
			return s.failed
		}
		return ErrSinkClosed
	}
	s.buf = append(s.buf, item)
	if len(s.buf) >= s.batchSize {
		s.startFlush(ctx)
	}
	return nil
}

// Close flushes any partially filled batch and waits for all outstanding
// flushes to complete.  It returns the first flush error, if any.  Calling
// Close more than once is harmless.
func (s *BatchSink[T]) Close(ctx context.Context) error {
	s.m.Lock()
	if !s.closed {
		s.closed = true
		if len(s.buf) > 0 && s.failed == nil {
			s.startFlush(ctx)
		}
	}
	s.m.Unlock()

	s.wg.Wait()
	return s.failError()
}

// Flushed returns the number of items successfully flushed so far.
func (s *BatchSink[T]) Flushed() int64 {
	return atomic.LoadInt64(&s.flushed)
}

// Pending returns the number of items accepted but not yet flushed.
func (s *BatchSink[T]) Pending() int64 {
	return atomic.LoadInt64(&s.pending)
}

// startFlush hands the current buffer to a flush goroutine.
// Must be called with s.m held.
func (s *BatchSink[T]) startFlush(ctx context.Context) {
	batch := s.buf
	s.buf = make([]T, 0, s.batchSize)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(len(batch))
		if err := s.flush(ctx, batch); err != nil {
			s.fail(err)
			return
		}
		atomic.AddInt64(&s.flushed, int64(len(batch)))
	}()
}

func (s *BatchSink[T]) release(n int) {
	atomic.AddInt64(&s.pending, -int64(n))
	s.sem.Release(int64(n))
}

// fail sets the failure error, if not already set.
func (s *BatchSink[T]) fail(err error) {
	s.m.Lock()
	if s.failed == nil {
		s.failed = err
	}
	s.m.Unlock()
}

// failError returns the error sent to fail()
func (s *BatchSink[T]) failError() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.failed
}
