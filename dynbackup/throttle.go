// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

const throttleWindow = time.Second

// Rate is an operation limit in items per second.
type Rate int

// Unlimited disables throttling.
const Unlimited Rate = -1

// IsUnlimited returns true if the rate does not restrict throughput.
func (r Rate) IsUnlimited() bool {
	return r == Unlimited
}

// Validate returns ErrInvalidRate for rates that would never admit an item.
func (r Rate) Validate() error {
	if r == Unlimited || r > 0 {
		return nil
	}
	return ErrInvalidRate
}

func (r Rate) String() string {
	if r.IsUnlimited() {
		return "unlimited"
	}
	return strconv.Itoa(int(r))
}

// ParseRate converts an operator supplied rate into a Rate.  Empty and
// non-numeric values mean Unlimited.  Numeric values are returned as-is and
// must be checked with Validate.
func ParseRate(s string) Rate {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil {
		return Unlimited
	}
	return Rate(n)
}

// HalfCapacity returns half of a provisioned capacity, rounded, as a Rate.
// Tables without provisioned capacity (on-demand) get Unlimited.
func HalfCapacity(units int64) Rate {
	if units <= 0 {
		return Unlimited
	}
	r := Rate(math.Round(float64(units) / 2))
	if r < 1 {
		r = 1
	}
	return r
}

// Clock provides the time source for a Throttle.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Throttle limits callers of Wait to a fixed number of admissions in any
// trailing one second window.
//
// A Throttle belongs to a single pipeline; it is safe for concurrent use but
// sharing one between tables would couple their throughput.
type Throttle struct {
	rate   Rate
	clock  Clock
	m      sync.Mutex
	window []time.Time // admission times, oldest first
}

// NewThrottle creates a Throttle admitting at most rate items per second.
// A nil clock uses the system clock.
func NewThrottle(rate Rate, clock Clock) (*Throttle, error) {
	if err := rate.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = realClock{}
	}
	t := &Throttle{rate: rate, clock: clock}
	if !rate.IsUnlimited() {
		t.window = make([]time.Time, 0, int(rate)+1)
	}
	return t, nil
}

// Rate returns the configured limit.
func (t *Throttle) Rate() Rate {
	return t.rate
}

// Wait records an admission and, if the window is now full, blocks until the
// oldest admission leaves it.  It returns early with the context's error if
// ctx is done while waiting.
func (t *Throttle) Wait(ctx context.Context) error {
	if t.rate.IsUnlimited() {
		return ctx.Err()
	}

	// the lock is held while sleeping so concurrent callers queue up behind
	// the one that filled the window
	t.m.Lock()
	defer t.m.Unlock()

	now := t.clock.Now()
	if n := len(t.window); n > 0 && now.Before(t.window[n-1]) {
		// clock went backwards; the recorded history is meaningless
		t.window = t.window[:0]
	}
	t.prune(now)
	t.window = append(t.window, now)

	if len(t.window) < int(t.rate) {
		return ctx.Err()
	}
	elapsed := now.Sub(t.window[0])
	if elapsed < 0 {
		elapsed = 0
	}
	delay := throttleWindow - elapsed
	if delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-t.clock.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prune drops admissions at or before now minus the window size.
func (t *Throttle) prune(now time.Time) {
	cutoff := now.Add(-throttleWindow)
	i := 0
	for i < len(t.window) && !t.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		t.window = append(t.window[:0], t.window[i:]...)
	}
}
