// Package trigger rate-limits collection cycles.
package trigger

import (
	"fmt"
	"time"
)

// DefaultInterval is the minimum quiet period between two lifecycle events for
// the second one to dispatch its own collection cycle.
const DefaultInterval = 100 * time.Millisecond

// Clock is a monotonic time source.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now, whose values carry a monotonic reading.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Option configures a Limiter.
type Option func(*Limiter)

// WithMaxDeferral bounds how long a continuous stream of events can postpone
// dispatch. Zero (the default) leaves deferral unbounded.
func WithMaxDeferral(d time.Duration) Option {
	return func(l *Limiter) {
		l.maxDeferral = d
	}
}

// Stats counts Limiter decisions.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Coalesced  uint64 `json:"coalesced"`
}

// Limiter coalesces bursts of lifecycle events into single collection cycles.
//
// The last-event timestamp moves forward on every event, dispatched or not, so
// an event dispatches only after a quiet gap longer than the interval. A
// stream of events spaced closer than the interval postpones dispatch for as
// long as it lasts unless WithMaxDeferral is set.
//
// Limiter is not safe for concurrent use.
type Limiter struct {
	interval    time.Duration
	maxDeferral time.Duration
	clock       Clock

	last         time.Time // last event, zero before the first one
	lastDispatch time.Time
	stats        Stats
}

// New creates a Limiter. A nil clock selects SystemClock.
func New(interval time.Duration, clock Clock, opts ...Option) (*Limiter, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0, got %s", interval)
	}
	if clock == nil {
		clock = SystemClock{}
	}

	l := &Limiter{
		interval: interval,
		clock:    clock,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.maxDeferral < 0 {
		return nil, fmt.Errorf("max deferral must be >= 0, got %s", l.maxDeferral)
	}
	return l, nil
}

// OnLifecycleEvent records an event and reports whether a collection cycle
// should be dispatched for it.
func (l *Limiter) OnLifecycleEvent() bool {
	now := l.clock.Now()

	dispatch := l.last.IsZero() || now.Sub(l.last) > l.interval
	if !dispatch && l.maxDeferral > 0 && now.Sub(l.lastDispatch) > l.maxDeferral {
		dispatch = true
	}

	l.last = now
	if dispatch {
		l.lastDispatch = now
		l.stats.Dispatched++
	} else {
		l.stats.Coalesced++
	}
	return dispatch
}

// Interval returns the configured interval.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Stats returns dispatch counters.
func (l *Limiter) Stats() Stats {
	return l.stats
}
