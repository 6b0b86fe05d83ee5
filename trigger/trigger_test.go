package trigger

import (
	"testing"
	"time"
)

// manualClock only moves when told to.
type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func mustLimiter(t *testing.T, c Clock, opts ...Option) *Limiter {
	t.Helper()
	l, err := New(DefaultInterval, c, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return l
}

func TestLimiter_FirstEventDispatches(t *testing.T) {
	l := mustLimiter(t, newManualClock())
	if !l.OnLifecycleEvent() {
		t.Fatal("first event did not dispatch")
	}
}

func TestLimiter_Spacing(t *testing.T) {
	tests := []struct {
		name string
		gap  time.Duration
		want bool
	}{
		{"within interval", 50 * time.Millisecond, false},
		{"exactly interval", 100 * time.Millisecond, false},
		{"past interval", 101 * time.Millisecond, true},
		{"long gap", 5 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newManualClock()
			l := mustLimiter(t, c)
			l.OnLifecycleEvent()

			c.Advance(tt.gap)
			if got := l.OnLifecycleEvent(); got != tt.want {
				t.Errorf("second event dispatched = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLimiter_TimestampRefreshedOnCoalescedEvents(t *testing.T) {
	c := newManualClock()
	l := mustLimiter(t, c)
	l.OnLifecycleEvent()

	// Each event is 60ms after the previous one: 180ms after the dispatch,
	// but never 100ms after the last event.
	for i := 0; i < 3; i++ {
		c.Advance(60 * time.Millisecond)
		if l.OnLifecycleEvent() {
			t.Fatalf("event %d dispatched, want coalesced", i)
		}
	}

	c.Advance(150 * time.Millisecond)
	if !l.OnLifecycleEvent() {
		t.Fatal("event after quiet gap did not dispatch")
	}

	st := l.Stats()
	if st.Dispatched != 2 || st.Coalesced != 3 {
		t.Errorf("Stats() = %+v, want 2 dispatched / 3 coalesced", st)
	}
}

func TestLimiter_BurstDispatchesOnce(t *testing.T) {
	c := newManualClock()
	l := mustLimiter(t, c)

	dispatched := 0
	for i := 0; i < 1000; i++ {
		if l.OnLifecycleEvent() {
			dispatched++
		}
		c.Advance(10 * time.Microsecond)
	}
	if dispatched != 1 {
		t.Errorf("dispatched = %d, want 1", dispatched)
	}
}

func TestLimiter_MaxDeferralBoundsStarvation(t *testing.T) {
	c := newManualClock()
	l := mustLimiter(t, c, WithMaxDeferral(time.Second))
	l.OnLifecycleEvent()

	dispatched := 0
	// 3s of events every 50ms.
	for i := 0; i < 60; i++ {
		c.Advance(50 * time.Millisecond)
		if l.OnLifecycleEvent() {
			dispatched++
		}
	}
	if dispatched < 2 || dispatched > 3 {
		t.Errorf("dispatched = %d during a 3s stream, want 2..3", dispatched)
	}
}

func TestLimiter_UnboundedByDefault(t *testing.T) {
	c := newManualClock()
	l := mustLimiter(t, c)
	l.OnLifecycleEvent()

	for i := 0; i < 600; i++ {
		c.Advance(50 * time.Millisecond)
		if l.OnLifecycleEvent() {
			t.Fatalf("event %d dispatched during a continuous stream", i)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(0, nil); err == nil {
		t.Error("New(0) error = nil, want error")
	}
	if _, err := New(time.Millisecond, nil, WithMaxDeferral(-time.Second)); err == nil {
		t.Error("negative max deferral error = nil, want error")
	}
	l, err := New(time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, ok := l.clock.(SystemClock); !ok {
		t.Errorf("default clock = %T, want SystemClock", l.clock)
	}
	if got := l.Interval(); got != time.Millisecond {
		t.Errorf("Interval() = %v, want 1ms", got)
	}
}
