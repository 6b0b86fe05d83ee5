// Package host wraps the runtime's garbage collector and memory accounting.
package host

import (
	"runtime"
	"time"
)

// CycleStats describes one collection cycle.
type CycleStats struct {
	Duration   time.Duration
	HeapBefore uint64 // heap in use before the cycle, bytes
	HeapAfter  uint64 // heap in use after the cycle, bytes
}

// Collector requests a full collection followed by finalization.
// Implementations may block for tens of milliseconds.
type Collector interface {
	Collect() CycleStats
}

// Runtime collects with the Go runtime.
type Runtime struct{}

// Collect runs two full GC cycles. Objects whose finalizers or cleanups were
// queued by the first cycle are only reclaimed by the second.
func (Runtime) Collect() CycleStats {
	start := time.Now()
	before := HeapInuse()

	runtime.GC()
	runtime.Gosched() // give the finalizer goroutine a chance to run
	runtime.GC()

	return CycleStats{
		Duration:   time.Since(start),
		HeapBefore: before,
		HeapAfter:  HeapInuse(),
	}
}

// HeapInuse returns the bytes in in-use heap spans.
func HeapInuse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func() CycleStats

// Collect calls f.
func (f CollectorFunc) Collect() CycleStats { return f() }
