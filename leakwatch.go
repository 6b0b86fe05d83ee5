// Package leakwatch is a heuristic leak detector for long-running Go processes.
//
// Instrumentation marks key objects twice: when they are created and when they
// are expected to become unreachable. The detector works in four parts:
//  1. Creation stack - ids of live key objects, snapshotted at destroy time
//  2. Suspect registry - weak observations of destroyed objects with a mark count
//  3. Collection trigger - rate-limited GC cycles on a worker context (100ms)
//  4. Scan - idle-time pass that drops collected suspects and reports survivors
//
// A suspect that is still reachable on three consecutive scans is reported to
// the single Listener with the creation stack captured when it was destroyed.
// The result is a bounded-confidence heuristic, not proof of a leak.
//
// All registry and stack state is owned by one loop goroutine; every public
// method only enqueues work on it and is safe to call from any goroutine.
package leakwatch

// Version is the library version.
const Version = "1.0.0"
