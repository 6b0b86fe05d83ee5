package host

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/st-keller/leakwatch/types"
)

// Sampler reports heap in use and the memory limit, both in bytes.
// A zero limit means the limit is unknown.
type Sampler func() (inuse, limit uint64)

// RuntimeSampler samples HeapInuse against the runtime soft memory limit
// (GOMEMLIMIT or debug.SetMemoryLimit).
func RuntimeSampler() (inuse, limit uint64) {
	l := debug.SetMemoryLimit(-1)
	if l <= 0 || l == math.MaxInt64 {
		return HeapInuse(), 0
	}
	return HeapInuse(), uint64(l)
}

// LevelFor maps heap usage to a trim level; 0 means no pressure.
func LevelFor(inuse, limit uint64) types.TrimLevel {
	if limit == 0 {
		return 0
	}
	ratio := float64(inuse) / float64(limit)
	switch {
	case ratio >= 0.95:
		return types.TrimMemoryComplete
	case ratio >= 0.85:
		return types.TrimMemoryRunningCritical
	case ratio >= 0.75:
		return types.TrimMemoryRunningLow
	case ratio >= 0.60:
		return types.TrimMemoryRunningModerate
	default:
		return 0
	}
}

// PressureWatcher samples memory after every GC cycle and calls notify when
// the trim level rises. Staying at, or dropping to, a level is silent.
type PressureWatcher struct {
	mu     sync.Mutex
	sample Sampler
	notify func(types.TrimLevel)
	last   types.TrimLevel
	hook   *gcHook
}

// NewPressureWatcher creates a watcher. A nil sampler selects RuntimeSampler.
func NewPressureWatcher(notify func(types.TrimLevel), sample Sampler) *PressureWatcher {
	if sample == nil {
		sample = RuntimeSampler
	}
	return &PressureWatcher{
		sample: sample,
		notify: notify,
	}
}

// Start hooks the watcher into the GC cycle.
func (w *PressureWatcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hook == nil {
		w.hook = newGCHook(func() { w.Check() })
	}
}

// Stop unhooks the watcher. The hook stays disarmed after the next cycle.
func (w *PressureWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hook != nil {
		w.hook.stop()
		w.hook = nil
	}
}

// Check samples memory once and returns the current level.
func (w *PressureWatcher) Check() types.TrimLevel {
	inuse, limit := w.sample()
	level := LevelFor(inuse, limit)

	w.mu.Lock()
	rising := level > w.last
	w.last = level
	w.mu.Unlock()

	if rising && w.notify != nil {
		w.notify(level)
	}
	return level
}

// gcHook runs a callback once per GC cycle: a finalizer on an unreachable
// object that re-arms itself every time it fires.
type gcHook struct {
	callback func()
	stopped  atomic.Bool
}

type gcHookRef struct {
	parent *gcHook
}

func gcHookHandler(r *gcHookRef) {
	if r.parent.stopped.Load() {
		return
	}
	r.parent.callback()
	runtime.SetFinalizer(r, gcHookHandler)
}

func newGCHook(callback func()) *gcHook {
	h := &gcHook{callback: callback}
	runtime.SetFinalizer(&gcHookRef{parent: h}, gcHookHandler)
	return h
}

func (h *gcHook) stop() {
	h.stopped.Store(true)
}
