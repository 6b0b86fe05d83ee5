package leakwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"

	"github.com/st-keller/leakwatch/host"
	"github.com/st-keller/leakwatch/loop"
	"github.com/st-keller/leakwatch/metrics"
	"github.com/st-keller/leakwatch/registry"
	"github.com/st-keller/leakwatch/report"
	"github.com/st-keller/leakwatch/stack"
	"github.com/st-keller/leakwatch/trigger"
	"github.com/st-keller/leakwatch/types"
	"github.com/st-keller/leakwatch/worker"
)

var (
	// ErrRunning is returned by Start on a running detector.
	ErrRunning = errors.New("detector already running")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("detector stopped")
)

// Stats is a point-in-time view of detector activity.
type Stats struct {
	Suspects   int    `json:"suspects"`
	StackDepth int    `json:"stack_depth"`
	Dispatched uint64 `json:"dispatched"`
	Coalesced  uint64 `json:"coalesced"`
	Dropped    uint64 `json:"dropped"`
	Scans      uint64 `json:"scans"`
	Collected  uint64 `json:"collected"`
	Leaks      uint64 `json:"leaks"`
}

type listenerSlot struct {
	l types.Listener
}

// Detector is the leak detector context owned by the application.
type Detector struct {
	config    Config
	logger    core.Logger
	clock     trigger.Clock
	collector host.Collector
	submitter types.Submitter
	pool      *worker.Pool // nil when the caller supplied a Submitter
	metrics   *metrics.Metrics

	owner *loop.Loop

	// Owned by the owner loop.
	stack     *stack.Tracker
	suspects  *registry.Registry
	limiter   *trigger.Limiter
	scans     uint64
	collected uint64
	leaks     uint64
	dropped   uint64

	listener   atomic.Pointer[listenerSlot]
	delivering atomic.Bool // a listener is running on the owner loop

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a detector. Call Start to begin processing; events posted
// before Start are queued.
func New(config Config) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = mtlog.New(mtlog.WithConsole(), mtlog.WithMinimumLevel(core.InformationLevel))
	}
	logger = logger.ForContext("SourceContext", "leakwatch")

	clock := config.Clock
	if clock == nil {
		clock = trigger.SystemClock{}
	}

	collector := config.Collector
	if collector == nil {
		collector = host.Runtime{}
	}

	var opts []trigger.Option
	if config.MaxDeferral > 0 {
		opts = append(opts, trigger.WithMaxDeferral(config.MaxDeferral))
	}
	limiter, err := trigger.New(config.Interval, clock, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trigger: %w", err)
	}

	d := &Detector{
		config:    config,
		logger:    logger,
		clock:     clock,
		collector: collector,
		submitter: config.Submitter,
		metrics:   config.Metrics,
		owner:     loop.New(),
		stack:     stack.New(),
		suspects:  registry.New(config.MarkThreshold),
		limiter:   limiter,
	}

	if d.submitter == nil {
		pool, err := worker.New(config.Workers, config.WorkerQueue)
		if err != nil {
			return nil, fmt.Errorf("failed to create worker pool: %w", err)
		}
		d.pool = pool
		d.submitter = pool
	}

	return d, nil
}

// Start runs the owner loop and the worker pool until ctx is cancelled or
// Stop is called.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrStopped
	}
	if d.running {
		return ErrRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	if d.pool != nil {
		if err := d.pool.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.owner.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("Owner loop exited: {Error}", err)
		}
	}()

	d.running = true
	d.cancel = cancel
	d.done = done

	d.logger.Information("Leak detector started (interval {Interval}, threshold {Threshold})",
		d.limiter.Interval(), d.suspects.Threshold())
	return nil
}

// Stop shuts the detector down. Queued events and pending scans are dropped;
// a collection cycle already running on the worker finishes first.
// Called from a listener, Stop returns without waiting for the owner loop,
// which exits once the listener returns.
func (d *Detector) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	running, cancel, done := d.running, d.cancel, d.done
	d.running = false
	d.mu.Unlock()

	if running {
		cancel()
		if !d.delivering.Load() {
			<-done
		}
	}
	d.owner.Stop()
	if d.pool != nil {
		_ = d.pool.Close()
	}

	d.logger.Information("Leak detector stopped")
}

// SetListener installs l as the single report subscriber, replacing any
// previous one. A nil l clears the slot.
func (d *Detector) SetListener(l types.Listener) {
	if l == nil {
		d.listener.Store(nil)
		return
	}
	d.listener.Store(&listenerSlot{l: l})
}

// ClearListener removes the subscriber. Later reports are discarded.
func (d *Detector) ClearListener() {
	d.listener.Store(nil)
}

func (d *Detector) currentListener() types.Listener {
	if slot := d.listener.Load(); slot != nil {
		return slot.l
	}
	return nil
}

// OnKeyObjectCreate records obj on the creation stack.
func (d *Detector) OnKeyObjectCreate(obj any) {
	id := registry.Identify(obj)
	d.post("create", func() {
		d.stack.Push(id)
	})
}

// OnKeyObjectDestroy puts the object behind ref under observation, tagged with
// the creation stack as it is right now, and requests a collection cycle.
func (d *Detector) OnKeyObjectDestroy(ref registry.Ref) {
	if ref == nil {
		return
	}
	d.post("destroy", func() {
		// Snapshot before removing: the object's own id is part of its context.
		d.suspects.Record(ref, d.stack.Snapshot())
		d.stack.Remove(ref.ID())
		d.metrics.ObserveRecord(d.suspects.Len())
		d.onLifecycleEvent("destroy")
	})
}

// Destroy is OnKeyObjectDestroy for a plain pointer, held weakly.
func Destroy[T any](d *Detector, obj *T) {
	d.OnKeyObjectDestroy(registry.Weak(obj))
}

// OnLowMemory requests a collection cycle at the highest trim level.
func (d *Detector) OnLowMemory(obj any) {
	d.OnTrimMemory(obj, types.TrimMemoryComplete)
}

// OnTrimMemory requests a collection cycle. level is only logged.
func (d *Detector) OnTrimMemory(obj any, level types.TrimLevel) {
	src := registry.Identify(obj)
	d.post("trim", func() {
		d.logger.Debug("Memory trim signal {Level} from {Source}", level.String(), src)
		d.onLifecycleEvent("trim")
	})
}

// Scan runs one scan pass on the owner loop and returns its report. The report
// is delivered to the listener as usual when non-empty.
func (d *Detector) Scan(ctx context.Context) (report.Report, error) {
	var rep report.Report
	err := d.owner.Call(ctx, func() {
		rep = d.scanPass()
	})
	return rep, err
}

// Quiesce waits until everything queued on the owner loop so far has run,
// including idle work that work queued itself. With an inline Submitter that
// covers the scan of any cycle dispatched along the way; with the worker pool
// the scan may still be pending.
func (d *Detector) Quiesce(ctx context.Context) error {
	return d.owner.Quiesce(ctx)
}

// Stats returns a snapshot of detector counters.
func (d *Detector) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := d.owner.Call(ctx, func() {
		ls := d.limiter.Stats()
		st = Stats{
			Suspects:   d.suspects.Len(),
			StackDepth: d.stack.Len(),
			Dispatched: ls.Dispatched,
			Coalesced:  ls.Coalesced,
			Dropped:    d.dropped,
			Scans:      d.scans,
			Collected:  d.collected,
			Leaks:      d.leaks,
		}
	})
	return st, err
}

// Logger returns the detector's logger.
func (d *Detector) Logger() core.Logger {
	return d.logger
}

func (d *Detector) post(op string, fn func()) {
	if err := d.owner.Post(fn); err != nil {
		d.logger.Debug("Dropped {Operation} event: {Error}", op, err)
	}
}

// onLifecycleEvent runs on the owner loop.
func (d *Detector) onLifecycleEvent(source string) {
	dispatch := d.limiter.OnLifecycleEvent()
	d.metrics.ObserveTrigger(dispatch)
	if !dispatch {
		return
	}

	if err := d.submitter.Submit(d.collectionCycle); err != nil {
		d.dropped++
		d.metrics.ObserveDropped()
		d.logger.Error("Collection cycle dropped ({Source}): {Error}", source, err)
	}
}

// collectionCycle runs on the worker context.
func (d *Detector) collectionCycle() {
	stats := d.collector.Collect()
	d.logger.Debug("Collection cycle took {Duration}, heap {HeapBefore} -> {HeapAfter}",
		stats.Duration, humanize.Bytes(stats.HeapBefore), humanize.Bytes(stats.HeapAfter))

	if err := d.owner.PostIdle(func() { d.scanPass() }); err != nil {
		d.logger.Debug("Scan not scheduled: {Error}", err)
	}
}

// scanPass runs on the owner loop.
func (d *Detector) scanPass() report.Report {
	res := d.suspects.Scan()
	d.scans++
	d.collected += uint64(res.Collected)
	d.leaks += uint64(len(res.Leaked))
	d.metrics.ObserveScan(res.Collected, len(res.Leaked), d.suspects.Len())

	d.logger.Debug("Scan {Scan}: {Collected} collected, {Marked} marked, {Leaked} leaked",
		d.scans, res.Collected, res.Marked, len(res.Leaked))

	if len(res.Leaked) == 0 {
		return report.Report{}
	}

	rep := report.New(res.Leaked, d.clock.Now())
	for _, leak := range rep.Leaks {
		d.logger.Warning("Leak suspected: {Object} survived {Marks} scans, created under {Stack}",
			leak.Description, leak.Marks, leak.Stack)
	}

	l := d.currentListener()
	if l == nil {
		d.logger.Debug("No listener, report {ReportID} discarded", rep.ID)
		return rep
	}
	d.deliver(l, rep)
	return rep
}

func (d *Detector) deliver(l types.Listener, rep report.Report) {
	d.delivering.Store(true)
	defer func() {
		d.delivering.Store(false)
		if r := recover(); r != nil {
			d.logger.Error("Listener panicked on report {ReportID}: {Panic}", rep.ID, r)
		}
	}()
	l.OnLeak(rep)
}
