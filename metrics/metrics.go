// Package metrics exposes detector activity as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "leakwatch"

// Metrics holds the detector's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Recorded   prometheus.Counter
	Dispatched prometheus.Counter
	Coalesced  prometheus.Counter
	Dropped    prometheus.Counter
	Scans      prometheus.Counter
	Collected  prometheus.Counter
	Leaked     prometheus.Counter
	Suspects   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Recorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspects_recorded_total",
			Help:      "Destroyed key objects placed under observation.",
		}),
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_cycles_dispatched_total",
			Help:      "Collection cycles handed to the worker context.",
		}),
		Coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_coalesced_total",
			Help:      "Lifecycle events that did not dispatch a cycle of their own.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_cycles_dropped_total",
			Help:      "Collection cycles the worker context refused.",
		}),
		Scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scan passes over the suspect registry.",
		}),
		Collected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspects_collected_total",
			Help:      "Suspects whose object was reclaimed.",
		}),
		Leaked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaks_reported_total",
			Help:      "Suspects reported as leaked.",
		}),
		Suspects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "suspects",
			Help:      "Suspects currently under observation.",
		}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Recorded, m.Dispatched, m.Coalesced, m.Dropped,
		m.Scans, m.Collected, m.Leaked, m.Suspects,
	}
}

// ObserveRecord counts a new suspect.
func (m *Metrics) ObserveRecord(suspects int) {
	if m == nil {
		return
	}
	m.Recorded.Inc()
	m.Suspects.Set(float64(suspects))
}

// ObserveTrigger counts a rate-limiter decision.
func (m *Metrics) ObserveTrigger(dispatched bool) {
	if m == nil {
		return
	}
	if dispatched {
		m.Dispatched.Inc()
	} else {
		m.Coalesced.Inc()
	}
}

// ObserveDropped counts a cycle the worker refused.
func (m *Metrics) ObserveDropped() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}

// ObserveScan records the outcome of one scan pass.
func (m *Metrics) ObserveScan(collected, leaked, suspects int) {
	if m == nil {
		return
	}
	m.Scans.Inc()
	m.Collected.Add(float64(collected))
	m.Leaked.Add(float64(leaked))
	m.Suspects.Set(float64(suspects))
}
