package leakwatch

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"github.com/willibrandon/mtlog/core"
	"gopkg.in/yaml.v3"

	"github.com/st-keller/leakwatch/host"
	"github.com/st-keller/leakwatch/metrics"
	"github.com/st-keller/leakwatch/registry"
	"github.com/st-keller/leakwatch/trigger"
	"github.com/st-keller/leakwatch/types"
)

// Config holds detector configuration. Start from DefaultConfig.
type Config struct {
	// Interval is the quiet period a lifecycle event must follow to dispatch
	// its own collection cycle.
	Interval time.Duration `yaml:"interval"`
	// MarkThreshold is how many scans a suspect may survive before it is
	// reported; it is reported on the scan after that.
	MarkThreshold int `yaml:"mark_threshold"`
	// MaxDeferral bounds how long a continuous event stream can postpone a
	// collection cycle. Zero means unbounded.
	MaxDeferral time.Duration `yaml:"max_deferral"`
	// Workers and WorkerQueue size the built-in worker pool.
	// Ignored when Submitter is set.
	Workers     int `yaml:"workers"`
	WorkerQueue int `yaml:"worker_queue"`

	Logger    core.Logger      `yaml:"-"` // nil = console logger at Information
	Clock     trigger.Clock    `yaml:"-"` // nil = trigger.SystemClock
	Collector host.Collector   `yaml:"-"` // nil = host.Runtime
	Submitter types.Submitter  `yaml:"-"` // nil = built-in worker.Pool
	Metrics   *metrics.Metrics `yaml:"-"` // nil = no metrics
}

// DefaultConfig returns the stock configuration: 100ms interval, threshold 2,
// unbounded deferral, one worker.
func DefaultConfig() Config {
	return Config{
		Interval:      trigger.DefaultInterval,
		MarkThreshold: registry.DefaultMarkThreshold,
		Workers:       1,
		WorkerQueue:   16,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("Interval required (must be > 0)")
	}
	if c.MarkThreshold <= 0 {
		return fmt.Errorf("MarkThreshold required (must be > 0)")
	}
	if c.MaxDeferral < 0 {
		return fmt.Errorf("MaxDeferral must be >= 0")
	}
	if c.MaxDeferral > 0 && c.MaxDeferral <= c.Interval {
		return fmt.Errorf("MaxDeferral (%s) must exceed Interval (%s)", c.MaxDeferral, c.Interval)
	}
	if c.Submitter == nil {
		if c.Workers <= 0 {
			return fmt.Errorf("Workers required (must be > 0)")
		}
		if c.WorkerQueue <= 0 {
			return fmt.Errorf("WorkerQueue required (must be > 0)")
		}
	}
	return nil
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Environment variables read by ApplyEnv.
const (
	EnvInterval      = "LEAKWATCH_INTERVAL"
	EnvMarkThreshold = "LEAKWATCH_MARK_THRESHOLD"
	EnvMaxDeferral   = "LEAKWATCH_MAX_DEFERRAL"
	EnvWorkers       = "LEAKWATCH_WORKERS"
	EnvWorkerQueue   = "LEAKWATCH_WORKER_QUEUE"
)

// ApplyEnv overrides fields from LEAKWATCH_* environment variables using
// lookup (os.LookupEnv when nil). Durations accept Go syntax ("250ms");
// bare integers are nanoseconds.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvInterval, &c.Interval},
		{EnvMaxDeferral, &c.MaxDeferral},
	}
	for _, d := range durations {
		raw, ok := lookup(d.key)
		if !ok || raw == "" {
			continue
		}
		v, err := cast.ToDurationE(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvMarkThreshold, &c.MarkThreshold},
		{EnvWorkers, &c.Workers},
		{EnvWorkerQueue, &c.WorkerQueue},
	}
	for _, n := range ints {
		raw, ok := lookup(n.key)
		if !ok || raw == "" {
			continue
		}
		v, err := cast.ToIntE(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", n.key, err)
		}
		*n.dst = v
	}
	return nil
}
