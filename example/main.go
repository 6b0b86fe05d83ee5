// Command example runs a toy service that leaks some of its sessions and
// reports them through leakwatch.
//
// Usage:
//
//	example [--config=leakwatch.yaml] [--interval=100ms] [--max-deferral=500ms] [--metrics=:9090] [--export=https://collector:9080]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"

	"github.com/st-keller/leakwatch"
	"github.com/st-keller/leakwatch/host"
	"github.com/st-keller/leakwatch/metrics"
	"github.com/st-keller/leakwatch/standard"
	"github.com/st-keller/leakwatch/transport"
	"github.com/st-keller/leakwatch/types"
)

type options struct {
	configPath  string
	interval    time.Duration
	maxDeferral time.Duration
	metricsAddr string
	exportURL   string
	tls         transport.TLSFiles
	leakEvery   int
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "example",
		Short: "Run a demo service whose sessions leak now and then",
		Long: `Opens and closes a session every 50ms. Every --leak-every-th closed
session stays referenced, and leakwatch reports it after it survives three
scans. Reports go to the console, to /leaks on the metrics listener and,
when --export is set, to a collector over HTTP/2.

Sessions close faster than the collection interval, so without a bound every
event would postpone collection forever. --max-deferral (default 500ms) forces
a collection cycle at least that often; it applies unless the config file or
LEAKWATCH_MAX_DEFERRAL already set one.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd, opts)
		},
	}

	bindFlags(cmd.Flags(), opts)
	return cmd
}

func bindFlags(f *pflag.FlagSet, opts *options) {
	f.StringVar(&opts.configPath, "config", "", "YAML config file")
	f.DurationVar(&opts.interval, "interval", 0, "collection trigger interval (overrides config)")
	f.DurationVar(&opts.maxDeferral, "max-deferral", 500*time.Millisecond, "longest a stream of events may postpone collection")
	f.StringVar(&opts.metricsAddr, "metrics", ":9090", "listen address for /metrics and /leaks")
	f.StringVar(&opts.exportURL, "export", "", "collector base URL")
	f.StringVar(&opts.tls.CertPath, "cert", "/certs/leakwatch.cert.pem", "client certificate for --export")
	f.StringVar(&opts.tls.KeyPath, "key", "/certs/leakwatch.key.pem", "client key for --export")
	f.StringVar(&opts.tls.CAPath, "ca", "/certs/ca.cert.pem", "CA certificate for --export")
	f.IntVar(&opts.leakEvery, "leak-every", 10, "retain every n-th session")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log at Debug level")
}

func run(ctx context.Context, cmd *cobra.Command, opts *options) error {
	level := core.InformationLevel
	if opts.verbose {
		level = core.DebugLevel
	}
	logger := mtlog.New(mtlog.WithConsole(), mtlog.WithMinimumLevel(level))

	cfg, err := buildConfig(cmd.Flags(), opts, nil)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}
	cfg.Metrics = m
	cfg.Logger = logger

	detector, err := leakwatch.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := detector.Start(ctx); err != nil {
		return err
	}
	defer detector.Stop()

	recent := standard.NewRecentLeaks(50)
	listeners := standard.Multi{standard.NewLogListener(logger), recent}
	var certificates *standard.CertificateMonitor
	if opts.exportURL != "" {
		exporter, err := standard.NewExporter(standard.ExporterConfig{
			URL:     opts.exportURL,
			TLS:     opts.tls,
			Service: standard.AutoDetect("leakwatch-example", leakwatch.Version),
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		defer exporter.Stop()
		listeners = append(listeners, exporter)
		certificates = exporter.Certificates()
	}
	detector.SetListener(listeners)

	pressure := host.NewPressureWatcher(func(level types.TrimLevel) {
		detector.OnTrimMemory("gc", level)
	}, nil)
	pressure.Start()
	defer pressure.Stop()

	srv := &http.Server{Addr: opts.metricsAddr, Handler: newMux(reg, recent, certificates)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			detector.Logger().Error("Metrics listener failed: {Error}", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	detector.Logger().Information("Demo running, metrics on {Address}, leaking every {LeakEvery}th session, collecting at least every {MaxDeferral}",
		opts.metricsAddr, opts.leakEvery, cfg.MaxDeferral)
	simulate(ctx, detector, opts.leakEvery)
	detector.Logger().Information("Shutting down")
	return nil
}

// buildConfig layers defaults, the config file, LEAKWATCH_* variables (read
// through lookup, os.LookupEnv when nil) and flags.
func buildConfig(flags *pflag.FlagSet, opts *options, lookup func(string) (string, bool)) (leakwatch.Config, error) {
	cfg := leakwatch.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := leakwatch.LoadConfig(opts.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}

	if flags.Changed("interval") {
		cfg.Interval = opts.interval
	}
	if flags.Changed("max-deferral") || cfg.MaxDeferral == 0 {
		cfg.MaxDeferral = opts.maxDeferral
	}
	return cfg, cfg.Validate()
}

func newMux(reg *prometheus.Registry, recent *standard.RecentLeaks, certificates *standard.CertificateMonitor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/leaks", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(recent.GetData())
	})
	if certificates != nil {
		mux.HandleFunc("/certificates", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(certificates.GetData())
		})
	}
	return mux
}

// session is the demo's key object.
type session struct {
	id      int
	payload []byte
}

func (s *session) String() string { return fmt.Sprintf("session-%d", s.id) }

// cache is where leaked sessions end up.
var cache struct {
	sync.Mutex
	sessions []*session
}

func simulate(ctx context.Context, d *leakwatch.Detector, leakEvery int) {
	server := &session{id: 0}
	d.OnKeyObjectCreate(server)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s := &session{id: n, payload: make([]byte, 64<<10)}
		d.OnKeyObjectCreate(s)
		if leakEvery > 0 && n%leakEvery == 0 {
			cache.Lock()
			cache.sessions = append(cache.sessions, s)
			cache.Unlock()
		}
		leakwatch.Destroy(d, s)
	}
}
