package standard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"

	"github.com/st-keller/leakwatch/report"
	"github.com/st-keller/leakwatch/transport"
)

// Exporter limits.
const (
	DefaultMaxQueued = 256
	maxBackoffUnits  = 59
	endpointName     = "leak-collector"
)

// backoffPrimes is the retry schedule, in backoff units.
var backoffPrimes = []int{1, 2, 3, 5, 11, 23, 47, 61}

// ErrExporterStopped is returned by Flush after Stop.
var ErrExporterStopped = errors.New("exporter stopped")

// ExporterConfig configures an Exporter.
type ExporterConfig struct {
	// URL is the collector base URL. Reports are POSTed to URL + "/leaks".
	URL string

	// Client sends the requests. When nil, an HTTP/2 mTLS client is built
	// from TLS.
	Client *http.Client
	TLS    transport.TLSFiles

	Service     *ServiceInfo
	Logger      core.Logger
	MaxQueued   int           // reports held while the collector is unreachable
	BackoffUnit time.Duration // default one second
}

// Exporter is a listener that ships reports to a collector over HTTP.
// Delivery happens in the background; a failing collector is retried on a
// prime-number backoff and reports arriving meanwhile are batched.
type Exporter struct {
	url          string
	http         *http.Client
	service      *ServiceInfo
	logger       core.Logger
	connectivity *ConnectivityTracker
	certificates *CertificateMonitor // nil when Client was supplied
	maxQueued    int
	backoffUnit  time.Duration

	mu           sync.Mutex
	queue        []report.Report
	inflight     int // reports at the front of queue that are being sent
	detached     int // reports trimmed from queue while being sent
	dropped      int
	backoffIndex int
	stopped      bool

	syncMu      sync.Mutex
	syncing     bool
	syncPending bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewExporter creates an Exporter.
func NewExporter(config ExporterConfig) (*Exporter, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("URL required")
	}

	logger := config.Logger
	if logger == nil {
		logger = mtlog.New(mtlog.WithConsole())
	}
	logger = logger.ForContext("SourceContext", "leakwatch.exporter")

	var certificates *CertificateMonitor
	client := config.Client
	if client == nil {
		built, err := transport.BuildHTTP2Client(config.TLS, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to build HTTP client: %w", err)
		}
		client = built
		certificates = NewCertificateMonitor(config.TLS)
	}

	maxQueued := config.MaxQueued
	if maxQueued <= 0 {
		maxQueued = DefaultMaxQueued
	}
	unit := config.BackoffUnit
	if unit <= 0 {
		unit = time.Second
	}

	e := &Exporter{
		url:          strings.TrimRight(config.URL, "/"),
		http:         client,
		service:      config.Service,
		logger:       logger,
		connectivity: NewConnectivityTracker(),
		certificates: certificates,
		maxQueued:    maxQueued,
		backoffUnit:  unit,
		stopChan:     make(chan struct{}),
	}
	e.checkCertificates()
	return e, nil
}

// Certificates returns the monitor for the client certificates, or nil when
// the exporter was given its own HTTP client.
func (e *Exporter) Certificates() *CertificateMonitor {
	return e.certificates
}

// Dropped returns how many reports were discarded because the queue was full.
func (e *Exporter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// checkCertificates rescans the client certificates and logs any that expired
// or expire within ExpiryWarningWindow.
func (e *Exporter) checkCertificates() {
	if e.certificates == nil {
		return
	}
	if err := e.certificates.Scan(); err != nil {
		e.logger.Warning("Certificate scan failed: {Error}", err)
	}
	for _, info := range e.certificates.Expired() {
		e.logger.Error("Certificate {Path} ({Purpose}) expired at {ValidUntil}", info.Path, info.Purpose, info.ValidUntil)
	}
	for _, info := range e.certificates.Expiring(ExpiryWarningWindow) {
		e.logger.Warning("Certificate {Path} ({Purpose}) expires in {Days} days", info.Path, info.Purpose, info.DaysUntilExpiry)
	}
}

// Connectivity returns the tracker recording collector requests.
func (e *Exporter) Connectivity() *ConnectivityTracker {
	return e.connectivity
}

// OnLeak queues rep and starts a background sync.
func (e *Exporter) OnLeak(rep report.Report) {
	if rep.Len() == 0 {
		return
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, rep)
	if over := len(e.queue) - e.maxQueued; over > 0 {
		e.queue = append(e.queue[:0:0], e.queue[over:]...)
		// Trimmed reports that are on the wire only count as dropped if
		// that send fails.
		inflight := min(over, e.inflight)
		e.inflight -= inflight
		e.detached += inflight
		e.dropped += over - inflight
		e.logger.Warning("Export queue full, dropped {Count} oldest reports", over)
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.triggerSync()
	}()
}

// Pending returns the number of reports not yet delivered.
func (e *Exporter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Flush waits until every queued report has been delivered.
func (e *Exporter) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		e.mu.Lock()
		stopped := e.stopped
		empty := len(e.queue) == 0
		e.mu.Unlock()

		e.syncMu.Lock()
		idle := !e.syncing
		e.syncMu.Unlock()

		if empty && idle {
			return nil
		}
		if stopped {
			return ErrExporterStopped
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop abandons retries and waits for background syncs to return.
// Undelivered reports are discarded.
func (e *Exporter) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stopChan)
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	if n := len(e.queue); n > 0 {
		e.logger.Warning("Exporter stopped with {Count} undelivered reports", n)
	}
	e.queue = nil
	e.inflight, e.detached = 0, 0
	e.mu.Unlock()
}

// triggerSync runs a sync, or marks one pending if a sync is in progress.
func (e *Exporter) triggerSync() {
	e.syncMu.Lock()
	if e.syncing {
		e.syncPending = true
		e.syncMu.Unlock()
		return
	}
	e.syncing = true
	e.syncMu.Unlock()

	for {
		e.syncMu.Lock()
		e.syncPending = false
		e.syncMu.Unlock()

		e.executeSync()

		e.syncMu.Lock()
		if !e.syncPending {
			e.syncing = false
			e.syncMu.Unlock()
			return
		}
		e.syncMu.Unlock()
	}
}

// executeSync delivers the current queue, retrying until it succeeds or the
// exporter stops.
func (e *Exporter) executeSync() {
	for {
		e.mu.Lock()
		batch := e.queue
		e.inflight = len(batch)
		e.detached = 0
		e.mu.Unlock()
		if len(batch) == 0 {
			return
		}

		err := e.send(batch)
		if err == nil {
			e.mu.Lock()
			e.queue = e.queue[e.inflight:]
			e.inflight, e.detached = 0, 0
			e.backoffIndex = 0
			e.mu.Unlock()
			return
		}

		e.mu.Lock()
		e.dropped += e.detached
		e.inflight, e.detached = 0, 0
		backoff := e.backoffDuration()
		e.backoffIndex++
		e.mu.Unlock()

		e.checkCertificates()

		e.logger.Error("Leak export failed, retrying in {RetryIn}: {Error}", backoff, err)

		select {
		case <-e.stopChan:
			return
		case <-time.After(backoff):
		}
	}
}

// backoffDuration returns the current backoff. Caller holds e.mu.
func (e *Exporter) backoffDuration() time.Duration {
	if e.backoffIndex >= len(backoffPrimes) {
		return maxBackoffUnits * e.backoffUnit
	}
	units := backoffPrimes[e.backoffIndex]
	if units > maxBackoffUnits {
		units = maxBackoffUnits
	}
	return time.Duration(units) * e.backoffUnit
}

func (e *Exporter) send(batch []report.Report) error {
	payload := map[string]interface{}{
		"reports": batch,
	}
	if e.service != nil {
		payload["service"] = e.service.GetData()
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal reports: %w", err)
	}

	startTime := time.Now()
	resp, err := e.http.Post(e.url+"/leaks", "application/json", bytes.NewReader(jsonData))
	latency := time.Since(startTime)

	if err != nil {
		e.connectivity.TrackFailure(endpointName, e.url, latency, err.Error())
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		errorMsg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		e.connectivity.TrackFailure(endpointName, e.url, latency, errorMsg)
		return errors.New(errorMsg)
	}

	e.connectivity.TrackSuccess(endpointName, e.url, latency)
	e.logger.Debug("Exported {Count} reports in {Latency}", len(batch), latency)
	return nil
}
