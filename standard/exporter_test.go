package standard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"
	"github.com/willibrandon/mtlog/sinks"

	"github.com/st-keller/leakwatch/report"
)

type collector struct {
	mu       sync.Mutex
	requests atomic.Int32
	failures int32 // answer 500 to this many requests first
	reports  []report.Report
	service  map[string]interface{}
	protos   []int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := c.requests.Add(1)
	if r.URL.Path != "/leaks" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if n <= c.failures {
		http.Error(w, "collector unavailable", http.StatusInternalServerError)
		return
	}

	var payload struct {
		Service map[string]interface{} `json:"service"`
		Reports []report.Report        `json:"reports"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.reports = append(c.reports, payload.Reports...)
	c.service = payload.Service
	c.protos = append(c.protos, r.ProtoMajor)
	c.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func newTestExporter(t *testing.T, url string, client *http.Client) *Exporter {
	t.Helper()
	e, err := NewExporter(ExporterConfig{
		URL:         url,
		Client:      client,
		Service:     AutoDetect("checkout", "1.0.0"),
		Logger:      mtlog.New(mtlog.WithSink(sinks.NewMemorySink())),
		BackoffUnit: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewExporter() error: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func flush(t *testing.T, e *Exporter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
}

func TestExporter_DeliversReports(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c)
	defer srv.Close()

	e := newTestExporter(t, srv.URL+"/", srv.Client())
	e.OnLeak(testReport("a", "b"))
	e.OnLeak(report.Report{})
	flush(t, e)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reports) != 1 {
		t.Fatalf("collector got %d reports, want 1", len(c.reports))
	}
	if got := c.reports[0].Len(); got != 2 {
		t.Errorf("report has %d leaks, want 2", got)
	}
	if c.service["name"] != "checkout" {
		t.Errorf("service name = %v, want checkout", c.service["name"])
	}
	if e.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", e.Pending())
	}

	st, ok := e.Connectivity().Stats(endpointName)
	if !ok || st.Calls != 1 || st.SuccessRate != 1 {
		t.Errorf("connectivity = %+v, want one successful call", st)
	}
}

func TestExporter_RetriesWithBackoff(t *testing.T) {
	c := &collector{failures: 2}
	srv := httptest.NewServer(c)
	defer srv.Close()

	e := newTestExporter(t, srv.URL, srv.Client())
	e.OnLeak(testReport("a"))
	flush(t, e)

	if got := c.requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
	c.mu.Lock()
	delivered := len(c.reports)
	c.mu.Unlock()
	if delivered != 1 {
		t.Errorf("delivered %d reports, want 1", delivered)
	}

	st, _ := e.Connectivity().Stats(endpointName)
	if st.Calls != 3 || st.Status != "unhealthy" {
		t.Errorf("connectivity calls/status = %d/%s, want 3/unhealthy", st.Calls, st.Status)
	}
	if len(st.RecentErrors) != 2 {
		t.Errorf("recent errors = %v, want 2", st.RecentErrors)
	}

	e.mu.Lock()
	idx := e.backoffIndex
	e.mu.Unlock()
	if idx != 0 {
		t.Errorf("backoffIndex = %d after success, want 0", idx)
	}
}

func TestExporter_HTTP2(t *testing.T) {
	c := &collector{}
	srv := httptest.NewUnstartedServer(c)
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()

	e := newTestExporter(t, srv.URL, srv.Client())
	e.OnLeak(testReport("a"))
	flush(t, e)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.protos) != 1 || c.protos[0] != 2 {
		t.Errorf("request protocols = %v, want [2]", c.protos)
	}
}

func TestExporter_StopAbandonsRetries(t *testing.T) {
	c := &collector{failures: 1 << 30}
	srv := httptest.NewServer(c)
	defer srv.Close()

	e, err := NewExporter(ExporterConfig{
		URL:         srv.URL,
		Client:      srv.Client(),
		Logger:      mtlog.New(mtlog.WithSink(sinks.NewMemorySink())),
		BackoffUnit: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewExporter() error: %v", err)
	}

	e.OnLeak(testReport("a"))
	deadline := time.Now().Add(5 * time.Second)
	for c.requests.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() blocked on backoff")
	}

	if e.Pending() != 0 {
		t.Errorf("Pending() = %d after Stop, want 0", e.Pending())
	}
	e.OnLeak(testReport("b"))
	if e.Pending() != 0 {
		t.Error("OnLeak after Stop queued a report")
	}
}

func TestExporter_QueueBound(t *testing.T) {
	e, err := NewExporter(ExporterConfig{
		URL:       "http://127.0.0.1:1",
		Client:    &http.Client{},
		Logger:    mtlog.New(mtlog.WithSink(sinks.NewMemorySink())),
		MaxQueued: 2,
		// first retry waits an hour, so the queue only grows
		BackoffUnit: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewExporter() error: %v", err)
	}
	defer e.Stop()

	for _, id := range []string{"a", "b", "c", "d"} {
		e.OnLeak(testReport(id))
	}
	if got := e.Pending(); got > 2 {
		t.Errorf("Pending() = %d, want at most 2", got)
	}
}

func TestExporter_BackoffSchedule(t *testing.T) {
	e := &Exporter{backoffUnit: time.Second}
	want := []int{1, 2, 3, 5, 11, 23, 47, 59, 59}
	for i, units := range want {
		e.backoffIndex = i
		if got := e.backoffDuration(); got != time.Duration(units)*time.Second {
			t.Errorf("backoff[%d] = %v, want %ds", i, got, units)
		}
	}
}

func TestNewExporter_Errors(t *testing.T) {
	if _, err := NewExporter(ExporterConfig{}); err == nil {
		t.Error("NewExporter() without URL succeeded")
	}
	if _, err := NewExporter(ExporterConfig{URL: "https://collector"}); err == nil {
		t.Error("NewExporter() without client or TLS files succeeded")
	}
}

func TestExporter_TrimDuringSendKeepsUnsentReports(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	arrived := make(chan struct{})
	release := make(chan struct{})
	var first sync.Once

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Reports []report.Report `json:"reports"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		held := false
		first.Do(func() { held = true })
		if held {
			close(arrived)
			<-release
		}
		mu.Lock()
		for _, rep := range payload.Reports {
			received = append(received, rep.ID)
		}
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e, err := NewExporter(ExporterConfig{
		URL:         srv.URL,
		Client:      srv.Client(),
		Logger:      mtlog.New(mtlog.WithSink(sinks.NewMemorySink())),
		MaxQueued:   2,
		BackoffUnit: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewExporter() error: %v", err)
	}
	defer e.Stop()

	withID := func(id string) report.Report {
		rep := testReport("x")
		rep.ID = id
		return rep
	}

	e.OnLeak(withID("a"))
	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never arrived")
	}
	// queue is [a b c] while a is on the wire; a is trimmed
	e.OnLeak(withID("b"))
	e.OnLeak(withID("c"))
	close(release)
	flush(t, e)

	mu.Lock()
	got := append([]string(nil), received...)
	mu.Unlock()
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("delivered reports mismatch (-want +got):\n%s", diff)
	}
	if n := e.Dropped(); n != 0 {
		t.Errorf("Dropped() = %d, want 0", n)
	}
}

func TestExporter_MonitorsClientCertificates(t *testing.T) {
	files := writeTestCertificates(t, time.Now().Add(-time.Hour))
	sink := sinks.NewMemorySink()

	e, err := NewExporter(ExporterConfig{
		URL:    "https://collector:9080",
		TLS:    files,
		Logger: mtlog.New(mtlog.WithSink(sink)),
	})
	if err != nil {
		t.Fatalf("NewExporter() error: %v", err)
	}
	defer e.Stop()

	if e.Certificates() == nil {
		t.Fatal("Certificates() = nil for a TLS-built client")
	}
	if n := len(e.Certificates().Expired()); n != 2 {
		t.Errorf("expired certificates = %d, want 2", n)
	}
	found := sink.HasEvent(func(ev *core.LogEvent) bool {
		return ev.Level == core.ErrorLevel && strings.Contains(ev.MessageTemplate, "expired")
	})
	if !found {
		t.Error("no error logged for expired certificates")
	}
}
