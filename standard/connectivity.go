package standard

import (
	"sort"
	"sync"
	"time"
)

// callWindow is how far back connectivity statistics look.
const callWindow = time.Hour

// EndpointCall is a single request to a report endpoint.
type EndpointCall struct {
	Timestamp time.Time
	Success   bool
	Latency   time.Duration
	Error     string
}

// EndpointStats summarizes the calls to one endpoint within the window.
type EndpointStats struct {
	Name         string   `json:"name"`
	URL          string   `json:"url"`
	Status       string   `json:"status"` // healthy, degraded or unhealthy
	Calls        int      `json:"total_calls_1h"`
	SuccessRate  float64  `json:"success_rate_1h"`
	P50          int64    `json:"p50_ms"`
	P95          int64    `json:"p95_ms"`
	P99          int64    `json:"p99_ms"`
	RecentErrors []string `json:"recent_errors"`
}

type endpoint struct {
	url   string
	calls []EndpointCall
}

// ConnectivityTracker tracks request outcomes per endpoint.
type ConnectivityTracker struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	now       func() time.Time
}

// NewConnectivityTracker creates a tracker.
func NewConnectivityTracker() *ConnectivityTracker {
	return &ConnectivityTracker{
		endpoints: make(map[string]*endpoint),
		now:       time.Now,
	}
}

// TrackSuccess records a successful call.
func (t *ConnectivityTracker) TrackSuccess(name, url string, latency time.Duration) {
	t.track(name, url, EndpointCall{Success: true, Latency: latency})
}

// TrackFailure records a failed call.
func (t *ConnectivityTracker) TrackFailure(name, url string, latency time.Duration, errorMsg string) {
	t.track(name, url, EndpointCall{Latency: latency, Error: errorMsg})
}

func (t *ConnectivityTracker) track(name, url string, call EndpointCall) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	call.Timestamp = now.UTC()

	ep, ok := t.endpoints[name]
	if !ok {
		ep = &endpoint{url: url}
		t.endpoints[name] = ep
	}
	ep.calls = append(ep.calls, call)

	cutoff := now.Add(-callWindow)
	i := sort.Search(len(ep.calls), func(i int) bool {
		return ep.calls[i].Timestamp.After(cutoff)
	})
	ep.calls = ep.calls[i:]
}

// Stats returns the statistics for one endpoint.
func (t *ConnectivityTracker) Stats(name string) (EndpointStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ep, ok := t.endpoints[name]
	if !ok || len(ep.calls) == 0 {
		return EndpointStats{}, false
	}
	return summarize(name, ep), true
}

// GetData returns statistics for every endpoint, sorted by name.
func (t *ConnectivityTracker) GetData() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.endpoints))
	for name := range t.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]EndpointStats, 0, len(names))
	for _, name := range names {
		if ep := t.endpoints[name]; len(ep.calls) > 0 {
			out = append(out, summarize(name, ep))
		}
	}
	return map[string]interface{}{
		"endpoints": out,
	}
}

func summarize(name string, ep *endpoint) EndpointStats {
	var successes int
	latencies := make([]int64, 0, len(ep.calls))
	recentErrors := make([]string, 0)

	for i := len(ep.calls) - 1; i >= 0; i-- {
		call := ep.calls[i]
		if call.Success {
			successes++
		} else if len(recentErrors) < 5 {
			recentErrors = append(recentErrors, call.Error)
		}
		latencies = append(latencies, call.Latency.Milliseconds())
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	rate := float64(successes) / float64(len(ep.calls))
	status := "healthy"
	if rate < 0.9 {
		status = "unhealthy"
	} else if rate < 0.95 {
		status = "degraded"
	}

	return EndpointStats{
		Name:         name,
		URL:          ep.url,
		Status:       status,
		Calls:        len(ep.calls),
		SuccessRate:  rate,
		P50:          percentile(latencies, 0.50),
		P95:          percentile(latencies, 0.95),
		P99:          percentile(latencies, 0.99),
		RecentErrors: recentErrors,
	}
}

// percentile picks from an ascending slice.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}
