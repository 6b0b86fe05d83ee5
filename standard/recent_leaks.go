// Package standard provides stock leak listeners.
package standard

import (
	"sync"
	"time"

	"github.com/st-keller/leakwatch/report"
)

// LeakEntry is one leak as kept by RecentLeaks.
type LeakEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	ReportID    string    `json:"report_id"`
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Stack       []string  `json:"stack"`
	Marks       int       `json:"marks"`
	Fingerprint string    `json:"fingerprint"`
}

// RecentLeaks keeps the most recent leaks in a ring buffer.
type RecentLeaks struct {
	mu          sync.Mutex
	entries     []LeakEntry
	maxEntries  int
	total       int
	triggerFunc func() // called after every non-empty report
}

// NewRecentLeaks creates a RecentLeaks holding at most maxEntries leaks.
func NewRecentLeaks(maxEntries int) *RecentLeaks {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	return &RecentLeaks{
		entries:    make([]LeakEntry, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

// SetTriggerFunc sets a function to call whenever a report adds leaks.
func (r *RecentLeaks) SetTriggerFunc(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggerFunc = fn
}

// OnLeak records every leak in rep.
func (r *RecentLeaks) OnLeak(rep report.Report) {
	if rep.Len() == 0 {
		return
	}

	r.mu.Lock()
	for _, leak := range rep.Leaks {
		r.entries = append(r.entries, LeakEntry{
			Timestamp:   rep.CreatedAt,
			ReportID:    rep.ID,
			ID:          leak.ID,
			Description: leak.Description,
			Stack:       leak.Stack,
			Marks:       leak.Marks,
			Fingerprint: leak.Fingerprint,
		})
		r.total++
	}
	if len(r.entries) > r.maxEntries {
		r.entries = append(r.entries[:0:0], r.entries[len(r.entries)-r.maxEntries:]...)
	}
	triggerFunc := r.triggerFunc
	r.mu.Unlock()

	if triggerFunc != nil {
		triggerFunc()
	}
}

// Entries returns the buffered leaks, oldest first.
func (r *RecentLeaks) Entries() []LeakEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]LeakEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// GetData returns buffered leaks plus per-fingerprint counts.
func (r *RecentLeaks) GetData() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	byFingerprint := make(map[string]int)
	for _, entry := range r.entries {
		byFingerprint[entry.Fingerprint]++
	}

	entries := make([]LeakEntry, len(r.entries))
	copy(entries, r.entries)

	return map[string]interface{}{
		"entries": entries,
		"stats": map[string]interface{}{
			"buffered_count":        len(entries),
			"total_count":           r.total,
			"distinct_fingerprints": len(byFingerprint),
			"by_fingerprint":        byFingerprint,
			"max_entries":           r.maxEntries,
		},
	}
}
