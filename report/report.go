// Package report provides the LeakReport delivered to listeners.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coregx/coregex"
	"github.com/google/uuid"

	"github.com/st-keller/leakwatch/registry"
)

// Leak is one object that outlived the mark threshold.
type Leak struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Stack       []string `json:"stack"` // creation context at destroy time, top first
	Marks       int      `json:"marks"`
	Fingerprint string   `json:"fingerprint"`
}

// Report is the set of leaks found by one scan pass, in record order.
type Report struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Leaks     []Leak    `json:"leaks"`
}

// New builds a Report from leaked observations.
func New(observations []*registry.Observation, now time.Time) Report {
	leaks := make([]Leak, 0, len(observations))
	for _, obs := range observations {
		stack := obs.Stack()
		leaks = append(leaks, Leak{
			ID:          obs.ID(),
			Description: obs.Description(),
			Stack:       stack,
			Marks:       obs.Marks(),
			Fingerprint: Fingerprint(obs.Description(), stack),
		})
	}

	return Report{
		ID:        uuid.NewString(),
		CreatedAt: now.UTC(),
		Leaks:     leaks,
	}
}

// Len returns the number of leaks.
func (r Report) Len() int {
	return len(r.Leaks)
}

// Fingerprints returns the distinct fingerprints in first-seen order.
func (r Report) Fingerprints() []string {
	seen := make(map[string]struct{}, len(r.Leaks))
	out := make([]string, 0, len(r.Leaks))
	for _, l := range r.Leaks {
		if _, ok := seen[l.Fingerprint]; ok {
			continue
		}
		seen[l.Fingerprint] = struct{}{}
		out = append(out, l.Fingerprint)
	}
	return out
}

// String returns a short summary.
func (r Report) String() string {
	ids := make([]string, 0, len(r.Leaks))
	for _, l := range r.Leaks {
		ids = append(ids, l.ID)
	}
	return fmt.Sprintf("report %s: %d leak(s) [%s]", r.ID, len(r.Leaks), strings.Join(ids, ", "))
}

// addrPattern matches the address in a pointer identity such as "*app.Screen@0xc000010000".
var addrPattern = mustCompile(`@0x[0-9a-fA-F]+`)

func mustCompile(pattern string) *coregex.Regex {
	re, err := coregex.Compile(pattern)
	if err != nil {
		panic(err)
	}
	return re
}

// Fingerprint hashes the object type and its creation stack so that leaks from
// the same call context group together. Object addresses, in the description
// and in every stack entry, are not part of it.
func Fingerprint(description string, stack []string) string {
	kind := description
	if i := strings.IndexAny(kind, " @("); i >= 0 {
		kind = kind[:i]
	}

	normalized := make([]string, len(stack))
	for i, id := range stack {
		normalized[i] = addrPattern.ReplaceAllString(id, "")
	}

	jsonData, _ := json.Marshal(struct {
		Kind  string   `json:"kind"`
		Stack []string `json:"stack"`
	}{kind, normalized})
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}
