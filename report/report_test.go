package report

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/st-keller/leakwatch/registry"
	"github.com/st-keller/leakwatch/stack"
)

type liveRef struct{ id string }

func (r liveRef) ID() string          { return r.id }
func (r liveRef) Description() string { return "*app.Screen@" + r.id }
func (r liveRef) Resolve() bool       { return true }

func leakedObservations(t *testing.T, ids ...string) []*registry.Observation {
	t.Helper()
	reg := registry.New(0)
	for _, id := range ids {
		reg.Record(liveRef{id: id}, []string{id, "root"})
	}
	var leaked []*registry.Observation
	for i := 0; i < registry.DefaultMarkThreshold+1; i++ {
		leaked = append(leaked, reg.Scan().Leaked...)
	}
	if len(leaked) != len(ids) {
		t.Fatalf("got %d leaked observations, want %d", len(leaked), len(ids))
	}
	return leaked
}

func TestNew(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	rep := New(leakedObservations(t, "0x1", "0x2"), now)

	if rep.ID == "" {
		t.Error("ID is empty")
	}
	if !rep.CreatedAt.Equal(now) || rep.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want %v in UTC", rep.CreatedAt, now)
	}
	if rep.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", rep.Len())
	}

	want := Leak{
		ID:          "0x1",
		Description: "*app.Screen@0x1",
		Stack:       []string{"0x1", "root"},
		Marks:       3,
		Fingerprint: Fingerprint("*app.Screen@0x1", []string{"0x1", "root"}),
	}
	if diff := cmp.Diff(want, rep.Leaks[0]); diff != "" {
		t.Errorf("first leak mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(rep.String(), "2 leak(s)") {
		t.Errorf("String() = %q", rep.String())
	}
}

func TestNew_UniqueIDs(t *testing.T) {
	a := New(nil, time.Now())
	b := New(nil, time.Now())
	if a.ID == b.ID {
		t.Errorf("two reports share ID %q", a.ID)
	}
}

func TestFingerprint(t *testing.T) {
	stack := []string{"screen", "app"}

	same1 := Fingerprint("*app.Screen@0xc000010000", stack)
	same2 := Fingerprint("*app.Screen@0xc000020000", stack)
	if same1 != same2 {
		t.Error("fingerprint depends on the object address")
	}
	if Fingerprint("*app.Dialog@0xc000010000", stack) == same1 {
		t.Error("fingerprint ignores the object type")
	}
	if Fingerprint("*app.Screen@0xc000010000", []string{"other"}) == same1 {
		t.Error("fingerprint ignores the creation stack")
	}
	if len(same1) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(same1))
	}
}

type dialog struct {
	title [32]byte
}

func TestFingerprint_GroupsPointerIdentities(t *testing.T) {
	tracker := stack.New()
	reg := registry.New(0)

	root := &dialog{}
	tracker.Push(registry.Identify(root))

	held := []*dialog{{}, {}}
	for _, d := range held {
		tracker.Push(registry.Identify(d))
		ref := registry.Weak(d)
		reg.Record(ref, tracker.Snapshot())
		tracker.Remove(ref.ID())
	}

	var leaked []*registry.Observation
	for i := 0; i < registry.DefaultMarkThreshold+1; i++ {
		leaked = append(leaked, reg.Scan().Leaked...)
	}
	runtime.KeepAlive(held)
	runtime.KeepAlive(root)

	rep := New(leaked, time.Now())
	if rep.Len() != 2 {
		t.Fatalf("report has %d leaks, want 2", rep.Len())
	}
	if rep.Leaks[0].Stack[0] == rep.Leaks[1].Stack[0] {
		t.Fatalf("stacks share the top entry %q, want distinct addresses", rep.Leaks[0].Stack[0])
	}
	if n := len(rep.Fingerprints()); n != 1 {
		t.Errorf("distinct fingerprints = %d, want 1", n)
	}

	other := Fingerprint(rep.Leaks[0].Description, []string{"*report.widget@0xc000010000"})
	if other == rep.Leaks[0].Fingerprint {
		t.Error("fingerprint ignores the type in stack entries")
	}
}

func TestReport_Fingerprints(t *testing.T) {
	rep := Report{Leaks: []Leak{
		{Fingerprint: "a"}, {Fingerprint: "b"}, {Fingerprint: "a"},
	}}
	if diff := cmp.Diff([]string{"a", "b"}, rep.Fingerprints()); diff != "" {
		t.Errorf("Fingerprints() mismatch (-want +got):\n%s", diff)
	}
}
