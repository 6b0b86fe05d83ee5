// Package stack tracks the creation context of key objects that are still alive.
package stack

// Tracker is a LIFO of key-object identifiers, most recent creation on top.
//
// Tracker is not safe for concurrent use. The detector only touches it from its
// owner loop.
type Tracker struct {
	ids []string // ids[len-1] is the top
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{ids: make([]string, 0, 16)}
}

// Push records the creation of a key object.
func (t *Tracker) Push(id string) {
	t.ids = append(t.ids, id)
}

// Remove drops one entry equal to id from anywhere in the stack.
// Objects may be destroyed out of creation order, so this is not a pop.
// When id occurs more than once, which entry goes is unspecified.
// Returns false (and does nothing) if id is not on the stack.
func (t *Tracker) Remove(id string) bool {
	for i := len(t.ids) - 1; i >= 0; i-- {
		if t.ids[i] != id {
			continue
		}
		copy(t.ids[i:], t.ids[i+1:])
		t.ids[len(t.ids)-1] = ""
		t.ids = t.ids[:len(t.ids)-1]
		return true
	}
	return false
}

// Snapshot returns a copy of the stack, top first.
// The copy is never touched again by the Tracker.
func (t *Tracker) Snapshot() []string {
	out := make([]string, len(t.ids))
	for i, id := range t.ids {
		out[len(t.ids)-1-i] = id
	}
	return out
}

// Len returns the number of pending key objects.
func (t *Tracker) Len() int {
	return len(t.ids)
}
