// Package registry holds destroyed key objects ("suspects") until they are
// either collected or declared leaked.
package registry

// DefaultMarkThreshold is the number of marks a suspect may collect before it
// counts as leaked. A suspect is reported on the scan that takes it past the
// threshold, i.e. the third scan that still finds it alive.
const DefaultMarkThreshold = 2

// State is the lifecycle state of an Observation.
type State int

const (
	// Alive means the object still resolved on every scan so far.
	Alive State = iota
	// Collected means the weak reference cleared; the object is gone.
	Collected
	// Leaked means the object outlived the mark threshold.
	Leaked
)

// String returns string representation.
func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Collected:
		return "collected"
	case Leaked:
		return "leaked"
	default:
		return "unknown"
	}
}

// Observation is one suspect: a weak reference plus the creation stack
// captured when the object was destroyed.
type Observation struct {
	ref   Ref
	seq   uint64
	marks int
	stack []string
	state State
}

// ID returns the identifier of the observed object.
func (o *Observation) ID() string { return o.ref.ID() }

// Description returns the opaque description of the observed object.
func (o *Observation) Description() string { return o.ref.Description() }

// Seq is the record order of this observation, starting at 1.
func (o *Observation) Seq() uint64 { return o.seq }

// Marks returns how many scans found the object still alive.
func (o *Observation) Marks() int { return o.marks }

// State returns the current lifecycle state.
func (o *Observation) State() State { return o.state }

// Stack returns a copy of the creation stack, top first.
func (o *Observation) Stack() []string {
	out := make([]string, len(o.stack))
	copy(out, o.stack)
	return out
}

// ScanResult summarizes one scan pass.
type ScanResult struct {
	Collected int            // dropped because the object was reclaimed
	Marked    int            // still alive and under the threshold
	Leaked    []*Observation // crossed the threshold on this pass, in record order
}

// Registry is the ordered set of suspects, in record order.
//
// Registry is not safe for concurrent use: it is owned by a single loop.
type Registry struct {
	threshold int
	seq       uint64
	suspects  []*Observation
}

// New creates a Registry. threshold <= 0 selects DefaultMarkThreshold.
func New(threshold int) *Registry {
	if threshold <= 0 {
		threshold = DefaultMarkThreshold
	}
	return &Registry{threshold: threshold}
}

// Threshold returns the mark threshold.
func (r *Registry) Threshold() int {
	return r.threshold
}

// Record starts observing ref. stack is copied.
func (r *Registry) Record(ref Ref, stack []string) *Observation {
	r.seq++
	snap := make([]string, len(stack))
	copy(snap, stack)

	obs := &Observation{
		ref:   ref,
		seq:   r.seq,
		stack: snap,
		state: Alive,
	}
	r.suspects = append(r.suspects, obs)
	return obs
}

// Scan runs one pass over all suspects in record order.
// Reclaimed objects are dropped, survivors are marked, and survivors past the
// threshold are moved into the result. Every suspect leaves the registry
// exactly once.
func (r *Registry) Scan() ScanResult {
	var res ScanResult
	kept := r.suspects[:0]

	for _, obs := range r.suspects {
		if !obs.ref.Resolve() {
			obs.state = Collected
			res.Collected++
			continue
		}

		obs.marks++
		if obs.marks > r.threshold {
			obs.state = Leaked
			res.Leaked = append(res.Leaked, obs)
			continue
		}

		res.Marked++
		kept = append(kept, obs)
	}

	// Clear the tail so removed observations (and their refs) can be freed.
	for i := len(kept); i < len(r.suspects); i++ {
		r.suspects[i] = nil
	}
	r.suspects = kept

	return res
}

// Len returns the number of suspects still under observation.
func (r *Registry) Len() int {
	return len(r.suspects)
}

// Observations returns the live suspects in record order.
func (r *Registry) Observations() []*Observation {
	out := make([]*Observation, len(r.suspects))
	copy(out, r.suspects)
	return out
}
