// Package callsite implements the process-wide static instrumentation
// site registry (spec §3/§4.3): a mapping from CallsiteID to Callsite,
// registration idempotent on id, with no mechanism to mutate an existing
// entry. The writer streams newly-seen callsites into callsites.rfr in
// the order they were first registered, mirroring the teacher's
// StringDict (chunk/key_dict.go), which assigns stable sequential ids to
// first-seen strings and never mutates an existing entry.
package callsite

import (
	"errors"
	"sync"

	"github.com/hds/rfr/internal/record"
)

// Level is the severity of a callsite, matching the five-level scheme
// used across the corpus (gastrolog's digester/level normalizes onto the
// same five names).
type Level uint8

const (
	LevelTrace Level = 10
	LevelDebug Level = 20
	LevelInfo  Level = 30
	LevelWarn  Level = 40
	LevelError Level = 50
)

// Kind distinguishes a callsite that produces one-shot events from one
// that brackets a span (a task poll, a task lifetime).
type Kind int

const (
	KindEvent Kind = iota
	KindSpan
)

// Callsite describes one static instrumentation site.
type Callsite struct {
	ID              record.CallsiteID
	Level           Level
	Kind            Kind
	ConstFields     map[string]string
	SplitFieldNames []string
}

// ErrMismatchedReregistration is returned by Register when id is already
// registered to a different Callsite value. The registry has no mechanism
// to mutate an existing entry; a caller that hits this has a CallsiteID
// collision between two distinct static sites, which is a programming
// error in the instrumented binary.
var ErrMismatchedReregistration = errors.New("callsite: id already registered to a different callsite")

// Registry is the process-wide table of registered callsites. The zero
// value is not usable; construct with New.
type Registry struct {
	mu    sync.Mutex
	byID  map[record.CallsiteID]Callsite
	order []record.CallsiteID
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[record.CallsiteID]Callsite)}
}

// Register records cs, assigning it to the registry if cs.ID has not been
// seen before. Re-registration with a matching id and an identical value
// is a no-op and returns false (not newly registered). Re-registration
// with a matching id but a different value returns
// ErrMismatchedReregistration — the registry never mutates an existing
// entry.
func (r *Registry) Register(cs Callsite) (isNew bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[cs.ID]
	if !ok {
		r.byID[cs.ID] = cs
		r.order = append(r.order, cs.ID)
		return true, nil
	}
	if !sameCallsite(existing, cs) {
		return false, ErrMismatchedReregistration
	}
	return false, nil
}

func sameCallsite(a, b Callsite) bool {
	if a.ID != b.ID || a.Level != b.Level || a.Kind != b.Kind {
		return false
	}
	if len(a.ConstFields) != len(b.ConstFields) || len(a.SplitFieldNames) != len(b.SplitFieldNames) {
		return false
	}
	for k, v := range a.ConstFields {
		if b.ConstFields[k] != v {
			return false
		}
	}
	for i, name := range a.SplitFieldNames {
		if b.SplitFieldNames[i] != name {
			return false
		}
	}
	return true
}

// Get returns the registered Callsite for id, if any.
func (r *Registry) Get(id record.CallsiteID) (Callsite, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.byID[id]
	return cs, ok
}

// Since returns every callsite registered after the first n registrations
// (in registration order), along with the new total count. Used by the
// writer to stream unseen callsites into callsites.rfr incrementally.
func (r *Registry) Since(n int) ([]Callsite, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= len(r.order) {
		return nil, len(r.order)
	}
	out := make([]Callsite, 0, len(r.order)-n)
	for _, id := range r.order[n:] {
		out = append(out, r.byID[id])
	}
	return out, len(r.order)
}

// Len returns the number of registered callsites.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
