// Package policy implements the policy engine: pure decision functions
// merging the static policy file with dynamic per-AE capability
// declarations into an effective policy, published via atomic snapshot
// swap.
package policy

import (
	"sort"
	"sync/atomic"

	"github.com/atomic-mesh/abi-gateway/internal/capability"
	"github.com/atomic-mesh/abi-gateway/internal/policyfile"
)

// Decision is the outcome of a can_publish/can_subscribe check.
type Decision string

const (
	Allow           Decision = "allow"
	DenyUnknown     Decision = "deny:UnknownSubject"
	DenyNotAuthz    Decision = "deny:NotAuthorized"
)

// Allowed reports whether d represents an allow decision.
func (d Decision) Allowed() bool { return d == Allow }

// subjectMembership is the union of static + all dynamic declarations for
// one subject, in each direction.
type subjectMembership struct {
	publishers  map[string]struct{}
	subscribers map[string]struct{}
}

// Snapshot is an immutable, fully merged view of the Effective Policy. It
// is rebuilt wholesale on every static reload or dynamic write so that
// concurrent readers never observe a subject with partial pub/sub sets.
type Snapshot struct {
	subjects map[string]subjectMembership
}

// CanPublish decides whether ae_id may publish to subject. The decision is
// identity-based; it takes no roles argument and roles play no part in it.
func (s *Snapshot) CanPublish(aeID, subject string) Decision {
	return s.decide(aeID, subject, func(m subjectMembership) map[string]struct{} { return m.publishers })
}

// CanSubscribe decides whether ae_id may subscribe to subject.
func (s *Snapshot) CanSubscribe(aeID, subject string) Decision {
	return s.decide(aeID, subject, func(m subjectMembership) map[string]struct{} { return m.subscribers })
}

func (s *Snapshot) decide(aeID, subject string, side func(subjectMembership) map[string]struct{}) Decision {
	membership, known := s.subjects[subject]
	if !known {
		return DenyUnknown
	}
	if _, ok := side(membership)[aeID]; ok {
		return Allow
	}
	return DenyNotAuthz
}

// Build merges a static policy document and the current set of dynamic
// capability declarations into a new immutable Snapshot. Unknown subjects
// — absent from both stores — deny by default: the decision functions
// above only ever consult subjects present in this merged map, so a
// subject with no static entry and no dynamic declaration naturally falls
// into DenyUnknown.
func Build(static policyfile.Document, dynamic []capability.Declaration) *Snapshot {
	subjects := make(map[string]subjectMembership, len(static.Subjects))

	ensure := func(name string) subjectMembership {
		m, ok := subjects[name]
		if !ok {
			m = subjectMembership{publishers: map[string]struct{}{}, subscribers: map[string]struct{}{}}
			subjects[name] = m
		}
		return m
	}

	for name, rule := range static.Subjects {
		m := ensure(name)
		for _, aeID := range rule.Publishers {
			m.publishers[aeID] = struct{}{}
		}
		for _, aeID := range rule.Subscribers {
			m.subscribers[aeID] = struct{}{}
		}
	}

	for _, decl := range dynamic {
		for _, subject := range decl.Publishes {
			ensure(subject).publishers[decl.AEID] = struct{}{}
		}
		for _, subject := range decl.Subscribes {
			ensure(subject).subscribers[decl.AEID] = struct{}{}
		}
	}

	return &Snapshot{subjects: subjects}
}

// subjectsSorted returns the snapshot's subject names sorted. Nothing in
// the module calls it.
func (s *Snapshot) subjectsSorted() []string {
	out := make([]string, 0, len(s.subjects))
	for name := range s.subjects {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Engine holds the current Snapshot behind an atomic pointer and exposes a
// rebuild signal invoked by policy-file reloads and capability writes.
// Rebuilds are atomic: readers see either the old or the new snapshot,
// never a partial one.
type Engine struct {
	current    atomic.Pointer[Snapshot]
	staticDoc  atomic.Pointer[policyfile.Document]
	capability *capability.Store
}

// NewEngine creates an Engine seeded with an initial static document and a
// handle to the dynamic capability store it will re-read on rebuild.
func NewEngine(initial policyfile.Document, caps *capability.Store) (*Engine, error) {
	e := &Engine{capability: caps}
	e.staticDoc.Store(&initial)
	if err := e.Rebuild(); err != nil {
		return nil, err
	}
	return e, nil
}

// OnStaticReload is passed to policyfile.NewWatcher as its OnChange
// callback.
func (e *Engine) OnStaticReload(doc policyfile.Document) {
	e.staticDoc.Store(&doc)
	_ = e.Rebuild()
}

// OnDynamicWrite is passed to capability.Store as its OnChange callback.
func (e *Engine) OnDynamicWrite(aeID string) {
	_ = e.Rebuild()
}

// Rebuild recomputes the Snapshot from the current static document and the
// full dynamic declaration list, then publishes it atomically.
func (e *Engine) Rebuild() error {
	var dynamic []capability.Declaration
	if e.capability != nil {
		list, err := e.capability.List()
		if err != nil {
			return err
		}
		dynamic = list
	}
	snap := Build(*e.staticDoc.Load(), dynamic)
	e.current.Store(snap)
	return nil
}

// Current returns the live Snapshot. Never blocks on a concurrent rebuild.
func (e *Engine) Current() *Snapshot {
	return e.current.Load()
}
