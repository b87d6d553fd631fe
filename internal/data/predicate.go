package data

import (
	"strings"
	"sync"
)

// Predicate is the union of filters describing what a node wants. It is
// shared between the clearing house and every peer, so access is guarded.
//
// A predicate shrinks as exact-file subscriptions are satisfied; when it
// empties the node has received everything it asked for. Subtree and
// wildcard subscriptions are unbounded and never removed.
type Predicate struct {
	mu      sync.Mutex
	filters []Filter
}

// NewPredicate builds a predicate from filters. NOTHING members are dropped;
// with no arguments the predicate wants nothing (a source node).
func NewPredicate(filters ...Filter) *Predicate {
	p := &Predicate{}
	for _, f := range filters {
		if !f.IsNothing() {
			p.filters = append(p.filters, f)
		}
	}
	return p
}

// Matches reports whether any member filter selects the path.
func (p *Predicate) Matches(path ArchivePath) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.filters {
		if f.Matches(path) {
			return true
		}
	}
	return false
}

// Add unions another filter into the predicate.
func (p *Predicate) Add(f Filter) {
	if f.IsNothing() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.filters {
		if existing.Equal(f) {
			return
		}
	}
	p.filters = append(p.filters, f)
}

// RemoveIfPossible removes member filters satisfied exactly by the completed
// file: exact filters whose path equals the file's path. Unbounded filters
// stay.
func (p *Predicate) RemoveIfPossible(info FileInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.filters[:0]
	for _, f := range p.filters {
		if path, ok := f.ExactPath(); ok && path == info.ID.Path {
			continue
		}
		kept = append(kept, f)
	}
	p.filters = kept
}

// IsEmpty reports whether nothing remains to be received.
func (p *Predicate) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.filters) == 0
}

// Filters returns a snapshot of the member filters.
func (p *Predicate) Filters() []Filter {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Filter, len(p.filters))
	copy(out, p.filters)
	return out
}

// AsFilter collapses the union to a single filter for sessions that carry
// one: EVERYTHING dominates, an empty predicate is NOTHING, and otherwise
// the first registered filter stands for the union.
func (p *Predicate) AsFilter() Filter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.filters) == 0 {
		return Nothing
	}
	for _, f := range p.filters {
		if f.IsEverything() {
			return Everything
		}
	}
	return p.filters[0]
}

func (p *Predicate) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.filters) == 0 {
		return nothingForm
	}
	parts := make([]string, len(p.filters))
	for i, f := range p.filters {
		parts[i] = f.String()
	}
	return strings.Join(parts, "|")
}
