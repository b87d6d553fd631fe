package data

import (
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/bencode"
)

// Filter is a pattern over archive-path components. It has three forms:
// EVERYTHING, NOTHING, and a list of "/"-separated segments where "*"
// matches any single component. A filter matches a path when the two are
// component-wise prefix-comparable: the path lies inside the subtree the
// pattern denotes, or on the spine above it.
type Filter struct {
	kind filterKind
	segs []string
}

type filterKind int

const (
	filterNothing filterKind = iota
	filterEverything
	filterPattern
)

// Everything matches every path; Nothing matches none. These are the
// canonical instances: serialization round-trips back to them.
var (
	Everything = Filter{kind: filterEverything}
	Nothing    = Filter{kind: filterNothing}
)

const (
	everythingForm = "EVERYTHING"
	nothingForm    = "NOTHING"
	wildcard       = "*"
)

// NewFilter builds a pattern filter from segments. Trailing wildcards are
// trimmed during canonicalization ("foo/*" and "foo" select the same paths,
// so they are the same filter); a bare "*" canonicalizes to EVERYTHING.
func NewFilter(segs ...string) (Filter, error) {
	for _, seg := range segs {
		if seg == "" || strings.Contains(seg, "/") {
			return Filter{}, fmt.Errorf("bad filter segment %q", seg)
		}
	}
	canon := make([]string, len(segs))
	copy(canon, segs)
	for len(canon) > 0 && canon[len(canon)-1] == wildcard {
		canon = canon[:len(canon)-1]
	}
	if len(canon) == 0 {
		return Everything, nil
	}
	return Filter{kind: filterPattern, segs: canon}, nil
}

// ParseFilter parses the textual form: "EVERYTHING", "NOTHING", or a
// "/"-separated pattern.
func ParseFilter(s string) (Filter, error) {
	switch s {
	case everythingForm:
		return Everything, nil
	case nothingForm:
		return Nothing, nil
	case "":
		return Filter{}, fmt.Errorf("empty filter")
	}
	return NewFilter(strings.Split(strings.Trim(s, "/"), "/")...)
}

func (f Filter) IsEverything() bool { return f.kind == filterEverything }
func (f Filter) IsNothing() bool    { return f.kind == filterNothing }

// Exact reports whether the pattern names a single path with no wildcards.
func (f Filter) Exact() bool {
	if f.kind != filterPattern {
		return false
	}
	for _, seg := range f.segs {
		if seg == wildcard {
			return false
		}
	}
	return true
}

// ExactPath returns the path of an exact filter.
func (f Filter) ExactPath() (ArchivePath, bool) {
	if !f.Exact() {
		return "", false
	}
	return ArchivePath(strings.Join(f.segs, "/")), true
}

// Matches reports whether the filter selects path p.
func (f Filter) Matches(p ArchivePath) bool {
	switch f.kind {
	case filterEverything:
		return true
	case filterNothing:
		return false
	}
	comps := p.Components()
	n := len(comps)
	if len(f.segs) < n {
		n = len(f.segs)
	}
	for i := 0; i < n; i++ {
		if f.segs[i] != wildcard && f.segs[i] != comps[i] {
			return false
		}
	}
	return true
}

// MatchesOnly reports whether p satisfies the whole pattern: the path lies at
// or below the node the pattern denotes.
func (f Filter) MatchesOnly(p ArchivePath) bool {
	switch f.kind {
	case filterEverything:
		return true
	case filterNothing:
		return false
	}
	comps := p.Components()
	if len(comps) < len(f.segs) {
		return false
	}
	for i, seg := range f.segs {
		if seg != wildcard && seg != comps[i] {
			return false
		}
	}
	return true
}

// Includes reports whether every path g matches is also matched by f.
// Filters form a partial order under Includes.
func (f Filter) Includes(g Filter) bool {
	if f.kind == filterEverything || g.kind == filterNothing {
		return true
	}
	if f.kind == filterNothing || g.kind == filterEverything {
		return false
	}
	if len(f.segs) > len(g.segs) {
		return false
	}
	for i, seg := range f.segs {
		if seg == wildcard {
			continue
		}
		if g.segs[i] == wildcard || g.segs[i] != seg {
			return false
		}
	}
	return true
}

// Equal compares canonical forms.
func (f Filter) Equal(g Filter) bool {
	if f.kind != g.kind || len(f.segs) != len(g.segs) {
		return false
	}
	for i := range f.segs {
		if f.segs[i] != g.segs[i] {
			return false
		}
	}
	return true
}

// String renders the textual form accepted by ParseFilter.
func (f Filter) String() string {
	switch f.kind {
	case filterEverything:
		return everythingForm
	case filterNothing:
		return nothingForm
	}
	return strings.Join(f.segs, "/")
}

// MarshalBencode encodes the textual form.
func (f Filter) MarshalBencode() ([]byte, error) {
	return bencode.Marshal(f.String())
}

// UnmarshalBencode decodes the textual form back to the canonical instance.
func (f *Filter) UnmarshalBencode(raw []byte) error {
	var s string
	if err := bencode.Unmarshal(raw, &s); err != nil {
		return err
	}
	parsed, err := ParseFilter(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
