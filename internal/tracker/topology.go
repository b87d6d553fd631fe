package tracker

import (
	"sort"

	"github.com/anacrolix/torrent/bencode"

	"github.com/omnicloud/sruth/internal/data"
	"github.com/omnicloud/sruth/internal/peer"
)

// Topology is a snapshot of tracker state: for each registered filter, the
// set of servers offering it. It travels inside Plumber responses and is
// persisted per tracker address so nodes can find peers across tracker
// restarts.
type Topology struct {
	entries map[string]*topologyEntry
}

type topologyEntry struct {
	Filter  data.Filter
	Servers map[peer.ServerAddress]struct{}
}

// NewTopology returns an empty topology.
func NewTopology() *Topology {
	return &Topology{entries: make(map[string]*topologyEntry)}
}

// Add registers a server under a filter.
func (t *Topology) Add(f data.Filter, addr peer.ServerAddress) {
	key := f.String()
	e, ok := t.entries[key]
	if !ok {
		e = &topologyEntry{Filter: f, Servers: make(map[peer.ServerAddress]struct{})}
		t.entries[key] = e
	}
	e.Servers[addr] = struct{}{}
}

// RemoveServer demotes a server everywhere.
func (t *Topology) RemoveServer(addr peer.ServerAddress) {
	for key, e := range t.entries {
		delete(e.Servers, addr)
		if len(e.Servers) == 0 {
			delete(t.entries, key)
		}
	}
}

// Servers returns every registered server address.
func (t *Topology) Servers() []peer.ServerAddress {
	seen := make(map[peer.ServerAddress]struct{})
	for _, e := range t.entries {
		for addr := range e.Servers {
			seen[addr] = struct{}{}
		}
	}
	out := make([]peer.ServerAddress, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// load counts how many filter entries a server is registered under; the
// best-server policy prefers the least-loaded candidate.
func (t *Topology) load(addr peer.ServerAddress) int {
	n := 0
	for _, e := range t.entries {
		if _, ok := e.Servers[addr]; ok {
			n++
		}
	}
	return n
}

// BestServer picks a server for a subscriber wanting f: among servers
// registered under any filter that includes f, the least-loaded address not
// excluded by the caller, ties broken by lexicographic order. ok is false
// when no candidate remains.
func (t *Topology) BestServer(f data.Filter, exclude map[peer.ServerAddress]bool) (peer.ServerAddress, bool) {
	var best peer.ServerAddress
	bestLoad := -1
	for _, e := range t.entries {
		if !e.Filter.Includes(f) {
			continue
		}
		for addr := range e.Servers {
			if exclude[addr] {
				continue
			}
			load := t.load(addr)
			if bestLoad < 0 || load < bestLoad ||
				(load == bestLoad && addr.String() < best.String()) {
				best, bestLoad = addr, load
			}
		}
	}
	return best, bestLoad >= 0
}

// IsEmpty reports whether nothing is registered.
func (t *Topology) IsEmpty() bool { return len(t.entries) == 0 }

// topologyWireEntry is the serialized shape of one filter's registrations.
type topologyWireEntry struct {
	Filter  data.Filter          `bencode:"f"`
	Servers []peer.ServerAddress `bencode:"s"`
}

// MarshalBencode encodes entries sorted by filter, servers sorted by
// address, so identical topologies serialize to identical bytes (the
// persistence layer debounces on them).
func (t Topology) MarshalBencode() ([]byte, error) {
	keys := make([]string, 0, len(t.entries))
	for key := range t.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	wire := make([]topologyWireEntry, 0, len(keys))
	for _, key := range keys {
		e := t.entries[key]
		servers := make([]peer.ServerAddress, 0, len(e.Servers))
		for addr := range e.Servers {
			servers = append(servers, addr)
		}
		sort.Slice(servers, func(i, j int) bool { return servers[i].String() < servers[j].String() })
		wire = append(wire, topologyWireEntry{Filter: e.Filter, Servers: servers})
	}
	return bencode.Marshal(wire)
}

// UnmarshalBencode decodes the wire shape.
func (t *Topology) UnmarshalBencode(raw []byte) error {
	var wire []topologyWireEntry
	if err := bencode.Unmarshal(raw, &wire); err != nil {
		return err
	}
	t.entries = make(map[string]*topologyEntry, len(wire))
	for _, we := range wire {
		for _, addr := range we.Servers {
			t.Add(we.Filter, addr)
		}
	}
	return nil
}
