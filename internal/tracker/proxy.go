package tracker

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/torrent/bencode"

	"github.com/omnicloud/sruth/internal/archive"
	"github.com/omnicloud/sruth/internal/data"
	"github.com/omnicloud/sruth/internal/peer"
)

// proxyConnectTimeout bounds a tracker exchange from the node side.
const proxyConnectTimeout = 10 * time.Second

// TrackerProxy is the node-side cache of tracker state. Fetched topologies
// are persisted into the archive's per-tracker artifact, which is the
// fallback when the tracker is unreachable: a node can still find peers
// after a tracker restart.
type TrackerProxy struct {
	addr  string
	files *archive.DistributedTrackerFiles

	mu     sync.Mutex
	cached *Topology
	source peer.ServerAddress
}

// NewProxy creates a proxy for one tracker address, persisting through the
// given archive.
func NewProxy(addr string, arch *archive.Archive) *TrackerProxy {
	return &TrackerProxy{addr: addr, files: arch.TrackerFiles(addr)}
}

// Addr returns the tracker address.
func (tp *TrackerProxy) Addr() string { return tp.addr }

// Filtered scopes the proxy to one filter.
func (tp *TrackerProxy) Filtered(f data.Filter) *FilteredProxy {
	return &FilteredProxy{proxy: tp, filter: f}
}

// exchange performs one task round-trip with the tracker.
func (tp *TrackerProxy) exchange(task Task, resp interface{}) error {
	conn, err := net.DialTimeout("tcp", tp.addr, proxyConnectTimeout)
	if err != nil {
		return fmt.Errorf("tracker %s: %w", tp.addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(proxyConnectTimeout))

	if err := peer.WriteFrame(conn, task); err != nil {
		return fmt.Errorf("tracker %s: %w", tp.addr, err)
	}
	if resp == nil {
		return nil
	}
	if err := peer.ReadFrame(conn, resp); err != nil {
		return fmt.Errorf("tracker %s: %w", tp.addr, err)
	}
	return nil
}

// cache stores a fetched topology and persists it as the tracker artifact.
func (tp *TrackerProxy) cache(top *Topology) {
	tp.mu.Lock()
	tp.cached = top
	tp.mu.Unlock()

	encoded, err := bencode.Marshal(*top)
	if err != nil {
		log.Printf("[tracker-proxy] failed to encode topology: %v", err)
		return
	}
	if err := tp.files.Put(encoded); err != nil {
		log.Printf("[tracker-proxy] failed to persist topology: %v", err)
	}
}

// persisted loads the last locally persisted topology artifact.
func (tp *TrackerProxy) persisted() (*Topology, error) {
	raw, err := tp.files.Get()
	if err != nil {
		return nil, err
	}
	top := NewTopology()
	if err := bencode.Unmarshal(raw, top); err != nil {
		return nil, fmt.Errorf("corrupt topology artifact: %w", err)
	}
	return top, nil
}

// FilteredProxy scopes tracker operations to one filter.
type FilteredProxy struct {
	proxy  *TrackerProxy
	filter data.Filter
}

// Filter returns the scope filter.
func (fp *FilteredProxy) Filter() data.Filter { return fp.filter }

// Register announces "server S offering filter F" and caches the returned
// topology snapshot. It returns the source server named by the tracker.
func (fp *FilteredProxy) Register(local peer.ServerAddress) (peer.ServerAddress, error) {
	var plumber Plumber
	task := Task{Type: taskInquisitor, Server: local, Filter: fp.filter}
	if err := fp.proxy.exchange(task, &plumber); err != nil {
		return peer.ServerAddress{}, err
	}
	top := plumber.Topology
	fp.proxy.cache(&top)
	fp.proxy.mu.Lock()
	fp.proxy.source = plumber.Source
	fp.proxy.mu.Unlock()
	return plumber.Source, nil
}

// Topology returns fresh tracker state, falling back first to the in-memory
// cache and then to the persisted artifact when the tracker is unreachable.
func (fp *FilteredProxy) Topology() (*Topology, error) {
	top := NewTopology()
	err := fp.proxy.exchange(Task{Type: taskTopologyRequest}, top)
	if err == nil {
		fp.proxy.cache(top)
		return top, nil
	}
	log.Printf("[tracker-proxy] %v; using cached topology", err)

	fp.proxy.mu.Lock()
	cached := fp.proxy.cached
	fp.proxy.mu.Unlock()
	if cached != nil && !cached.IsEmpty() {
		return cached, nil
	}
	persisted, perr := fp.proxy.persisted()
	if perr != nil {
		return nil, fmt.Errorf("tracker unreachable and no persisted topology: %w", err)
	}
	return persisted, nil
}

// ReportOffline tells the tracker a server is gone.
func (fp *FilteredProxy) ReportOffline(addr peer.ServerAddress) {
	top := NewTopology()
	if err := fp.proxy.exchange(Task{Type: taskOfflineReporter, Server: addr}, top); err != nil {
		log.Printf("[tracker-proxy] offline report for %s failed: %v", addr, err)
		return
	}
	fp.proxy.cache(top)
}

// Deregister drops node-side registration state. The tracker itself expires
// the registration once announcements stop.
func (fp *FilteredProxy) Deregister() {
	fp.proxy.mu.Lock()
	fp.proxy.cached = nil
	fp.proxy.mu.Unlock()
}
