package manager

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/omnicloud/sruth/internal/clearing"
	"github.com/omnicloud/sruth/internal/data"
	"github.com/omnicloud/sruth/internal/peer"
	"github.com/omnicloud/sruth/internal/tracker"
)

const (
	// MinClientsPerFilter is how many live client sessions the manager
	// maintains per filter.
	MinClientsPerFilter = 8

	// ReplacementPeriod is how often under-performing clients are replaced.
	ReplacementPeriod = 60 * time.Second

	// initialBackoff seeds the tracker-unreachable backoff; it grows
	// exponentially up to the replacement period.
	initialBackoff = time.Second

	// invalidServerTTL is how long an offline-reported server stays
	// excluded before it may be retried.
	invalidServerTTL = 5 * time.Second

	// refillPoll is how often an under-provisioned manager re-consults the
	// topology while no candidate is available.
	refillPoll = 2 * time.Second
)

// ClientManager keeps at least a minimum number of client sessions connected
// to servers matching one filter, ranks them by delivered bytes, and
// replaces the under-performers every period. Servers are discovered
// through the tracker proxy.
type ClientManager struct {
	hub         *clearing.ClearingHouse
	proxy       *tracker.FilteredProxy
	localServer peer.ServerAddress
	filter      data.Filter

	minClients int
	period     time.Duration

	mu      sync.Mutex
	clients map[peer.ServerAddress]*managedClient
	invalid map[peer.ServerAddress]time.Time // server → when it was marked

	terminated chan clientResult
	wake       chan struct{} // reaper → creator: a client slot changed
	done       chan struct{} // closed when a client reports all data received
	doneOnce   sync.Once
}

type managedClient struct {
	client *peer.Client
}

type clientResult struct {
	addr peer.ServerAddress
	ok   bool
	err  error
}

// Option tunes the manager.
type Option func(*ClientManager)

// WithMinClients overrides the per-filter client minimum.
func WithMinClients(n int) Option { return func(m *ClientManager) { m.minClients = n } }

// WithReplacementPeriod overrides the ranking period.
func WithReplacementPeriod(d time.Duration) Option {
	return func(m *ClientManager) { m.period = d }
}

// New builds a manager for one filter.
func New(hub *clearing.ClearingHouse, proxy *tracker.FilteredProxy, localServer peer.ServerAddress, opts ...Option) *ClientManager {
	m := &ClientManager{
		hub:         hub,
		proxy:       proxy,
		localServer: localServer,
		filter:      proxy.Filter(),
		minClients:  MinClientsPerFilter,
		period:      ReplacementPeriod,
		clients:     make(map[peer.ServerAddress]*managedClient),
		invalid:     make(map[peer.ServerAddress]time.Time),
		terminated:  make(chan clientResult, 64),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Done is closed once a client session reports that all locally desired
// data has been received.
func (m *ClientManager) Done() <-chan struct{} { return m.done }

// Run registers with the tracker and drives the creator and reaper until
// the context ends. On exit every client is cancelled and the proxy is
// deregistered.
func (m *ClientManager) Run(ctx context.Context) error {
	defer m.shutdown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.reap(ctx, cancel)
	}()

	m.create(ctx)
	cancel()
	wg.Wait()
	return ctx.Err()
}

// create is the ClientCreator: it fills the client set up to the minimum
// without waiting, then replaces the worst performer once per period. While
// the tracker is unreachable it backs off exponentially up to the period.
func (m *ClientManager) create(ctx context.Context) {
	backoff := initialBackoff
	registered := false
	periodEnd := time.Now().Add(m.period)

	for ctx.Err() == nil {
		if !registered {
			if _, err := m.proxy.Register(m.localServer); err != nil {
				log.Printf("[manager] tracker registration failed: %v (retrying in %s)", err, backoff)
				if !m.sleep(ctx, backoff) {
					return
				}
				backoff = m.grow(backoff)
				continue
			}
			registered = true
			backoff = initialBackoff
		}

		// Below the minimum: spawn the best candidate immediately.
		if m.clientCount() < m.minClients {
			if best, ok := m.bestServer(); ok {
				m.spawn(ctx, best)
				continue
			}
		}

		// Wait for the period boundary, a reaped client, or cancellation.
		// An under-provisioned manager re-polls the topology sooner.
		deadline := periodEnd
		if m.clientCount() < m.minClients {
			if soon := time.Now().Add(refillPoll); soon.Before(deadline) {
				deadline = soon
			}
		}
		if !m.waitUntil(ctx, deadline) {
			return
		}
		if !time.Now().Before(periodEnd) {
			// Period over: retire the weakest (the next loop refills),
			// start a fresh ranking window, and refresh the tracker
			// registration so it never expires.
			if m.clientCount() >= m.minClients {
				m.retireWorst()
			}
			m.restartCounters()
			if _, err := m.proxy.Register(m.localServer); err != nil {
				registered = false
			}
			periodEnd = time.Now().Add(m.period)
		}
	}
}

// reap is the ClientReaper: it drains terminated clients. Completion
// (ok=true) means all desired data arrived; the creator is cancelled and
// Done is signalled. A network failure reports the server offline.
func (m *ClientManager) reap(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-m.terminated:
			m.mu.Lock()
			delete(m.clients, res.addr)
			m.mu.Unlock()
			// Wake the creator: a slot opened.
			select {
			case m.wake <- struct{}{}:
			default:
			}

			switch {
			case res.ok:
				log.Printf("[manager] all desired data received via %s", res.addr)
				m.doneOnce.Do(func() { close(m.done) })
				cancel()
				return
			case res.err != nil && isNetworkError(res.err):
				log.Printf("[manager] %s unreachable: %v", res.addr, res.err)
				m.markInvalid(res.addr)
				m.proxy.ReportOffline(res.addr)
			case res.err != nil:
				// Not a network failure: surface loudly and keep going with
				// the remaining sessions.
				log.Printf("[manager] client %s failed: %v", res.addr, res.err)
			default:
				// Cooperative stop or duplicate session: keep the server out
				// of the next few picks so the replacement tries elsewhere.
				m.markInvalid(res.addr)
			}
		}
	}
}

// spawn starts one client session toward addr.
func (m *ClientManager) spawn(ctx context.Context, addr peer.ServerAddress) {
	c := peer.NewClient(addr, m.localServer, m.hub, m.filter)
	m.mu.Lock()
	m.clients[addr] = &managedClient{client: c}
	m.mu.Unlock()

	log.Printf("[manager] connecting to %s for %s", addr, m.filter)
	go func() {
		ok, err := c.Call(ctx)
		select {
		case m.terminated <- clientResult{addr: addr, ok: ok, err: err}:
		case <-ctx.Done():
		}
	}()
}

// bestServer picks the best candidate from the topology, excluding servers
// already connected, known invalid, already in use by another session for
// the same filter, and this node itself.
func (m *ClientManager) bestServer() (peer.ServerAddress, bool) {
	top, err := m.proxy.Topology()
	if err != nil {
		log.Printf("[manager] no topology available: %v", err)
		return peer.ServerAddress{}, false
	}

	exclude := map[peer.ServerAddress]bool{m.localServer: true}
	m.mu.Lock()
	for addr := range m.clients {
		exclude[addr] = true
	}
	// Invalid marks age out so a restarted server becomes eligible again.
	for addr, marked := range m.invalid {
		if time.Since(marked) > invalidServerTTL {
			delete(m.invalid, addr)
			continue
		}
		exclude[addr] = true
	}
	m.mu.Unlock()
	for _, addr := range top.Servers() {
		if m.hub.InUse(addr, m.filter) {
			exclude[addr] = true
		}
	}
	return top.BestServer(m.filter, exclude)
}

// retireWorst stops the lowest-ranked client. Rank is bytes delivered since
// the last counter restart.
func (m *ClientManager) retireWorst() {
	m.mu.Lock()
	type ranked struct {
		addr  peer.ServerAddress
		bytes int64
	}
	order := make([]ranked, 0, len(m.clients))
	for addr, mc := range m.clients {
		order = append(order, ranked{addr: addr, bytes: mc.client.BytesDelivered()})
	}
	m.mu.Unlock()
	if len(order) == 0 {
		return
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].bytes != order[j].bytes {
			return order[i].bytes < order[j].bytes
		}
		return order[i].addr.String() < order[j].addr.String()
	})

	worst := order[0]
	m.mu.Lock()
	mc, ok := m.clients[worst.addr]
	delete(m.clients, worst.addr)
	m.mu.Unlock()
	if ok {
		log.Printf("[manager] replacing %s (rank %d bytes)", worst.addr, worst.bytes)
		mc.client.Stop()
	}
}

// restartCounters resets every live client's delivery counter so the next
// ranking covers only the new period.
func (m *ClientManager) restartCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mc := range m.clients {
		mc.client.RestartCounter()
	}
}

func (m *ClientManager) clientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *ClientManager) markInvalid(addr peer.ServerAddress) {
	m.mu.Lock()
	m.invalid[addr] = time.Now()
	m.mu.Unlock()
}

// waitUntil sleeps until the deadline, a reaped-client wake-up, or
// cancellation; false means the context ended.
func (m *ClientManager) waitUntil(ctx context.Context, deadline time.Time) bool {
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-m.wake:
		return true
	}
}

func (m *ClientManager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *ClientManager) grow(backoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > m.period {
		backoff = m.period
	}
	return backoff
}

// shutdown cancels every client and deregisters from the tracker proxy.
func (m *ClientManager) shutdown() {
	m.mu.Lock()
	clients := make([]*managedClient, 0, len(m.clients))
	for _, mc := range m.clients {
		clients = append(clients, mc)
	}
	m.clients = make(map[peer.ServerAddress]*managedClient)
	m.mu.Unlock()
	for _, mc := range clients {
		mc.client.Stop()
	}
	m.proxy.Deregister()
}

// isNetworkError classifies the recoverable network taxonomy: connect
// refused, reset, EOF, timeout.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
