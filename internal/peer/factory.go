package peer

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/omnicloud/sruth/internal/data"
)

// handshakeGuard aborts a handshake read that never arrives. An initiator
// may legitimately stall while its remaining sockets connect; the guard only
// bounds a socket that is plainly dead.
const handshakeGuard = 30 * time.Second

// pendingSetupTimeout bounds how long an incomplete connection (fewer than
// three sockets seen) is held before being discarded.
const pendingSetupTimeout = 60 * time.Second

// ConnectionFactory groups inbound sockets by handshake ConnectionID and
// yields a Connection once all three streams of an ID have arrived.
type ConnectionFactory struct {
	local       ServerAddress
	localFilter func() data.Filter

	mu      sync.Mutex
	pending map[string]*pendingConnection
}

type pendingConnection struct {
	id      ConnectionID
	filter  data.Filter // the initiator's wanted filter
	socks   [StreamCount]net.Conn
	have    int
	created time.Time
}

// NewConnectionFactory creates a factory for the acceptor side. local and
// localFilter describe this node for the handshake reply.
func NewConnectionFactory(local ServerAddress, localFilter func() data.Filter) *ConnectionFactory {
	return &ConnectionFactory{
		local:       local,
		localFilter: localFilter,
		pending:     make(map[string]*pendingConnection),
	}
}

// Accept consumes one inbound socket: it reads the handshake, files the
// socket under its ConnectionID, and returns a ready Connection when the
// socket completes a triple. A handshake protocol violation closes every
// socket of the offending ID.
func (f *ConnectionFactory) Accept(sock net.Conn) (*Connection, error) {
	configureTCP(sock)

	sock.SetReadDeadline(time.Now().Add(handshakeGuard))
	var hs Handshake
	if err := ReadFrame(sock, &hs); err != nil {
		sock.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	sock.SetReadDeadline(time.Time{})
	if !hs.Valid() {
		sock.Close()
		return nil, fmt.Errorf("invalid handshake from %s", sock.RemoteAddr())
	}

	f.mu.Lock()
	p, ok := f.pending[hs.Nonce]
	if !ok {
		p = &pendingConnection{
			id:      ConnectionID{Nonce: hs.Nonce, Server: hs.Server},
			filter:  hs.Filter,
			created: time.Now(),
		}
		f.pending[hs.Nonce] = p
	}
	if p.id.Server != hs.Server || p.socks[hs.Stream] != nil {
		// Same stream twice, or an address mismatch across streams: a
		// protocol violation. Discard the whole ConnectionID.
		delete(f.pending, hs.Nonce)
		f.mu.Unlock()
		sock.Close()
		for _, s := range p.socks {
			if s != nil {
				s.Close()
			}
		}
		return nil, fmt.Errorf("handshake violation on connection %s", hs.Nonce)
	}
	p.socks[hs.Stream] = sock
	p.have++
	if p.have < StreamCount {
		f.mu.Unlock()
		return nil, nil
	}
	delete(f.pending, hs.Nonce)
	f.mu.Unlock()

	conn := newConnection(p.id, p.id.Server, p.filter, p.socks)

	// Answer once on the notice stream so the initiator learns this node's
	// address and wanted filter before its stream tasks start.
	reply := Handshake{
		Nonce:  p.id.Nonce,
		Server: f.local,
		Stream: StreamNotice,
		Filter: f.localFilter(),
	}
	if err := WriteFrame(conn.Writer(StreamNotice), reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write handshake reply: %w", err)
	}
	if err := conn.Flush(StreamNotice); err != nil {
		conn.Close()
		return nil, fmt.Errorf("flush handshake reply: %w", err)
	}
	return conn, nil
}

// Sweep discards incomplete connections older than the setup timeout.
func (f *ConnectionFactory) Sweep() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for nonce, p := range f.pending {
		if time.Since(p.created) < pendingSetupTimeout {
			continue
		}
		log.Printf("[server] discarding stale connection setup %s (%d/3 streams)", shortNonce(nonce), p.have)
		for _, s := range p.socks {
			if s != nil {
				s.Close()
			}
		}
		delete(f.pending, nonce)
	}
}

// PendingCount reports incomplete connections, for status.
func (f *ConnectionFactory) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
