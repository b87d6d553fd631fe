package peer

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/omnicloud/sruth/internal/data"
)

// DefaultBasePort is the first of the three consecutive TCP ports a node's
// server binds.
const DefaultBasePort = 3880

// Server accepts inbound peer connections on three consecutive TCP ports. A
// ConnectionFactory groups the sockets by handshake ConnectionID; each
// completed triple becomes a Connection consumed by a new Peer.
//
// A sink server additionally tracks the server addresses of every peer it
// has seen; a source server wants nothing (localFilter NOTHING) and only
// serves.
type Server struct {
	addr        ServerAddress // advertised address (host + base port)
	hub         Hub
	localFilter func() data.Filter
	factory     *ConnectionFactory

	trackPeers bool
	knownMu    sync.Mutex
	known      map[ServerAddress]struct{}

	listeners [StreamCount]net.Listener
}

// NewSinkServer creates a subscriber-side server: inbound peers are offered
// the node's own filter and their server addresses are remembered.
func NewSinkServer(addr ServerAddress, hub Hub, localFilter func() data.Filter) *Server {
	return &Server{
		addr:        addr,
		hub:         hub,
		localFilter: localFilter,
		factory:     NewConnectionFactory(addr, localFilter),
		trackPeers:  true,
		known:       make(map[ServerAddress]struct{}),
	}
}

// NewSourceServer creates a publisher-side server: it serves any peer but
// never requests anything itself.
func NewSourceServer(addr ServerAddress, hub Hub) *Server {
	nothing := func() data.Filter { return data.Nothing }
	return &Server{
		addr:        addr,
		hub:         hub,
		localFilter: nothing,
		factory:     NewConnectionFactory(addr, nothing),
		known:       make(map[ServerAddress]struct{}),
	}
}

// Addr returns the advertised server address.
func (s *Server) Addr() ServerAddress { return s.addr }

// Start binds the three ports and begins accepting. It returns once the
// listeners are bound; accepting stops when the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	for i := 0; i < StreamCount; i++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.addr.Port+int64(i)))
		if err != nil {
			for j := 0; j < i; j++ {
				s.listeners[j].Close()
			}
			return fmt.Errorf("[server] failed to listen on port %d: %w", s.addr.Port+int64(i), err)
		}
		s.listeners[i] = ln
	}
	log.Printf("[server] listening on %s (ports %d-%d)", s.addr, s.addr.Port, s.addr.Port+StreamCount-1)

	go func() {
		<-ctx.Done()
		for _, ln := range s.listeners {
			ln.Close()
		}
	}()
	go s.sweepLoop(ctx)
	for i := 0; i < StreamCount; i++ {
		go s.acceptLoop(ctx, s.listeners[i])
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		sock, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("[server] accept error: %v", err)
				continue
			}
		}
		go s.handleSocket(ctx, sock)
	}
}

// handleSocket runs the handshake off the accept loop; a completed triple
// spawns a Peer that runs for the life of the session.
func (s *Server) handleSocket(ctx context.Context, sock net.Conn) {
	conn, err := s.factory.Accept(sock)
	if err != nil {
		log.Printf("[server] %v", err)
		return
	}
	if conn == nil {
		return // waiting for the rest of the triple
	}
	if s.trackPeers {
		s.knownMu.Lock()
		s.known[conn.Remote] = struct{}{}
		s.knownMu.Unlock()
	}

	p := NewInbound(conn, s.hub, s.localFilter())
	go func() {
		ok, err := p.Call(ctx)
		switch {
		case err != nil:
			log.Printf("[server] inbound session with %s ended: %v", conn.Remote, err)
		case ok:
			log.Printf("[server] inbound session with %s completed", conn.Remote)
		}
	}()
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(pendingSetupTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.factory.Sweep()
		}
	}
}

// KnownServers returns the remote server addresses seen by a sink server,
// in stable order.
func (s *Server) KnownServers() []ServerAddress {
	s.knownMu.Lock()
	defer s.knownMu.Unlock()
	out := make([]ServerAddress, 0, len(s.known))
	for addr := range s.known {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
