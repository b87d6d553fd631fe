package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/omnicloud/sruth/internal/clearing"
	"github.com/omnicloud/sruth/internal/tracker"
)

// Server exposes a node's runtime state over HTTP: a JSON status snapshot,
// the live peer list, the last known tracker topology, and a websocket feed
// of transfer activity.
type Server struct {
	hub      *clearing.ClearingHouse
	topology func() (*tracker.Topology, error)
	started  time.Time

	upgrader websocket.Upgrader

	mu      sync.Mutex
	watches map[*websocket.Conn]chan clearing.Activity
}

// NewServer wires the status surface to a clearing house. topology may be
// nil on nodes without a tracker proxy.
func NewServer(hub *clearing.ClearingHouse, topology func() (*tracker.Topology, error)) *Server {
	s := &Server{
		hub:      hub,
		topology: topology,
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		watches: make(map[*websocket.Conn]chan clearing.Activity),
	}
	hub.OnActivity(s.broadcast)
	return s
}

// Start serves the API until the context ends. Port 0 disables the surface.
func (s *Server) Start(ctx context.Context, port int) error {
	if port == 0 {
		return nil
	}
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/api/v1/peers", s.handlePeers).Methods("GET")
	router.HandleFunc("/api/v1/topology", s.handleTopology).Methods("GET")
	router.HandleFunc("/ws", s.handleWebSocket)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("[status] failed to listen on port %d: %w", port, err)
	}
	srv := &http.Server{Handler: router}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[status] server stopped: %v", err)
		}
	}()
	log.Printf("[status] API listening on port %d", port)
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"archive_root": s.hub.Archive().Root(),
		"predicate":    s.hub.Predicate().String(),
		"peer_count":   s.hub.PeerCount(),
		"uptime_sec":   int64(time.Since(s.started).Seconds()),
	}
	writeJSON(w, resp)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	servers := s.hub.PeerServers()
	peers := make([]string, len(servers))
	for i, addr := range servers {
		peers[i] = addr.String()
	}
	writeJSON(w, map[string]interface{}{"count": len(peers), "peers": peers})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if s.topology == nil {
		http.Error(w, "no tracker proxy on this node", http.StatusNotFound)
		return
	}
	top, err := s.topology()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	servers := top.Servers()
	out := make([]string, len(servers))
	for i, addr := range servers {
		out[i] = addr.String()
	}
	writeJSON(w, map[string]interface{}{"servers": out})
}

// handleWebSocket streams activity events to the client until it goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[status] websocket upgrade failed: %v", err)
		return
	}
	events := make(chan clearing.Activity, 64)
	s.mu.Lock()
	s.watches[conn] = events
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.watches, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// Drain (and discard) client frames so pings and closes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for event := range events {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}

// broadcast fans an activity event out to every websocket watcher. Slow
// watchers drop events rather than stall the node.
func (s *Server) broadcast(a clearing.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, events := range s.watches {
		select {
		case events <- a:
		default:
			log.Printf("[status] dropping event for slow watcher %s", conn.RemoteAddr())
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
