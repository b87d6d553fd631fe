package peer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/omnicloud/sruth/internal/data"
)

// connectTimeout bounds each of the three outbound dials.
const connectTimeout = 10 * time.Second

// Client opens the initiating side of a peer link: three sockets to a remote
// server's consecutive ports, the handshake on each, then a Peer on the
// resulting connection.
type Client struct {
	remote      ServerAddress
	local       ServerAddress // this node's own server, sent in the handshake
	hub         Hub
	localFilter data.Filter

	peer *Peer
}

// NewClient prepares a client session toward remote.
func NewClient(remote, local ServerAddress, hub Hub, localFilter data.Filter) *Client {
	return &Client{remote: remote, local: local, hub: hub, localFilter: localFilter}
}

// Remote returns the server this client connects to.
func (c *Client) Remote() ServerAddress { return c.remote }

// BytesDelivered reports the session's delivery counter; zero before the
// session is up.
func (c *Client) BytesDelivered() int64 {
	if c.peer == nil {
		return 0
	}
	return c.peer.BytesDelivered()
}

// RestartCounter restarts the session's delivery counter.
func (c *Client) RestartCounter() {
	if c.peer != nil {
		c.peer.RestartCounter()
	}
}

// Stop cancels the session.
func (c *Client) Stop() {
	if c.peer != nil {
		c.peer.Stop()
	}
}

// Call dials, handshakes, and runs the Peer. Its result mirrors Peer.Call:
// true when all locally desired data was received over this session.
func (c *Client) Call(ctx context.Context) (bool, error) {
	nonce := uuid.New().String()
	var socks [StreamCount]net.Conn

	closeAll := func() {
		for _, s := range socks {
			if s != nil {
				s.Close()
			}
		}
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	for i := 0; i < StreamCount; i++ {
		sock, err := dialer.DialContext(ctx, "tcp", c.remote.StreamAddr(i))
		if err != nil {
			closeAll()
			return false, fmt.Errorf("connect %s: %w", c.remote.StreamAddr(i), err)
		}
		configureTCP(sock)
		socks[i] = sock

		hs := Handshake{Nonce: nonce, Server: c.local, Stream: int64(i), Filter: c.localFilter}
		if err := WriteFrame(sock, hs); err != nil {
			closeAll()
			return false, fmt.Errorf("handshake %s: %w", c.remote.StreamAddr(i), err)
		}
	}

	// The acceptor answers on the notice stream with its address and filter.
	socks[StreamNotice].SetReadDeadline(time.Now().Add(handshakeGuard))
	var reply Handshake
	if err := ReadFrame(socks[StreamNotice], &reply); err != nil {
		closeAll()
		return false, fmt.Errorf("handshake reply from %s: %w", c.remote, err)
	}
	socks[StreamNotice].SetReadDeadline(time.Time{})
	if reply.Nonce != nonce || !reply.Valid() {
		closeAll()
		return false, fmt.Errorf("bad handshake reply from %s", c.remote)
	}

	id := ConnectionID{Nonce: nonce, Server: c.local}
	conn := newConnection(id, c.remote, reply.Filter, socks)
	c.peer = New(conn, c.hub, c.localFilter)
	return c.peer.Call(ctx)
}
