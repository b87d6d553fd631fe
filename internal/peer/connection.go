package peer

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/omnicloud/sruth/internal/data"
)

// ConnectionID groups the three sockets of one peer link: a nonce chosen by
// the initiator plus the initiator's server address.
type ConnectionID struct {
	Nonce  string
	Server ServerAddress
}

// Connection is a peer-to-peer link composed of exactly three full-duplex
// streams carrying length-prefixed serialized messages: NOTICE, REQUEST, and
// DATA.
type Connection struct {
	ID           ConnectionID
	Remote       ServerAddress // remote node's server address
	RemoteFilter data.Filter   // what the remote wants

	socks   [StreamCount]net.Conn
	readers [StreamCount]*bufio.Reader
	writers [StreamCount]*bufio.Writer

	closeOnce sync.Once
}

// newConnection wraps three connected sockets, indexed by stream.
func newConnection(id ConnectionID, remote ServerAddress, remoteFilter data.Filter, socks [StreamCount]net.Conn) *Connection {
	c := &Connection{ID: id, Remote: remote, RemoteFilter: remoteFilter, socks: socks}
	for i, s := range socks {
		c.readers[i] = bufio.NewReader(s)
		c.writers[i] = bufio.NewWriter(s)
	}
	return c
}

// Reader returns the buffered reader for a stream.
func (c *Connection) Reader(stream int) *bufio.Reader { return c.readers[stream] }

// Writer returns the buffered writer for a stream.
func (c *Connection) Writer(stream int) *bufio.Writer { return c.writers[stream] }

// Flush pushes buffered bytes of a stream to the kernel. TCP_NODELAY is left
// off; this application-level flush is the send boundary.
func (c *Connection) Flush(stream int) error { return c.writers[stream].Flush() }

// Close closes all three sockets. Pending reads and writes unblock with a
// network error, which is how stream tasks are cancelled.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		for _, s := range c.socks {
			if s != nil {
				s.Close()
			}
		}
	})
}

func (c *Connection) String() string {
	return fmt.Sprintf("conn[%s->%s]", shortNonce(c.ID.Nonce), c.Remote)
}

// shortNonce trims a nonce for logging.
func shortNonce(nonce string) string {
	if len(nonce) > 8 {
		return nonce[:8]
	}
	return nonce
}

// configureTCP applies the link socket options: SO_LINGER disabled,
// TCP_NODELAY disabled (flush is explicit), SO_KEEPALIVE enabled.
func configureTCP(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetLinger(-1)
	tc.SetNoDelay(false)
	tc.SetKeepAlive(true)
}
