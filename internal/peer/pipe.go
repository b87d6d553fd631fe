package peer

import (
	"net"

	"github.com/omnicloud/sruth/internal/data"
)

// PipeConnections builds a pair of in-memory connections joined stream by
// stream, as if a and b had completed the three-socket handshake. Used by
// tests of components that hold peers without driving real sockets.
func PipeConnections(nonce string, a, b ServerAddress, aWants, bWants data.Filter) (*Connection, *Connection) {
	var aSocks, bSocks [StreamCount]net.Conn
	for i := 0; i < StreamCount; i++ {
		aSocks[i], bSocks[i] = net.Pipe()
	}
	id := ConnectionID{Nonce: nonce, Server: a}
	connA := newConnection(id, b, bWants, aSocks)
	connB := newConnection(id, a, aWants, bSocks)
	return connA, connB
}
