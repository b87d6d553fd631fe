package peer

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/anacrolix/torrent/bencode"

	"github.com/omnicloud/sruth/internal/data"
)

// Stream indices within a connection. The streams are opened in this order
// and each carries only its own message kind.
const (
	StreamNotice  = 0
	StreamRequest = 1
	StreamData    = 2
	StreamCount   = 3
)

// maxFrame bounds a single length-prefixed frame. Data frames carry one
// piece; notice and request frames carry compressed piece sets that can
// reference many files.
const maxFrame = 8 << 20

// WriteFrame bencodes v and writes it with a 4-byte big-endian length
// prefix. The caller flushes the stream when the message must go out.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := bencode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame and bencode-decodes it into v.
func ReadFrame(r io.Reader, v interface{}) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if err := bencode.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// ServerAddress locates a node's server: the host and the base of its three
// consecutive ports.
type ServerAddress struct {
	Host string `bencode:"h"`
	Port int64  `bencode:"p"`
}

// ParseServerAddress parses "host:port".
func ParseServerAddress(s string) (ServerAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return ServerAddress{}, fmt.Errorf("bad server address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ServerAddress{}, fmt.Errorf("bad server port in %q", s)
	}
	return ServerAddress{Host: host, Port: int64(port)}, nil
}

func (a ServerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.FormatInt(a.Port, 10))
}

// StreamAddr returns the dial address for one of the three streams.
func (a ServerAddress) StreamAddr(stream int) string {
	return net.JoinHostPort(a.Host, strconv.FormatInt(a.Port+int64(stream), 10))
}

// IsZero reports an unset address.
func (a ServerAddress) IsZero() bool { return a.Host == "" && a.Port == 0 }

// Handshake is the first frame on every stream: the initiator's connection
// nonce, its server address, the stream index, and the filter it wants. The
// acceptor answers once, on the notice stream, with its own address and
// filter.
type Handshake struct {
	Nonce  string      `bencode:"n"`
	Server ServerAddress `bencode:"s"`
	Stream int64       `bencode:"st"`
	Filter data.Filter `bencode:"f"`
}

// Valid checks the protocol invariants of a received handshake.
func (h Handshake) Valid() bool {
	return h.Nonce != "" && h.Server.Host != "" &&
		h.Server.Port > 0 && h.Server.Port <= 65535 &&
		h.Stream >= 0 && h.Stream < StreamCount
}

// Notice kinds on the wire.
const (
	noticeAddition     = "add"
	noticeRemovedFile  = "rm"
	noticeRemovedFiles = "rms"
)

// Notice announces archive changes: an addition carries a piece-spec set,
// removals carry file IDs.
type Notice struct {
	Type    string              `bencode:"t"`
	Add     *data.PieceSpecSet  `bencode:"a,omitempty"`
	Removed []data.FileID       `bencode:"r,omitempty"`
}

// AdditionNotice announces available pieces.
func AdditionNotice(set *data.PieceSpecSet) Notice {
	return Notice{Type: noticeAddition, Add: set}
}

// RemovedFileNotice announces one removed file.
func RemovedFileNotice(id data.FileID) Notice {
	return Notice{Type: noticeRemovedFile, Removed: []data.FileID{id}}
}

// RemovedFilesNotice announces a batch of removed files.
func RemovedFilesNotice(ids []data.FileID) Notice {
	return Notice{Type: noticeRemovedFiles, Removed: ids}
}

// Valid checks the shape of a received notice.
func (n Notice) Valid() bool {
	switch n.Type {
	case noticeAddition:
		return n.Add != nil
	case noticeRemovedFile:
		return len(n.Removed) == 1
	case noticeRemovedFiles:
		return len(n.Removed) > 0
	}
	return false
}

// Request names the pieces the remote wants the local node to send.
type Request struct {
	Specs *data.PieceSpecSet `bencode:"s"`
}

// PieceMessage carries one piece on the data stream.
type PieceMessage struct {
	Info  data.FileInfo `bencode:"i"`
	Index int64         `bencode:"x"`
	Data  []byte        `bencode:"d"`
}

// Piece converts the message to a validated Piece value.
func (m PieceMessage) Piece() (data.Piece, error) {
	if !m.Info.Valid() {
		return data.Piece{}, fmt.Errorf("invalid file info on data stream: %v", m.Info)
	}
	spec, err := data.NewPieceSpec(m.Info, m.Index)
	if err != nil {
		return data.Piece{}, err
	}
	return data.NewPiece(spec, m.Data)
}
