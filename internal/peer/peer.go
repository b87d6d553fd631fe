package peer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/omnicloud/sruth/internal/data"
)

// errAllDataReceived is the graceful-completion signal: the piece receiver
// returns it when the clearing house reports that nothing more is wanted,
// and Call translates it into a true result.
var errAllDataReceived = errors.New("all desired data received")

// Peer drives one full-duplex session with a remote node. Once its
// connection is ready it runs up to six stream tasks (sender and receiver
// for each of NOTICE, REQUEST, DATA) plus a file scanner that walks the
// local archive once and enqueues notices for everything the remote wants.
type Peer struct {
	conn *Connection
	hub  Hub

	localFilter  data.Filter // what this node wants
	remoteFilter data.Filter // what the remote wants
	inbound      bool        // true when the remote initiated the connection

	notices  *noticeQueue
	requests *requestQueue
	pieces   chan data.Piece // rendezvous between request receiver and piece sender

	bytesDelivered int64 // atomic
	counting       int32 // atomic flag
	stopped        int32 // atomic flag

	cancel context.CancelFunc
}

// New builds the initiating side's peer over a ready connection.
// localFilter is what this node wants; the remote's filter was learned
// during the handshake.
func New(conn *Connection, hub Hub, localFilter data.Filter) *Peer {
	return newPeer(conn, hub, localFilter, false)
}

// NewInbound builds the accepting side's peer.
func NewInbound(conn *Connection, hub Hub, localFilter data.Filter) *Peer {
	return newPeer(conn, hub, localFilter, true)
}

func newPeer(conn *Connection, hub Hub, localFilter data.Filter, inbound bool) *Peer {
	return &Peer{
		conn:         conn,
		hub:          hub,
		localFilter:  localFilter,
		remoteFilter: conn.RemoteFilter,
		inbound:      inbound,
		notices:      newNoticeQueue(),
		requests:     newRequestQueue(),
		pieces:       make(chan data.Piece),
		counting:     1,
	}
}

// RemoteServer returns the remote node's server address.
func (p *Peer) RemoteServer() ServerAddress { return p.conn.Remote }

// LocalFilter returns what this node wants from the session.
func (p *Peer) LocalFilter() data.Filter { return p.localFilter }

// RemoteFilter returns what the remote wants from the session.
func (p *Peer) RemoteFilter() data.Filter { return p.remoteFilter }

// Inbound reports whether the remote initiated the connection. A session is
// a duplicate only of another session with the same remote, filter, and
// direction: an inbound and an outbound link between the same pair coexist.
func (p *Peer) Inbound() bool { return p.inbound }

// Notify enqueues an addition notice for the remote. The set is queued as
// given; it is not checked against the remote's filter here.
func (p *Peer) Notify(set *data.PieceSpecSet) { p.notices.AddSet(set) }

// NotifyRemoved enqueues a removed-file notice.
func (p *Peer) NotifyRemoved(id data.FileID) { p.notices.AddRemoval(id) }

// Request enqueues a piece request toward the remote. Called by the hub when
// it assigns a wanted piece to this session.
func (p *Peer) Request(spec data.PieceSpec) { p.requests.Add(spec) }

// BytesDelivered returns the bytes of new data this session delivered since
// the counter was last restarted.
func (p *Peer) BytesDelivered() int64 { return atomic.LoadInt64(&p.bytesDelivered) }

// RestartCounter zeroes the delivery counter and resumes counting.
func (p *Peer) RestartCounter() {
	atomic.StoreInt64(&p.bytesDelivered, 0)
	atomic.StoreInt32(&p.counting, 1)
}

// StopCounter freezes the delivery counter.
func (p *Peer) StopCounter() { atomic.StoreInt32(&p.counting, 0) }

// Stop cancels the session cooperatively. Pending I/O unblocks as the
// sockets close.
func (p *Peer) Stop() {
	atomic.StoreInt32(&p.stopped, 1)
	if p.cancel != nil {
		p.cancel()
	}
}

// Call runs the session to completion. It returns true when the peer was
// accepted as a valid session and all locally desired data has been
// received; any stream error cancels the session and surfaces as err.
func (p *Peer) Call(ctx context.Context) (bool, error) {
	if !p.hub.AddPeer(p) {
		// An equivalent session to the same remote server already exists.
		log.Printf("[peer] duplicate session to %s, cancelling", p.conn.Remote)
		p.conn.Close()
		return false, nil
	}
	defer p.hub.RemovePeer(p)

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	// Cancellation closes the sockets and queues, unblocking every task.
	go func() {
		<-ctx.Done()
		p.conn.Close()
		p.notices.Close()
		p.requests.Close()
	}()

	// Tasks serving the remote run only when it wants something.
	if !p.remoteFilter.IsNothing() {
		g.Go(p.noticeSender)
		g.Go(p.requestReceiver(ctx))
		g.Go(p.pieceSender(ctx))
		g.Go(p.fileScanner)
	}
	// Tasks fetching for this node run only when it wants something.
	if !p.localFilter.IsNothing() {
		g.Go(p.noticeReceiver)
		g.Go(p.requestSender)
		g.Go(p.pieceReceiver)
	}

	err := g.Wait()
	cancel()
	p.conn.Close()

	switch {
	case errors.Is(err, errAllDataReceived):
		return true, nil
	case err == nil, errors.Is(err, context.Canceled),
		parent.Err() != nil, atomic.LoadInt32(&p.stopped) == 1:
		// Cooperative stop, not a failure.
		return false, nil
	default:
		return false, fmt.Errorf("session with %s: %w", p.conn.Remote, err)
	}
}

// noticeSender drains the notice queue onto the NOTICE stream.
func (p *Peer) noticeSender() error {
	for {
		n, ok := p.notices.Take()
		if !ok {
			return nil
		}
		if err := WriteFrame(p.conn.Writer(StreamNotice), n); err != nil {
			return err
		}
		if err := p.conn.Flush(StreamNotice); err != nil {
			return err
		}
	}
}

// noticeReceiver reads remote notices and hands them to the hub.
func (p *Peer) noticeReceiver() error {
	for {
		var n Notice
		if err := ReadFrame(p.conn.Reader(StreamNotice), &n); err != nil {
			return err
		}
		if !n.Valid() {
			return fmt.Errorf("malformed notice from %s", p.conn.Remote)
		}
		switch n.Type {
		case noticeAddition:
			var specErr error
			n.Add.Walk(func(spec data.PieceSpec) bool {
				specErr = p.hub.ProcessSpec(p, spec)
				return specErr == nil
			})
			if specErr != nil {
				return specErr
			}
		default:
			if err := p.hub.ProcessRemovals(p, n.Removed); err != nil {
				return err
			}
		}
	}
}

// requestSender drains the request queue onto the REQUEST stream.
func (p *Peer) requestSender() error {
	for {
		set, ok := p.requests.Take()
		if !ok {
			return nil
		}
		if err := WriteFrame(p.conn.Writer(StreamRequest), Request{Specs: set}); err != nil {
			return err
		}
		if err := p.conn.Flush(StreamRequest); err != nil {
			return err
		}
	}
}

// requestReceiver reads remote requests and feeds pieces to the piece
// sender through the rendezvous channel, one at a time.
func (p *Peer) requestReceiver(ctx context.Context) func() error {
	return func() error {
		for {
			var req Request
			if err := ReadFrame(p.conn.Reader(StreamRequest), &req); err != nil {
				return err
			}
			if req.Specs == nil {
				return fmt.Errorf("malformed request from %s", p.conn.Remote)
			}
			var sendErr error
			req.Specs.Walk(func(spec data.PieceSpec) bool {
				if !p.remoteFilter.Matches(spec.Info.ID.Path) {
					log.Printf("[peer] %s requested %s outside its filter, skipping", p.conn.Remote, spec)
					return true
				}
				piece, ok := p.hub.GetPiece(spec)
				if !ok {
					// The piece may have been removed since the notice.
					return true
				}
				select {
				case p.pieces <- piece:
					return true
				case <-ctx.Done():
					sendErr = ctx.Err()
					return false
				}
			})
			if sendErr != nil {
				return sendErr
			}
		}
	}
}

// pieceSender writes pieces from the rendezvous channel onto the DATA
// stream. The unbuffered handoff bounds in-flight data to one piece.
func (p *Peer) pieceSender(ctx context.Context) func() error {
	return func() error {
		for {
			select {
			case piece := <-p.pieces:
				msg := PieceMessage{Info: piece.Spec.Info, Index: piece.Spec.Index, Data: piece.Data}
				if err := WriteFrame(p.conn.Writer(StreamData), msg); err != nil {
					return err
				}
				if err := p.conn.Flush(StreamData); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// pieceReceiver reads pieces off the DATA stream into the archive via the
// hub. A piece that disagrees with its own file information is logged and
// skipped; the session continues.
func (p *Peer) pieceReceiver() error {
	for {
		var msg PieceMessage
		if err := ReadFrame(p.conn.Reader(StreamData), &msg); err != nil {
			return err
		}
		piece, err := msg.Piece()
		if err != nil {
			log.Printf("[peer] mismatched file information from %s: %v", p.conn.Remote, err)
			continue
		}
		used, done, err := p.hub.ProcessPiece(p, piece)
		if err != nil {
			return err
		}
		if used && atomic.LoadInt32(&p.counting) == 1 {
			atomic.AddInt64(&p.bytesDelivered, int64(len(piece.Data)))
		}
		if done {
			return errAllDataReceived
		}
	}
}

// fileScanner walks the local archive once and enqueues notices for every
// piece the remote's filter matches.
func (p *Peer) fileScanner() error {
	return p.hub.WalkArchive(p.remoteFilter, func(set *data.PieceSpecSet) error {
		p.notices.AddSet(set)
		return nil
	})
}
