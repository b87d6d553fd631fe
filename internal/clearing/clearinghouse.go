package clearing

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/omnicloud/sruth/internal/archive"
	"github.com/omnicloud/sruth/internal/data"
	"github.com/omnicloud/sruth/internal/peer"
)

// expirySweepInterval is how often the TTL sweep walks the archive.
const expirySweepInterval = time.Minute

// Activity is a node event surfaced to observers (the status feed).
type Activity struct {
	Kind   string    `json:"kind"` // file-completed, peer-added, peer-removed, file-removed
	Path   string    `json:"path,omitempty"`
	Server string    `json:"server,omitempty"`
	Bytes  int64     `json:"bytes,omitempty"`
	Time   time.Time `json:"time"`
}

// ClearingHouse is the per-node hub coordinating the archive, the set of
// live peers, and the request director that keeps each wanted piece on order
// with at most one peer at a time.
type ClearingHouse struct {
	arch      *archive.Archive
	predicate *data.Predicate

	mu          sync.Mutex
	peers       map[peerKey]*peer.Peer
	outstanding map[data.PieceSpec]*peer.Peer

	activityMu sync.Mutex
	onActivity func(Activity)
}

// peerKey identifies an equivalent session: same remote server, same local
// filter, same direction. Direction matters so a relaying pair of nodes can
// hold one inbound and one outbound session to each other.
type peerKey struct {
	remote  peer.ServerAddress
	filter  string
	inbound bool
}

// New builds the clearing house for a node.
func New(arch *archive.Archive, predicate *data.Predicate) *ClearingHouse {
	return &ClearingHouse{
		arch:        arch,
		predicate:   predicate,
		peers:       make(map[peerKey]*peer.Peer),
		outstanding: make(map[data.PieceSpec]*peer.Peer),
	}
}

// Archive returns the underlying archive.
func (ch *ClearingHouse) Archive() *archive.Archive { return ch.arch }

// Predicate returns the node's predicate.
func (ch *ClearingHouse) Predicate() *data.Predicate { return ch.predicate }

// OnActivity installs the observer callback for node events.
func (ch *ClearingHouse) OnActivity(fn func(Activity)) {
	ch.activityMu.Lock()
	ch.onActivity = fn
	ch.activityMu.Unlock()
}

func (ch *ClearingHouse) emit(a Activity) {
	ch.activityMu.Lock()
	fn := ch.onActivity
	ch.activityMu.Unlock()
	if fn != nil {
		a.Time = time.Now()
		fn(a)
	}
}

// AddPeer registers a session; the duplicate check and insert are a single
// critical section.
func (ch *ClearingHouse) AddPeer(p *peer.Peer) bool {
	key := peerKey{remote: p.RemoteServer(), filter: p.LocalFilter().String(), inbound: p.Inbound()}
	ch.mu.Lock()
	if _, exists := ch.peers[key]; exists {
		ch.mu.Unlock()
		return false
	}
	ch.peers[key] = p
	ch.mu.Unlock()
	ch.emit(Activity{Kind: "peer-added", Server: p.RemoteServer().String()})
	return true
}

// RemovePeer drops a session and releases its outstanding requests so other
// peers can pick the pieces up through future notices.
func (ch *ClearingHouse) RemovePeer(p *peer.Peer) {
	key := peerKey{remote: p.RemoteServer(), filter: p.LocalFilter().String(), inbound: p.Inbound()}
	ch.mu.Lock()
	if current, exists := ch.peers[key]; exists && current == p {
		delete(ch.peers, key)
	}
	for spec, holder := range ch.outstanding {
		if holder == p {
			delete(ch.outstanding, spec)
		}
	}
	ch.mu.Unlock()
	ch.emit(Activity{Kind: "peer-removed", Server: p.RemoteServer().String()})
}

// ProcessSpec handles a remotely announced piece: wanted, absent pieces are
// requested from the announcing peer unless already on order elsewhere.
func (ch *ClearingHouse) ProcessSpec(p *peer.Peer, spec data.PieceSpec) error {
	if ch.arch.Exists(spec) {
		return nil
	}
	if !ch.predicate.Matches(spec.Info.ID.Path) {
		return nil
	}
	ch.mu.Lock()
	if _, onOrder := ch.outstanding[spec]; onOrder {
		ch.mu.Unlock()
		return nil
	}
	ch.outstanding[spec] = p
	ch.mu.Unlock()
	p.Request(spec)
	return nil
}

// ProcessRemovals applies remotely announced removals to the archive and
// relays them to every other interested peer.
func (ch *ClearingHouse) ProcessRemovals(from *peer.Peer, ids []data.FileID) error {
	for _, id := range ids {
		if err := ch.arch.Remove(id.Path); err != nil {
			return err
		}
		ch.emit(Activity{Kind: "file-removed", Path: string(id.Path)})
		ch.forEachPeer(func(p *peer.Peer) {
			if p != from && p.RemoteFilter().Matches(id.Path) {
				p.NotifyRemoved(id)
			}
		})
	}
	return nil
}

// ProcessPiece stores a received piece. A new piece is relayed to every
// other peer whose filter matches; completion of an exactly-subscribed file
// shrinks the predicate, and done reports when nothing remains wanted.
func (ch *ClearingHouse) ProcessPiece(from *peer.Peer, piece data.Piece) (bool, bool, error) {
	res, err := ch.arch.PutPiece(piece)

	ch.mu.Lock()
	delete(ch.outstanding, piece.Spec)
	ch.mu.Unlock()

	if err != nil {
		// Archive I/O failures are not recoverable at this boundary.
		return false, false, err
	}
	if res == archive.PieceDuplicate {
		return false, false, nil
	}

	ch.notifyRemoteIfDesired(from, piece.Spec)

	if res == archive.FileCompleted {
		ch.predicate.RemoveIfPossible(piece.Spec.Info)
		ch.emit(Activity{
			Kind:  "file-completed",
			Path:  string(piece.Spec.Info.ID.Path),
			Bytes: piece.Spec.Info.Size,
		})
	}
	return true, ch.predicate.IsEmpty(), nil
}

// notifyRemoteIfDesired announces a newly stored piece to every other peer
// whose remote filter matches its path.
func (ch *ClearingHouse) notifyRemoteIfDesired(from *peer.Peer, spec data.PieceSpec) {
	ch.forEachPeer(func(p *peer.Peer) {
		if p == from || !p.RemoteFilter().Matches(spec.Info.ID.Path) {
			return
		}
		set := data.NewPieceSpecSet()
		set.Add(spec)
		p.Notify(set)
	})
}

// NotifyAll announces locally new data (a publisher's filesystem drop) to
// every interested peer.
func (ch *ClearingHouse) NotifyAll(set *data.PieceSpecSet) {
	ch.forEachPeer(func(p *peer.Peer) {
		matched := data.NewPieceSpecSet()
		set.Walk(func(spec data.PieceSpec) bool {
			if p.RemoteFilter().Matches(spec.Info.ID.Path) {
				matched.Add(spec)
			}
			return true
		})
		if !matched.IsEmpty() {
			p.Notify(matched)
		}
	})
}

// Remove deletes a file locally and forwards a removal notice to every
// interested peer.
func (ch *ClearingHouse) Remove(id data.FileID) error {
	if err := ch.arch.Remove(id.Path); err != nil {
		return err
	}
	ch.emit(Activity{Kind: "file-removed", Path: string(id.Path)})
	ch.forEachPeer(func(p *peer.Peer) {
		if p.RemoteFilter().Matches(id.Path) {
			p.NotifyRemoved(id)
		}
	})
	return nil
}

// GetPiece reads a piece for serving.
func (ch *ClearingHouse) GetPiece(spec data.PieceSpec) (data.Piece, bool) {
	piece, err := ch.arch.GetPiece(spec)
	if err != nil {
		if !errors.Is(err, archive.ErrNotFound) {
			log.Printf("[clearing] read of %s failed: %v", spec, err)
		}
		return data.Piece{}, false
	}
	return piece, true
}

// WalkArchive delegates to the archive.
func (ch *ClearingHouse) WalkArchive(filter data.Filter, fn func(*data.PieceSpecSet) error) error {
	return ch.arch.Walk(filter, fn)
}

// InUse reports whether an outbound session already covers (remote, filter).
// The client manager consults this before picking a new server.
func (ch *ClearingHouse) InUse(remote peer.ServerAddress, filter data.Filter) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	_, exists := ch.peers[peerKey{remote: remote, filter: filter.String()}]
	return exists
}

// PeerCount returns the number of live sessions.
func (ch *ClearingHouse) PeerCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.peers)
}

// PeerServers returns the remote server address of every live session.
func (ch *ClearingHouse) PeerServers() []peer.ServerAddress {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]peer.ServerAddress, 0, len(ch.peers))
	for key := range ch.peers {
		out = append(out, key.remote)
	}
	return out
}

func (ch *ClearingHouse) forEachPeer(fn func(*peer.Peer)) {
	ch.mu.Lock()
	peers := make([]*peer.Peer, 0, len(ch.peers))
	for _, p := range ch.peers {
		peers = append(peers, p)
	}
	ch.mu.Unlock()
	for _, p := range peers {
		fn(p)
	}
}

// RunExpiry removes files whose TTL has lapsed, forwarding removal notices,
// until the context ends.
func (ch *ClearingHouse) RunExpiry(ctx context.Context) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := ch.arch.Expired(time.Now())
			if err != nil {
				log.Printf("[clearing] expiry sweep failed: %v", err)
				continue
			}
			for _, info := range expired {
				log.Printf("[clearing] expiring %s (ttl %ds)", info.ID.Path, info.TTL)
				if err := ch.Remove(info.ID); err != nil {
					log.Printf("[clearing] expire %s: %v", info.ID.Path, err)
				}
			}
		}
	}
}
