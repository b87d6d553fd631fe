package peer

import (
	"github.com/omnicloud/sruth/internal/data"
)

// Hub is the clearing house as seen by a Peer: the per-node coordinator of
// archive state across all live sessions.
type Hub interface {
	// AddPeer registers a session. It returns false when an equivalent
	// session (same remote server, same local filter, same direction)
	// already exists; the later peer then cancels.
	AddPeer(p *Peer) bool

	// RemovePeer drops a session and releases its outstanding requests.
	RemovePeer(p *Peer)

	// ProcessSpec reconciles a remotely announced piece with the archive,
	// asking p to request it when it is wanted and not already on order
	// elsewhere.
	ProcessSpec(p *Peer, spec data.PieceSpec) error

	// ProcessRemovals applies remotely announced file removals.
	ProcessRemovals(p *Peer, ids []data.FileID) error

	// ProcessPiece stores a received piece. used reports whether the piece
	// was new; done reports that all locally desired data has now been
	// received. A non-nil error is an archive failure and fatal.
	ProcessPiece(p *Peer, piece data.Piece) (used, done bool, err error)

	// GetPiece reads a piece for serving; ok is false when absent.
	GetPiece(spec data.PieceSpec) (data.Piece, bool)

	// WalkArchive enumerates whole-file piece sets matching the filter.
	WalkArchive(filter data.Filter, fn func(*data.PieceSpecSet) error) error
}
