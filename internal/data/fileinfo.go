package data

import "fmt"

const (
	// DefaultPieceSize is the piece size assigned to files entering the
	// system locally.
	DefaultPieceSize = 131072

	// DefaultTTL is the default time-to-live, in seconds.
	DefaultTTL = 3600
)

// FileInfo is the immutable descriptor of a file version.
type FileInfo struct {
	ID        FileID `bencode:"id"`
	Size      int64  `bencode:"sz"`
	PieceSize int64  `bencode:"ps"`
	TTL       int64  `bencode:"ttl"`
}

// NewFileInfo builds a descriptor with the default piece size and TTL.
// The empty file has piece size 0 and exactly one (empty) piece.
func NewFileInfo(id FileID, size int64) FileInfo {
	info := FileInfo{ID: id, Size: size, PieceSize: DefaultPieceSize, TTL: DefaultTTL}
	if size == 0 {
		info.PieceSize = 0
	}
	return info
}

// PieceCount derives the number of pieces. The empty file counts as one piece.
func (fi FileInfo) PieceCount() int64 {
	if fi.Size == 0 {
		return 1
	}
	return (fi.Size + fi.PieceSize - 1) / fi.PieceSize
}

// PieceLength returns the byte length of piece index i; only the last piece
// may be shorter than the piece size.
func (fi FileInfo) PieceLength(i int64) int64 {
	if fi.Size == 0 {
		return 0
	}
	off := i * fi.PieceSize
	if off+fi.PieceSize > fi.Size {
		return fi.Size - off
	}
	return fi.PieceSize
}

// Valid reports whether the descriptor is internally consistent. Descriptors
// arriving off the wire are checked before use.
func (fi FileInfo) Valid() bool {
	if fi.ID.Path == "" || fi.Size < 0 || fi.TTL <= 0 {
		return false
	}
	if _, err := NewArchivePath(string(fi.ID.Path)); err != nil {
		return false
	}
	if fi.Size == 0 {
		return fi.PieceSize == 0
	}
	return fi.PieceSize > 0
}

func (fi FileInfo) String() string {
	return fmt.Sprintf("%s size=%d pieces=%d", fi.ID, fi.Size, fi.PieceCount())
}

// PieceSpec identifies exactly one piece of one file version.
type PieceSpec struct {
	Info  FileInfo `bencode:"i"`
	Index int64    `bencode:"x"`
}

// NewPieceSpec validates the index against the descriptor.
func NewPieceSpec(info FileInfo, index int64) (PieceSpec, error) {
	if index < 0 || index >= info.PieceCount() {
		return PieceSpec{}, fmt.Errorf("piece index %d out of range for %s", index, info)
	}
	return PieceSpec{Info: info, Index: index}, nil
}

// Offset is the byte offset of the piece within the file.
func (ps PieceSpec) Offset() int64 { return ps.Index * ps.Info.PieceSize }

// Length is the byte length of the piece.
func (ps PieceSpec) Length() int64 { return ps.Info.PieceLength(ps.Index) }

func (ps PieceSpec) String() string {
	return fmt.Sprintf("%s#%d", ps.Info.ID, ps.Index)
}

// Piece pairs a spec with its bytes. Pieces are immutable value objects; the
// data length always equals the spec's length.
type Piece struct {
	Spec PieceSpec
	Data []byte
}

// NewPiece validates the byte length against the spec.
func NewPiece(spec PieceSpec, b []byte) (Piece, error) {
	if int64(len(b)) != spec.Length() {
		return Piece{}, fmt.Errorf("piece %s: got %d bytes, want %d", spec, len(b), spec.Length())
	}
	return Piece{Spec: spec, Data: b}, nil
}
