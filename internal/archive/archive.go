package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/omnicloud/sruth/internal/data"
)

const (
	// HiddenName is the directory under the archive root that holds
	// in-progress files and node-private artifacts.
	HiddenName = ".sruth"

	// DefaultOpenFileLimit bounds the read-only handle cache.
	DefaultOpenFileLimit = 512
)

// ErrNotFound is returned when a requested piece is not in the archive.
var ErrNotFound = errors.New("piece not in archive")

// PutResult describes the outcome of PutPiece.
type PutResult int

const (
	// PieceDuplicate: the piece was already present; nothing changed.
	PieceDuplicate PutResult = iota
	// PieceAdded: the piece was written but the file is still incomplete.
	PieceAdded
	// FileCompleted: this piece completed the file; it is now visible.
	FileCompleted
)

// Archive is a node's crash-safe on-disk store of files, addressable by
// piece. Incomplete files live under the hidden tree and become visible in a
// single rename when their last piece arrives, so any file observable under
// its final path is complete.
type Archive struct {
	root      string
	hidden    string
	pieceSize int64
	ttl       int64

	mu      sync.Mutex
	entries map[data.FileID]*fileEntry
	closed  bool

	// Read-only handle cache for complete files.
	hmu     sync.Mutex
	handles *lru.Cache
}

// fileEntry tracks the receive state of one file version. The entry mutex
// serializes piece writes and the finalize rename for that file.
type fileEntry struct {
	mu       sync.Mutex
	info     data.FileInfo
	bits     *data.PieceBits
	f        *os.File // writable handle on the hidden file
	complete bool
}

// Option configures an Archive.
type Option func(*Archive)

// WithPieceSize overrides the piece size assigned to locally scanned files.
func WithPieceSize(n int64) Option { return func(a *Archive) { a.pieceSize = n } }

// WithTTL overrides the time-to-live assigned to locally scanned files.
func WithTTL(seconds int64) Option { return func(a *Archive) { a.ttl = seconds } }

// WithOpenFileLimit overrides the open-handle cache size.
func WithOpenFileLimit(n int) Option {
	return func(a *Archive) {
		a.handles = lru.New(n)
	}
}

// Open creates the root and hidden directories if needed and returns the
// archive.
func Open(root string, opts ...Option) (*Archive, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve archive root: %w", err)
	}
	a := &Archive{
		root:      abs,
		hidden:    filepath.Join(abs, HiddenName),
		pieceSize: data.DefaultPieceSize,
		ttl:       data.DefaultTTL,
		entries:   make(map[data.FileID]*fileEntry),
		handles:   lru.New(DefaultOpenFileLimit),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.handles.OnEvicted = func(_ lru.Key, value interface{}) {
		value.(*os.File).Close()
	}
	if err := os.MkdirAll(a.hidden, 0755); err != nil {
		return nil, fmt.Errorf("create archive at %s: %w", abs, err)
	}
	return a, nil
}

// Root returns the archive root directory.
func (a *Archive) Root() string { return a.root }

// VisiblePath maps an archive path to its on-disk location.
func (a *Archive) VisiblePath(p data.ArchivePath) string {
	return filepath.Join(a.root, filepath.FromSlash(string(p)))
}

// HiddenPath maps an archive path to its in-progress location.
func (a *Archive) HiddenPath(p data.ArchivePath) string {
	return filepath.Join(a.hidden, filepath.FromSlash(string(p)))
}

// Hide prefixes the hidden component onto a relative path.
func Hide(p data.ArchivePath) data.ArchivePath {
	return data.ArchivePath(HiddenName + "/" + string(p))
}

// Reveal strips the hidden component; ok is false when the path is not
// hidden.
func Reveal(p data.ArchivePath) (data.ArchivePath, bool) {
	s := string(p)
	if !strings.HasPrefix(s, HiddenName+"/") {
		return p, false
	}
	return data.ArchivePath(strings.TrimPrefix(s, HiddenName+"/")), true
}

// PutPiece writes one piece. Concurrent puts on different pieces of the same
// file serialize on that file's entry; the caller whose piece completes the
// file performs the rename to the visible path.
func (a *Archive) PutPiece(p data.Piece) (PutResult, error) {
	if int64(len(p.Data)) != p.Spec.Length() {
		return PieceDuplicate, fmt.Errorf("piece %s: byte length %d does not match spec", p.Spec, len(p.Data))
	}
	e, err := a.entry(p.Spec.Info)
	if err != nil {
		return PieceDuplicate, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.complete || e.bits.Has(p.Spec.Index) {
		return PieceDuplicate, nil
	}
	if e.f == nil {
		if err := a.openHiddenLocked(e); err != nil {
			return PieceDuplicate, err
		}
	}
	if len(p.Data) > 0 {
		if _, err := e.f.WriteAt(p.Data, p.Spec.Offset()); err != nil {
			return PieceDuplicate, fmt.Errorf("write piece %s: %w", p.Spec, err)
		}
	}
	e.bits.Set(p.Spec.Index)
	if !e.bits.Full() {
		return PieceAdded, nil
	}
	if err := a.finalizeLocked(e); err != nil {
		return PieceDuplicate, err
	}
	return FileCompleted, nil
}

// openHiddenLocked opens (or reopens after an eviction-style close) the
// writable hidden file for an in-progress entry.
func (a *Archive) openHiddenLocked(e *fileEntry) error {
	hp := a.HiddenPath(e.info.ID.Path)
	if err := os.MkdirAll(filepath.Dir(hp), 0755); err != nil {
		return fmt.Errorf("create hidden parents for %s: %w", e.info.ID.Path, err)
	}
	f, err := os.OpenFile(hp, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open hidden file for %s: %w", e.info.ID.Path, err)
	}
	if err := f.Truncate(e.info.Size); err != nil {
		f.Close()
		return fmt.Errorf("size hidden file for %s: %w", e.info.ID.Path, err)
	}
	e.f = f
	return nil
}

// finalizeLocked publishes a now-complete file: sync, close, stamp the
// modification time from the FileID, create visible parents, then rename
// atomically.
func (a *Archive) finalizeLocked(e *fileEntry) error {
	hp := a.HiddenPath(e.info.ID.Path)
	vp := a.VisiblePath(e.info.ID.Path)

	if err := e.f.Sync(); err != nil {
		e.f.Close()
		e.f = nil
		return fmt.Errorf("sync %s: %w", e.info.ID.Path, err)
	}
	e.f.Close()
	e.f = nil

	mt := e.info.ID.Time.Time()
	if err := os.Chtimes(hp, mt, mt); err != nil {
		return fmt.Errorf("stamp %s: %w", e.info.ID.Path, err)
	}
	if err := os.MkdirAll(filepath.Dir(vp), 0755); err != nil {
		return fmt.Errorf("create parents for %s: %w", e.info.ID.Path, err)
	}
	if err := os.Rename(hp, vp); err != nil {
		return fmt.Errorf("publish %s: %w", e.info.ID.Path, err)
	}
	a.pruneEmptyParents(filepath.Dir(hp), a.hidden)
	e.complete = true
	log.Printf("[archive] completed %s (%d bytes)", e.info.ID.Path, e.info.Size)
	return nil
}

// entry returns the receive-state entry for a file version, consulting the
// visible tree for files completed in an earlier process lifetime.
func (a *Archive) entry(info data.FileInfo) (*fileEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("archive closed")
	}
	if e, ok := a.entries[info.ID]; ok {
		return e, nil
	}
	e := &fileEntry{info: info, bits: data.NewPieceBits(info.PieceCount())}
	if a.visibleMatches(info) {
		e.complete = true
		e.bits.SetAll()
	}
	a.entries[info.ID] = e
	return e, nil
}

// visibleMatches reports whether a complete file for the descriptor exists
// under its visible path.
func (a *Archive) visibleMatches(info data.FileInfo) bool {
	st, err := os.Stat(a.VisiblePath(info.ID.Path))
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	return st.Size() == info.Size && data.TimeFrom(st.ModTime()) == info.ID.Time
}

// Exists reports whether the archive holds the given piece.
func (a *Archive) Exists(spec data.PieceSpec) bool {
	e, err := a.entry(spec.Info)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.complete || e.bits.Has(spec.Index)
}

// GetPiece reads one piece of a complete file. A piece of an incomplete file
// is reported as not found: only committed, visible bytes are ever served.
func (a *Archive) GetPiece(spec data.PieceSpec) (data.Piece, error) {
	e, err := a.entry(spec.Info)
	if err != nil {
		return data.Piece{}, err
	}
	e.mu.Lock()
	complete := e.complete
	e.mu.Unlock()
	if !complete {
		return data.Piece{}, ErrNotFound
	}

	buf := make([]byte, spec.Length())
	if len(buf) > 0 {
		f, err := a.readHandle(spec.Info.ID.Path)
		if err != nil {
			return data.Piece{}, err
		}
		if _, err := f.ReadAt(buf, spec.Offset()); err != nil {
			// The handle may be stale after a remove/replace; drop it.
			a.dropHandle(spec.Info.ID.Path)
			return data.Piece{}, fmt.Errorf("read piece %s: %w", spec, err)
		}
	}
	return data.Piece{Spec: spec, Data: buf}, nil
}

// readHandle returns a cached read-only handle for a visible file, opening
// one on a cache miss. Evicted handles are closed by the cache.
func (a *Archive) readHandle(p data.ArchivePath) (*os.File, error) {
	a.hmu.Lock()
	defer a.hmu.Unlock()
	if v, ok := a.handles.Get(string(p)); ok {
		return v.(*os.File), nil
	}
	f, err := os.Open(a.VisiblePath(p))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	a.handles.Add(string(p), f)
	return f, nil
}

func (a *Archive) dropHandle(p data.ArchivePath) {
	a.hmu.Lock()
	a.handles.Remove(string(p))
	a.hmu.Unlock()
}

// FileInfoFor stats a visible file and derives its descriptor using the
// archive's configured piece size and TTL.
func (a *Archive) FileInfoFor(p data.ArchivePath) (data.FileInfo, error) {
	st, err := os.Stat(a.VisiblePath(p))
	if err != nil {
		return data.FileInfo{}, err
	}
	if !st.Mode().IsRegular() {
		return data.FileInfo{}, fmt.Errorf("%s is not a regular file", p)
	}
	id := data.FileID{Path: p, Time: data.TimeFrom(st.ModTime())}
	info := data.FileInfo{ID: id, Size: st.Size(), PieceSize: a.pieceSize, TTL: a.ttl}
	if st.Size() == 0 {
		info.PieceSize = 0
	}
	return info, nil
}

// Walk enumerates a whole-file piece set for every regular file whose path
// matches the filter. Hidden subtrees are skipped. fn returning an error
// stops the walk.
func (a *Archive) Walk(filter data.Filter, fn func(*data.PieceSpecSet) error) error {
	if filter.IsNothing() {
		return nil
	}
	return filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != a.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			return err
		}
		ap, err := data.NewArchivePath(filepath.ToSlash(rel))
		if err != nil {
			return nil
		}
		if !filter.Matches(ap) {
			return nil
		}
		info, err := a.FileInfoFor(ap)
		if err != nil {
			// The file raced with a remove; skip it.
			return nil
		}
		return fn(data.NewFilePieceSpecSet(info))
	})
}

// Remove deletes the visible file if any, its hidden counterpart, and cleans
// empty parent directories up to the root.
func (a *Archive) Remove(p data.ArchivePath) error {
	a.mu.Lock()
	for id, e := range a.entries {
		if id.Path != p {
			continue
		}
		e.mu.Lock()
		if e.f != nil {
			e.f.Close()
			e.f = nil
		}
		e.mu.Unlock()
		delete(a.entries, id)
	}
	a.mu.Unlock()
	a.dropHandle(p)

	vp, hp := a.VisiblePath(p), a.HiddenPath(p)
	var firstErr error
	for _, target := range []string{vp, hp} {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", p, err)
		}
	}
	a.pruneEmptyParents(filepath.Dir(vp), a.root)
	a.pruneEmptyParents(filepath.Dir(hp), a.hidden)
	return firstErr
}

// pruneEmptyParents removes empty directories from dir upward, stopping at
// stop (exclusive).
func (a *Archive) pruneEmptyParents(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Expired returns descriptors of visible files whose TTL has lapsed at now.
func (a *Archive) Expired(now time.Time) ([]data.FileInfo, error) {
	var expired []data.FileInfo
	err := a.Walk(data.Everything, func(set *data.PieceSpecSet) error {
		for _, info := range set.Files() {
			age := now.Sub(info.ID.Time.Time())
			if age > time.Duration(info.TTL)*time.Second {
				expired = append(expired, info)
			}
		}
		return nil
	})
	return expired, err
}

// Close flushes and closes all per-file handles.
func (a *Archive) Close() error {
	a.mu.Lock()
	a.closed = true
	entries := make([]*fileEntry, 0, len(a.entries))
	for _, e := range a.entries {
		entries = append(entries, e)
	}
	a.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.f != nil {
			e.f.Sync()
			e.f.Close()
			e.f = nil
		}
		e.mu.Unlock()
	}

	a.hmu.Lock()
	a.handles.Clear() // OnEvicted closes each handle
	a.hmu.Unlock()
	return nil
}
