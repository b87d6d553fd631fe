package data

import (
	"fmt"
	"sort"

	"github.com/anacrolix/torrent/bencode"
)

// PieceSpecSet is a set of PieceSpecs compressed by file: a mapping from
// FileInfo to a bitset of piece indices. Merge is commutative, associative,
// and idempotent; the whole-file sentinel (all bits set) survives merges.
type PieceSpecSet struct {
	m map[FileInfo]*PieceBits
}

// NewPieceSpecSet returns an empty set.
func NewPieceSpecSet() *PieceSpecSet {
	return &PieceSpecSet{m: make(map[FileInfo]*PieceBits)}
}

// NewFilePieceSpecSet returns a set holding every piece of one file.
func NewFilePieceSpecSet(info FileInfo) *PieceSpecSet {
	s := NewPieceSpecSet()
	s.AddFile(info)
	return s
}

// Add inserts a single spec and reports whether it was absent.
func (s *PieceSpecSet) Add(spec PieceSpec) bool {
	bits, ok := s.m[spec.Info]
	if !ok {
		bits = NewPieceBits(spec.Info.PieceCount())
		s.m[spec.Info] = bits
	}
	return bits.Set(spec.Index)
}

// AddFile inserts every piece of the given file.
func (s *PieceSpecSet) AddFile(info FileInfo) {
	bits, ok := s.m[info]
	if !ok {
		bits = NewPieceBits(info.PieceCount())
		s.m[info] = bits
	}
	bits.SetAll()
}

// Merge unions other into s, pointwise per file.
func (s *PieceSpecSet) Merge(other *PieceSpecSet) {
	if other == nil {
		return
	}
	for info, bits := range other.m {
		mine, ok := s.m[info]
		if !ok {
			s.m[info] = bits.Clone()
			continue
		}
		mine.Or(bits)
	}
}

// Remove deletes a single spec. An emptied per-file entry is dropped.
func (s *PieceSpecSet) Remove(spec PieceSpec) {
	bits, ok := s.m[spec.Info]
	if !ok {
		return
	}
	bits.Clear(spec.Index)
	if bits.Empty() {
		delete(s.m, spec.Info)
	}
}

// RemoveFile deletes every spec of every file version with the given ID.
func (s *PieceSpecSet) RemoveFile(id FileID) {
	for info := range s.m {
		if info.ID == id {
			delete(s.m, info)
		}
	}
}

// Contains reports membership of a single spec.
func (s *PieceSpecSet) Contains(spec PieceSpec) bool {
	bits, ok := s.m[spec.Info]
	return ok && bits.Has(spec.Index)
}

// IsEmpty reports whether the set holds no specs.
func (s *PieceSpecSet) IsEmpty() bool {
	return len(s.m) == 0
}

// Len counts the specs in the set.
func (s *PieceSpecSet) Len() int64 {
	var n int64
	for _, bits := range s.m {
		n += bits.Count()
	}
	return n
}

// Files returns the descriptors present in the set, ordered by path then time.
func (s *PieceSpecSet) Files() []FileInfo {
	infos := make([]FileInfo, 0, len(s.m))
	for info := range s.m {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ID.Path != infos[j].ID.Path {
			return infos[i].ID.Path.Less(infos[j].ID.Path)
		}
		return infos[i].ID.Time < infos[j].ID.Time
	})
	return infos
}

// Walk calls fn for every spec in deterministic order until fn returns false.
func (s *PieceSpecSet) Walk(fn func(PieceSpec) bool) {
	for _, info := range s.Files() {
		bits := s.m[info]
		for i := int64(0); i < bits.Size(); i++ {
			if !bits.Has(i) {
				continue
			}
			if !fn(PieceSpec{Info: info, Index: i}) {
				return
			}
		}
	}
}

// Clone returns an independent copy.
func (s *PieceSpecSet) Clone() *PieceSpecSet {
	c := NewPieceSpecSet()
	for info, bits := range s.m {
		c.m[info] = bits.Clone()
	}
	return c
}

// specSetEntry is the wire shape of one file's worth of specs.
type specSetEntry struct {
	Info FileInfo `bencode:"i"`
	Bits []byte   `bencode:"b"`
}

// MarshalBencode encodes the set as a list of (FileInfo, bitset) entries in
// deterministic order.
func (s PieceSpecSet) MarshalBencode() ([]byte, error) {
	entries := make([]specSetEntry, 0, len(s.m))
	for _, info := range s.Files() {
		entries = append(entries, specSetEntry{Info: info, Bits: s.m[info].Bytes()})
	}
	return bencode.Marshal(entries)
}

// UnmarshalBencode decodes a list of (FileInfo, bitset) entries, rejecting
// descriptors that violate the FileInfo invariants.
func (s *PieceSpecSet) UnmarshalBencode(raw []byte) error {
	var entries []specSetEntry
	if err := bencode.Unmarshal(raw, &entries); err != nil {
		return err
	}
	s.m = make(map[FileInfo]*PieceBits, len(entries))
	for _, e := range entries {
		if !e.Info.Valid() {
			return fmt.Errorf("invalid file info in piece set: %v", e.Info)
		}
		bits := PieceBitsFromBytes(e.Info.PieceCount(), e.Bits)
		if existing, ok := s.m[e.Info]; ok {
			existing.Or(bits)
			continue
		}
		s.m[e.Info] = bits
	}
	return nil
}
