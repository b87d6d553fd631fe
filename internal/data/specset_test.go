package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInfo(t *testing.T, path string, size int64) FileInfo {
	t.Helper()
	return NewFileInfo(FileID{Path: mustPath(t, path), Time: 1000}, size)
}

func TestFileInfoDerived(t *testing.T) {
	fi := testInfo(t, "f", 300000)
	assert.Equal(t, int64(3), fi.PieceCount())
	assert.Equal(t, int64(DefaultPieceSize), fi.PieceLength(0))
	assert.Equal(t, int64(300000-2*DefaultPieceSize), fi.PieceLength(2))

	empty := testInfo(t, "e", 0)
	assert.Equal(t, int64(1), empty.PieceCount())
	assert.Equal(t, int64(0), empty.PieceSize)
	assert.Equal(t, int64(0), empty.PieceLength(0))
	assert.True(t, empty.Valid())

	_, err := NewPieceSpec(fi, 3)
	assert.Error(t, err)
	spec, err := NewPieceSpec(fi, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2*DefaultPieceSize), spec.Offset())
}

func TestPieceSpecSetBasics(t *testing.T) {
	fi := testInfo(t, "f", 300000)
	s := NewPieceSpecSet()
	assert.True(t, s.IsEmpty())

	spec := PieceSpec{Info: fi, Index: 1}
	assert.True(t, s.Add(spec))
	assert.False(t, s.Add(spec), "second add is a no-op")
	assert.True(t, s.Contains(spec))
	assert.Equal(t, int64(1), s.Len())

	s.Remove(spec)
	assert.True(t, s.IsEmpty())
}

func TestPieceSpecSetMergeLaws(t *testing.T) {
	fa := testInfo(t, "a", 300000)
	fb := testInfo(t, "b", 1000)

	build := func(specs ...PieceSpec) *PieceSpecSet {
		s := NewPieceSpecSet()
		for _, sp := range specs {
			s.Add(sp)
		}
		return s
	}
	equal := func(x, y *PieceSpecSet) bool {
		if x.Len() != y.Len() {
			return false
		}
		ok := true
		x.Walk(func(sp PieceSpec) bool {
			if !y.Contains(sp) {
				ok = false
				return false
			}
			return true
		})
		return ok
	}

	x := build(PieceSpec{Info: fa, Index: 0}, PieceSpec{Info: fa, Index: 2})
	y := build(PieceSpec{Info: fa, Index: 2}, PieceSpec{Info: fb, Index: 0})

	// Commutative.
	xy, yx := x.Clone(), y.Clone()
	xy.Merge(y)
	yx.Merge(x)
	assert.True(t, equal(xy, yx))

	// Idempotent.
	again := xy.Clone()
	again.Merge(y)
	assert.True(t, equal(xy, again))
}

func TestPieceSpecSetWholeFileSentinel(t *testing.T) {
	fi := testInfo(t, "f", 3*DefaultPieceSize)
	s := NewFilePieceSpecSet(fi)
	assert.Equal(t, fi.PieceCount(), s.Len())

	other := NewPieceSpecSet()
	other.Add(PieceSpec{Info: fi, Index: 1})
	s.Merge(other)
	assert.Equal(t, fi.PieceCount(), s.Len(), "sentinel survives merges")

	empty := NewFilePieceSpecSet(testInfo(t, "e", 0))
	assert.Equal(t, int64(1), empty.Len())
}

func TestPieceSpecSetRemoveFile(t *testing.T) {
	fa := testInfo(t, "a", 100)
	fb := testInfo(t, "b", 100)
	s := NewPieceSpecSet()
	s.AddFile(fa)
	s.AddFile(fb)

	s.RemoveFile(fa.ID)
	assert.False(t, s.Contains(PieceSpec{Info: fa, Index: 0}))
	assert.True(t, s.Contains(PieceSpec{Info: fb, Index: 0}))
}

func TestPieceSpecSetRoundTrip(t *testing.T) {
	fa := testInfo(t, "a/b", 300000)
	fb := testInfo(t, "c", 0)
	s := NewPieceSpecSet()
	s.Add(PieceSpec{Info: fa, Index: 0})
	s.Add(PieceSpec{Info: fa, Index: 2})
	s.AddFile(fb)

	raw, err := s.MarshalBencode()
	require.NoError(t, err)

	back := NewPieceSpecSet()
	require.NoError(t, back.UnmarshalBencode(raw))

	assert.Equal(t, s.Len(), back.Len())
	s.Walk(func(sp PieceSpec) bool {
		assert.True(t, back.Contains(sp), "missing %s", sp)
		return true
	})
}

func TestPieceSpecSetRejectsBadInfo(t *testing.T) {
	raw, err := PieceSpecSet{m: map[FileInfo]*PieceBits{
		{ID: FileID{Path: "../evil", Time: 1}, Size: 10, PieceSize: 10, TTL: 1}: NewPieceBits(1),
	}}.MarshalBencode()
	require.NoError(t, err)

	back := NewPieceSpecSet()
	assert.Error(t, back.UnmarshalBencode(raw))
}
