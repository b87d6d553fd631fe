package archive

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnicloud/sruth/internal/data"
)

func testArchive(t *testing.T, opts ...Option) *Archive {
	t.Helper()
	a, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func testInfo(t *testing.T, path string, size int64) data.FileInfo {
	t.Helper()
	ap, err := data.NewArchivePath(path)
	require.NoError(t, err)
	info := data.NewFileInfo(data.FileID{Path: ap, Time: data.TimeFrom(time.Now())}, size)
	return info
}

func randomBytes(t *testing.T, n int64) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// putFile feeds every piece of content into the archive in the given index
// order and returns the final PutResult.
func putFile(t *testing.T, a *Archive, info data.FileInfo, content []byte, order []int64) PutResult {
	t.Helper()
	var last PutResult
	for _, i := range order {
		spec, err := data.NewPieceSpec(info, i)
		require.NoError(t, err)
		piece, err := data.NewPiece(spec, content[spec.Offset():spec.Offset()+spec.Length()])
		require.NoError(t, err)
		last, err = a.PutPiece(piece)
		require.NoError(t, err)
	}
	return last
}

func TestPutGetRoundTrip(t *testing.T) {
	a := testArchive(t)
	info := testInfo(t, "data/file-1", 300000)
	content := randomBytes(t, info.Size)

	// Out-of-order arrival; the last piece completes the file.
	res := putFile(t, a, info, content, []int64{2, 0, 1})
	assert.Equal(t, FileCompleted, res)

	for i := int64(0); i < info.PieceCount(); i++ {
		spec, _ := data.NewPieceSpec(info, i)
		got, err := a.GetPiece(spec)
		require.NoError(t, err)
		assert.Equal(t, content[spec.Offset():spec.Offset()+spec.Length()], got.Data)
		assert.True(t, a.Exists(spec))
	}

	// The visible file is complete and byte-correct.
	vp := a.VisiblePath(info.ID.Path)
	st, err := os.Stat(vp)
	require.NoError(t, err)
	assert.Equal(t, info.Size, st.Size())
	onDisk, err := os.ReadFile(vp)
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)
}

func TestIncompleteFileStaysHidden(t *testing.T) {
	a := testArchive(t)
	info := testInfo(t, "data/partial", 300000)
	content := randomBytes(t, info.Size)

	res := putFile(t, a, info, content, []int64{0})
	assert.Equal(t, PieceAdded, res)

	_, err := os.Stat(a.VisiblePath(info.ID.Path))
	assert.True(t, os.IsNotExist(err), "incomplete file must not be visible")
	_, err = os.Stat(a.HiddenPath(info.ID.Path))
	assert.NoError(t, err)

	spec, _ := data.NewPieceSpec(info, 0)
	assert.True(t, a.Exists(spec))
	_, err = a.GetPiece(spec)
	assert.ErrorIs(t, err, ErrNotFound, "pieces of incomplete files are not served")
}

func TestDuplicatePutIsNoOp(t *testing.T) {
	a := testArchive(t)
	info := testInfo(t, "f", 1000)
	content := randomBytes(t, info.Size)
	putFile(t, a, info, content, []int64{0})

	spec, _ := data.NewPieceSpec(info, 0)
	piece, _ := data.NewPiece(spec, content)
	res, err := a.PutPiece(piece)
	require.NoError(t, err)
	assert.Equal(t, PieceDuplicate, res)

	onDisk, err := os.ReadFile(a.VisiblePath(info.ID.Path))
	require.NoError(t, err)
	assert.Equal(t, content, onDisk, "file is byte-identical after duplicate put")
}

func TestEmptyFile(t *testing.T) {
	a := testArchive(t)
	info := testInfo(t, "empty", 0)
	require.Equal(t, int64(1), info.PieceCount())

	spec, err := data.NewPieceSpec(info, 0)
	require.NoError(t, err)
	piece, err := data.NewPiece(spec, nil)
	require.NoError(t, err)

	res, err := a.PutPiece(piece)
	require.NoError(t, err)
	assert.Equal(t, FileCompleted, res)

	st, err := os.Stat(a.VisiblePath(info.ID.Path))
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Size())

	got, err := a.GetPiece(spec)
	require.NoError(t, err)
	assert.Empty(t, got.Data)
}

func TestWalkSkipsHiddenAndFilters(t *testing.T) {
	a := testArchive(t)

	complete := testInfo(t, "data/done", 500)
	putFile(t, a, complete, randomBytes(t, 500), []int64{0})
	partial := testInfo(t, "data/partial", 300000)
	putFile(t, a, partial, randomBytes(t, 300000), []int64{1})
	other := testInfo(t, "elsewhere/x", 10)
	putFile(t, a, other, randomBytes(t, 10), []int64{0})

	var seen []string
	filter, err := data.ParseFilter("data")
	require.NoError(t, err)
	require.NoError(t, a.Walk(filter, func(set *data.PieceSpecSet) error {
		for _, info := range set.Files() {
			seen = append(seen, string(info.ID.Path))
			assert.Equal(t, info.PieceCount(), set.Len())
		}
		return nil
	}))
	assert.Equal(t, []string{"data/done"}, seen)
}

func TestWalkRegeneratesFileInfo(t *testing.T) {
	a := testArchive(t)
	info := testInfo(t, "data/f", 300000)
	putFile(t, a, info, randomBytes(t, info.Size), []int64{0, 1, 2})

	found := 0
	require.NoError(t, a.Walk(data.Everything, func(set *data.PieceSpecSet) error {
		for _, got := range set.Files() {
			found++
			assert.Equal(t, info, got, "walk must regenerate the identical descriptor")
		}
		return nil
	}))
	assert.Equal(t, 1, found)
}

func TestRemoveCleansBothTrees(t *testing.T) {
	a := testArchive(t)
	info := testInfo(t, "deep/nested/file", 100)
	putFile(t, a, info, randomBytes(t, 100), []int64{0})

	require.NoError(t, a.Remove(info.ID.Path))
	_, err := os.Stat(a.VisiblePath(info.ID.Path))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(a.Root(), "deep"))
	assert.True(t, os.IsNotExist(err), "empty parents are pruned")

	spec, _ := data.NewPieceSpec(info, 0)
	assert.False(t, a.Exists(spec))
}

func TestHideReveal(t *testing.T) {
	p, err := data.NewArchivePath("a/b")
	require.NoError(t, err)

	h := Hide(p)
	assert.Equal(t, data.ArchivePath(".sruth/a/b"), h)

	r, ok := Reveal(h)
	assert.True(t, ok)
	assert.Equal(t, p, r)

	_, ok = Reveal(p)
	assert.False(t, ok)
}

func TestOpenFileCacheEviction(t *testing.T) {
	a := testArchive(t, WithOpenFileLimit(2))
	for _, name := range []string{"f1", "f2", "f3"} {
		info := testInfo(t, name, 100)
		putFile(t, a, info, randomBytes(t, 100), []int64{0})
	}
	// Read all three; with a cache of two the first handle is evicted and
	// transparently reopened.
	for _, name := range []string{"f1", "f2", "f3", "f1"} {
		info, err := a.FileInfoFor(data.ArchivePath(name))
		require.NoError(t, err)
		spec, _ := data.NewPieceSpec(info, 0)
		_, err = a.GetPiece(spec)
		require.NoError(t, err)
	}
}

func TestArchiveSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	require.NoError(t, err)
	info := testInfo(t, "f", 1000)
	content := randomBytes(t, 1000)
	putFile(t, a, info, content, []int64{0})
	require.NoError(t, a.Close())

	b, err := Open(dir)
	require.NoError(t, err)
	defer b.Close()

	spec, _ := data.NewPieceSpec(info, 0)
	assert.True(t, b.Exists(spec), "visible file recognized after reopen")
	got, err := b.GetPiece(spec)
	require.NoError(t, err)
	assert.Equal(t, content, got.Data)
}

func TestTrackerFilesDebounce(t *testing.T) {
	a := testArchive(t)
	tf := a.TrackerFiles("tracker.example:3880")

	require.NoError(t, tf.Put([]byte("v1")))
	got, err := tf.Get()
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// Identical write does not touch the file.
	target := filepath.Join(a.Root(), HiddenName, "tracker", "tracker.example:3880", "Topology")
	before, err := os.Stat(target)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tf.Put([]byte("v1")))
	after, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())

	require.NoError(t, tf.Put([]byte("v2")))
	got, err = tf.Get()
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestWatcherReportsCreateAndRemove(t *testing.T) {
	a := testArchive(t)
	events := make(chan Event, 16)
	w, err := NewWatcher(a, events)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	path := filepath.Join(a.Root(), "drop.txt")
	require.NoError(t, os.WriteFile(path, []byte("date\n"), 0644))

	select {
	case e := <-events:
		assert.True(t, e.Created)
		assert.Equal(t, data.ArchivePath("drop.txt"), e.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for create event")
	}

	require.NoError(t, os.Remove(path))
	select {
	case e := <-events:
		assert.False(t, e.Created)
		assert.Equal(t, data.ArchivePath("drop.txt"), e.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for remove event")
	}
}
