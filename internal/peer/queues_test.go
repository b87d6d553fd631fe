package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnicloud/sruth/internal/data"
)

func TestNoticeQueueCoalescesAdditions(t *testing.T) {
	q := newNoticeQueue()
	info := testInfo(t, "f", 3*data.DefaultPieceSize)

	one := data.NewPieceSpecSet()
	one.Add(data.PieceSpec{Info: info, Index: 0})
	two := data.NewPieceSpecSet()
	two.Add(data.PieceSpec{Info: info, Index: 2})
	q.AddSet(one)
	q.AddSet(two)

	n, ok := q.Take()
	require.True(t, ok)
	require.Equal(t, "add", n.Type)
	assert.Equal(t, int64(2), n.Add.Len(), "both additions coalesce into one notice")
}

func TestNoticeQueueAlternates(t *testing.T) {
	q := newNoticeQueue()
	info := testInfo(t, "f", 100)

	addKind := func() {
		s := data.NewPieceSpecSet()
		s.Add(data.PieceSpec{Info: info, Index: 0})
		q.AddSet(s)
	}

	addKind()
	q.AddRemoval(info.ID)

	first, ok := q.Take()
	require.True(t, ok)
	addKind()
	q.AddRemoval(info.ID)
	second, ok := q.Take()
	require.True(t, ok)

	assert.NotEqual(t, first.Type == "add", second.Type == "add",
		"with both kinds pending, consecutive takes alternate")
}

func TestNoticeQueueCloseWakesWaiter(t *testing.T) {
	q := newNoticeQueue()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Take()
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Take did not unblock on Close")
	}
}

func TestRequestQueueDrains(t *testing.T) {
	q := newRequestQueue()
	info := testInfo(t, "f", 3*data.DefaultPieceSize)
	q.Add(data.PieceSpec{Info: info, Index: 0})
	q.Add(data.PieceSpec{Info: info, Index: 0}) // idempotent merge
	q.Add(data.PieceSpec{Info: info, Index: 1})

	set, ok := q.Take()
	require.True(t, ok)
	assert.Equal(t, int64(2), set.Len())

	q.Close()
	_, ok = q.Take()
	assert.False(t, ok)
}
