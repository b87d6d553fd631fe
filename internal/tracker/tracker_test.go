package tracker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnicloud/sruth/internal/archive"
	"github.com/omnicloud/sruth/internal/data"
	"github.com/omnicloud/sruth/internal/peer"
)

func mustFilter(t *testing.T, s string) data.Filter {
	t.Helper()
	f, err := data.ParseFilter(s)
	require.NoError(t, err)
	return f
}

func addr(host string, port int64) peer.ServerAddress {
	return peer.ServerAddress{Host: host, Port: port}
}

func TestTopologyBestServer(t *testing.T) {
	top := NewTopology()
	a := addr("10.0.0.1", 3880)
	b := addr("10.0.0.2", 3880)

	top.Add(data.Everything, a)
	top.Add(data.Everything, b)
	top.Add(mustFilter(t, "data"), b) // b carries more registrations

	// Only servers under filters that include the caller's qualify; the
	// least-loaded wins.
	best, ok := top.BestServer(mustFilter(t, "data/sub"), nil)
	require.True(t, ok)
	assert.Equal(t, a, best)

	// Excluding the best falls through to the next.
	best, ok = top.BestServer(mustFilter(t, "data/sub"), map[peer.ServerAddress]bool{a: true})
	require.True(t, ok)
	assert.Equal(t, b, best)

	// A filter nobody covers yields nothing.
	narrow := NewTopology()
	narrow.Add(mustFilter(t, "data"), a)
	_, ok = narrow.BestServer(mustFilter(t, "elsewhere"), nil)
	assert.False(t, ok)
}

func TestTopologyBestServerTieBreak(t *testing.T) {
	top := NewTopology()
	a := addr("10.0.0.1", 3880)
	b := addr("10.0.0.2", 3880)
	top.Add(data.Everything, b)
	top.Add(data.Everything, a)

	best, ok := top.BestServer(data.Everything, nil)
	require.True(t, ok)
	assert.Equal(t, a, best, "equal load breaks ties lexicographically")
}

func TestTopologyRoundTrip(t *testing.T) {
	top := NewTopology()
	top.Add(data.Everything, addr("10.0.0.1", 3880))
	top.Add(mustFilter(t, "data/sub"), addr("10.0.0.2", 4000))

	raw, err := bencode.Marshal(*top)
	require.NoError(t, err)

	back := NewTopology()
	require.NoError(t, bencode.Unmarshal(raw, back))
	assert.Equal(t, top.Servers(), back.Servers())

	// Identical topologies serialize identically (the artifact debounce
	// relies on it).
	raw2, err := bencode.Marshal(*back)
	require.NoError(t, err)
	assert.Equal(t, raw, raw2)
}

func startTracker(t *testing.T, source peer.ServerAddress) (*Tracker, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tr := New(source)
	require.NoError(t, tr.Start(ctx, 0))
	return tr, fmt.Sprintf("127.0.0.1:%d", tr.Port())
}

func TestTrackerRegisterAndTopology(t *testing.T) {
	source := addr("10.0.0.9", 3880)
	_, trackerAddr := startTracker(t, source)

	arch, err := archive.Open(t.TempDir())
	require.NoError(t, err)
	defer arch.Close()

	proxy := NewProxy(trackerAddr, arch).Filtered(mustFilter(t, "data"))
	me := addr("10.0.0.5", 3880)

	gotSource, err := proxy.Register(me)
	require.NoError(t, err)
	assert.Equal(t, source, gotSource)

	top, err := proxy.Topology()
	require.NoError(t, err)
	assert.Contains(t, top.Servers(), me)

	// Another node registered under EVERYTHING qualifies for "data".
	other := NewProxy(trackerAddr, arch).Filtered(data.Everything)
	peerAddr := addr("10.0.0.6", 3880)
	_, err = other.Register(peerAddr)
	require.NoError(t, err)

	top, err = proxy.Topology()
	require.NoError(t, err)
	best, ok := top.BestServer(mustFilter(t, "data"), map[peer.ServerAddress]bool{me: true})
	require.True(t, ok)
	assert.Equal(t, peerAddr, best)
}

func TestTrackerOfflineReport(t *testing.T) {
	_, trackerAddr := startTracker(t, addr("10.0.0.9", 3880))
	arch, err := archive.Open(t.TempDir())
	require.NoError(t, err)
	defer arch.Close()

	proxy := NewProxy(trackerAddr, arch).Filtered(data.Everything)
	gone := addr("10.0.0.7", 3880)
	_, err = proxy.Register(gone)
	require.NoError(t, err)

	proxy.ReportOffline(gone)
	top, err := proxy.Topology()
	require.NoError(t, err)
	assert.NotContains(t, top.Servers(), gone)
}

func TestProxyFallsBackToPersistedTopology(t *testing.T) {
	source := addr("10.0.0.9", 3880)
	ctx, cancel := context.WithCancel(context.Background())
	tr := New(source)
	require.NoError(t, tr.Start(ctx, 0))
	trackerAddr := fmt.Sprintf("127.0.0.1:%d", tr.Port())

	arch, err := archive.Open(t.TempDir())
	require.NoError(t, err)
	defer arch.Close()

	me := addr("10.0.0.5", 3880)
	proxy := NewProxy(trackerAddr, arch).Filtered(data.Everything)
	_, err = proxy.Register(me)
	require.NoError(t, err)

	// Kill the tracker; a fresh proxy over the same archive must still see
	// the persisted topology.
	cancel()
	time.Sleep(50 * time.Millisecond)

	fresh := NewProxy(trackerAddr, arch).Filtered(data.Everything)
	top, err := fresh.Topology()
	require.NoError(t, err)
	assert.Contains(t, top.Servers(), me)
}
