package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnicloud/sruth/internal/config"
	"github.com/omnicloud/sruth/internal/data"
)

// propagationWait is the per-check delivery deadline. SRUTH_TEST_SLEEP_MS
// overrides it for slow machines.
func propagationWait() time.Duration {
	if v := os.Getenv("SRUTH_TEST_SLEEP_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 15 * time.Second
}

var nextBase = 40000

// freeBasePort hands out a triple of consecutive free TCP ports.
func freeBasePort(t *testing.T) int {
	t.Helper()
	for base := nextBase; base < 60000; base += 3 {
		ok := true
		var lns []net.Listener
		for i := 0; i < 3; i++ {
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", base+i))
			if err != nil {
				ok = false
				break
			}
			lns = append(lns, ln)
		}
		for _, ln := range lns {
			ln.Close()
		}
		if ok {
			nextBase = base + 3
			return base
		}
	}
	t.Fatal("no free port triple")
	return 0
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		PieceSize:           data.DefaultPieceSize,
		TTL:                 data.DefaultTTL,
		OpenFileLimit:       64,
		ServerHost:          "127.0.0.1",
		BasePort:            freeBasePort(t),
		TrackerPort:         0, // tracker picks a free port
		MinClientsPerFilter: 2,
		ReplacementPeriod:   60,
	}
}

func seedFile(t *testing.T, root, rel string, content []byte) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, content, 0644))
}

// waitForFile polls until the mirrored file equals want.
func waitForFile(t *testing.T, root, rel string, want []byte) {
	t.Helper()
	deadline := time.Now().Add(propagationWait())
	path := filepath.Join(root, filepath.FromSlash(rel))
	for time.Now().Before(deadline) {
		got, err := os.ReadFile(path)
		if err == nil && len(got) == len(want) && string(got) == string(want) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("file %s did not arrive intact within %s", rel, propagationWait())
}

func startPublisher(t *testing.T, ctx context.Context, root string) (*Publisher, string) {
	t.Helper()
	pub, err := NewPublisher(testConfig(t), root)
	require.NoError(t, err)
	require.NoError(t, pub.Start(ctx))
	t.Cleanup(pub.Stop)
	return pub, fmt.Sprintf("127.0.0.1:%d", pub.TrackerPort())
}

func startSubscriber(t *testing.T, ctx context.Context, root, trackerAddr string) *Subscriber {
	t.Helper()
	sub, err := NewSubscriber(testConfig(t), root, Subscription{
		TrackerAddr: trackerAddr,
		Filter:      data.Everything,
	})
	require.NoError(t, err)
	require.NoError(t, sub.Start(ctx))
	t.Cleanup(sub.Stop)
	return sub
}

// Single publisher, single subscriber: seeded files arrive; a file published
// after subscription arrives too.
func TestPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubRoot, subRoot := t.TempDir(), t.TempDir()
	line := []byte("date\n")
	seedFile(t, pubRoot, "data/file-1", line)
	seedFile(t, pubRoot, "data/file-2", line)
	seedFile(t, pubRoot, "data/subdir/subfile", line)

	_, trackerAddr := startPublisher(t, ctx, pubRoot)
	startSubscriber(t, ctx, subRoot, trackerAddr)

	waitForFile(t, subRoot, "data/file-1", line)
	waitForFile(t, subRoot, "data/file-2", line)
	waitForFile(t, subRoot, "data/subdir/subfile", line)

	// Post-subscription publish: a large random file.
	big := make([]byte, 1000000)
	_, err := rand.Read(big)
	require.NoError(t, err)
	seedFile(t, pubRoot, "data/subdir/new", big)
	waitForFile(t, subRoot, "data/subdir/new", big)
}

// Parallel delivery: two independent subscribers both converge.
func TestParallelDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubRoot := t.TempDir()
	line := []byte("date\n")
	seedFile(t, pubRoot, "data/file-1", line)
	seedFile(t, pubRoot, "data/file-2", line)
	seedFile(t, pubRoot, "data/subdir/subfile", line)

	_, trackerAddr := startPublisher(t, ctx, pubRoot)

	subRootA, subRootB := t.TempDir(), t.TempDir()
	startSubscriber(t, ctx, subRootA, trackerAddr)
	startSubscriber(t, ctx, subRootB, trackerAddr)

	for _, root := range []string{subRootA, subRootB} {
		waitForFile(t, root, "data/file-1", line)
		waitForFile(t, root, "data/file-2", line)
		waitForFile(t, root, "data/subdir/subfile", line)
	}
}

// A filtered subscriber mirrors only its subtree.
func TestFilteredSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubRoot, subRoot := t.TempDir(), t.TempDir()
	wanted := []byte("wanted\n")
	seedFile(t, pubRoot, "data/keep", wanted)
	seedFile(t, pubRoot, "other/skip", []byte("skip\n"))

	_, trackerAddr := startPublisher(t, ctx, pubRoot)

	filter, err := data.ParseFilter("data")
	require.NoError(t, err)
	sub, err := NewSubscriber(testConfig(t), subRoot, Subscription{
		TrackerAddr: trackerAddr,
		Filter:      filter,
	})
	require.NoError(t, err)
	require.NoError(t, sub.Start(ctx))
	t.Cleanup(sub.Stop)

	waitForFile(t, subRoot, "data/keep", wanted)
	time.Sleep(500 * time.Millisecond)
	_, err = os.Stat(filepath.Join(subRoot, "other", "skip"))
	assert.True(t, os.IsNotExist(err), "paths outside the filter must not be mirrored")
}

func TestParseSubscription(t *testing.T) {
	sub, err := ParseSubscription("sruth://tracker.example:3890/data/sub")
	require.NoError(t, err)
	assert.Equal(t, "tracker.example:3890", sub.TrackerAddr)
	assert.Equal(t, "data/sub", sub.Filter.String())

	sub, err = ParseSubscription("sruth://tracker.example:3890")
	require.NoError(t, err)
	assert.True(t, sub.Filter.IsEverything())

	_, err = ParseSubscription("http://tracker.example:3890/x")
	assert.Error(t, err)
	_, err = ParseSubscription("sruth://noport/x")
	assert.Error(t, err)
}
