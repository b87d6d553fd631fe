package archive

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// topologyFileName is the artifact name under the per-tracker directory.
const topologyFileName = "Topology"

// DistributedTrackerFiles reads and writes the serialized topology artifact
// for one tracker address under the archive's reserved hidden sub-path
// (.sruth/tracker/<host>:<port>/Topology). The bytes are opaque to the
// archive; the tracker proxy owns the encoding.
type DistributedTrackerFiles struct {
	dir string

	mu   sync.Mutex
	last []byte
}

// TrackerFiles returns the artifact accessor for a tracker address.
func (a *Archive) TrackerFiles(trackerAddr string) *DistributedTrackerFiles {
	return &DistributedTrackerFiles{
		dir: filepath.Join(a.hidden, "tracker", trackerAddr),
	}
}

// Put writes the artifact via a temp file and rename. Identical consecutive
// values do not rewrite the file.
func (d *DistributedTrackerFiles) Put(encoded []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last != nil && bytes.Equal(d.last, encoded) {
		return nil
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return fmt.Errorf("create tracker dir: %w", err)
	}
	target := filepath.Join(d.dir, topologyFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0644); err != nil {
		return fmt.Errorf("write topology artifact: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish topology artifact: %w", err)
	}
	d.last = append(d.last[:0], encoded...)
	return nil
}

// Get reads the last persisted artifact.
func (d *DistributedTrackerFiles) Get() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return os.ReadFile(filepath.Join(d.dir, topologyFileName))
}
