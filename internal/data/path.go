package data

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// ArchivePath is a forward-slash-separated relative path naming a file in an
// archive. The canonical form has no leading slash and no "." or ".."
// components.
type ArchivePath string

// NewArchivePath validates and canonicalizes a path string.
func NewArchivePath(s string) (ArchivePath, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return "", fmt.Errorf("empty archive path")
	}
	cleaned := path.Clean(s)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("archive path escapes the archive: %q", s)
	}
	if path.IsAbs(cleaned) {
		return "", fmt.Errorf("archive path must be relative: %q", s)
	}
	return ArchivePath(cleaned), nil
}

// Components splits the path on "/".
func (p ArchivePath) Components() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), "/")
}

// Less orders paths lexicographically by component sequence.
func (p ArchivePath) Less(q ArchivePath) bool {
	a, b := p.Components(), q.Components()
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func (p ArchivePath) String() string { return string(p) }

// ArchiveTime is the modification timestamp of a file version, in Unix
// milliseconds. Filesystems that truncate to coarser resolution still
// round-trip through os.Chtimes at this granularity.
type ArchiveTime int64

// TimeFrom converts a time.Time to an ArchiveTime.
func TimeFrom(t time.Time) ArchiveTime { return ArchiveTime(t.UnixMilli()) }

// Time converts back to a time.Time.
func (t ArchiveTime) Time() time.Time { return time.UnixMilli(int64(t)) }

func (t ArchiveTime) String() string { return t.Time().UTC().Format(time.RFC3339Nano) }

// FileID identifies one version of one file: the same (path, time) pair
// always denotes the same content.
type FileID struct {
	Path ArchivePath `bencode:"p"`
	Time ArchiveTime `bencode:"t"`
}

func (id FileID) String() string {
	return fmt.Sprintf("%s@%d", id.Path, int64(id.Time))
}
