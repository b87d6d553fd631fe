package archive

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/omnicloud/sruth/internal/data"
)

// Event reports a visible-file change in the archive.
type Event struct {
	Path    data.ArchivePath
	Created bool // false means removed
}

// Watcher monitors the archive root for new and removed visible files. A
// publisher turns these events into notices. Write bursts are debounced so a
// file is reported once it has settled.
type Watcher struct {
	archive   *Archive
	fsWatcher *fsnotify.Watcher
	events    chan<- Event

	settleTime    time.Duration
	eventMutex    sync.Mutex
	pendingWrites map[string]time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewWatcher creates a watcher delivering events on the given channel.
func NewWatcher(a *Archive, events chan<- Event) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		archive:       a,
		fsWatcher:     fsWatcher,
		events:        events,
		settleTime:    250 * time.Millisecond,
		pendingWrites: make(map[string]time.Time),
		stopChan:      make(chan struct{}),
	}, nil
}

// Start registers the existing directory tree and begins watching.
func (w *Watcher) Start() error {
	err := filepath.WalkDir(w.archive.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != w.archive.Root() {
			return filepath.SkipDir
		}
		return w.fsWatcher.Add(path)
	})
	if err != nil {
		return fmt.Errorf("failed to watch archive tree: %w", err)
	}

	log.Printf("[watcher] watching archive root: %s", w.archive.Root())
	go w.processEvents()
	go w.processPendingWrites()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.fsWatcher.Close()
	})
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("[watcher] error: %v", err)
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.archive.Root(), event.Name)
	if err != nil {
		return
	}
	// Hidden subtrees never produce events for consumers.
	for _, comp := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(comp, ".") {
			return
		}
	}

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		ap, err := data.NewArchivePath(filepath.ToSlash(rel))
		if err != nil {
			return
		}
		w.deliver(Event{Path: ap, Created: false})

	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		st, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if st.IsDir() {
			// New subtree: watch it and report any files already inside.
			w.addTree(event.Name)
			return
		}
		w.eventMutex.Lock()
		w.pendingWrites[event.Name] = time.Now()
		w.eventMutex.Unlock()
	}
}

// addTree watches a directory subtree and queues the regular files in it.
func (w *Watcher) addTree(root string) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			w.fsWatcher.Add(path)
			return nil
		}
		if d.Type().IsRegular() {
			w.eventMutex.Lock()
			w.pendingWrites[path] = time.Now()
			w.eventMutex.Unlock()
		}
		return nil
	})
}

// processPendingWrites flushes files whose write burst has settled.
func (w *Watcher) processPendingWrites() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flushSettled()
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) flushSettled() {
	now := time.Now()
	var ready []string
	w.eventMutex.Lock()
	for path, last := range w.pendingWrites {
		if now.Sub(last) >= w.settleTime {
			ready = append(ready, path)
			delete(w.pendingWrites, path)
		}
	}
	w.eventMutex.Unlock()

	for _, path := range ready {
		st, err := os.Stat(path)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		rel, err := filepath.Rel(w.archive.Root(), path)
		if err != nil {
			continue
		}
		ap, err := data.NewArchivePath(filepath.ToSlash(rel))
		if err != nil {
			continue
		}
		w.deliver(Event{Path: ap, Created: true})
	}
}

func (w *Watcher) deliver(e Event) {
	select {
	case w.events <- e:
	case <-w.stopChan:
	}
}
