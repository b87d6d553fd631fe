package node

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/omnicloud/sruth/internal/archive"
	"github.com/omnicloud/sruth/internal/clearing"
	"github.com/omnicloud/sruth/internal/config"
	"github.com/omnicloud/sruth/internal/data"
	"github.com/omnicloud/sruth/internal/peer"
	"github.com/omnicloud/sruth/internal/status"
	"github.com/omnicloud/sruth/internal/tracker"
)

// sourceReannounce is how often the publisher refreshes its own tracker
// registration so it never expires.
const sourceReannounce = time.Minute

// Publisher is the node that introduces new files: it runs the tracker, a
// source server that serves but never requests, and a filesystem watcher
// that turns drops into notices and removals.
type Publisher struct {
	cfg *config.Config

	arch    *archive.Archive
	hub     *clearing.ClearingHouse
	server  *peer.Server
	tracker *tracker.Tracker
	watcher *archive.Watcher

	// Last known FileID per path, so a removed file can still be named in
	// removal notices after it is gone from disk.
	idMu    sync.Mutex
	fileIDs map[data.ArchivePath]data.FileID

	cancel context.CancelFunc
}

// NewPublisher builds a publisher over the given archive root.
func NewPublisher(cfg *config.Config, rootDir string) (*Publisher, error) {
	arch, err := archive.Open(rootDir,
		archive.WithPieceSize(cfg.PieceSize),
		archive.WithTTL(cfg.TTL),
		archive.WithOpenFileLimit(cfg.OpenFileLimit),
	)
	if err != nil {
		return nil, err
	}
	// A publisher wants nothing; its predicate is empty.
	hub := clearing.New(arch, data.NewPredicate())
	addr := peer.ServerAddress{Host: cfg.LocalHost(), Port: int64(cfg.BasePort)}
	return &Publisher{
		cfg:     cfg,
		arch:    arch,
		hub:     hub,
		server:  peer.NewSourceServer(addr, hub),
		tracker: tracker.New(addr),
		fileIDs: make(map[data.ArchivePath]data.FileID),
	}, nil
}

// TrackerPort returns the bound tracker port; valid after Start.
func (p *Publisher) TrackerPort() int { return p.tracker.Port() }

// Hub returns the clearing house, for status surfaces.
func (p *Publisher) Hub() *clearing.ClearingHouse { return p.hub }

// Start brings up the tracker, the source server, the watcher, and the
// expiry sweep. It returns once everything is listening.
func (p *Publisher) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	if err := p.tracker.Start(ctx, p.cfg.TrackerPort); err != nil {
		return err
	}
	if err := p.server.Start(ctx); err != nil {
		return err
	}
	p.tracker.RegisterLocal(p.server.Addr(), data.Everything)

	// Seed the path→FileID map from the existing tree.
	if err := p.arch.Walk(data.Everything, func(set *data.PieceSpecSet) error {
		for _, info := range set.Files() {
			p.rememberID(info.ID)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("initial archive walk: %w", err)
	}

	events := make(chan archive.Event, 256)
	watcher, err := archive.NewWatcher(p.arch, events)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	p.watcher = watcher

	go p.eventLoop(ctx, events)
	go p.reannounceLoop(ctx)
	go p.hub.RunExpiry(ctx)

	if p.cfg.StatusPort != 0 {
		st := status.NewServer(p.hub, func() (*tracker.Topology, error) {
			return p.tracker.Snapshot(), nil
		})
		if err := st.Start(ctx, p.cfg.StatusPort); err != nil {
			return err
		}
	}

	log.Printf("[publisher] serving %s on %s (tracker port %d)",
		p.arch.Root(), p.server.Addr(), p.TrackerPort())
	return nil
}

// eventLoop turns filesystem drops into notices and removals.
func (p *Publisher) eventLoop(ctx context.Context, events <-chan archive.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			if e.Created {
				info, err := p.arch.FileInfoFor(e.Path)
				if err != nil {
					log.Printf("[publisher] dropped file %s vanished: %v", e.Path, err)
					continue
				}
				p.rememberID(info.ID)
				log.Printf("[publisher] new file %s", info)
				p.hub.NotifyAll(data.NewFilePieceSpecSet(info))
			} else {
				id, ok := p.forgetID(e.Path)
				if !ok {
					continue
				}
				log.Printf("[publisher] removed file %s", id)
				if err := p.hub.Remove(id); err != nil {
					log.Printf("[publisher] remove %s: %v", id.Path, err)
				}
			}
		}
	}
}

// reannounceLoop keeps the source server's tracker registration fresh.
func (p *Publisher) reannounceLoop(ctx context.Context) {
	ticker := time.NewTicker(sourceReannounce)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tracker.RegisterLocal(p.server.Addr(), data.Everything)
		}
	}
}

func (p *Publisher) rememberID(id data.FileID) {
	p.idMu.Lock()
	p.fileIDs[id.Path] = id
	p.idMu.Unlock()
}

func (p *Publisher) forgetID(path data.ArchivePath) (data.FileID, bool) {
	p.idMu.Lock()
	defer p.idMu.Unlock()
	id, ok := p.fileIDs[path]
	if ok {
		delete(p.fileIDs, path)
	}
	return id, ok
}

// Stop shuts the publisher down.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.watcher != nil {
		p.watcher.Stop()
	}
	p.arch.Close()
}
