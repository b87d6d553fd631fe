package node

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/omnicloud/sruth/internal/archive"
	"github.com/omnicloud/sruth/internal/clearing"
	"github.com/omnicloud/sruth/internal/config"
	"github.com/omnicloud/sruth/internal/data"
	"github.com/omnicloud/sruth/internal/manager"
	"github.com/omnicloud/sruth/internal/peer"
	"github.com/omnicloud/sruth/internal/status"
	"github.com/omnicloud/sruth/internal/tracker"
)

// Subscription names a tracker and the filter to mirror from it. The
// textual form is "sruth://<host>:<port>/<filter>"; an empty filter path
// subscribes to everything.
type Subscription struct {
	TrackerAddr string
	Filter      data.Filter
}

// ParseSubscription parses the textual subscription form.
func ParseSubscription(s string) (Subscription, error) {
	const scheme = "sruth://"
	if !strings.HasPrefix(s, scheme) {
		return Subscription{}, fmt.Errorf("subscription %q must start with %s", s, scheme)
	}
	rest := strings.TrimPrefix(s, scheme)
	addr, filterPart, _ := strings.Cut(rest, "/")
	if _, err := peer.ParseServerAddress(addr); err != nil {
		return Subscription{}, fmt.Errorf("bad tracker address in subscription: %w", err)
	}
	filter := data.Everything
	if filterPart != "" {
		var err error
		filter, err = data.ParseFilter(filterPart)
		if err != nil {
			return Subscription{}, fmt.Errorf("bad filter in subscription: %w", err)
		}
	}
	return Subscription{TrackerAddr: addr, Filter: filter}, nil
}

func (s Subscription) String() string {
	return fmt.Sprintf("sruth://%s/%s", s.TrackerAddr, s.Filter)
}

// Subscriber mirrors a filtered view of published content: a sink server
// for inbound peers plus a client manager that keeps sessions open to the
// best available servers.
type Subscriber struct {
	cfg *config.Config
	sub Subscription

	arch    *archive.Archive
	hub     *clearing.ClearingHouse
	server  *peer.Server
	proxy   *tracker.FilteredProxy
	manager *manager.ClientManager

	cancel context.CancelFunc
	runErr chan error
}

// NewSubscriber builds a subscriber over the given archive root.
func NewSubscriber(cfg *config.Config, rootDir string, sub Subscription) (*Subscriber, error) {
	arch, err := archive.Open(rootDir,
		archive.WithPieceSize(cfg.PieceSize),
		archive.WithTTL(cfg.TTL),
		archive.WithOpenFileLimit(cfg.OpenFileLimit),
	)
	if err != nil {
		return nil, err
	}
	predicate := data.NewPredicate(sub.Filter)
	hub := clearing.New(arch, predicate)
	addr := peer.ServerAddress{Host: cfg.LocalHost(), Port: int64(cfg.BasePort)}
	server := peer.NewSinkServer(addr, hub, predicate.AsFilter)
	proxy := tracker.NewProxy(sub.TrackerAddr, arch).Filtered(sub.Filter)

	mgr := manager.New(hub, proxy, addr,
		manager.WithMinClients(cfg.MinClientsPerFilter),
		manager.WithReplacementPeriod(time.Duration(cfg.ReplacementPeriod)*time.Second),
	)
	return &Subscriber{
		cfg:     cfg,
		sub:     sub,
		arch:    arch,
		hub:     hub,
		server:  server,
		proxy:   proxy,
		manager: mgr,
		runErr:  make(chan error, 1),
	}, nil
}

// Hub returns the clearing house, for status surfaces and tests.
func (s *Subscriber) Hub() *clearing.ClearingHouse { return s.hub }

// Done is closed once the subscription is fully satisfied (only possible
// for exact-file subscriptions).
func (s *Subscriber) Done() <-chan struct{} { return s.manager.Done() }

// Start brings up the sink server and the client manager.
func (s *Subscriber) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.server.Start(ctx); err != nil {
		return err
	}
	go func() {
		s.runErr <- s.manager.Run(ctx)
	}()
	go s.hub.RunExpiry(ctx)

	if s.cfg.StatusPort != 0 {
		st := status.NewServer(s.hub, func() (*tracker.Topology, error) {
			return s.proxy.Topology()
		})
		if err := st.Start(ctx, s.cfg.StatusPort); err != nil {
			return err
		}
	}

	log.Printf("[subscriber] mirroring %s into %s via %s",
		s.sub.Filter, s.arch.Root(), s.sub.TrackerAddr)
	return nil
}

// Stop shuts the subscriber down and waits for the manager to finish.
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.runErr
	}
	s.arch.Close()
}
