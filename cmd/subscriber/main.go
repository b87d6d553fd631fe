package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/omnicloud/sruth/internal/config"
	"github.com/omnicloud/sruth/internal/logging"
	"github.com/omnicloud/sruth/internal/node"
)

// Exit codes: 1 invalid invocation, 2 bad root path, 3 bad subscription
// spec, 4 fatal runtime error.
func main() {
	logging.Setup()
	defer logging.Close()

	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <rootDir> <subscription>\n", os.Args[0])
		os.Exit(1)
	}
	rootDir := os.Args[1]
	if st, err := os.Stat(rootDir); err != nil || !st.IsDir() {
		fmt.Fprintf(os.Stderr, "bad archive root %q\n", rootDir)
		os.Exit(2)
	}
	sub, err := node.ParseSubscription(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad subscription: %v\n", err)
		os.Exit(3)
	}

	cfg, err := config.Load(os.Getenv("SRUTH_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(4)
	}
	cfg.TrackerAddr = sub.TrackerAddr

	sink, err := node.NewSubscriber(cfg, rootDir, sub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscriber startup failed: %v\n", err)
		os.Exit(4)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sink.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "subscriber startup failed: %v\n", err)
		os.Exit(4)
	}

	select {
	case <-ctx.Done():
		log.Printf("[subscriber] shutting down")
	case <-sink.Done():
		log.Printf("[subscriber] subscription satisfied")
	}
	sink.Stop()
}
