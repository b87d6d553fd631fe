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

// Exit codes: 1 invalid invocation, 2 bad root path, 3 fatal runtime error.
func main() {
	logging.Setup()
	defer logging.Close()

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <rootDir>\n", os.Args[0])
		os.Exit(1)
	}
	rootDir := os.Args[1]
	if st, err := os.Stat(rootDir); err != nil || !st.IsDir() {
		fmt.Fprintf(os.Stderr, "bad archive root %q\n", rootDir)
		os.Exit(2)
	}

	cfg, err := config.Load(os.Getenv("SRUTH_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(3)
	}

	pub, err := node.NewPublisher(cfg, rootDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "publisher startup failed: %v\n", err)
		os.Exit(3)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := pub.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "publisher startup failed: %v\n", err)
		os.Exit(3)
	}

	// The tracker port goes to stdout so wrappers can capture it.
	fmt.Println(pub.TrackerPort())

	<-ctx.Done()
	log.Printf("[publisher] shutting down")
	pub.Stop()
}
