package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// EnvConfig is the environment variable that gives the location of a
// key=value logging configuration file (file=<path>, prefix=<tag>,
// timestamps=off).
const EnvConfig = "SRUTH_LOG_CONFIG"

var state struct {
	mu       sync.Mutex
	file     *os.File
	initOnce sync.Once
}

// Setup configures process-wide logging once. Messages always reach stderr;
// when the config file names a log file, they are duplicated there. Safe to
// call multiple times; only the first call takes effect.
func Setup() {
	state.initOnce.Do(func() {
		path := os.Getenv(EnvConfig)
		if path == "" {
			return
		}
		cfg, err := readConfig(path)
		if err != nil {
			log.Printf("[logging] WARNING: could not read %s: %v (logging to stderr only)", path, err)
			return
		}
		if cfg.prefix != "" {
			log.SetPrefix(cfg.prefix + " ")
		}
		if !cfg.timestamps {
			log.SetFlags(0)
		}
		if cfg.file == "" {
			return
		}
		f, err := os.OpenFile(cfg.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("[logging] WARNING: could not open log file %s: %v (logging to stderr only)", cfg.file, err)
			return
		}
		state.mu.Lock()
		state.file = f
		state.mu.Unlock()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
		log.Printf("[logging] log file initialized: %s", cfg.file)
	})
}

// Close closes the dedicated log file and reverts output to stderr.
func Close() {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.file != nil {
		log.SetOutput(os.Stderr)
		state.file.Close()
		state.file = nil
	}
}

type fileConfig struct {
	file       string
	prefix     string
	timestamps bool
}

func readConfig(path string) (fileConfig, error) {
	cfg := fileConfig{timestamps: true}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		switch key {
		case "file":
			cfg.file = value
		case "prefix":
			cfg.prefix = value
		case "timestamps":
			cfg.timestamps = value != "off" && value != "false" && value != "0"
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("scan %s: %w", path, err)
	}
	return cfg, nil
}
