package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/omnicloud/sruth/internal/data"
	"github.com/omnicloud/sruth/internal/manager"
	"github.com/omnicloud/sruth/internal/peer"
)

// Config holds all node configuration. It is loaded once at startup and
// passed by reference; nothing mutates it afterwards.
type Config struct {
	// Archive configuration
	ArchiveDir    string
	PieceSize     int64 // bytes per piece for locally published files
	TTL           int64 // seconds a file lives before expiry
	OpenFileLimit int   // open-handle cache size

	// Server configuration
	ServerHost string // advertised host; empty = auto-detect
	BasePort   int    // first of the three consecutive peer ports

	// Tracker configuration
	TrackerPort int    // port the publisher's tracker listens on
	TrackerAddr string // tracker address a subscriber talks to

	// Client manager configuration
	MinClientsPerFilter int
	ReplacementPeriod   int // seconds

	// Status API configuration (0 disables)
	StatusPort int
}

// Load reads configuration from an optional key=value file plus SRUTH_*
// environment variables. Environment variables take precedence over file
// values.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		// Defaults
		PieceSize:           data.DefaultPieceSize,
		TTL:                 data.DefaultTTL,
		OpenFileLimit:       512,
		BasePort:            peer.DefaultBasePort,
		TrackerPort:         3890,
		MinClientsPerFilter: manager.MinClientsPerFilter,
		ReplacementPeriod:   60,
		StatusPort:          0,
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			// A missing file is fine; defaults apply.
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}
	cfg.loadFromEnv()

	if cfg.PieceSize <= 0 {
		return nil, fmt.Errorf("piece_size must be positive")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("ttl must be positive")
	}
	if cfg.BasePort <= 0 || cfg.BasePort > 65535-peer.StreamCount {
		return nil, fmt.Errorf("base_port %d out of range", cfg.BasePort)
	}
	return cfg, nil
}

// loadFromFile reads key=value pairs, skipping blanks and # comments.
func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
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
		case "archive_dir":
			cfg.ArchiveDir = value
		case "piece_size":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.PieceSize = n
			}
		case "ttl":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.TTL = n
			}
		case "open_file_limit":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.OpenFileLimit = n
			}
		case "server_host":
			cfg.ServerHost = value
		case "base_port":
			if port, err := strconv.Atoi(value); err == nil {
				cfg.BasePort = port
			}
		case "tracker_port":
			if port, err := strconv.Atoi(value); err == nil {
				cfg.TrackerPort = port
			}
		case "tracker_addr":
			cfg.TrackerAddr = value
		case "min_clients_per_filter":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.MinClientsPerFilter = n
			}
		case "replacement_period":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.ReplacementPeriod = n
			}
		case "status_port":
			if port, err := strconv.Atoi(value); err == nil {
				cfg.StatusPort = port
			}
		}
	}
	return scanner.Err()
}

// loadFromEnv reads SRUTH_* environment variables.
func (cfg *Config) loadFromEnv() {
	if v := os.Getenv("SRUTH_ARCHIVE_DIR"); v != "" {
		cfg.ArchiveDir = v
	}
	if v := os.Getenv("SRUTH_PIECE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.PieceSize = n
		}
	}
	if v := os.Getenv("SRUTH_TTL"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TTL = n
		}
	}
	if v := os.Getenv("SRUTH_OPEN_FILE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OpenFileLimit = n
		}
	}
	if v := os.Getenv("SRUTH_SERVER_HOST"); v != "" {
		cfg.ServerHost = v
	}
	if v := os.Getenv("SRUTH_BASE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.BasePort = port
		}
	}
	if v := os.Getenv("SRUTH_TRACKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.TrackerPort = port
		}
	}
	if v := os.Getenv("SRUTH_TRACKER_ADDR"); v != "" {
		cfg.TrackerAddr = v
	}
	if v := os.Getenv("SRUTH_MIN_CLIENTS_PER_FILTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinClientsPerFilter = n
		}
	}
	if v := os.Getenv("SRUTH_REPLACEMENT_PERIOD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReplacementPeriod = n
		}
	}
	if v := os.Getenv("SRUTH_STATUS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.StatusPort = port
		}
	}
}

// LocalHost returns the advertised host: the configured one, or the first
// non-loopback IPv4 interface address, or loopback as a last resort.
func (cfg *Config) LocalHost() string {
	if cfg.ServerHost != "" {
		return cfg.ServerHost
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}
