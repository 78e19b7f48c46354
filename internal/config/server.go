package config

import (
	"fmt"
	"os"
	"strconv"
)

const (
	DefaultAddr     = ":8080"
	DefaultCapacity = 4
)

// ServerConfig holds the signaling server's configuration
type ServerConfig struct {
	Addr     string
	Capacity int
}

// ServerOptions carries CLI flag overrides. Zero values fall through to the
// environment.
type ServerOptions struct {
	Addr     string
	Capacity int
}

// LoadServer resolves server settings: flag > env > default.
func LoadServer(opts ServerOptions) (*ServerConfig, error) {
	cfg := &ServerConfig{
		Addr:     pick(opts.Addr, "HUDDLE_ADDR", DefaultAddr),
		Capacity: opts.Capacity,
	}

	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
		if v := os.Getenv("HUDDLE_CAPACITY"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid HUDDLE_CAPACITY %q: %w", v, err)
			}
			cfg.Capacity = n
		}
	}

	if cfg.Capacity < 1 || cfg.Capacity > DefaultCapacity {
		return nil, fmt.Errorf("room capacity must be between 1 and %d, got %d", DefaultCapacity, cfg.Capacity)
	}
	return cfg, nil
}
