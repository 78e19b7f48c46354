package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BioHazard786/huddle/internal/protocol"
)

// Default configuration values
const (
	DefaultServerURL = "ws://localhost:8080/ws"
	DefaultSTUN      = "stun:stun.l.google.com:19302"
	DefaultCodec     = protocol.CodecJSON

	DefaultHandshakeTimeout = 15 * time.Second
	DefaultReadyTimeout     = 20 * time.Second
	DefaultJoinTimeout      = 10 * time.Second
	DefaultRetryBudget      = 1
)

// Config holds the participant's configuration
type Config struct {
	// ServerURL is the signaling WebSocket endpoint
	ServerURL string

	DisplayName string
	RoomKey     string
	Codec       string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	// ForceRelay restricts ICE to TURN relays when a TURN server is set
	ForceRelay bool

	HandshakeTimeout time.Duration
	ReadyTimeout     time.Duration
	JoinTimeout      time.Duration

	// RetryBudget is how many fresh attempts a failed peer connection gets
	RetryBudget int
}

// Options for loading config with CLI flag overrides
type Options struct {
	ServerURL   string
	DisplayName string
	RoomKey     string
	Codec       string
	STUNServer  string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	ForceRelay  bool
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		ServerURL:        pick(opts.ServerURL, "HUDDLE_SERVER", DefaultServerURL),
		DisplayName:      pick(opts.DisplayName, "HUDDLE_NAME", ""),
		RoomKey:          pick(opts.RoomKey, "HUDDLE_ROOM", ""),
		Codec:            pick(opts.Codec, "HUDDLE_CODEC", DefaultCodec),
		STUNServer:       pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:       pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:         pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:         pick(opts.TURNPass, "TURN_PASSWORD", ""),
		ForceRelay:       opts.ForceRelay,
		HandshakeTimeout: DefaultHandshakeTimeout,
		ReadyTimeout:     DefaultReadyTimeout,
		JoinTimeout:      DefaultJoinTimeout,
		RetryBudget:      DefaultRetryBudget,
	}

	if !cfg.ForceRelay {
		if v, ok := os.LookupEnv("HUDDLE_RELAY"); ok {
			relay, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid HUDDLE_RELAY %q: %w", v, err)
			}
			cfg.ForceRelay = relay
		}
	}

	if _, err := protocol.CodecByName(cfg.Codec); err != nil {
		return nil, err
	}

	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("invalid server URL %q: scheme must be ws or wss", cfg.ServerURL)
	}

	return cfg, nil
}

// pick returns flag, else the environment variable env, else def.
func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

// RoomLink returns a shareable link for a room on the configured server.
// Join accepts it in place of a bare room key.
func (c *Config) RoomLink(roomKey string) string {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return roomKey
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = "/r/" + roomKey
	u.RawQuery = ""
	return u.String()
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(strings.TrimPrefix(c.TURNServer, "turns:"), "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
