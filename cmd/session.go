package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/BioHazard786/huddle/internal/config"
	"github.com/BioHazard786/huddle/internal/protocol"
	"github.com/BioHazard786/huddle/internal/registry"
	"github.com/BioHazard786/huddle/internal/signaling"
	"github.com/BioHazard786/huddle/internal/ui"
)

// ConnectionContext is a participant's live link to the signaling server.
type ConnectionContext struct {
	Client  *signaling.Client
	Handler *signaling.Handler
	Config  *config.Config
}

// NewConnectionContext dials the server and starts routing its messages.
func NewConnectionContext(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ConnectionContext, error) {
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	client, err := signaling.Dial(ctx, cfg.ServerURL, codec, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to server: %w", err)
	}

	handler := signaling.NewHandler(client, logger)
	go handler.Start()

	return &ConnectionContext{
		Client:  client,
		Handler: handler,
		Config:  cfg,
	}, nil
}

func (c *ConnectionContext) Close() {
	if c.Client != nil {
		c.Client.Close()
	}
}

// JoinRoom asks for the configured room, or a fresh one when create is set,
// and waits for the server's answer.
func (c *ConnectionContext) JoinRoom(ctx context.Context, create bool) (*protocol.Message, error) {
	var err error
	if create {
		err = c.Client.Create(c.Config.DisplayName)
	} else {
		err = c.Client.Join(c.Config.RoomKey, c.Config.DisplayName)
	}
	if err != nil {
		return nil, fmt.Errorf("join room: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Config.JoinTimeout)
	defer cancel()

	msg, err := c.Handler.WaitJoined(ctx)
	switch {
	case errors.Is(err, signaling.ErrRoomFull):
		return nil, fmt.Errorf("room %q already has %d participants", c.Config.RoomKey, registry.MaxCapacity)
	case err != nil:
		return nil, fmt.Errorf("join room: %w", err)
	}
	return msg, nil
}

func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	return cfg, nil
}

// parseRoomInput accepts a bare room key or a room link.
func parseRoomInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("room key cannot be empty")
	}

	if strings.Contains(input, "://") || strings.Contains(input, "/") {
		key, err := extractRoomKeyFromURL(input)
		if err != nil {
			return "", err
		}
		ui.PrintSuccessf("Extracted room key: %s", key)
		return key, nil
	}

	return input, nil
}

func extractRoomKeyFromURL(urlStr string) (string, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", fmt.Errorf("parse URL: %w", err)
	}

	path := strings.TrimSuffix(parsedURL.Path, "/")
	parts := strings.Split(path, "/")

	for i, part := range parts {
		if part == "r" && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}

	return "", fmt.Errorf("could not extract room key from URL: %s", urlStr)
}

// httpEndpoint maps the signaling WebSocket URL onto a plain HTTP path on the
// same server.
func httpEndpoint(serverURL, path string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid server URL %q", serverURL)
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}
