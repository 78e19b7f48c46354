package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BioHazard786/huddle/internal/protocol"
)

// ErrRoomFull is reported when the server refused a join because the room
// already holds the maximum number of participants.
var ErrRoomFull = errors.New("room is full")

// ServerError is an error message sent by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server: %s (%s)", e.Message, e.Code)
}

func (e *ServerError) Is(target error) bool {
	return target == ErrRoomFull && e.Code == protocol.CodeRoomFull
}

// Handler routes incoming signaling messages to channels. Membership changes
// and relayed signals share the Events channel so their relative order is
// kept.
type Handler struct {
	client *Client
	logger *slog.Logger

	Joined chan *protocol.Message
	Events chan *protocol.Message
	Error  chan *ServerError
}

// NewHandler creates a new message handler.
func NewHandler(client *Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		client: client,
		logger: logger,
		Joined: make(chan *protocol.Message, 1),
		Events: make(chan *protocol.Message, 64),
		Error:  make(chan *ServerError, 4),
	}
}

// Start routes messages until the connection ends, then closes every channel.
func (h *Handler) Start() {
	defer h.close()

	for msg := range h.client.Incoming() {
		switch msg.Type {
		case protocol.TypeAllUsers:
			h.Joined <- msg

		case protocol.TypeUserJoined, protocol.TypeUserLeft,
			protocol.TypeReceivingSignal, protocol.TypeReceivingReturnedSignal:
			h.Events <- msg

		case protocol.TypeError:
			h.handleError(msg)

		default:
			h.logger.Debug("ignoring message", "type", msg.Type)
		}
	}
}

func (h *Handler) handleError(msg *protocol.Message) {
	serr := &ServerError{Code: "unknown", Message: "unknown error from server"}
	if msg.Error != nil {
		serr = &ServerError{Code: msg.Error.Code, Message: msg.Error.Message}
	}
	select {
	case h.Error <- serr:
	default:
		h.logger.Warn("server error dropped", "code", serr.Code, "message", serr.Message)
	}
}

func (h *Handler) close() {
	close(h.Joined)
	close(h.Events)
	close(h.Error)
}

// WaitJoined blocks until the server confirms the join with all-users, refuses
// it, or ctx ends.
func (h *Handler) WaitJoined(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg, ok := <-h.Joined:
		if !ok {
			return nil, ErrTransportDisconnected
		}
		return msg, nil
	case serr, ok := <-h.Error:
		if !ok {
			return nil, ErrTransportDisconnected
		}
		return nil, serr
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for join reply: %w", ctx.Err())
	}
}
