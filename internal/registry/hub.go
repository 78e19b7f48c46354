package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BioHazard786/huddle/internal/protocol"
)

type inbound struct {
	client *Client
	msg    *protocol.Message
}

// Hub serialises everything WebSocket connections ask of the Registry. One
// goroutine, Run, owns the set of connections and each connection's
// membership.
type Hub struct {
	registry *Registry
	logger   *slog.Logger

	registerCh   chan *Client
	unregisterCh chan *Client
	inboundCh    chan inbound
	done         chan struct{}

	clients map[*Client]struct{}
}

// NewHub creates a hub in front of reg.
func NewHub(reg *Registry, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry:     reg,
		logger:       logger,
		registerCh:   make(chan *Client),
		unregisterCh: make(chan *Client),
		inboundCh:    make(chan inbound),
		done:         make(chan struct{}),
		clients:      make(map[*Client]struct{}),
	}
}

// Registry returns the registry behind the hub.
func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) register(c *Client) bool {
	select {
	case h.registerCh <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.unregisterCh <- c:
	case <-h.done:
	}
}

func (h *Hub) dispatch(c *Client, msg *protocol.Message) bool {
	select {
	case h.inboundCh <- inbound{client: c, msg: msg}:
		return true
	case <-h.done:
		return false
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, after every
// connection has been told to close and every member has left.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case c := <-h.registerCh:
			h.clients[c] = struct{}{}
			c.logger.Debug("client registered", "clients", len(h.clients))

		case c := <-h.unregisterCh:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			h.leave(c)
			c.shutdown()
			c.logger.Debug("client unregistered", "clients", len(h.clients))

		case in := <-h.inboundCh:
			h.handle(in.client, in.msg)

		case <-ctx.Done():
			for c := range h.clients {
				h.leave(c)
				c.shutdown()
			}
			clear(h.clients)
			h.logger.Info("hub stopped")
			return
		}
	}
}

func (h *Hub) handle(c *Client, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeJoinRoom:
		h.join(c, msg.RoomKey, msg.DisplayName)

	case protocol.TypeCreateRoom:
		h.join(c, h.registry.NewRoomKey(), msg.DisplayName)

	case protocol.TypeLeaveRoom:
		if c.participantID == "" {
			c.Deliver(protocol.NewError(protocol.CodeNotJoined, "not in a room"))
			return
		}
		h.leave(c)

	case protocol.TypeSendingSignal, protocol.TypeReturningSignal:
		if c.participantID == "" {
			c.Deliver(protocol.NewError(protocol.CodeNotJoined, "join a room before signaling"))
			return
		}
		env, ok := msg.Envelope()
		if !ok || env.ToID == "" {
			c.Deliver(protocol.NewError(protocol.CodeBadRequest, "signal needs to_id and signal"))
			return
		}
		// The sender is whoever owns this connection, whatever the frame says.
		env.FromID = c.participantID
		// Undeliverable envelopes are dropped; the registry logs them.
		_ = h.registry.Relay(env)

	default:
		c.logger.Debug("unexpected message", "type", msg.Type)
		c.Deliver(protocol.NewError(protocol.CodeBadRequest, fmt.Sprintf("unexpected message type %q", msg.Type)))
	}
}

func (h *Hub) join(c *Client, roomKey, displayName string) {
	if c.participantID != "" {
		c.Deliver(protocol.NewError(protocol.CodeAlreadyJoined, "already in a room"))
		return
	}

	p, _, err := h.registry.Join(c, roomKey, displayName)
	switch {
	case errors.Is(err, ErrRoomFull):
		c.Deliver(protocol.NewError(protocol.CodeRoomFull, "room is full"))
	case err != nil:
		c.Deliver(protocol.NewError(protocol.CodeBadRequest, err.Error()))
	default:
		c.participantID = p.ID
	}
}

func (h *Hub) leave(c *Client) {
	if c.participantID == "" {
		return
	}
	h.registry.Leave(c.participantID)
	c.participantID = ""
}
