// Package signaling is the participant's side of the signaling channel.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/huddle/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	dialTimeout    = 10 * time.Second
)

// ErrTransportDisconnected is returned once the connection to the server is
// gone. The server treats a lost connection as a leave, and so does the
// participant.
var ErrTransportDisconnected = errors.New("signaling connection lost")

// Client manages the WebSocket connection to the signaling server.
type Client struct {
	conn     *websocket.Conn
	codec    protocol.Codec
	logger   *slog.Logger
	incoming chan *protocol.Message
	outgoing chan *protocol.Message
	done     chan struct{}

	closeOnce sync.Once
}

// Dial connects to the signaling endpoint at serverURL using codec.
func Dial(ctx context.Context, serverURL string, codec protocol.Codec, logger *slog.Logger) (*Client, error) {
	if codec == nil {
		codec = protocol.JSON
	}
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if codec.Name() != protocol.CodecJSON {
		q := u.Query()
		q.Set("codec", codec.Name())
		u.RawQuery = q.Encode()
	}

	// Falls back to public resolvers when the system one cannot find the
	// server.
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: dialTimeout,
		NetDialContext:   newResolver().dialContext,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:     conn,
		codec:    codec,
		logger:   logger,
		incoming: make(chan *protocol.Message, 16),
		outgoing: make(chan *protocol.Message, 16),
		done:     make(chan struct{}),
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// readPump reads messages from the WebSocket connection until it fails, then
// closes Incoming.
func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug("signaling read stopped", "err", err)
			return
		}

		var msg protocol.Message
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping undecodable frame", "err", err)
			continue
		}
		c.incoming <- &msg
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	frame := websocket.TextMessage
	if c.codec.Binary() {
		frame = websocket.BinaryMessage
	}

	for {
		select {
		case msg := <-c.outgoing:
			data, err := c.codec.Marshal(msg)
			if err != nil {
				c.logger.Error("encode failed", "type", msg.Type, "err", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(frame, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues msg for the server.
func (c *Client) Send(msg *protocol.Message) error {
	select {
	case <-c.done:
		return ErrTransportDisconnected
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrTransportDisconnected
	}
}

// Join asks to join roomKey. An empty key joins the default room.
func (c *Client) Join(roomKey, displayName string) error {
	return c.Send(&protocol.Message{Type: protocol.TypeJoinRoom, RoomKey: roomKey, DisplayName: displayName})
}

// Create asks the server for a fresh room and joins it.
func (c *Client) Create(displayName string) error {
	return c.Send(&protocol.Message{Type: protocol.TypeCreateRoom, DisplayName: displayName})
}

// Leave leaves the current room and keeps the connection open.
func (c *Client) Leave() error {
	return c.Send(&protocol.Message{Type: protocol.TypeLeaveRoom})
}

// Signal sends a handshake payload to toID.
func (c *Client) Signal(toID string, sig protocol.Signal) error {
	env := protocol.Envelope{Kind: sig.Kind, ToID: toID, Payload: sig.SDP}
	return c.Send(env.Outbound())
}

// Incoming returns the channel of decoded server messages. It is closed when
// the connection ends.
func (c *Client) Incoming() <-chan *protocol.Message {
	return c.incoming
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
