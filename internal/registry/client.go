package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/huddle/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. A bundled description with
	// every gathered candidate fits comfortably.
	maxMessageSize = 64 * 1024

	sendQueueSize = 64
)

// ErrClientGone is returned by Deliver once the connection is shutting down.
var ErrClientGone = errors.New("client connection closed")

// Client is one WebSocket connection to the signaling server. It becomes a
// room member once it sends join-room or create-room.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	codec  protocol.Codec
	logger *slog.Logger

	mu     sync.Mutex
	send   chan *protocol.Message
	closed bool

	// participantID is owned by the hub goroutine.
	participantID string
}

// NewClient wraps an upgraded connection. Start its pumps with Run.
func NewClient(hub *Hub, conn *websocket.Conn, codec protocol.Codec) *Client {
	if codec == nil {
		codec = protocol.JSON
	}
	return &Client{
		hub:    hub,
		conn:   conn,
		codec:  codec,
		logger: hub.logger.With("remote", conn.RemoteAddr().String()),
		send:   make(chan *protocol.Message, sendQueueSize),
	}
}

// Deliver queues msg for the write pump without blocking. A client whose
// queue is full is cut off: its connection closes and it leaves its room.
func (c *Client) Deliver(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientGone
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("send queue full, dropping connection")
		c.closed = true
		close(c.send)
		return ErrClientGone
	}
}

// shutdown stops the write pump, which closes the connection.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Run registers the client with the hub and starts its pumps.
func (c *Client) Run() {
	if !c.hub.register(c) {
		c.conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump pumps messages from the websocket connection to the hub.
//
// There is at most one reader on a connection: all reads happen on this
// goroutine.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", "err", err)
			}
			return
		}

		var msg protocol.Message
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("undecodable frame", "codec", c.codec.Name(), "err", err)
			c.Deliver(protocol.NewError(protocol.CodeBadRequest, "malformed message"))
			continue
		}

		if !c.hub.dispatch(c, &msg) {
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
//
// There is at most one writer to a connection: all writes happen on this
// goroutine.
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
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := c.codec.Marshal(msg)
			if err != nil {
				c.logger.Error("encode failed", "type", msg.Type, "err", err)
				continue
			}
			if err := c.conn.WriteMessage(frame, data); err != nil {
				c.logger.Debug("write failed", "err", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
