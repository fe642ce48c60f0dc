package app

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"treesync/api/internal/auth"
	"treesync/api/internal/protocol"
)

const (
	writeWait     = 10 * time.Second
	maxFrameBytes = 1 << 20
)

// conn is one upgraded sync connection. The read pump parses frames and
// answers keep-alives; every other intent goes to the hub. The write pump
// drains the send queue.
type conn struct {
	hub         *Hub
	ws          *websocket.Conn
	identity    auth.Identity
	participant protocol.Participant
	connectedAt time.Time
	logger      *zap.Logger
	registered  chan struct{}

	mu     sync.Mutex
	send   chan any
	closed bool

	lastPong atomic.Int64
}

func newConn(hub *Hub, ws *websocket.Conn, identity auth.Identity, sessionID string, buffer int) *conn {
	now := hub.now()
	c := &conn{
		hub:      hub,
		ws:       ws,
		identity: identity,
		participant: protocol.Participant{
			SessionID: sessionID,
			UserID:    identity.UserID,
			UserName:  identity.DisplayName,
			Avatar:    identity.AvatarURL,
		},
		connectedAt: now,
		logger:      hub.logger.With(zap.String("session_id", sessionID), zap.String("user_id", identity.UserID)),
		send:        make(chan any, buffer),
		registered:  make(chan struct{}),
	}
	c.lastPong.Store(now.UnixNano())
	return c
}

// reassign changes the session id. It is only called by the hub before the
// pumps start.
func (c *conn) reassign(sessionID string) {
	c.participant.SessionID = sessionID
	c.logger = c.hub.logger.With(zap.String("session_id", sessionID), zap.String("user_id", c.identity.UserID))
}

func (c *conn) Participant() protocol.Participant {
	return c.participant
}

// Send queues msg without blocking. A connection that cannot keep up is
// closed.
func (c *conn) Send(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn("send buffer full, closing connection")
		c.closeLocked()
		return false
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *conn) markAlive() {
	c.lastPong.Store(c.hub.now().UnixNano())
}

func (c *conn) silentFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastPong.Load()))
}

func (c *conn) readPump() {
	defer c.hub.unregisterConn(c)
	c.ws.SetReadLimit(maxFrameBytes)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("connection closed", zap.Error(err))
			}
			return
		}

		in, err := protocol.Decode(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				c.logger.Warn("ignoring unknown message type", zap.Error(err))
			} else {
				c.logger.Warn("dropping malformed frame", zap.Error(err))
			}
			continue
		}

		switch msg := in.(type) {
		case protocol.Ping:
			c.markAlive()
			c.Send(protocol.Pong{Type: protocol.TypePong, Timestamp: msg.Timestamp})
		case protocol.Pong:
			c.markAlive()
			c.hub.service.TouchSession(c.participant.SessionID)
		default:
			if !c.hub.deliver(c, in) {
				return
			}
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(msg); err != nil {
			c.logger.Debug("write failed", zap.Error(err))
			c.close()
			return
		}
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
}
