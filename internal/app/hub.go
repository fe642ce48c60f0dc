package app

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"treesync/api/internal/auth"
	"treesync/api/internal/protocol"
	"treesync/api/internal/rbac"
	"treesync/api/internal/util"
)

const (
	handlerTimeout      = 10 * time.Second
	maxSessionIDLength  = 128
	defaultPingInterval = 20 * time.Second
	defaultTimeout      = 60 * time.Second
	defaultSendBuffer   = 256
)

type HubOptions struct {
	PingInterval   time.Duration
	SessionTimeout time.Duration
	SendBuffer     int
	CORSOrigin     string
}

type inbound struct {
	conn   *conn
	intent protocol.Intent
}

// Hub owns every live connection. A single goroutine (Run) registers and
// unregisters connections, runs the liveness sweep and executes intents,
// so handlers never interleave.
type Hub struct {
	service  *Service
	provider auth.Provider
	logger   *zap.Logger
	upgrader websocket.Upgrader
	opts     HubOptions
	now      func() time.Time

	register   chan *conn
	unregister chan *conn
	inbound    chan inbound
	quit       chan struct{}
	count      atomic.Int64

	// owned by Run
	conns map[string]*conn
}

func NewHub(service *Service, provider auth.Provider, opts HubOptions, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = defaultTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	h := &Hub{
		service:    service,
		provider:   provider,
		logger:     logger.Named("hub"),
		opts:       opts,
		now:        time.Now,
		register:   make(chan *conn),
		unregister: make(chan *conn),
		inbound:    make(chan inbound, 256),
		quit:       make(chan struct{}),
		conns:      map[string]*conn{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Sessions returns the number of registered connections.
func (h *Hub) Sessions() int {
	return int(h.count.Load())
}

// Run processes hub events until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	defer close(h.quit)

	for {
		select {
		case <-ctx.Done():
			for id, c := range h.conns {
				h.drop(id, c)
			}
			return
		case c := <-h.register:
			id := c.participant.SessionID
			if old, ok := h.conns[id]; ok {
				if old.identity.UserID == c.identity.UserID {
					h.logger.Info("session replaced by new connection", zap.String("session_id", id))
					h.drop(id, old)
				} else {
					id = util.NewSessionID()
					c.logger.Warn("session id held by another user, assigning a new one", zap.String("assigned", id))
					c.reassign(id)
				}
			}
			h.conns[id] = c
			h.count.Add(1)
			close(c.registered)
			h.service.Connected(c, c.connectedAt)
		case c := <-h.unregister:
			id := c.participant.SessionID
			if current, ok := h.conns[id]; ok && current == c {
				h.drop(id, c)
			}
			c.close()
		case msg := <-h.inbound:
			if current, ok := h.conns[msg.conn.participant.SessionID]; ok && current == msg.conn {
				h.dispatch(ctx, msg.conn, msg.intent)
			}
		case now := <-ticker.C:
			h.sweep(now)
		}
	}
}

func (h *Hub) drop(id string, c *conn) {
	delete(h.conns, id)
	h.count.Add(-1)
	c.close()
	h.service.Disconnect(c)
}

// sweep pings every session and terminates the ones that stayed silent
// past the session timeout.
func (h *Hub) sweep(now time.Time) {
	ping := protocol.Ping{Type: protocol.TypePing, Timestamp: now.UnixMilli()}
	for id, c := range h.conns {
		if c.silentFor(now) > h.opts.SessionTimeout {
			c.logger.Info("terminating unresponsive session", zap.Duration("silent_for", c.silentFor(now)))
			h.drop(id, c)
			continue
		}
		c.Send(ping)
	}
}

// registerConn returns once the hub has settled the connection's session id.
func (h *Hub) registerConn(c *conn) bool {
	select {
	case h.register <- c:
		<-c.registered
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) unregisterConn(c *conn) {
	select {
	case h.unregister <- c:
	case <-h.quit:
		c.close()
	}
}

// deliver hands an intent to the hub goroutine. It reports false once the
// hub has stopped.
func (h *Hub) deliver(c *conn, in protocol.Intent) bool {
	select {
	case h.inbound <- inbound{conn: c, intent: in}:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) dispatch(ctx context.Context, c *conn, in protocol.Intent) {
	if action := requiredAction(in); !rbac.Can(c.identity.Role, action) {
		c.logger.Warn("intent declined by role",
			zap.String("intent", intentName(in)),
			zap.String("role", string(c.identity.Role)),
		)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	var err error
	switch msg := in.(type) {
	case protocol.JoinOrganization:
		err = h.service.JoinOrganization(ctx, c, msg)
	case protocol.GetFiles:
		err = h.service.ListFiles(ctx, c, msg)
	case protocol.JoinFile:
		err = h.service.JoinFile(ctx, c, msg)
	case protocol.LeaveFile:
		err = h.service.LeaveFile(ctx, c, msg)
	case protocol.GetFileInfo:
		err = h.service.FileInfo(ctx, c, msg)
	case protocol.GetFileVersions:
		err = h.service.FileVersions(ctx, c, msg)
	case protocol.CreateNode:
		err = h.service.CreateNode(ctx, c, msg)
	case protocol.UpdateFile:
		err = h.service.UpdateFile(ctx, c, msg)
	case protocol.DeleteNode:
		err = h.service.DeleteNode(ctx, c, msg)
	case protocol.RenameNode:
		err = h.service.RenameNode(ctx, c, msg)
	case protocol.MoveNode:
		err = h.service.MoveNode(ctx, c, msg)
	case protocol.RevertFileVersion:
		err = h.service.RevertFile(ctx, c, msg)
	case protocol.Ping, protocol.Pong:
		// answered by the read pump
	}
	if err == nil {
		return
	}
	if declined(err) {
		c.logger.Info("intent declined", zap.String("intent", intentName(in)), zap.Error(err))
		return
	}
	c.logger.Error("intent failed", zap.String("intent", intentName(in)), zap.Error(err))
}

func requiredAction(in protocol.Intent) rbac.Action {
	switch in.(type) {
	case protocol.CreateNode, protocol.UpdateFile, protocol.DeleteNode,
		protocol.RenameNode, protocol.MoveNode, protocol.RevertFileVersion:
		return rbac.ActionWrite
	default:
		return rbac.ActionRead
	}
}

func intentName(in protocol.Intent) string {
	switch msg := in.(type) {
	case protocol.JoinOrganization:
		return string(msg.Type)
	case protocol.GetFiles:
		return string(msg.Type)
	case protocol.JoinFile:
		return string(msg.Type)
	case protocol.LeaveFile:
		return string(msg.Type)
	case protocol.GetFileInfo:
		return string(msg.Type)
	case protocol.GetFileVersions:
		return string(msg.Type)
	case protocol.CreateNode:
		return string(msg.Type)
	case protocol.UpdateFile:
		return string(msg.Type)
	case protocol.DeleteNode:
		return string(msg.Type)
	case protocol.RenameNode:
		return string(msg.Type)
	case protocol.MoveNode:
		return string(msg.Type)
	case protocol.RevertFileVersion:
		return string(msg.Type)
	default:
		return "unknown"
	}
}

// ServeWS authenticates the request and upgrades it. Unauthenticated
// requests get a 401 and never become sessions.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	identity, err := h.provider.Authenticate(r.Context(), token)
	if err != nil {
		h.logger.Info("rejected sync connection", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" || len(sessionID) > maxSessionIDLength {
		sessionID = util.NewSessionID()
	}
	c := newConn(h, ws, identity, sessionID, h.opts.SendBuffer)
	if !h.registerConn(c) {
		_ = ws.Close()
		return
	}
	c.logger.Info("session connected", zap.String("role", string(identity.Role)))
	go c.writePump()
	go c.readPump()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if h.opts.CORSOrigin == "" || h.opts.CORSOrigin == "*" || origin == "" {
		return true
	}
	return origin == h.opts.CORSOrigin
}
