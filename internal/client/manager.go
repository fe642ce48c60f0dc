// Package client connects to a treesync server, keeps the connection alive
// across failures and reconciles the local view of the file tree with the
// events the server broadcasts.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"treesync/api/internal/config"
	"treesync/api/internal/protocol"
)

var (
	// ErrAuthRejected means the server refused the credential. The manager
	// does not retry.
	ErrAuthRejected = errors.New("credential rejected")
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection manager closed")
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusAuthFailed   Status = "auth_failed"
	StatusFailed       Status = "failed"
	StatusClosed       Status = "closed"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 10 * time.Second
)

// Keepalive configures the ping/pong liveness checks.
type Keepalive struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
}

func DefaultKeepalive() Keepalive {
	return Keepalive{
		PingInterval:   20 * time.Second,
		PongTimeout:    5 * time.Second,
		HealthInterval: 15 * time.Second,
		HealthTimeout:  45 * time.Second,
	}
}

func KeepaliveFromConfig(cfg config.KeepaliveConfig) Keepalive {
	k := DefaultKeepalive()
	if cfg.PingInterval.Duration > 0 {
		k.PingInterval = cfg.PingInterval.Duration
	}
	if cfg.PongTimeout.Duration > 0 {
		k.PongTimeout = cfg.PongTimeout.Duration
	}
	if cfg.HealthInterval.Duration > 0 {
		k.HealthInterval = cfg.HealthInterval.Duration
	}
	if cfg.HealthTimeout.Duration > 0 {
		k.HealthTimeout = cfg.HealthTimeout.Duration
	}
	return k
}

type ManagerOptions struct {
	URL       string
	Token     string
	SessionID string
	Keepalive Keepalive
	Backoff   Backoff
	Scheduler Scheduler
	Dialer    *websocket.Dialer
	Logger    *zap.Logger

	// OnMessage receives every server event except keep-alives. It is
	// called from a single reader goroutine.
	OnMessage     func(protocol.Event)
	OnStatus      func(Status)
	OnConnected   func()
	OnReconnected func()
	OnAuthFailure func(error)
}

type dialCall struct {
	done chan struct{}
	err  error
}

// Manager owns one logical connection to the server. It dials on demand,
// shares a pending dial between concurrent callers, runs the keep-alive
// timers and reconnects with backoff after abnormal closes.
type Manager struct {
	opts   ManagerOptions
	logger *zap.Logger
	sched  Scheduler

	mu            sync.Mutex
	conn          *websocket.Conn
	status        Status
	pending       *dialCall
	attempts      int
	everConnected bool
	closed        bool
	reconnect     Timer
	pingTimer     Timer
	pongTimer     Timer
	healthTimer   Timer
	awaiting      bool
	pingStamp     int64
	lastPong      time.Time

	writeMu sync.Mutex
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Scheduler == nil {
		opts.Scheduler = systemScheduler{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
	}
	if opts.Keepalive == (Keepalive{}) {
		opts.Keepalive = DefaultKeepalive()
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger.Named("client"),
		sched:  opts.Scheduler,
		status: StatusIdle,
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect dials the server unless a connection is already open. Callers
// arriving while a dial is in flight wait for that dial's result.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	if call := m.pending; call != nil {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &dialCall{done: make(chan struct{})}
	m.pending = call
	status := StatusConnecting
	if m.attempts > 0 {
		status = StatusReconnecting
	}
	m.setStatusLocked(status)
	m.mu.Unlock()
	m.notify(status)

	err := m.dial(ctx)

	m.mu.Lock()
	m.pending = nil
	call.err = err
	close(call.done)
	m.mu.Unlock()
	return err
}

func (m *Manager) dial(ctx context.Context) error {
	target, err := m.target()
	if err != nil {
		m.fail(err)
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.opts.Token)

	ws, resp, err := m.opts.Dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode)
			m.authFailed(err)
			return err
		}
		err = fmt.Errorf("dial %s: %w", m.opts.URL, err)
		m.logger.Warn("dial failed", zap.Error(err))
		m.scheduleReconnect()
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	reconnected := m.everConnected
	m.conn = ws
	m.attempts = 0
	m.everConnected = true
	m.awaiting = false
	m.lastPong = m.sched.Now()
	m.setStatusLocked(StatusConnected)
	m.startKeepaliveLocked(ws)
	m.mu.Unlock()

	go m.readLoop(ws)

	m.notify(StatusConnected)
	if m.opts.OnConnected != nil {
		m.opts.OnConnected()
	}
	if reconnected && m.opts.OnReconnected != nil {
		m.opts.OnReconnected()
	}
	return nil
}

func (m *Manager) target() (string, error) {
	parsed, err := url.Parse(m.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if m.opts.SessionID != "" {
		query := parsed.Query()
		query.Set("sessionId", m.opts.SessionID)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

// Send writes msg as JSON. It reports false when there is no open
// connection or the write fails.
func (m *Manager) Send(msg any) bool {
	m.mu.Lock()
	ws := m.conn
	m.mu.Unlock()
	if ws == nil {
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(msg); err != nil {
		m.logger.Warn("write failed", zap.Error(err))
		_ = ws.Close()
		return false
	}
	return true
}

// Close shuts the connection with a normal closure and cancels every
// pending timer. The manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopTimersLocked()
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	ws := m.conn
	m.conn = nil
	m.setStatusLocked(StatusClosed)
	m.mu.Unlock()

	if ws != nil {
		m.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = ws.Close()
	}
	m.notify(StatusClosed)
	return nil
}

func (m *Manager) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			m.connectionLost(ws, err)
			return
		}
		event, err := protocol.DecodeEvent(raw)
		if err != nil {
			m.logger.Debug("ignoring server frame", zap.Error(err))
			continue
		}
		switch msg := event.(type) {
		case protocol.Ping:
			m.Send(protocol.Pong{Type: protocol.TypePong, Timestamp: msg.Timestamp})
		case protocol.Pong:
			m.pongReceived(ws, msg.Timestamp)
		default:
			if m.opts.OnMessage != nil {
				m.opts.OnMessage(event)
			}
		}
	}
}

func (m *Manager) connectionLost(ws *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.conn != ws {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.stopTimersLocked()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		m.setStatusLocked(StatusDisconnected)
		m.mu.Unlock()
		m.logger.Info("server closed the connection")
		m.notify(StatusDisconnected)
		return
	}
	m.mu.Unlock()

	m.logger.Warn("connection lost", zap.Error(cause))
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.reconnect != nil || m.status == StatusAuthFailed {
		m.mu.Unlock()
		return
	}
	m.attempts++
	if m.attempts > m.opts.Backoff.MaxAttempts {
		m.setStatusLocked(StatusFailed)
		m.mu.Unlock()
		m.logger.Error("giving up reconnecting", zap.Int("attempts", m.opts.Backoff.MaxAttempts))
		m.notify(StatusFailed)
		return
	}
	delay := m.opts.Backoff.Delay(m.attempts)
	attempt := m.attempts
	m.setStatusLocked(StatusReconnecting)
	m.reconnect = m.sched.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnect = nil
		m.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		_ = m.Connect(ctx)
	})
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	m.notify(StatusReconnecting)
}

func (m *Manager) authFailed(err error) {
	m.mu.Lock()
	m.setStatusLocked(StatusAuthFailed)
	m.mu.Unlock()
	m.logger.Error("authentication rejected", zap.Error(err))
	m.notify(StatusAuthFailed)
	if m.opts.OnAuthFailure != nil {
		m.opts.OnAuthFailure(err)
	}
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.setStatusLocked(StatusFailed)
	m.mu.Unlock()
	m.logger.Error("connection failed", zap.Error(err))
	m.notify(StatusFailed)
}

func (m *Manager) startKeepaliveLocked(ws *websocket.Conn) {
	m.stopTimersLocked()
	m.pingTimer = m.sched.AfterFunc(m.opts.Keepalive.PingInterval, func() { m.sendPing(ws) })
	m.healthTimer = m.sched.AfterFunc(m.opts.Keepalive.HealthInterval, func() { m.checkHealth(ws) })
}

func (m *Manager) stopTimersLocked() {
	for _, t := range []Timer{m.pingTimer, m.pongTimer, m.healthTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.pingTimer, m.pongTimer, m.healthTimer = nil, nil, nil
	m.awaiting = false
}

func (m *Manager) sendPing(ws *websocket.Conn) {
	m.mu.Lock()
	if m.conn != ws {
		m.mu.Unlock()
		return
	}
	now := m.sched.Now()
	m.awaiting = true
	m.pingStamp = now.UnixMilli()
	m.pongTimer = m.sched.AfterFunc(m.opts.Keepalive.PongTimeout, func() { m.pongDeadline(ws) })
	m.pingTimer = m.sched.AfterFunc(m.opts.Keepalive.PingInterval, func() { m.sendPing(ws) })
	m.mu.Unlock()

	m.Send(protocol.Ping{Type: protocol.TypePing, Timestamp: now.UnixMilli()})
}

// pongReceived refreshes liveness. Only the pong echoing the outstanding
// ping's timestamp settles it.
func (m *Manager) pongReceived(ws *websocket.Conn, stamp int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != ws {
		return
	}
	if m.awaiting && stamp == m.pingStamp {
		m.awaiting = false
	}
	m.lastPong = m.sched.Now()
}

func (m *Manager) pongDeadline(ws *websocket.Conn) {
	m.mu.Lock()
	expired := m.conn == ws && m.awaiting
	m.mu.Unlock()
	if expired {
		m.logger.Warn("pong not received in time, closing connection")
		_ = ws.Close()
	}
}

func (m *Manager) checkHealth(ws *websocket.Conn) {
	m.mu.Lock()
	if m.conn != ws {
		m.mu.Unlock()
		return
	}
	silent := m.sched.Now().Sub(m.lastPong)
	stale := silent > m.opts.Keepalive.HealthTimeout
	if !stale {
		m.healthTimer = m.sched.AfterFunc(m.opts.Keepalive.HealthInterval, func() { m.checkHealth(ws) })
	}
	m.mu.Unlock()

	if stale {
		m.logger.Warn("no pong within health timeout, closing connection", zap.Duration("silent_for", silent))
		_ = ws.Close()
	}
}

func (m *Manager) setStatusLocked(status Status) {
	m.status = status
}

func (m *Manager) notify(status Status) {
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(status)
	}
}
