package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"treesync/api/internal/protocol"
)

type fakeServer struct {
	srv      *httptest.Server
	upgrades atomic.Int32
	reject   atomic.Int32

	mu       sync.Mutex
	requests []*http.Request
}

// newFakeServer upgrades every request and hands the connection to handle.
// handle runs once per connection and the socket is closed when it returns.
func newFakeServer(t *testing.T, handle func(n int, ws *websocket.Conn)) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.requests = append(fs.requests, r.Clone(context.Background()))
		fs.mu.Unlock()
		if status := fs.reject.Load(); status != 0 {
			w.WriteHeader(int(status))
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := int(fs.upgrades.Add(1))
		defer ws.Close()
		handle(n, ws)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
}

func (fs *fakeServer) lastRequest() *http.Request {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.requests) == 0 {
		return nil
	}
	return fs.requests[len(fs.requests)-1]
}

// drain reads until the peer goes away.
func drain(_ int, ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

type statusLog struct {
	mu  sync.Mutex
	all []Status
}

func (l *statusLog) record(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, s)
}

func (l *statusLog) seen(s Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.all {
		if got == s {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T, url string, sched Scheduler, mutate func(*ManagerOptions)) *Manager {
	t.Helper()
	opts := ManagerOptions{
		URL:       url,
		Token:     "secret-token",
		SessionID: "sess_test",
		Scheduler: sched,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m := NewManager(opts)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestConnectSendsBearerAndSession(t *testing.T) {
	fs := newFakeServer(t, drain)
	m := newTestManager(t, fs.url(), newManualScheduler(), nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if m.Status() != StatusConnected {
		t.Fatalf("expected connected, got %s", m.Status())
	}
	req := fs.lastRequest()
	if got := req.Header.Get("Authorization"); got != "Bearer secret-token" {
		t.Fatalf("unexpected authorization header %q", got)
	}
	if got := req.URL.Query().Get("sessionId"); got != "sess_test" {
		t.Fatalf("unexpected session id %q", got)
	}
}

func TestAuthRejectionDoesNotRetry(t *testing.T) {
	fs := newFakeServer(t, drain)
	fs.reject.Store(http.StatusUnauthorized)
	sched := newManualScheduler()

	var authErr error
	m := newTestManager(t, fs.url(), sched, func(o *ManagerOptions) {
		o.OnAuthFailure = func(err error) { authErr = err }
	})

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected auth rejection, got %v", err)
	}
	if !errors.Is(authErr, ErrAuthRejected) {
		t.Fatalf("expected auth failure callback, got %v", authErr)
	}
	if m.Status() != StatusAuthFailed {
		t.Fatalf("expected auth_failed, got %s", m.Status())
	}
	if pending := sched.Pending(); len(pending) != 0 {
		t.Fatalf("expected no retry, got %v", pending)
	}
}

func TestConcurrentConnectsShareOneDial(t *testing.T) {
	fs := newFakeServer(t, drain)
	m := newTestManager(t, fs.url(), newManualScheduler(), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	if got := fs.upgrades.Load(); got != 1 {
		t.Fatalf("expected a single upgrade, got %d", got)
	}
}

func TestAbnormalCloseReconnectsWithBackoff(t *testing.T) {
	fs := newFakeServer(t, func(n int, ws *websocket.Conn) {
		if n == 1 {
			return
		}
		drain(n, ws)
	})
	sched := newManualScheduler()
	statuses := &statusLog{}
	var connected, reconnected atomic.Int32
	m := newTestManager(t, fs.url(), sched, func(o *ManagerOptions) {
		o.OnStatus = statuses.record
		o.OnConnected = func() { connected.Add(1) }
		o.OnReconnected = func() { reconnected.Add(1) }
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "reconnect to be scheduled", func() bool { return m.Status() == StatusReconnecting })

	pending := sched.Pending()
	if len(pending) != 1 || pending[0] != time.Second {
		t.Fatalf("expected a single 1s reconnect, got %v", pending)
	}

	sched.Advance(time.Second)
	if m.Status() != StatusConnected {
		t.Fatalf("expected reconnected, got %s", m.Status())
	}
	if connected.Load() != 2 || reconnected.Load() != 1 {
		t.Fatalf("unexpected callbacks: connected=%d reconnected=%d", connected.Load(), reconnected.Load())
	}
	if !statuses.seen(StatusReconnecting) {
		t.Fatal("expected reconnecting status to be reported")
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	fs := newFakeServer(t, drain)
	fs.reject.Store(http.StatusServiceUnavailable)
	sched := newManualScheduler()
	m := newTestManager(t, fs.url(), sched, nil)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected dial to fail")
	}
	backoff := DefaultBackoff()
	for attempt := 1; attempt <= backoff.MaxAttempts; attempt++ {
		pending := sched.Pending()
		if len(pending) != 1 || pending[0] != backoff.Delay(attempt) {
			t.Fatalf("attempt %d: expected delay %v, got %v", attempt, backoff.Delay(attempt), pending)
		}
		sched.Advance(pending[0])
	}
	if m.Status() != StatusFailed {
		t.Fatalf("expected failed, got %s", m.Status())
	}
	if pending := sched.Pending(); len(pending) != 0 {
		t.Fatalf("expected no further attempts, got %v", pending)
	}
	fs.mu.Lock()
	dials := len(fs.requests)
	fs.mu.Unlock()
	if dials != backoff.MaxAttempts+1 {
		t.Fatalf("expected %d dials, got %d", backoff.MaxAttempts+1, dials)
	}
}

func TestMissingPongClosesConnection(t *testing.T) {
	pings := make(chan protocol.Ping, 4)
	fs := newFakeServer(t, func(n int, ws *websocket.Conn) {
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if ev, err := protocol.DecodeEvent(raw); err == nil {
				if ping, ok := ev.(protocol.Ping); ok {
					pings <- ping
				}
			}
		}
	})
	sched := newManualScheduler()
	m := newTestManager(t, fs.url(), sched, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	sched.Advance(20 * time.Second)
	select {
	case ping := <-pings:
		if ping.Timestamp != sched.Now().UnixMilli() {
			t.Fatalf("unexpected ping timestamp %d", ping.Timestamp)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected a ping")
	}

	sched.Advance(5 * time.Second)
	waitFor(t, "reconnect after missing pong", func() bool { return m.Status() == StatusReconnecting })
}

func TestPongForAnotherPingDoesNotCount(t *testing.T) {
	fs := newFakeServer(t, func(n int, ws *websocket.Conn) {
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if ev, err := protocol.DecodeEvent(raw); err == nil {
				if ping, ok := ev.(protocol.Ping); ok {
					_ = ws.WriteJSON(protocol.Pong{Type: protocol.TypePong, Timestamp: ping.Timestamp - 1})
				}
			}
		}
	})
	sched := newManualScheduler()
	m := newTestManager(t, fs.url(), sched, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	sched.Advance(20 * time.Second)
	waitFor(t, "stale pong", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.lastPong.Equal(sched.Now())
	})
	m.mu.Lock()
	awaiting := m.awaiting
	m.mu.Unlock()
	if !awaiting {
		t.Fatal("expected a mismatched pong to leave the ping outstanding")
	}

	sched.Advance(5 * time.Second)
	waitFor(t, "reconnect after mismatched pong", func() bool { return m.Status() == StatusReconnecting })
}

func TestPongKeepsConnectionOpen(t *testing.T) {
	fs := newFakeServer(t, func(n int, ws *websocket.Conn) {
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if ev, err := protocol.DecodeEvent(raw); err == nil {
				if ping, ok := ev.(protocol.Ping); ok {
					_ = ws.WriteJSON(protocol.Pong{Type: protocol.TypePong, Timestamp: ping.Timestamp})
				}
			}
		}
	})
	sched := newManualScheduler()
	m := newTestManager(t, fs.url(), sched, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	sched.Advance(20 * time.Second)
	waitFor(t, "pong", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return !m.awaiting
	})
	sched.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if m.Status() != StatusConnected {
		t.Fatalf("expected connection to stay open, got %s", m.Status())
	}
}

func TestHealthTimeoutClosesSilentConnection(t *testing.T) {
	fs := newFakeServer(t, drain)
	sched := newManualScheduler()
	m := newTestManager(t, fs.url(), sched, func(o *ManagerOptions) {
		o.Keepalive = Keepalive{
			PingInterval:   time.Hour,
			PongTimeout:    time.Hour,
			HealthInterval: 15 * time.Second,
			HealthTimeout:  45 * time.Second,
		}
	})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		sched.Advance(15 * time.Second)
	}
	if m.Status() != StatusConnected {
		t.Fatalf("expected connection to survive 45s of silence, got %s", m.Status())
	}
	sched.Advance(15 * time.Second)
	waitFor(t, "health check to drop the connection", func() bool { return m.Status() == StatusReconnecting })
}

func TestServerPingIsAnswered(t *testing.T) {
	pongs := make(chan protocol.Pong, 1)
	fs := newFakeServer(t, func(n int, ws *websocket.Conn) {
		_ = ws.WriteJSON(protocol.Ping{Type: protocol.TypePing, Timestamp: 42})
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if ev, err := protocol.DecodeEvent(raw); err == nil {
				if pong, ok := ev.(protocol.Pong); ok {
					pongs <- pong
				}
			}
		}
	})
	m := newTestManager(t, fs.url(), newManualScheduler(), nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case pong := <-pongs:
		if pong.Timestamp != 42 {
			t.Fatalf("expected echoed timestamp, got %d", pong.Timestamp)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected a pong")
	}
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	fs := newFakeServer(t, func(n int, ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		drain(n, ws)
	})
	sched := newManualScheduler()
	m := newTestManager(t, fs.url(), sched, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "disconnect", func() bool { return m.Status() == StatusDisconnected })
	if pending := sched.Pending(); len(pending) != 0 {
		t.Fatalf("expected no reconnect, got %v", pending)
	}
}

func TestEventsReachHandlerAndSendWorks(t *testing.T) {
	received := make(chan protocol.GetFiles, 1)
	fs := newFakeServer(t, func(n int, ws *websocket.Conn) {
		_ = ws.WriteJSON(protocol.NodeDeleted{Type: protocol.TypeFileDeleted, ID: "file_1", OrganizationID: "org_1"})
		for {
			var msg protocol.GetFiles
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
	})
	events := make(chan protocol.Event, 1)
	m := newTestManager(t, fs.url(), newManualScheduler(), func(o *ManagerOptions) {
		o.OnMessage = func(ev protocol.Event) { events <- ev }
	})

	if m.Send(protocol.GetFiles{Type: protocol.TypeGetFiles}) {
		t.Fatal("expected send to fail before connecting")
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case ev := <-events:
		deleted, ok := ev.(protocol.NodeDeleted)
		if !ok || deleted.ID != "file_1" {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected an event")
	}

	if !m.Send(protocol.GetFiles{Type: protocol.TypeGetFiles, OrganizationID: "org_1"}) {
		t.Fatal("expected send to succeed")
	}
	select {
	case msg := <-received:
		if msg.OrganizationID != "org_1" {
			t.Fatalf("unexpected intent %#v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected server to receive the intent")
	}
}

func TestCloseIsFinal(t *testing.T) {
	closes := make(chan int, 1)
	fs := newFakeServer(t, func(n int, ws *websocket.Conn) {
		_, _, err := ws.ReadMessage()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			closes <- ce.Code
		}
	})
	sched := newManualScheduler()
	m := newTestManager(t, fs.url(), sched, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case code := <-closes:
		if code != websocket.CloseNormalClosure {
			t.Fatalf("expected normal closure, got %d", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected server to see a close frame")
	}
	if m.Status() != StatusClosed {
		t.Fatalf("expected closed, got %s", m.Status())
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if pending := sched.Pending(); len(pending) != 0 {
		t.Fatalf("expected timers to be cancelled, got %v", pending)
	}
}
