package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"treesync/api/internal/auth"
	"treesync/api/internal/protocol"
	"treesync/api/internal/rbac"
	"treesync/api/internal/store"
)

type wsEnv struct {
	server   *httptest.Server
	provider *auth.TokenProvider
	store    *store.MemoryStore
	service  *Service
	hub      *Hub
}

func newWSEnv(t *testing.T, opts HubOptions) *wsEnv {
	t.Helper()
	if opts.PingInterval == 0 {
		opts.PingInterval = time.Hour
	}
	env := &wsEnv{provider: auth.NewTokenProvider("test-secret"), store: store.NewMemoryStore()}
	env.service = NewService(Deps{Store: env.store, Logger: zap.NewNop()})
	env.hub = NewHub(env.service, env.provider, opts, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go env.hub.Run(ctx)
	env.server = httptest.NewServer(NewHTTPServer(env.service, env.hub, env.provider, "*", zap.NewNop()).Handler())
	t.Cleanup(func() {
		cancel()
		env.server.Close()
		env.service.Close()
	})
	return env
}

func (e *wsEnv) token(t *testing.T, userID string, role rbac.Role) string {
	t.Helper()
	token, err := e.provider.Issue(auth.Identity{UserID: userID, DisplayName: strings.ToUpper(userID[:1]) + userID[1:], Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *wsEnv) dial(t *testing.T, token, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?sessionId=" + sessionID
	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg any) {
	t.Helper()
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect reads frames until one of type want arrives and decodes it into out.
func expect(t *testing.T, ws *websocket.Conn, want protocol.Type, out any) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Type != want {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				t.Fatalf("decode %s: %v", want, err)
			}
		}
		return
	}
}

// joinOrg joins an organization and waits until the hub has processed it.
func joinOrg(t *testing.T, ws *websocket.Conn, orgID string) protocol.FilesList {
	t.Helper()
	send(t, ws, protocol.JoinOrganization{Type: protocol.TypeJoinOrganization, OrganizationID: orgID})
	send(t, ws, protocol.GetFiles{Type: protocol.TypeGetFiles, OrganizationID: orgID})
	var list protocol.FilesList
	expect(t, ws, protocol.TypeFilesList, &list)
	return list
}

func TestUpgradeRequiresCredential(t *testing.T) {
	env := newWSEnv(t, HubOptions{})
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"

	for name, header := range map[string]http.Header{
		"missing":  nil,
		"tampered": {"Authorization": {"Bearer not-a-token"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(url, header)
			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Fatalf("expected bad handshake, got %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.StatusCode)
			}
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["code"] != "UNAUTHORIZED" {
				t.Fatalf("unexpected body %v", body)
			}
		})
	}
}

func TestQueryTokenIsAccepted(t *testing.T) {
	env := newWSEnv(t, HubOptions{})
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?token=" + env.token(t, "alice", rbac.RoleEditor)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	send(t, ws, protocol.Ping{Type: protocol.TypePing, Timestamp: 7})
	var pong protocol.Pong
	expect(t, ws, protocol.TypePong, &pong)
	if pong.Timestamp != 7 {
		t.Fatalf("expected echoed timestamp, got %d", pong.Timestamp)
	}
}

func TestCollaborationRoundTrip(t *testing.T) {
	env := newWSEnv(t, HubOptions{})
	alice := env.dial(t, env.token(t, "alice", rbac.RoleEditor), "sess-alice")
	bob := env.dial(t, env.token(t, "bob", rbac.RoleEditor), "sess-bob")
	joinOrg(t, alice, "org")
	joinOrg(t, bob, "org")

	send(t, alice, protocol.CreateNode{Type: protocol.TypeCreateFile, Name: "Notes.md", Content: "v1", OrganizationID: "org"})
	var created protocol.NodeCreated
	expect(t, bob, protocol.TypeFileCreated, &created)
	if created.Path != "/Notes.md" || created.ParentID != nil || created.SessionID != "sess-alice" {
		t.Fatalf("unexpected file_created %+v", created)
	}
	expect(t, alice, protocol.TypeFileCreated, nil)

	send(t, bob, protocol.JoinFile{Type: protocol.TypeJoinFile, ID: created.ID})
	var info protocol.NodeInfo
	expect(t, bob, protocol.TypeFileInfo, &info)
	if info.Content == nil || *info.Content != "v1" || info.Version != 1 {
		t.Fatalf("unexpected snapshot %+v", info)
	}
	var roster protocol.OnlineUsers
	expect(t, bob, protocol.TypeOnlineUsers, &roster)
	if len(roster.SessionIDs) != 1 || roster.SessionIDs[0] != "sess-bob" || roster.UserNames[0] != "Bob" {
		t.Fatalf("unexpected roster %+v", roster)
	}

	content := "hello"
	send(t, alice, protocol.UpdateFile{Type: protocol.TypeUpdateFile, Path: created.ID, Content: &content, OrganizationID: "org"})
	var updated protocol.FileUpdated
	expect(t, bob, protocol.TypeFileUpdated, &updated)
	if updated.Content == nil || *updated.Content != "hello" || updated.Version != 2 {
		t.Fatalf("expected content in the room broadcast, got %+v", updated)
	}
}

func TestHubSurvivesBadFrames(t *testing.T) {
	env := newWSEnv(t, HubOptions{})
	ws := env.dial(t, env.token(t, "alice", rbac.RoleEditor), "s1")

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"launch_rockets"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"no":"type"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	send(t, ws, protocol.Ping{Type: protocol.TypePing, Timestamp: 42})

	var pong protocol.Pong
	expect(t, ws, protocol.TypePong, &pong)
	if pong.Timestamp != 42 {
		t.Fatalf("expected pong 42, got %d", pong.Timestamp)
	}
}

func TestViewerCannotMutate(t *testing.T) {
	env := newWSEnv(t, HubOptions{})
	ws := env.dial(t, env.token(t, "vera", rbac.RoleViewer), "s1")
	joinOrg(t, ws, "org")

	send(t, ws, protocol.CreateNode{Type: protocol.TypeCreateFolder, Name: "docs", OrganizationID: "org"})
	list := joinOrg(t, ws, "org")
	if len(list.Files) != 0 {
		t.Fatalf("expected viewer create to be declined, got %+v", list.Files)
	}
	nodes, _ := env.store.ListNodes(context.Background(), "org")
	if len(nodes) != 0 {
		t.Fatalf("expected nothing persisted, got %+v", nodes)
	}
}

func TestUnresponsiveSessionIsTerminated(t *testing.T) {
	env := newWSEnv(t, HubOptions{PingInterval: 20 * time.Millisecond, SessionTimeout: 60 * time.Millisecond})
	ws := env.dial(t, env.token(t, "alice", rbac.RoleEditor), "s1")

	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame protocol.Envelope
		_ = json.Unmarshal(raw, &frame)
		if frame.Type != protocol.TypePing {
			t.Fatalf("unexpected frame %s", raw)
		}
	}
}

func TestDisconnectNotifiesRoom(t *testing.T) {
	env := newWSEnv(t, HubOptions{})
	alice := env.dial(t, env.token(t, "alice", rbac.RoleEditor), "s-a")
	bob := env.dial(t, env.token(t, "bob", rbac.RoleEditor), "s-b")
	joinOrg(t, alice, "org")

	send(t, alice, protocol.CreateNode{Type: protocol.TypeCreateFile, Name: "a.md", OrganizationID: "org"})
	var created protocol.NodeCreated
	expect(t, alice, protocol.TypeFileCreated, &created)

	send(t, alice, protocol.JoinFile{Type: protocol.TypeJoinFile, ID: created.ID})
	expect(t, alice, protocol.TypeOnlineUsers, nil)
	send(t, bob, protocol.JoinFile{Type: protocol.TypeJoinFile, ID: created.ID})
	expect(t, bob, protocol.TypeOnlineUsers, nil)
	expect(t, alice, protocol.TypeUserJoined, nil)

	_ = bob.Close()

	var left protocol.UserLeft
	expect(t, alice, protocol.TypeUserLeft, &left)
	if left.SessionID != "s-b" || left.UserID != "bob" {
		t.Fatalf("unexpected user_left %+v", left)
	}
}

func TestSessionIDOfAnotherUserIsNotTakenOver(t *testing.T) {
	env := newWSEnv(t, HubOptions{})
	alice := env.dial(t, env.token(t, "alice", rbac.RoleEditor), "s-shared")
	joinOrg(t, alice, "org")
	bob := env.dial(t, env.token(t, "bob", rbac.RoleEditor), "s-shared")
	joinOrg(t, bob, "org")

	send(t, bob, protocol.CreateNode{Type: protocol.TypeCreateFile, Name: "b.md", OrganizationID: "org"})
	var created protocol.NodeCreated
	expect(t, alice, protocol.TypeFileCreated, &created)
	if created.SessionID == "" || created.SessionID == "s-shared" {
		t.Fatalf("expected bob to get his own session id, got %q", created.SessionID)
	}

	list := joinOrg(t, alice, "org")
	if len(list.Files) != 1 {
		t.Fatalf("expected alice's connection to keep working, got %+v", list)
	}
	if env.hub.Sessions() != 2 {
		t.Fatalf("expected 2 sessions, got %d", env.hub.Sessions())
	}
}

func TestSameUserReconnectReplacesSession(t *testing.T) {
	env := newWSEnv(t, HubOptions{})
	token := env.token(t, "alice", rbac.RoleEditor)
	first := env.dial(t, token, "s-a")
	joinOrg(t, first, "org")
	second := env.dial(t, token, "s-a")
	joinOrg(t, second, "org")

	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Fatalf("expected going away close, got %v", err)
			}
			break
		}
	}
	if env.hub.Sessions() != 1 {
		t.Fatalf("expected 1 session, got %d", env.hub.Sessions())
	}
}
