package realtime_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"monitorhub/internal/auth"
	"monitorhub/internal/clientip"
	"monitorhub/internal/directory"
	"monitorhub/internal/models"
	"monitorhub/internal/observability/metrics"
	"monitorhub/internal/realtime"
	"monitorhub/internal/settings"
	"monitorhub/internal/storage"
)

type fixture struct {
	hub    *realtime.Hub
	server *httptest.Server
	store  *storage.JSONStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := storage.NewJSONStore(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	ctx := context.Background()
	for _, user := range []models.User{
		{ID: "1", Username: "alice", Active: true},
		{ID: "2", Username: "bob", Active: true},
	} {
		if err := store.UpsertUser(ctx, user); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
		hashed, _ := auth.HashSessionToken("token-" + user.ID)
		if err := store.PutSession(ctx, models.Session{TokenHash: hashed, UserID: user.ID}); err != nil {
			t.Fatalf("PutSession: %v", err)
		}
	}
	for _, monitor := range []models.Monitor{
		{ID: "1", UserID: "1", Name: "b", Weight: 5},
		{ID: "2", UserID: "1", Name: "a", Weight: 5},
		{ID: "3", UserID: "1", Name: "c", Weight: 9},
		{ID: "4", UserID: "2", Name: "z", Weight: 1},
	} {
		if err := store.UpsertMonitor(ctx, monitor); err != nil {
			t.Fatalf("UpsertMonitor: %v", err)
		}
	}

	recorder := metrics.New()
	hub := realtime.NewHub(realtime.HubConfig{
		Directory:         directory.NewQuery(store, recorder),
		Authenticator:     auth.NewAuthenticator(store),
		Resolver:          clientip.NewResolver(settings.NewStore(store), nil),
		Metrics:           recorder,
		HeartbeatInterval: time.Second,
	})
	server := httptest.NewServer(http.HandlerFunc(hub.HandleConnection))
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return fixture{hub: hub, server: server, store: store}
}

func (f fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(f.server.URL, "http", "ws", 1) + "/?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) realtime.Envelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	var env realtime.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

// objectKeys lists the keys of a JSON object in encoded order.
func objectKeys(t *testing.T, raw json.RawMessage) []string {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		t.Fatalf("expected object, got %s", raw)
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			t.Fatalf("value: %v", err)
		}
	}
	return keys
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestConnectReceivesOrderedMonitorList(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "token-1")

	env := readEnvelope(t, conn)
	if env.Event != realtime.EventMonitorList {
		t.Fatalf("expected %s on connect, got %s", realtime.EventMonitorList, env.Event)
	}
	if got, want := objectKeys(t, env.Data), []string{"3", "2", "1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected keys %v, got %v", want, got)
	}

	var byID map[string]map[string]any
	if err := json.Unmarshal(env.Data, &byID); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if byID["3"]["name"] != "c" {
		t.Fatalf("unexpected monitor 3: %v", byID["3"])
	}
	if _, ok := byID["4"]; ok {
		t.Fatalf("list leaked another user's monitor")
	}
}

func TestGetMonitorListCommandFansOutToRoom(t *testing.T) {
	f := newFixture(t)
	alice1 := f.dial(t, "token-1")
	readEnvelope(t, alice1)
	// A second socket's connect list reaches the whole room.
	alice2 := f.dial(t, "token-1")
	readEnvelope(t, alice2)
	readEnvelope(t, alice1)
	bob := f.dial(t, "token-2")
	readEnvelope(t, bob)

	if err := f.store.UpsertMonitor(context.Background(), models.Monitor{ID: "5", UserID: "1", Name: "d", Weight: 10}); err != nil {
		t.Fatalf("UpsertMonitor: %v", err)
	}
	if err := alice1.WriteJSON(realtime.Envelope{Event: realtime.CommandGetMonitorList}); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, conn := range []*websocket.Conn{alice1, alice2} {
		env := readEnvelope(t, conn)
		if got := objectKeys(t, env.Data); len(got) != 4 || got[0] != "5" {
			t.Fatalf("expected refreshed list led by 5, got %v", got)
		}
	}

	_ = bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, payload, err := bob.ReadMessage(); err == nil {
		t.Fatalf("bob must not receive alice's list, got %s", payload)
	}
}

func TestUnknownCommandAnswersError(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "token-1")
	readEnvelope(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"dance"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if env := readEnvelope(t, conn); env.Event != realtime.EventError {
		t.Fatalf("expected error event, got %s", env.Event)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if env := readEnvelope(t, conn); env.Event != realtime.EventError {
		t.Fatalf("expected error event, got %s", env.Event)
	}
}

func TestRejectsMissingOrUnknownToken(t *testing.T) {
	f := newFixture(t)
	url := strings.Replace(f.server.URL, "http", "ws", 1)
	for _, suffix := range []string{"/", "/?token=nope"} {
		_, resp, err := websocket.DefaultDialer.Dial(url+suffix, nil)
		if err == nil {
			t.Fatalf("expected handshake failure for %s", suffix)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s, got %+v", suffix, resp)
		}
	}
}

func TestConnectionUsesAuthenticatedUserFromContext(t *testing.T) {
	f := newFixture(t)
	authenticator := auth.NewAuthenticator(f.store)
	server := httptest.NewServer(authenticator.Require(http.HandlerFunc(f.hub.HandleConnection)))
	t.Cleanup(server.Close)

	url := strings.Replace(server.URL, "http", "ws", 1) + "/?token=token-2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	env := readEnvelope(t, conn)
	if got, want := objectKeys(t, env.Data), []string{"4"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected bob's list %v, got %v", want, got)
	}

	_, resp, err := websocket.DefaultDialer.Dial(strings.Replace(server.URL, "http", "ws", 1)+"/", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected middleware to reject a missing token, got %v %+v", err, resp)
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "token-1")
	readEnvelope(t, conn)
	if f.hub.Registry().Members("1") != 1 {
		t.Fatalf("expected one member in room 1")
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = conn.Close()

	waitUntil(t, 2*time.Second, func() bool {
		return f.hub.Sessions() == 0 && f.hub.Registry().Members("1") == 0
	})

	if _, err := f.hub.NotifyUser(context.Background(), "1"); err != nil {
		t.Fatalf("NotifyUser after disconnect: %v", err)
	}
}
