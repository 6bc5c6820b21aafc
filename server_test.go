package whatsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func newTestServer(t *testing.T) (*Server, *Manager, *httptest.Server) {
	t.Helper()
	store := NewChatStore()
	relay := NewRelay(store)
	mgr := NewManager(newFakeGateway(), newMemCredStore(), store, relay)
	relay.Bind(mgr)
	server := NewServer(relay, mgr, "Local")

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return server, mgr, srv
}

func TestServerRoutes(t *testing.T) {
	t.Run("root banner", func(t *testing.T) {
		_, _, srv := newTestServer(t)
		resp, err := http.Get(srv.URL + "/")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status %d", resp.StatusCode)
		}
	})

	t.Run("unknown path is not found", func(t *testing.T) {
		_, _, srv := newTestServer(t)
		resp, err := http.Get(srv.URL + "/nope")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("status while disconnected", func(t *testing.T) {
		_, _, srv := newTestServer(t)
		resp, err := http.Get(srv.URL + "/status")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		defer resp.Body.Close()

		var reply StatusReply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if reply.Status != StateDisconnected {
			t.Fatalf("unexpected status %q", reply.Status)
		}
		if reply.User != nil {
			t.Fatal("user must be omitted while disconnected")
		}
		if reply.Mode != "Local" {
			t.Fatalf("unexpected mode %q", reply.Mode)
		}
	})

	t.Run("status while connected includes the account", func(t *testing.T) {
		_, mgr, srv := newTestServer(t)
		mgr.handleOpen(&UserInfo{ID: "me@s.whatsapp.net", Name: "Conta"})

		resp, err := http.Get(srv.URL + "/status")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		defer resp.Body.Close()

		var reply StatusReply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if reply.Status != StateConnected {
			t.Fatalf("unexpected status %q", reply.Status)
		}
		if reply.User == nil || reply.User.Name != "Conta" {
			t.Fatalf("unexpected user %+v", reply.User)
		}
	})

	t.Run("websocket endpoint attaches a session", func(t *testing.T) {
		_, _, srv := newTestServer(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		env := readEnvelope(t, conn)
		if env.Type != EvtConnectionStatus {
			t.Fatalf("expected snapshot status, got %s", env.Type)
		}
	})
}
