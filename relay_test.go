package whatsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeController struct {
	state    ConnState
	qr       string
	user     *UserInfo
	sendErr  error
	sendMsg  *Message
	disconns chan struct{}
}

func (c *fakeController) Snapshot() (ConnState, string, *UserInfo) {
	return c.state, c.qr, c.user
}

func (c *fakeController) Send(context.Context, string, string) (*Message, error) {
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	return c.sendMsg, nil
}

func (c *fakeController) Disconnect(context.Context) error {
	if c.disconns != nil {
		c.disconns <- struct{}{}
	}
	return nil
}

func startRelay(t *testing.T, ctrl Controller, store *ChatStore) (*Relay, *httptest.Server) {
	t.Helper()
	relay := NewRelay(store)
	relay.Bind(ctrl)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		relay.Serve(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return relay, srv
}

func dialRelay(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("bad frame %q: %v", data, err)
	}
	return env
}

func writeCommand(t *testing.T, conn *websocket.Conn, cmdType string, payload interface{}) {
	t.Helper()
	frame, err := marshalEnvelope(cmdType, payload)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// ============================================================================
// Attach snapshot
// ============================================================================

func TestRelaySnapshotOnAttach(t *testing.T) {
	t.Run("disconnected pushes status only", func(t *testing.T) {
		_, srv := startRelay(t, &fakeController{state: StateDisconnected}, NewChatStore())
		conn := dialRelay(t, srv)

		env := readEnvelope(t, conn)
		if env.Type != EvtConnectionStatus {
			t.Fatalf("expected %s first, got %s", EvtConnectionStatus, env.Type)
		}
		var state ConnState
		json.Unmarshal(env.Payload, &state)
		if state != StateDisconnected {
			t.Fatalf("unexpected state %q", state)
		}
	})

	t.Run("pending pairing pushes the qr", func(t *testing.T) {
		_, srv := startRelay(t, &fakeController{state: StateQR, qr: "data:image/png;base64,AAAA"}, NewChatStore())
		conn := dialRelay(t, srv)

		if env := readEnvelope(t, conn); env.Type != EvtConnectionStatus {
			t.Fatalf("expected status first, got %s", env.Type)
		}
		env := readEnvelope(t, conn)
		if env.Type != EvtQR {
			t.Fatalf("expected %s, got %s", EvtQR, env.Type)
		}
	})

	t.Run("open session pushes the identity", func(t *testing.T) {
		ctrl := &fakeController{state: StateConnected, user: &UserInfo{ID: "me@s.whatsapp.net", Name: "Conta"}}
		_, srv := startRelay(t, ctrl, NewChatStore())
		conn := dialRelay(t, srv)

		readEnvelope(t, conn) // status
		env := readEnvelope(t, conn)
		if env.Type != EvtUserInfo {
			t.Fatalf("expected %s, got %s", EvtUserInfo, env.Type)
		}
		var user UserInfo
		json.Unmarshal(env.Payload, &user)
		if user.Name != "Conta" {
			t.Fatalf("unexpected user %+v", user)
		}
	})
}

// ============================================================================
// Commands
// ============================================================================

func TestRelayCommands(t *testing.T) {
	seedStore := func() *ChatStore {
		s := NewChatStore()
		s.ApplyMessages("append", []RawMessage{
			textMessage("5511999990000@s.whatsapp.net", "m1", "oi", false, 1700000000),
			textMessage("5511999990000@s.whatsapp.net", "m2", "tudo bem?", false, 1700000100),
		})
		return s
	}

	t.Run("get-chats answers with the chat list", func(t *testing.T) {
		_, srv := startRelay(t, &fakeController{state: StateDisconnected}, seedStore())
		conn := dialRelay(t, srv)
		readEnvelope(t, conn) // snapshot status

		writeCommand(t, conn, CmdGetChats, nil)
		env := readEnvelope(t, conn)
		if env.Type != EvtChatsList {
			t.Fatalf("expected %s, got %s", EvtChatsList, env.Type)
		}
		var chats []Chat
		json.Unmarshal(env.Payload, &chats)
		if len(chats) != 1 || chats[0].JID != "5511999990000@s.whatsapp.net" {
			t.Fatalf("unexpected chats %+v", chats)
		}
	})

	t.Run("get-messages answers with the page", func(t *testing.T) {
		_, srv := startRelay(t, &fakeController{state: StateDisconnected}, seedStore())
		conn := dialRelay(t, srv)
		readEnvelope(t, conn)

		writeCommand(t, conn, CmdGetMessages, map[string]string{"jid": "5511999990000@s.whatsapp.net"})
		env := readEnvelope(t, conn)
		if env.Type != EvtChatMessages {
			t.Fatalf("expected %s, got %s", EvtChatMessages, env.Type)
		}
		var reply ChatMessagesReply
		json.Unmarshal(env.Payload, &reply)
		if len(reply.Messages) != 2 || reply.Messages[1].Text != "tudo bem?" {
			t.Fatalf("unexpected reply %+v", reply)
		}
	})

	t.Run("open-chat normalizes the phone and replies to the requester only", func(t *testing.T) {
		relay, srv := startRelay(t, &fakeController{state: StateDisconnected}, seedStore())
		a := dialRelay(t, srv)
		b := dialRelay(t, srv)
		readEnvelope(t, a)
		readEnvelope(t, b)

		writeCommand(t, a, CmdOpenChat, map[string]string{"phone": "+55 (11) 99999-0000"})
		env := readEnvelope(t, a)
		if env.Type != EvtChatOpened {
			t.Fatalf("expected %s, got %s", EvtChatOpened, env.Type)
		}
		var reply ChatOpenedReply
		json.Unmarshal(env.Payload, &reply)
		if reply.JID != "5511999990000@s.whatsapp.net" {
			t.Fatalf("unexpected jid %q", reply.JID)
		}
		if len(reply.Messages) != 2 {
			t.Fatalf("expected conversation history, got %d messages", len(reply.Messages))
		}

		// A broadcast after the reply reaches both; if b had received the
		// chat-opened reply, it would arrive before this frame.
		relay.Broadcast(EvtNewMessage, &Message{ID: "m3", Text: "broadcast"})
		if env := readEnvelope(t, b); env.Type != EvtNewMessage {
			t.Fatalf("session b should only see the broadcast, got %s", env.Type)
		}
		// a receives it too, after its private reply.
		if env := readEnvelope(t, a); env.Type != EvtNewMessage {
			t.Fatalf("session a should also see the broadcast, got %s", env.Type)
		}
	})

	t.Run("send failure goes only to the requester", func(t *testing.T) {
		ctrl := &fakeController{state: StateDisconnected, sendErr: errors.New("WhatsApp não está conectado")}
		_, srv := startRelay(t, ctrl, NewChatStore())
		conn := dialRelay(t, srv)
		readEnvelope(t, conn)

		writeCommand(t, conn, CmdSendMessage, map[string]string{"jid": "5511999990000", "text": "oi"})
		env := readEnvelope(t, conn)
		if env.Type != EvtSendError {
			t.Fatalf("expected %s, got %s", EvtSendError, env.Type)
		}
		var msg string
		json.Unmarshal(env.Payload, &msg)
		if msg != "WhatsApp não está conectado" {
			t.Fatalf("unexpected error payload %q", msg)
		}
	})

	t.Run("disconnect reaches the controller", func(t *testing.T) {
		ctrl := &fakeController{state: StateConnected, user: &UserInfo{Name: "Conta"}, disconns: make(chan struct{}, 1)}
		_, srv := startRelay(t, ctrl, NewChatStore())
		conn := dialRelay(t, srv)
		readEnvelope(t, conn) // status
		readEnvelope(t, conn) // user-info

		writeCommand(t, conn, CmdDisconnect, nil)
		select {
		case <-ctrl.disconns:
		case <-time.After(5 * time.Second):
			t.Fatal("disconnect command never reached the controller")
		}
	})
}

// ============================================================================
// Fan-out
// ============================================================================

func TestRelayBroadcast(t *testing.T) {
	relay, srv := startRelay(t, &fakeController{state: StateDisconnected}, NewChatStore())
	a := dialRelay(t, srv)
	b := dialRelay(t, srv)
	readEnvelope(t, a)
	readEnvelope(t, b)

	if relay.SessionCount() != 2 {
		t.Fatalf("expected 2 sessions, got %d", relay.SessionCount())
	}

	relay.Broadcast(EvtConnectionStatus, StateConnected)
	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		if env.Type != EvtConnectionStatus {
			t.Fatalf("expected broadcast status, got %s", env.Type)
		}
	}
}

func TestRelayDropsStuckSession(t *testing.T) {
	relay, srv := startRelay(t, &fakeController{state: StateDisconnected}, NewChatStore())
	healthy := dialRelay(t, srv)
	readEnvelope(t, healthy)

	idle := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Read(r.Context())
	}))
	t.Cleanup(idle.Close)

	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stuckConn, _, err := websocket.Dial(dialCtx, "ws"+strings.TrimPrefix(idle.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	// A session with a tiny queue and no writer goroutine: the first
	// broadcast fills the queue, the second overflows it.
	stuck := &session{id: "stuck", conn: stuckConn, out: make(chan []byte, 1), done: make(chan struct{})}
	relay.mu.Lock()
	relay.sessions[stuck] = struct{}{}
	relay.mu.Unlock()

	relay.Broadcast(EvtConnectionStatus, StateConnected)
	relay.Broadcast(EvtConnectionStatus, StateConnected)

	if got := relay.SessionCount(); got != 1 {
		t.Fatalf("expected the stuck session dropped, %d sessions left", got)
	}
	select {
	case <-stuck.done:
	default:
		t.Fatal("dropped session must be closed")
	}
	for i := 0; i < 2; i++ {
		if env := readEnvelope(t, healthy); env.Type != EvtConnectionStatus {
			t.Fatalf("healthy session missed a broadcast, got %s", env.Type)
		}
	}
}
