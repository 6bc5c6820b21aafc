package whatsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// handshakeTimeout bounds the dial + session resume exchange. When it
// elapses the network layer signals closure like any other disconnect.
const handshakeTimeout = 60 * time.Second

// ============================================================================
// Gateway events
// ============================================================================

// Event is a typed event produced by the gateway's read loop.
type Event interface{ gatewayEvent() }

// ConnectionUpdate reports connection lifecycle: a rotated pairing code, the
// session opening (with local identity), or closure with a reason code.
type ConnectionUpdate struct {
	Connection string // "", "open" or "close"
	QR         string
	Reason     int
	User       *UserInfo
}

// CredsUpdate carries session credential material to persist. A nil value
// means the key was invalidated and should be deleted.
type CredsUpdate struct {
	Updates map[string][]byte
}

// ChatsSet is the bulk replace event.
type ChatsSet struct {
	Chats    []ChatEvent
	IsLatest bool
}

// ChatsUpsert merges or inserts conversations.
type ChatsUpsert struct {
	Chats []ChatEvent
}

// ChatsUpdate merges onto known conversations only.
type ChatsUpdate struct {
	Chats []ChatEvent
}

// ContactsUpsert merges contact display names.
type ContactsUpsert struct {
	Contacts []ContactEvent
}

// MessagesUpsert is a message batch; Kind distinguishes live notifies from
// history chunks.
type MessagesUpsert struct {
	Kind     string
	Messages []RawMessage
}

func (ConnectionUpdate) gatewayEvent() {}
func (CredsUpdate) gatewayEvent()      {}
func (ChatsSet) gatewayEvent()         {}
func (ChatsUpsert) gatewayEvent()      {}
func (ChatsUpdate) gatewayEvent()      {}
func (ContactsUpsert) gatewayEvent()   {}
func (MessagesUpsert) gatewayEvent()   {}

// Gateway is the single outbound connection to the messaging network.
// Connect resumes (or starts pairing for) a session with the given credential
// blobs and returns the event stream; the stream always ends with a
// ConnectionUpdate{Connection: "close"} before the channel closes.
type Gateway interface {
	Connect(ctx context.Context, creds map[string][]byte) (<-chan Event, error)
	Send(ctx context.Context, jid, text string) (*RawMessage, error)
	Logout(ctx context.Context) error
}

// ============================================================================
// Wire shapes
// ============================================================================

type gatewayCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

type connectionUpdatePayload struct {
	Connection string    `json:"connection,omitempty"`
	QR         string    `json:"qr,omitempty"`
	Reason     int       `json:"reason,omitempty"`
	User       *UserInfo `json:"user,omitempty"`
}

type chatsSetPayload struct {
	Chats    []ChatEvent `json:"chats"`
	IsLatest bool        `json:"isLatest,omitempty"`
}

type chatsPayload struct {
	Chats []ChatEvent `json:"chats"`
}

type contactsPayload struct {
	Contacts []ContactEvent `json:"contacts"`
}

type messagesPayload struct {
	Type     string       `json:"type"`
	Messages []RawMessage `json:"messages"`
}

type sendPayload struct {
	JID  string `json:"jid"`
	Text string `json:"text"`
}

type sendReply struct {
	RequestID string      `json:"requestId"`
	Message   *RawMessage `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// ============================================================================
// WSGateway
// ============================================================================

// WSGateway speaks the bridge's envelope protocol to a WhatsApp gateway
// endpoint over a websocket. One Connect maps to one network session; the
// Manager re-dials on closure.
type WSGateway struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan sendReply
	seq     int
}

func NewWSGateway(url string) *WSGateway {
	return &WSGateway{
		url:     url,
		pending: make(map[string]chan sendReply),
	}
}

func (g *WSGateway) Connect(ctx context.Context, creds map[string][]byte) (<-chan Event, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, g.url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway dial: %w", err)
	}

	init := gatewayCommand{
		Type:    "init",
		Payload: map[string]interface{}{"creds": MarshalCredentialBatch(creds)},
	}
	data, err := json.Marshal(init)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}
	if err := conn.Write(dialCtx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("gateway init: %w", err)
	}

	events := make(chan Event, 64)
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	go g.readLoop(ctx, conn, events)
	return events, nil
}

func (g *WSGateway) readLoop(ctx context.Context, conn *websocket.Conn, events chan Event) {
	closeReason := 0
	defer func() {
		events <- ConnectionUpdate{Connection: "close", Reason: closeReason}
		close(events)
		g.mu.Lock()
		if g.conn == conn {
			g.conn = nil
		}
		g.mu.Unlock()
		g.failPending()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				closeReason = int(status)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "connection.update":
			var p connectionUpdatePayload
			if json.Unmarshal(env.Payload, &p) != nil {
				continue
			}
			if p.Connection == "close" {
				closeReason = p.Reason
				return
			}
			events <- ConnectionUpdate{Connection: p.Connection, QR: p.QR, User: p.User}
		case "creds.update":
			updates, err := UnmarshalCredentialBatch(env.Payload)
			if err != nil {
				continue
			}
			events <- CredsUpdate{Updates: updates}
		case "chats.set":
			var p chatsSetPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				events <- ChatsSet{Chats: p.Chats, IsLatest: p.IsLatest}
			}
		case "chats.upsert":
			var p chatsPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				events <- ChatsUpsert{Chats: p.Chats}
			}
		case "chats.update":
			var p chatsPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				events <- ChatsUpdate{Chats: p.Chats}
			}
		case "contacts.set", "contacts.upsert":
			var p contactsPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				events <- ContactsUpsert{Contacts: p.Contacts}
			}
		case "messages.upsert":
			var p messagesPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				events <- MessagesUpsert{Kind: p.Type, Messages: p.Messages}
			}
		case "message.sent", "message.error":
			var p sendReply
			if json.Unmarshal(env.Payload, &p) == nil {
				g.resolvePending(p)
			}
		}
	}
}

// Send dispatches an outbound text and waits for the network's acknowledgment
// carrying the resulting message record.
func (g *WSGateway) Send(ctx context.Context, jid, text string) (*RawMessage, error) {
	g.mu.Lock()
	conn := g.conn
	g.seq++
	requestID := fmt.Sprintf("send-%d", g.seq)
	g.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	ch := make(chan sendReply, 1)
	g.mu.Lock()
	g.pending[requestID] = ch
	g.mu.Unlock()

	cmd := gatewayCommand{
		Type:      "message.send",
		Payload:   sendPayload{JID: jid, Text: text},
		RequestID: requestID,
	}
	data, err := json.Marshal(cmd)
	if err == nil {
		err = conn.Write(ctx, websocket.MessageText, data)
	}
	if err != nil {
		g.mu.Lock()
		delete(g.pending, requestID)
		g.mu.Unlock()
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		if reply.Error != "" {
			return nil, fmt.Errorf("%s", reply.Error)
		}
		if reply.Message == nil {
			return nil, fmt.Errorf("empty send acknowledgment")
		}
		return reply.Message, nil
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.pending, requestID)
		g.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Logout asks the network to invalidate the session. The gateway answers with
// a logged-out closure, which feeds the normal closure path.
func (g *WSGateway) Logout(ctx context.Context) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(gatewayCommand{Type: "logout"})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (g *WSGateway) resolvePending(reply sendReply) {
	g.mu.Lock()
	ch, ok := g.pending[reply.RequestID]
	if ok {
		delete(g.pending, reply.RequestID)
	}
	g.mu.Unlock()
	if ok {
		ch <- reply
	}
}

func (g *WSGateway) failPending() {
	g.mu.Lock()
	for id, ch := range g.pending {
		close(ch)
		delete(g.pending, id)
	}
	g.mu.Unlock()
}
