package whatsbridge

import (
	"encoding/json"
	"strings"
)

// ============================================================================
// Connection state
// ============================================================================

// ConnState is the bridge's single process-wide connection state. Only the
// Manager mutates it; everything else reads snapshots.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateQR           ConnState = "qr"
	StateConnected    ConnState = "connected"
)

// ReasonLoggedOut is the closure code meaning the session credentials were
// invalidated by the network. Any other code is treated as transient.
const ReasonLoggedOut = 401

// UserInfo identifies the local WhatsApp account once the session is open.
type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ============================================================================
// Canonical records
// ============================================================================

// Chat is the wire shape of one conversation as shown to UI sessions.
type Chat struct {
	JID         string `json:"jid"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	IsGroup     bool   `json:"isGroup"`
	UnreadCount int    `json:"unreadCount"`
	LastMessage string `json:"lastMessage"`
	Timestamp   int64  `json:"timestamp"` // epoch millis
}

// Message is the canonical display record produced by Normalize.
type Message struct {
	ID        string `json:"id"`
	JID       string `json:"jid"`
	Phone     string `json:"phone"`
	IsGroup   bool   `json:"isGroup"`
	FromMe    bool   `json:"fromMe"`
	PushName  string `json:"pushName"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // epoch millis
}

// ============================================================================
// Raw gateway payloads
// ============================================================================

// MessageKey addresses a message. IDs are unique only within a conversation.
type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// RawMessage is the heterogeneous inbound message payload as delivered by the
// messaging network, before normalization.
type RawMessage struct {
	Key       MessageKey      `json:"key"`
	PushName  string          `json:"pushName,omitempty"`
	Timestamp int64           `json:"messageTimestamp,omitempty"` // epoch seconds
	Content   *MessageContent `json:"message,omitempty"`
}

// MessageContent holds at most one of the recognized payload kinds. Unset
// fields mean the kind was not present.
type MessageContent struct {
	Conversation string              `json:"conversation,omitempty"`
	ExtendedText *ExtendedText       `json:"extendedTextMessage,omitempty"`
	Image        *MediaAttachment    `json:"imageMessage,omitempty"`
	Video        *MediaAttachment    `json:"videoMessage,omitempty"`
	Audio        *MediaAttachment    `json:"audioMessage,omitempty"`
	Document     *DocumentAttachment `json:"documentMessage,omitempty"`
	Sticker      *MediaAttachment    `json:"stickerMessage,omitempty"`
	Contact      *ContactCard        `json:"contactMessage,omitempty"`
	Location     *LocationPin        `json:"locationMessage,omitempty"`
}

type ExtendedText struct {
	Text string `json:"text"`
}

type MediaAttachment struct {
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

type DocumentAttachment struct {
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

type ContactCard struct {
	DisplayName string `json:"displayName,omitempty"`
	VCard       string `json:"vcard,omitempty"`
}

type LocationPin struct {
	Latitude  float64 `json:"degreesLatitude,omitempty"`
	Longitude float64 `json:"degreesLongitude,omitempty"`
}

// ChatEvent is one conversation item inside a chats.set/upsert/update event.
// UnreadCount is a pointer so merges can tell "absent" from zero.
type ChatEvent struct {
	ID                    string `json:"id"`
	Name                  string `json:"name,omitempty"`
	Notify                string `json:"notify,omitempty"`
	ConversationTimestamp int64  `json:"conversationTimestamp,omitempty"` // epoch seconds
	UnreadCount           *int   `json:"unreadCount,omitempty"`
}

// ContactEvent is one contact item inside a contacts.set/upsert event.
type ContactEvent struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Notify string `json:"notify,omitempty"`
}

// ============================================================================
// Relay wire format
// ============================================================================

// Envelope is the wire format for every event and command crossing the
// UI-facing channel, in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Server-to-UI event names.
const (
	EvtConnectionStatus = "connection-status"
	EvtQR               = "qr"
	EvtUserInfo         = "user-info"
	EvtNewMessage       = "new-message"
	EvtChatsList        = "chats-list"
	EvtChatMessages     = "chat-messages"
	EvtChatOpened       = "chat-opened"
	EvtSendError        = "send-error"
	EvtLeadAdvanced     = "lead-advanced"
)

// UI-to-server command names.
const (
	CmdGetChats    = "get-chats"
	CmdGetMessages = "get-messages"
	CmdSendMessage = "send-message"
	CmdOpenChat    = "open-chat"
	CmdDisconnect  = "disconnect-whatsapp"
)

// ChatMessagesReply answers a get-messages request.
type ChatMessagesReply struct {
	JID      string    `json:"jid"`
	Messages []Message `json:"messages"`
}

// ChatOpenedReply answers an open-chat request.
type ChatOpenedReply struct {
	JID      string    `json:"jid"`
	Phone    string    `json:"phone"`
	Messages []Message `json:"messages"`
}

// ============================================================================
// JID helpers
// ============================================================================

const (
	userSuffix   = "@s.whatsapp.net"
	groupSuffix  = "@g.us"
	broadcastJID = "status@broadcast"
)

// CanonicalJID appends the individual-user suffix when the target has none.
func CanonicalJID(target string) string {
	if strings.Contains(target, "@") {
		return target
	}
	return target + userSuffix
}

// PhoneFromJID strips the network suffixes, leaving the bare number (or group
// identifier).
func PhoneFromJID(jid string) string {
	jid = strings.TrimSuffix(jid, userSuffix)
	return strings.TrimSuffix(jid, groupSuffix)
}

// IsGroupJID reports whether a jid addresses a group conversation.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, groupSuffix)
}

// DigitsOnly keeps only the digit characters of a phone number.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
