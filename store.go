package whatsbridge

import (
	"sort"
	"sync"
)

// Cache bounds. Messages are capped per conversation with FIFO eviction;
// chat listings are paged at a fixed size.
const (
	messageCap   = 100
	chatPageSize = 100
	messagePage  = 50
)

type chatRecord struct {
	ID                    string
	Name                  string
	Notify                string
	ConversationTimestamp int64 // epoch seconds
	UnreadCount           int
	LastMessage           *RawMessage
}

// ChatStore is the in-memory event-sourced conversation cache. It reconciles
// the four inbound event categories into a consistent per-conversation view.
// All methods are goroutine-safe; reads return copies, so a snapshot never
// observes a half-applied update.
type ChatStore struct {
	mu       sync.RWMutex
	chats    map[string]*chatRecord
	messages map[string][]RawMessage
	contacts map[string]ContactEvent
}

func NewChatStore() *ChatStore {
	return &ChatStore{
		chats:    make(map[string]*chatRecord),
		messages: make(map[string][]RawMessage),
		contacts: make(map[string]ContactEvent),
	}
}

// ============================================================================
// Event appliers
// ============================================================================

// ApplyChatsSet handles a bulk replace: with isLatest set, the whole
// conversation set is cleared before inserting.
func (s *ChatStore) ApplyChatsSet(chats []ChatEvent, isLatest bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isLatest {
		s.chats = make(map[string]*chatRecord)
	}
	for _, c := range chats {
		s.mergeLocked(c, true)
	}
}

// ApplyChatsUpsert merges each item onto the existing conversation, inserting
// when the identifier is new.
func (s *ChatStore) ApplyChatsUpsert(chats []ChatEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chats {
		s.mergeLocked(c, true)
	}
}

// ApplyChatsUpdate merges onto existing conversations only. Unknown
// identifiers are silently ignored; an update never creates a conversation.
func (s *ChatStore) ApplyChatsUpdate(chats []ChatEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chats {
		s.mergeLocked(c, false)
	}
}

// mergeLocked is field-wise last-write-wins: fields present on the event
// overwrite, absent fields keep their previous value.
func (s *ChatStore) mergeLocked(c ChatEvent, create bool) {
	if c.ID == "" {
		return
	}
	rec, ok := s.chats[c.ID]
	if !ok {
		if !create {
			return
		}
		rec = &chatRecord{ID: c.ID}
		s.chats[c.ID] = rec
	}
	if c.Name != "" {
		rec.Name = c.Name
	}
	if c.Notify != "" {
		rec.Notify = c.Notify
	}
	if c.ConversationTimestamp != 0 {
		rec.ConversationTimestamp = c.ConversationTimestamp
	}
	if c.UnreadCount != nil {
		rec.UnreadCount = *c.UnreadCount
	}
}

// ApplyContactsUpsert records contact display names; they back chat names
// when the chat itself carries none.
func (s *ChatStore) ApplyContactsUpsert(contacts []ContactEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contacts {
		if c.ID == "" {
			continue
		}
		existing := s.contacts[c.ID]
		existing.ID = c.ID
		if c.Name != "" {
			existing.Name = c.Name
		}
		if c.Notify != "" {
			existing.Notify = c.Notify
		}
		s.contacts[c.ID] = existing
	}
}

// ApplyMessages handles a message batch. Only the append/notify subtypes are
// stored; anything else (history sync chunks, edits) is ignored. Duplicate
// ids within a conversation are dropped. Accepted messages update the parent
// conversation's last-message summary, activity timestamp and unread counter,
// creating a minimal stub when the conversation is unknown.
func (s *ChatStore) ApplyMessages(kind string, msgs []RawMessage) []RawMessage {
	if kind != "append" && kind != "notify" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var accepted []RawMessage
	for i := range msgs {
		msg := msgs[i]
		jid := msg.Key.RemoteJID
		if jid == "" {
			continue
		}

		list := s.messages[jid]
		if containsID(list, msg.Key.ID) {
			continue
		}
		list = append(list, msg)
		if len(list) > messageCap {
			list = list[len(list)-messageCap:]
		}
		s.messages[jid] = list
		accepted = append(accepted, msg)

		rec, ok := s.chats[jid]
		if !ok {
			rec = &chatRecord{ID: jid}
			s.chats[jid] = rec
		}
		rec.LastMessage = &msg
		if msg.Timestamp != 0 {
			rec.ConversationTimestamp = msg.Timestamp
		}
		if !msg.Key.FromMe {
			rec.UnreadCount++
		}
	}
	return accepted
}

func containsID(list []RawMessage, id string) bool {
	for _, m := range list {
		if m.Key.ID == id {
			return true
		}
	}
	return false
}

// ============================================================================
// Read contract
// ============================================================================

// Chats returns up to chatPageSize conversations sorted by activity,
// newest first, excluding the broadcast pseudo-conversation.
func (s *ChatStore) Chats() []Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*chatRecord, 0, len(s.chats))
	for _, rec := range s.chats {
		if rec.ID == "" || rec.ID == broadcastJID {
			continue
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].ConversationTimestamp > recs[j].ConversationTimestamp
	})
	if len(recs) > chatPageSize {
		recs = recs[:chatPageSize]
	}

	out := make([]Chat, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Chat{
			JID:         rec.ID,
			Name:        s.displayNameLocked(rec),
			Phone:       PhoneFromJID(rec.ID),
			IsGroup:     IsGroupJID(rec.ID),
			UnreadCount: rec.UnreadCount,
			LastMessage: lastMessageText(rec.LastMessage),
			Timestamp:   rec.ConversationTimestamp * 1000,
		})
	}
	return out
}

func (s *ChatStore) displayNameLocked(rec *chatRecord) string {
	if rec.Name != "" {
		return rec.Name
	}
	if rec.Notify != "" {
		return rec.Notify
	}
	if contact, ok := s.contacts[rec.ID]; ok {
		if contact.Name != "" {
			return contact.Name
		}
		if contact.Notify != "" {
			return contact.Notify
		}
	}
	return PhoneFromJID(rec.ID)
}

// lastMessageText extracts only plain and extended text for the chat list
// summary; media messages show as empty there.
func lastMessageText(msg *RawMessage) string {
	if msg == nil || msg.Content == nil {
		return ""
	}
	if msg.Content.Conversation != "" {
		return msg.Content.Conversation
	}
	if msg.Content.ExtendedText != nil {
		return msg.Content.ExtendedText.Text
	}
	return ""
}

// Messages returns the last messagePage messages of a conversation in arrival
// order, normalized for display.
func (s *ChatStore) Messages(jid string) []Message {
	s.mu.RLock()
	raw := s.messages[jid]
	if len(raw) > messagePage {
		raw = raw[len(raw)-messagePage:]
	}
	snapshot := make([]RawMessage, len(raw))
	copy(snapshot, raw)
	s.mu.RUnlock()

	out := make([]Message, 0, len(snapshot))
	for i := range snapshot {
		if m := Normalize(&snapshot[i]); m != nil {
			out = append(out, *m)
		}
	}
	return out
}

// Len reports the number of cached conversations.
func (s *ChatStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chats)
}
