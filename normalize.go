package whatsbridge

import "time"

// Normalize maps a heterogeneous inbound payload into the canonical display
// record. Returns nil only for messages without a routable conversation.
//
// Text precedence: plain body, extended/quoted body, then a fixed placeholder
// per media kind (with caption or filename when present), then a generic
// placeholder for anything unrecognized.
func Normalize(msg *RawMessage) *Message {
	if msg == nil || msg.Key.RemoteJID == "" {
		return nil
	}
	jid := msg.Key.RemoteJID

	ts := msg.Timestamp * 1000
	if msg.Timestamp == 0 {
		// Historical backfills without a timestamp get "now"; ordering from
		// message ids is not inferred since the id format is not monotonic.
		ts = time.Now().UnixMilli()
	}

	return &Message{
		ID:        msg.Key.ID,
		JID:       jid,
		Phone:     PhoneFromJID(jid),
		IsGroup:   IsGroupJID(jid),
		FromMe:    msg.Key.FromMe,
		PushName:  msg.PushName,
		Text:      displayText(msg.Content),
		Timestamp: ts,
	}
}

func displayText(m *MessageContent) string {
	switch {
	case m == nil:
		return "💬 Mensagem"
	case m.Conversation != "":
		return m.Conversation
	case m.ExtendedText != nil && m.ExtendedText.Text != "":
		return m.ExtendedText.Text
	case m.Image != nil:
		if m.Image.Caption != "" {
			return "📷 " + m.Image.Caption
		}
		return "📷 Imagem"
	case m.Video != nil:
		return "🎥 Vídeo"
	case m.Audio != nil:
		return "🎤 Áudio"
	case m.Document != nil:
		if m.Document.FileName != "" {
			return "📄 " + m.Document.FileName
		}
		return "📄 Documento"
	case m.Sticker != nil:
		return "🎨 Sticker"
	case m.Contact != nil:
		if m.Contact.DisplayName != "" {
			return "👤 " + m.Contact.DisplayName
		}
		return "👤 Contato"
	case m.Location != nil:
		return "📍 Localização"
	default:
		return "💬 Mensagem"
	}
}
