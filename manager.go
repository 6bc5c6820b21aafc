package whatsbridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Restart delays after a closure. A logged-out closure wipes credentials and
// restarts quickly (the user is standing by to scan a new code); transient
// drops back off slightly longer. There is no retry cap: the session only
// ends through an explicit disconnect command.
const (
	logoutRestartDelay    = 2 * time.Second
	transientRestartDelay = 3 * time.Second
)

// Publisher fans bridge events out to the connected UI sessions.
type Publisher interface {
	Broadcast(eventType string, payload interface{})
}

// Manager owns the single connection to the messaging network and the
// process-wide connection state. It drives the reconnect state machine,
// feeds the ChatStore, persists credential updates, and relays lifecycle and
// message events.
type Manager struct {
	gw         Gateway
	creds      CredentialStore
	store      *ChatStore
	pub        Publisher
	classifier *Classifier

	logoutDelay time.Duration
	retryDelay  time.Duration
	terminalQR  io.Writer

	mu        sync.Mutex
	state     ConnState
	qrDataURL string
	user      *UserInfo

	// sendMu serializes outbound sends: single-writer discipline on the
	// network connection, requests processed in arrival order.
	sendMu sync.Mutex
}

type ManagerOption func(*Manager)

// WithClassifier enables lead auto-classification on inbound messages.
func WithClassifier(c *Classifier) ManagerOption {
	return func(m *Manager) { m.classifier = c }
}

// WithRestartDelays overrides the reconnect delays (tests).
func WithRestartDelays(logout, transient time.Duration) ManagerOption {
	return func(m *Manager) {
		m.logoutDelay = logout
		m.retryDelay = transient
	}
}

// WithTerminalQR also renders pairing codes to the given writer, for running
// headless without the CRM UI attached.
func WithTerminalQR(w io.Writer) ManagerOption {
	return func(m *Manager) { m.terminalQR = w }
}

func NewManager(gw Gateway, creds CredentialStore, store *ChatStore, pub Publisher, opts ...ManagerOption) *Manager {
	m := &Manager{
		gw:          gw,
		creds:       creds,
		store:       store,
		pub:         pub,
		logoutDelay: logoutRestartDelay,
		retryDelay:  transientRestartDelay,
		state:       StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run drives the connect/consume/restart loop until the context is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		delay := m.session(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session performs one connect attempt, consumes its event stream to the end,
// and returns the delay before the next attempt.
func (m *Manager) session(ctx context.Context) time.Duration {
	creds := m.loadCreds(ctx)

	events, err := m.gw.Connect(ctx, creds)
	if err != nil {
		logrus.WithError(err).Warn("connection attempt failed")
		return m.retryDelay
	}

	reason := 0
	for ev := range events {
		switch e := ev.(type) {
		case ConnectionUpdate:
			switch {
			case e.QR != "":
				m.handleQR(e.QR)
			case e.Connection == "open":
				m.handleOpen(e.User)
			case e.Connection == "close":
				reason = e.Reason
			}
		case CredsUpdate:
			persistCredentials(ctx, m.creds, e.Updates)
		case ChatsSet:
			m.store.ApplyChatsSet(e.Chats, e.IsLatest)
		case ChatsUpsert:
			m.store.ApplyChatsUpsert(e.Chats)
		case ChatsUpdate:
			m.store.ApplyChatsUpdate(e.Chats)
		case ContactsUpsert:
			m.store.ApplyContactsUpsert(e.Contacts)
		case MessagesUpsert:
			m.handleMessages(ctx, e)
		}
	}

	m.setDisconnected()

	if reason == ReasonLoggedOut {
		logrus.Printf("session logged out, clearing stored credentials")
		if err := m.creds.DeleteAll(ctx); err != nil {
			logrus.WithError(err).Warn("credential wipe failed")
		}
		return m.logoutDelay
	}
	logrus.Printf("connection closed (reason %d), reconnecting", reason)
	return m.retryDelay
}

// loadCreds restores every persisted key for the resume: the primary blob
// plus any signal-key material the network handed out during the session.
func (m *Manager) loadCreds(ctx context.Context) map[string][]byte {
	keys, err := m.creds.Keys(ctx)
	if err != nil {
		logrus.WithError(err).Warn("credential listing failed, starting fresh")
		return nil
	}
	if len(keys) == 0 {
		return nil
	}
	creds, err := m.creds.ReadAll(ctx, keys)
	if err != nil {
		logrus.WithError(err).Warn("credential read failed, starting fresh")
		return nil
	}
	if len(creds) == 0 {
		return nil
	}
	return creds
}

func (m *Manager) handleQR(code string) {
	dataURL, err := EncodeQRDataURL(code)
	if err != nil {
		logrus.WithError(err).Warn("pairing code encode failed")
		dataURL = ""
	}

	m.mu.Lock()
	m.state = StateQR
	m.qrDataURL = dataURL
	m.mu.Unlock()

	m.pub.Broadcast(EvtQR, dataURL)
	m.pub.Broadcast(EvtConnectionStatus, StateQR)
	logrus.Printf("pairing code generated, scan it from the CRM")

	if m.terminalQR != nil {
		PrintTerminalQR(code, m.terminalQR)
	}
}

func (m *Manager) handleOpen(user *UserInfo) {
	if user == nil {
		user = &UserInfo{Name: "WhatsApp"}
	}
	if user.Name == "" {
		user.Name = "WhatsApp"
	}

	m.mu.Lock()
	m.state = StateConnected
	m.qrDataURL = ""
	m.user = user
	m.mu.Unlock()

	m.pub.Broadcast(EvtConnectionStatus, StateConnected)
	m.pub.Broadcast(EvtUserInfo, user)
	logrus.Printf("whatsapp connected as %s", user.Name)
}

func (m *Manager) setDisconnected() {
	m.mu.Lock()
	m.state = StateDisconnected
	m.qrDataURL = ""
	m.user = nil
	m.mu.Unlock()
	m.pub.Broadcast(EvtConnectionStatus, StateDisconnected)
}

func (m *Manager) handleMessages(ctx context.Context, batch MessagesUpsert) {
	accepted := m.store.ApplyMessages(batch.Kind, batch.Messages)
	if batch.Kind != "notify" {
		return
	}
	for i := range accepted {
		raw := accepted[i]
		if raw.Key.RemoteJID == broadcastJID {
			continue
		}
		msg := Normalize(&raw)
		if msg == nil {
			continue
		}
		m.pub.Broadcast(EvtNewMessage, msg)

		if !msg.FromMe && m.classifier != nil {
			// Off the event loop: the lead lookup is remote I/O and must not
			// block dispatch of subsequent events.
			go func(msg *Message) {
				if adv := m.classifier.HandleInbound(ctx, msg); adv != nil {
					m.pub.Broadcast(EvtLeadAdvanced, adv)
				}
			}(msg)
		}
	}
}

// Snapshot returns the current connection state, pending pairing artifact and
// local identity, for the relay's point-in-time push on session attach.
func (m *Manager) Snapshot() (ConnState, string, *UserInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var user *UserInfo
	if m.user != nil {
		u := *m.user
		user = &u
	}
	return m.state, m.qrDataURL, user
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Send dispatches an outbound text message. Sends are serialized; on success
// the resulting message enters the cache and is broadcast to every session.
func (m *Manager) Send(ctx context.Context, target, text string) (*Message, error) {
	if m.State() != StateConnected {
		return nil, errors.New("WhatsApp não está conectado")
	}
	jid := CanonicalJID(target)

	m.sendMu.Lock()
	raw, err := m.gw.Send(ctx, jid, text)
	m.sendMu.Unlock()
	if err != nil {
		return nil, err
	}

	m.store.ApplyMessages("notify", []RawMessage{*raw})
	msg := Normalize(raw)
	if msg != nil {
		m.pub.Broadcast(EvtNewMessage, msg)
	}
	return msg, nil
}

// Disconnect requests a logout from the network. The resulting logged-out
// closure clears credentials and restarts the pairing flow; the state-change
// broadcast covers the UI side.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.gw.Logout(ctx)
}
