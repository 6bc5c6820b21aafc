package whatsbridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// sessionQueueSize bounds each UI session's outbound queue. A session that
// cannot drain it is dropped rather than stalling the fan-out.
const sessionQueueSize = 64

// Controller is the slice of the Manager the relay drives on behalf of UI
// commands.
type Controller interface {
	Snapshot() (ConnState, string, *UserInfo)
	Send(ctx context.Context, target, text string) (*Message, error)
	Disconnect(ctx context.Context) error
}

type session struct {
	id   string
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "")
	})
}

// Relay fans connection-state and message events out to every connected UI
// session and routes UI commands back to the Manager. Request/response pairs
// reply only to the requesting session; everything else is broadcast.
type Relay struct {
	store *ChatStore

	mu       sync.Mutex
	ctrl     Controller
	sessions map[*session]struct{}
}

func NewRelay(store *ChatStore) *Relay {
	return &Relay{
		store:    store,
		sessions: make(map[*session]struct{}),
	}
}

// Bind attaches the controller. Called once during wiring; the Manager and
// Relay reference each other.
func (r *Relay) Bind(ctrl Controller) {
	r.mu.Lock()
	r.ctrl = ctrl
	r.mu.Unlock()
}

// SessionCount reports the number of attached UI sessions.
func (r *Relay) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Broadcast fans one event out to all connected sessions.
func (r *Relay) Broadcast(eventType string, payload interface{}) {
	frame, err := marshalEnvelope(eventType, payload)
	if err != nil {
		logrus.WithError(err).Warnf("broadcast encode failed for %s", eventType)
		return
	}

	var doomed []*session
	r.mu.Lock()
	for s := range r.sessions {
		if !r.pushLocked(s, frame) {
			doomed = append(doomed, s)
		}
	}
	r.mu.Unlock()

	// The close handshake can block; it must not stall the fan-out path.
	for _, s := range doomed {
		s.close()
	}
}

// pushLocked enqueues without blocking and reports whether the session keeps
// up; a full queue means a stuck client, which gets unregistered. The caller
// closes it after releasing the lock.
func (r *Relay) pushLocked(s *session, frame []byte) bool {
	select {
	case s.out <- frame:
		return true
	default:
		logrus.Printf("session %s is not draining, dropping it", s.id)
		delete(r.sessions, s)
		return false
	}
}

func (r *Relay) send(s *session, eventType string, payload interface{}) {
	frame, err := marshalEnvelope(eventType, payload)
	if err != nil {
		logrus.WithError(err).Warnf("reply encode failed for %s", eventType)
		return
	}
	dropped := false
	r.mu.Lock()
	if _, ok := r.sessions[s]; ok {
		dropped = !r.pushLocked(s, frame)
	}
	r.mu.Unlock()
	if dropped {
		s.close()
	}
}

// Serve attaches one UI websocket session: pushes the point-in-time state
// snapshot, then processes commands until the peer goes away. Blocks until
// the session ends.
func (r *Relay) Serve(ctx context.Context, conn *websocket.Conn) {
	s := &session{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan []byte, sessionQueueSize),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	ctrl := r.ctrl
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
	logrus.Printf("frontend connected (%s)", s.id)

	go r.writeLoop(ctx, s)

	// Point-in-time snapshot, not a history replay.
	state, qr, user := ctrl.Snapshot()
	r.send(s, EvtConnectionStatus, state)
	if qr != "" {
		r.send(s, EvtQR, qr)
	}
	if state == StateConnected && user != nil {
		r.send(s, EvtUserInfo, user)
	}

	r.readLoop(ctx, s, ctrl)

	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
	s.close()
	logrus.Printf("frontend disconnected (%s)", s.id)
}

func (r *Relay) writeLoop(ctx context.Context, s *session) {
	for {
		select {
		case frame := <-s.out:
			if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop processes one session's commands in arrival order. Replies to
// request/response commands go only to this session.
func (r *Relay) readLoop(ctx context.Context, s *session, ctrl Controller) {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case CmdGetChats:
			r.send(s, EvtChatsList, r.store.Chats())

		case CmdGetMessages:
			var p struct {
				JID string `json:"jid"`
			}
			if json.Unmarshal(env.Payload, &p) != nil {
				continue
			}
			r.send(s, EvtChatMessages, ChatMessagesReply{
				JID:      p.JID,
				Messages: r.store.Messages(p.JID),
			})

		case CmdSendMessage:
			var p struct {
				JID  string `json:"jid"`
				Text string `json:"text"`
			}
			if json.Unmarshal(env.Payload, &p) != nil {
				continue
			}
			// The broadcast of the sent message happens inside the manager;
			// only failures come back here, to this session alone.
			if _, err := ctrl.Send(ctx, p.JID, p.Text); err != nil {
				logrus.WithError(err).Warn("send failed")
				r.send(s, EvtSendError, err.Error())
			}

		case CmdOpenChat:
			var p struct {
				Phone string `json:"phone"`
			}
			if json.Unmarshal(env.Payload, &p) != nil {
				continue
			}
			digits := DigitsOnly(p.Phone)
			jid := digits + userSuffix
			r.send(s, EvtChatOpened, ChatOpenedReply{
				JID:      jid,
				Phone:    digits,
				Messages: r.store.Messages(jid),
			})

		case CmdDisconnect:
			if err := ctrl.Disconnect(ctx); err != nil {
				logrus.WithError(err).Warn("disconnect request failed")
			}
		}
	}
}

func marshalEnvelope(eventType string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}
