package whatsbridge

import (
	"encoding/json"
	"net/http"

	"nhooyr.io/websocket"
)

// StatusReply is the /status response.
type StatusReply struct {
	Status ConnState `json:"status"`
	User   *UserInfo `json:"user"`
	Mode   string    `json:"mode"`
}

// Server exposes the bridge over HTTP: a banner, a status probe, and the
// websocket endpoint the CRM UI attaches to. The UI is served from another
// origin, so the websocket accepts any origin.
type Server struct {
	relay *Relay
	mgr   *Manager
	mode  string
}

func NewServer(relay *Relay, mgr *Manager, mode string) *Server {
	return &Server{relay: relay, mgr: mgr, mode: mode}
}

// Handler returns the bridge's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Write([]byte("🚀 Servidor WhatsApp Online!"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state, _, user := s.mgr.Snapshot()
	reply := StatusReply{Status: state, Mode: s.mode}
	if state == StateConnected {
		reply.User = user
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	s.relay.Serve(r.Context(), conn)
}
