// Package whatsbridge is the WhatsApp companion process for the Uptrix CRM.
//
// It maintains a single persistent session with the messaging network via a
// gateway endpoint, caches recent chats and messages in memory, and relays a
// consistent view to any number of CRM UI sessions over a websocket channel.
// Session credentials persist to Supabase (or the local filesystem) so a
// restart resumes without re-pairing, and inbound replies automatically
// advance matching early-stage leads in the pipeline.
//
// Example:
//
//	b, _ := whatsbridge.New(whatsbridge.Options{
//		GatewayURL:  "wss://wa-gateway.internal/session",
//		SupabaseURL: os.Getenv("SUPABASE_URL"),
//		SupabaseKey: os.Getenv("SUPABASE_KEY"),
//	})
//	go b.Run(ctx)
//	http.ListenAndServe(":3001", b.Server.Handler())
package whatsbridge

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// Options configures a Bridge.
type Options struct {
	// GatewayURL is the websocket endpoint of the WhatsApp gateway.
	GatewayURL string

	// SupabaseURL and SupabaseKey select cloud persistence for session
	// credentials and enable lead auto-classification. When empty, the
	// bridge falls back to filesystem credentials under AuthDir and skips
	// classification.
	SupabaseURL string
	SupabaseKey string
	AuthDir     string

	// TerminalQR, when set, additionally renders pairing codes there.
	TerminalQR io.Writer
}

// Bridge wires the conversation cache, connection manager, relay and HTTP
// surface together.
type Bridge struct {
	Store   *ChatStore
	Relay   *Relay
	Manager *Manager
	Server  *Server

	mode string
}

// New builds a Bridge from the given options.
func New(opts Options) (*Bridge, error) {
	store := NewChatStore()
	relay := NewRelay(store)

	var (
		creds      CredentialStore
		classifier *Classifier
		mode       string
		err        error
	)
	if opts.SupabaseURL != "" && opts.SupabaseKey != "" {
		sb := NewSupabaseClient(opts.SupabaseURL, opts.SupabaseKey)
		creds = NewSupabaseCredentialStore(sb)
		classifier = NewClassifier(NewSupabaseLeadStore(sb))
		mode = "Cloud (Supabase)"
		logrus.Printf("usando Supabase para autenticação persistente")
	} else {
		dir := opts.AuthDir
		if dir == "" {
			dir = "auth_info"
		}
		creds, err = NewFileCredentialStore(dir)
		if err != nil {
			return nil, err
		}
		mode = "Local"
		logrus.Printf("usando sistema de arquivos local para autenticação")
	}

	mgrOpts := []ManagerOption{}
	if classifier != nil {
		mgrOpts = append(mgrOpts, WithClassifier(classifier))
	}
	if opts.TerminalQR != nil {
		mgrOpts = append(mgrOpts, WithTerminalQR(opts.TerminalQR))
	}

	mgr := NewManager(NewWSGateway(opts.GatewayURL), creds, store, relay, mgrOpts...)
	relay.Bind(mgr)

	return &Bridge{
		Store:   store,
		Relay:   relay,
		Manager: mgr,
		Server:  NewServer(relay, mgr, mode),
		mode:    mode,
	}, nil
}

// Mode reports the persistence mode ("Cloud (Supabase)" or "Local").
func (b *Bridge) Mode() string {
	return b.mode
}

// Run drives the connection manager until the context is done.
func (b *Bridge) Run(ctx context.Context) {
	b.Manager.Run(ctx)
}
