package whatsbridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrCredentialNotFound means no value is stored under the requested key.
// Callers treat it as "start fresh", never as a failure.
var ErrCredentialNotFound = errors.New("credential not found")

// CredsKey is the primary session blob; the remaining keys carry per-identity
// signal key material and are named by the network (e.g. "app-state-sync-key-<id>").
const CredsKey = "creds"

// CredentialStore persists the opaque blobs needed to resume a messaging
// session without re-pairing. Values round-trip byte-for-byte.
type CredentialStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	ReadAll(ctx context.Context, keys []string) (map[string][]byte, error)
	Write(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists every persisted key name, so a resume can restore the
	// signal-key material alongside the primary blob.
	Keys(ctx context.Context) ([]string, error)
	// DeleteAll wipes the whole session, forcing a re-pair on next connect.
	DeleteAll(ctx context.Context) error
}

// ============================================================================
// Supabase-backed store
// ============================================================================

const sessionsTable = "whatsapp_sessions"

type sessionRow struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

// SupabaseCredentialStore keeps one row per key in the whatsapp_sessions
// table, with the value base64-encoded in the data column.
type SupabaseCredentialStore struct {
	client *SupabaseClient
}

func NewSupabaseCredentialStore(client *SupabaseClient) *SupabaseCredentialStore {
	return &SupabaseCredentialStore{client: client}
}

func (s *SupabaseCredentialStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Select(ctx, sessionsTable, map[string]string{
		"id":     "eq." + key,
		"select": "data",
	})
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[sessionRow](data)
	if err != nil || len(rows) == 0 {
		return nil, ErrCredentialNotFound
	}
	value, err := base64.StdEncoding.DecodeString(rows[0].Data)
	if err != nil {
		return nil, ErrCredentialNotFound
	}
	return value, nil
}

func (s *SupabaseCredentialStore) ReadAll(ctx context.Context, keys []string) (map[string][]byte, error) {
	return readAllParallel(ctx, s, keys)
}

func (s *SupabaseCredentialStore) Write(ctx context.Context, key string, value []byte) error {
	return s.client.Upsert(ctx, sessionsTable, sessionRow{
		ID:   key,
		Data: base64.StdEncoding.EncodeToString(value),
	})
}

func (s *SupabaseCredentialStore) Keys(ctx context.Context) ([]string, error) {
	data, err := s.client.Select(ctx, sessionsTable, map[string]string{"select": "id"})
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[sessionRow](data)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row.ID)
	}
	return keys, nil
}

func (s *SupabaseCredentialStore) Delete(ctx context.Context, key string) error {
	return s.client.Delete(ctx, sessionsTable, map[string]string{"id": "eq." + key})
}

func (s *SupabaseCredentialStore) DeleteAll(ctx context.Context) error {
	// neq against an impossible id matches every row
	return s.client.Delete(ctx, sessionsTable, map[string]string{"id": "neq."})
}

// ============================================================================
// Filesystem-backed store
// ============================================================================

// FileCredentialStore is the local fallback used when Supabase is not
// configured: one file per key under the auth directory.
type FileCredentialStore struct {
	dir string
}

func NewFileCredentialStore(dir string) (*FileCredentialStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileCredentialStore{dir: dir}, nil
}

// fileName maps a key to a filesystem-safe name. Key ids may contain path
// separators; the escaping is reversible so Keys can recover the names.
func (s *FileCredentialStore) fileName(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+".json")
}

func (s *FileCredentialStore) Read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.fileName(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *FileCredentialStore) ReadAll(ctx context.Context, keys []string) (map[string][]byte, error) {
	return readAllParallel(ctx, s, keys)
}

func (s *FileCredentialStore) Write(_ context.Context, key string, value []byte) error {
	return os.WriteFile(s.fileName(key), value, 0o600)
}

func (s *FileCredentialStore) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *FileCredentialStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.fileName(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FileCredentialStore) DeleteAll(_ context.Context) error {
	if err := os.RemoveAll(s.dir); err != nil {
		return err
	}
	return os.MkdirAll(s.dir, 0o700)
}

// ============================================================================
// Shared helpers
// ============================================================================

// readAllParallel dispatches one read per key concurrently and joins on
// completion. Missing keys are simply absent from the result map.
func readAllParallel(ctx context.Context, store CredentialStore, keys []string) (map[string][]byte, error) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result = make(map[string][]byte, len(keys))
	)
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			value, err := store.Read(ctx, key)
			if err != nil {
				if !errors.Is(err, ErrCredentialNotFound) {
					logrus.WithError(err).Warnf("credential read failed for %q", key)
				}
				return
			}
			mu.Lock()
			result[key] = value
			mu.Unlock()
		}(key)
	}
	wg.Wait()
	return result, nil
}

// persistCredentials applies a batch of key updates from the network. An empty
// value removes the key. Failures are logged and swallowed: losing a write
// means re-pairing later, not crashing now.
func persistCredentials(ctx context.Context, store CredentialStore, updates map[string][]byte) {
	for key, value := range updates {
		var err error
		if len(value) == 0 {
			err = store.Delete(ctx, key)
		} else {
			err = store.Write(ctx, key, value)
		}
		if err != nil {
			logrus.WithError(err).Warnf("credential persist failed for %q", key)
		}
	}
}

// MarshalCredentialBatch / UnmarshalCredentialBatch translate between the
// gateway's base64 map wire format and raw bytes.
func MarshalCredentialBatch(creds map[string][]byte) map[string]string {
	out := make(map[string]string, len(creds))
	for k, v := range creds {
		out[k] = base64.StdEncoding.EncodeToString(v)
	}
	return out
}

func UnmarshalCredentialBatch(raw json.RawMessage) (map[string][]byte, error) {
	var encoded map[string]string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(encoded))
	for k, v := range encoded {
		if v == "" {
			out[k] = nil
			continue
		}
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, err
		}
		out[k] = b
	}
	return out, nil
}
