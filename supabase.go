package whatsbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const supabaseDefaultTimeout = 30 * time.Second

// SupabaseClient is a thin PostgREST client covering the handful of table
// operations the bridge needs: session credential rows and lead rows.
type SupabaseClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type SupabaseOption func(*SupabaseClient)

func WithSupabaseHTTPClient(client *http.Client) SupabaseOption {
	return func(c *SupabaseClient) { c.httpClient = client }
}

func WithSupabaseTimeout(timeout time.Duration) SupabaseOption {
	return func(c *SupabaseClient) { c.httpClient.Timeout = timeout }
}

// NewSupabaseClient creates a client for a Supabase project's REST endpoint.
func NewSupabaseClient(projectURL, apiKey string, opts ...SupabaseOption) *SupabaseClient {
	c := &SupabaseClient{
		baseURL: strings.TrimRight(projectURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: supabaseDefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *SupabaseClient) do(ctx context.Context, method, table string, body interface{}, query url.Values, prefer string) ([]byte, error) {
	u := c.baseURL + "/rest/v1/" + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("supabase %s %s: HTTP %d: %s", method, table, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// Select runs a filtered GET against a table. Filters use PostgREST operator
// syntax, e.g. {"id": "eq.creds", "stage": "not.in.(fechado,perdido)"}.
func (c *SupabaseClient) Select(ctx context.Context, table string, filters map[string]string) ([]byte, error) {
	q := url.Values{}
	for k, v := range filters {
		q.Set(k, v)
	}
	return c.do(ctx, http.MethodGet, table, nil, q, "")
}

// Upsert inserts a row, merging onto the existing row when the primary key
// already exists.
func (c *SupabaseClient) Upsert(ctx context.Context, table string, row interface{}) error {
	_, err := c.do(ctx, http.MethodPost, table, row, nil, "resolution=merge-duplicates")
	return err
}

// Update patches the rows matched by the filters.
func (c *SupabaseClient) Update(ctx context.Context, table string, filters map[string]string, patch interface{}) error {
	q := url.Values{}
	for k, v := range filters {
		q.Set(k, v)
	}
	_, err := c.do(ctx, http.MethodPatch, table, patch, q, "")
	return err
}

// Delete removes the rows matched by the filters.
func (c *SupabaseClient) Delete(ctx context.Context, table string, filters map[string]string) error {
	q := url.Values{}
	for k, v := range filters {
		q.Set(k, v)
	}
	_, err := c.do(ctx, http.MethodDelete, table, nil, q, "")
	return err
}

func decodeRows[T any](data []byte) ([]T, error) {
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rows: %w", err)
	}
	return rows, nil
}
