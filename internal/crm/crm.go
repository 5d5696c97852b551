// Package crm pushes conversation events to an external CRM. All pushes are
// best effort: failures are logged and never surface into the pipeline.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// DefaultTimeout bounds one CRM request.
const DefaultTimeout = 5 * time.Second

// Client posts lead notes and status updates to the CRM HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Opts holds configuration options for the CRM client.
type Opts struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Option defines a configuration option for the CRM client.
type Option func(*Opts)

// WithBaseURL sets the CRM API base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithAPIKey sets the CRM API key.
func WithAPIKey(k string) Option {
	return func(o *Opts) { o.APIKey = k }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// NewClient creates a CRM client, falling back to CRM_BASE_URL and
// CRM_API_KEY. Returns nil when no base URL is configured; a nil client is
// a no-op.
func NewClient(opts ...Option) *Client {
	o := Opts{
		BaseURL: os.Getenv("CRM_BASE_URL"),
		APIKey:  os.Getenv("CRM_API_KEY"),
		Timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.BaseURL == "" {
		return nil
	}
	return &Client{
		baseURL: o.BaseURL,
		apiKey:  o.APIKey,
		http:    &http.Client{Timeout: o.Timeout},
	}
}

// PushNote attaches a free-text note to the lead. Errors are logged, never
// returned.
func (c *Client) PushNote(ctx context.Context, leadID, note string) {
	if c == nil || leadID == "" {
		return
	}
	c.post(ctx, fmt.Sprintf("/leads/%s/notes", leadID), map[string]string{"note": note})
}

// PushStatus updates the lead's pipeline status. Errors are logged, never
// returned.
func (c *Client) PushStatus(ctx context.Context, leadID, status string) {
	if c == nil || leadID == "" {
		return
	}
	c.post(ctx, fmt.Sprintf("/leads/%s/status", leadID), map[string]string{"status": status})
}

func (c *Client) post(ctx context.Context, path string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Client.post: failed to encode payload", "path", path, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		slog.Error("Client.post: failed to build request", "path", path, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("Client.post: CRM push failed", "path", path, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("Client.post: CRM push rejected", "path", path, "status", resp.StatusCode)
		return
	}
	slog.Debug("Client.post: CRM push ok", "path", path)
}
