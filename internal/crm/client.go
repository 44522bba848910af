// Package crm implements the HTTP client for the CRM lead board.
//
// The engine never calls the board directly: every notification is committed
// to the outbox first and delivered here by the outbox sender, so board
// outages are retried with backoff instead of silently dropped.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// DefaultTimeout bounds one board request.
const DefaultTimeout = 15 * time.Second

// Opts holds configuration options for the CRM client.
type Opts struct {
	BaseURL    string
	APIToken   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Option defines a configuration option for the CRM client.
type Option func(*Opts)

// WithBaseURL sets the board API base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithAPIToken sets the bearer token used on every request.
func WithAPIToken(token string) Option {
	return func(o *Opts) {
		o.APIToken = token
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithHTTPClient overrides the HTTP client. Used in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// Client talks to the CRM board REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a board client from the given options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("CRM base URL not set")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	slog.Debug("Client.NewClient: creating CRM client", "baseURL", cfg.BaseURL, "token_set", cfg.APIToken != "")
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.APIToken,
		http:    httpClient,
	}, nil
}

// LeadSnapshot is the board's view of one lead.
type LeadSnapshot struct {
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Status string `json:"status"`
}

// GetLeadSnapshot fetches the board record for a lead.
func (c *Client) GetLeadSnapshot(ctx context.Context, id string) (*LeadSnapshot, error) {
	var snapshot LeadSnapshot
	if err := c.doJSON(ctx, http.MethodGet, "/leads/"+id, nil, &snapshot); err != nil {
		return nil, fmt.Errorf("get lead snapshot %s: %w", id, err)
	}
	return &snapshot, nil
}

// SetStatus moves the lead's board card to the column with the given label.
func (c *Client) SetStatus(ctx context.Context, id, label string) error {
	body := map[string]interface{}{"status": label}
	if err := c.doJSON(ctx, http.MethodPatch, "/leads/"+id, body, nil); err != nil {
		return fmt.Errorf("set status for lead %s: %w", id, err)
	}
	slog.Debug("Client.SetStatus: board updated", "leadID", id, "status", label)
	return nil
}

// SetNextContactDate writes (or, with nil, clears) the lead's next contact
// date on the board.
func (c *Client) SetNextContactDate(ctx context.Context, id string, date *time.Time) error {
	body := map[string]interface{}{"next_contact_at": nil}
	if date != nil {
		body["next_contact_at"] = date.UTC().Format(time.RFC3339)
	}
	if err := c.doJSON(ctx, http.MethodPatch, "/leads/"+id, body, nil); err != nil {
		return fmt.Errorf("set next contact date for lead %s: %w", id, err)
	}
	slog.Debug("Client.SetNextContactDate: board updated", "leadID", id, "date", date)
	return nil
}

// MarkAwaitingCall moves the lead's card to the awaiting-call column.
func (c *Client) MarkAwaitingCall(ctx context.Context, id string) error {
	body := map[string]interface{}{"status": "Awaiting Call", "awaiting_call": true}
	if err := c.doJSON(ctx, http.MethodPatch, "/leads/"+id, body, nil); err != nil {
		return fmt.Errorf("mark awaiting call for lead %s: %w", id, err)
	}
	slog.Debug("Client.MarkAwaitingCall: board updated", "leadID", id)
	return nil
}

// DeliverNotification maps one outbox row to the matching board call. The
// outbox sender uses it as its send callback.
func (c *Client) DeliverNotification(ctx context.Context, n store.Notification) error {
	var p models.NotifyPayload
	if n.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(n.PayloadJSON), &p); err != nil {
			return fmt.Errorf("decode notification payload %s: %w", n.ID, err)
		}
	}
	if p.LeadID == "" {
		p.LeadID = n.LeadID
	}

	switch n.Kind {
	case store.NotifyKindStageStatus, store.NotifyKindNonResponsive:
		return c.SetStatus(ctx, p.LeadID, p.StageLabel)
	case store.NotifyKindNextContact:
		return c.SetNextContactDate(ctx, p.LeadID, p.NextContactAt)
	case store.NotifyKindAwaitingCall:
		return c.MarkAwaitingCall(ctx, p.LeadID)
	default:
		return fmt.Errorf("unknown notification kind %q", n.Kind)
	}
}

// doJSON performs one JSON request against the board and decodes the response
// into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response %s %s: %w", method, path, err)
		}
	}
	return nil
}
