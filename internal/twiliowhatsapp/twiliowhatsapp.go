// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in LeadPipe.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioWhatsAppSender is the send surface used by the Twilio messaging
// service (real client in production, MockClient in tests).
type TwilioWhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendMediaMessage(ctx context.Context, to string, body string, mediaURL string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number ("whatsapp:+1234567890").
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

// NewClient creates a Twilio WhatsApp client from the given options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:    client,
		fromWhats: cfg.FromWhats,
	}, nil
}

// SendMessage sends a WhatsApp text message using the Twilio API.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	_, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// SendMediaMessage sends a WhatsApp message carrying a media attachment. The
// media must be reachable by Twilio at a public URL.
func (c *Client) SendMediaMessage(ctx context.Context, to string, body string, mediaURL string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(c.fromWhats)
	if body != "" {
		params.SetBody(body)
	}
	params.SetMediaUrl([]string{mediaURL})

	_, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMediaMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send media message to %s: %w", to, err)
	}

	slog.Debug("Twilio media message sent", "to", to)
	return nil
}

// MockClient records sends instead of calling Twilio (for tests).
type MockClient struct {
	SentMessages  []SentMessage
	MediaMessages []SentMessage
}

// SentMessage is one recorded send.
type SentMessage struct {
	To       string
	Body     string
	MediaURL string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendMediaMessage(ctx context.Context, to string, body string, mediaURL string) error {
	m.MediaMessages = append(m.MediaMessages, SentMessage{To: to, Body: body, MediaURL: mediaURL})
	return nil
}
