// Package genai provides GenAI-enhanced operations using the OpenAI API.
package genai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ClientInterface defines the chat completion surface consumed by the
// template personalization pass. Tests substitute a stub.
type ClientInterface interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel sets the chat model.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// Client wraps the OpenAI chat completion API.
type Client struct {
	client openai.Client
	model  openai.ChatModel
}

var _ ClientInterface = (*Client)(nil)

// NewClient initializes a new GenAI client from the given options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: openai.ChatModelGPT4oMini}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	slog.Debug("Client.NewClient: creating GenAI client", "model", cfg.Model)
	return &Client{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

// GenerateWithMessages runs one chat completion over the given messages and
// returns the first choice.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
