// Package messaging defines the pluggable message delivery abstraction.
//
// The dispatch layer only sees the Service interface; the WhatsApp and Twilio
// implementations translate sends and inbound events to and from their
// gateways. Own-device messages are filtered here and never reach the engine.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for reply channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by send operations after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex strips every non-digit character from a recipient.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Returns the canonicalized recipient and an error if
	// validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a text message to a recipient.
	SendText(ctx context.Context, to string, body string) error

	// SendAudio sends the audio asset at assetPath as a voice note.
	SendAudio(ctx context.Context, to string, assetPath string) error

	// IsValidNumber reports whether the phone number can receive messages.
	IsValidNumber(ctx context.Context, phone string) (bool, error)

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Replies returns a channel of incoming lead replies.
	Replies() <-chan models.Reply
}
