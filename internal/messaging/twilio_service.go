package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using the Twilio API.
// Inbound replies arrive through the Twilio webhook handler instead of a live
// connection.
type TwilioService struct {
	client  twiliowhatsapp.TwilioWhatsAppSender
	replies chan models.Reply
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a new TwilioService over the given sender.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client:  client,
		replies: make(chan models.Reply, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp
// phone number by stripping every non-digit character.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if recipient != canonical {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio (inbound traffic arrives via webhook).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.replies)
	}()

	return nil
}

// SendText sends a text message via Twilio.
func (s *TwilioService) SendText(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendText validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// SendAudio sends an audio attachment via Twilio. Twilio fetches media from a
// public URL, so assetPath must be one.
func (s *TwilioService) SendAudio(ctx context.Context, to string, assetPath string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	if !strings.HasPrefix(assetPath, "http://") && !strings.HasPrefix(assetPath, "https://") {
		return fmt.Errorf("twilio media must be a public URL, got %q", assetPath)
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendAudio validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMediaMessage(ctx, canonical, "", assetPath)
}

// IsValidNumber applies shape validation; Twilio exposes no cheap lookup.
func (s *TwilioService) IsValidNumber(ctx context.Context, phone string) (bool, error) {
	_, err := s.ValidateAndCanonicalizeRecipient(phone)
	return err == nil, nil
}

// Replies returns the channel for inbound lead replies.
func (s *TwilioService) Replies() <-chan models.Reply {
	return s.replies
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits them
// as replies.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	messageID := r.FormValue("MessageSid")

	if from == "" {
		slog.Warn("Twilio webhook missing From field")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	reply := models.Reply{
		From:      strings.TrimPrefix(from, "whatsapp:"),
		Body:      body,
		MessageID: messageID,
		Time:      time.Now().Unix(),
	}
	slog.Info("TwilioService inbound WhatsApp message", "from", reply.From)

	s.safeEmitReply(reply)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// safeEmitReply pushes a reply into the channel without blocking the webhook.
func (s *TwilioService) safeEmitReply(reply models.Reply) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound reply (service stopped)", "from", reply.From)
		return
	}

	select {
	case s.replies <- reply:
		slog.Debug("TwilioService emitted inbound reply", "from", reply.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService replies channel blocked, dropping message", "from", reply.From)
	}
}
