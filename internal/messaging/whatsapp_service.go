package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/phone"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client     whatsapp.WhatsAppSender
	waClient   *whatsapp.Client // access to underlying client for event handling
	normalizer *phone.Normalizer
	replies    chan models.Reply
	done       chan struct{}
	mu         sync.RWMutex
	stopped    bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given
// WhatsAppSender. Recipient canonicalization follows the given normalizer.
func NewWhatsAppService(client whatsapp.WhatsAppSender, normalizer *phone.Normalizer) *WhatsAppService {
	service := &WhatsAppService{
		client:     client,
		normalizer: normalizer,
		replies:    make(chan models.Reply, DefaultChannelBufferSize),
		done:       make(chan struct{}),
	}

	// A full client (not a mock) additionally feeds inbound events.
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates a recipient phone and returns
// its canonical digits-only form.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return s.normalizer.CanonicalOrError(recipient)
}

// Start begins background event processing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService.Start invoked")

	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling")
	}

	return nil
}

// Stop stops background processing and closes the reply channel.
func (s *WhatsAppService) Stop() error {
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

	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendText sends a text message to the canonicalized recipient.
func (s *WhatsAppService) SendText(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService.SendText validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// SendAudio sends the audio asset at assetPath as a voice note.
func (s *WhatsAppService) SendAudio(ctx context.Context, to string, assetPath string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService.SendAudio validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendAudioMessage(ctx, canonical, assetPath)
}

// IsValidNumber reports whether the phone has a WhatsApp account. Without a
// live client the check falls back to shape validation.
func (s *WhatsAppService) IsValidNumber(ctx context.Context, phoneNumber string) (bool, error) {
	if s.waClient != nil {
		return s.waClient.IsOnWhatsApp(ctx, s.normalizer.Normalize(phoneNumber))
	}
	return s.normalizer.IsValidForDispatch(phoneNumber), nil
}

// Replies returns a channel of incoming lead replies.
func (s *WhatsAppService) Replies() <-chan models.Reply {
	return s.replies
}

// handleEvents registers the whatsmeow event handler and feeds inbound text
// messages into the reply channel until the context is cancelled.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService.handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	slog.Debug("WhatsAppService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService.handleEvents stopping due to context cancellation")
}

// handleIncomingMessage extracts the text of an inbound message and forwards
// it as a reply. Messages sent from our own device are dropped here so they
// never count as lead replies.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}
	if evt.Info.IsFromMe {
		slog.Debug("WhatsAppService ignoring own message", "to", evt.Info.Chat.User)
		return
	}

	var messageText string
	if evt.Message.Conversation != nil {
		messageText = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = *evt.Message.ExtendedTextMessage.Text
	} else {
		// Any media reply still counts as a reply; forward it with empty text.
		slog.Debug("WhatsAppService non-text message treated as reply", "from", evt.Info.Sender.User)
	}

	reply := models.Reply{
		From:      evt.Info.Sender.User,
		Body:      messageText,
		MessageID: string(evt.Info.ID),
		Time:      evt.Info.Timestamp.Unix(),
	}

	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("WhatsAppService dropping inbound reply (service stopped)", "from", reply.From)
		return
	}

	select {
	case s.replies <- reply:
		slog.Info("WhatsAppService inbound reply forwarded", "from", reply.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService replies channel blocked, dropping message", "from", reply.From)
	}
}
