package messaging

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/phone"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
)

func TestWhatsAppServiceSendTextCanonicalizes(t *testing.T) {
	mock := whatsapp.NewMockClient()
	s := NewWhatsAppService(mock, phone.NewNormalizer(phone.Config{}))

	if err := s.SendText(context.Background(), "(11) 98765-4321", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWhatsAppServiceSendTextRejectsInvalid(t *testing.T) {
	mock := whatsapp.NewMockClient()
	s := NewWhatsAppService(mock, phone.NewNormalizer(phone.Config{}))

	if err := s.SendText(context.Background(), "12", "hello"); err == nil {
		t.Error("expected validation error for undersized number")
	}
}

func TestWhatsAppServiceStoppedRejectsSends(t *testing.T) {
	s := NewWhatsAppService(whatsapp.NewMockClient(), phone.NewNormalizer(phone.Config{}))
	if err := s.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SendText(context.Background(), "11987654321", "hello"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestTwilioServiceCanonicalization(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	got, err := s.ValidateAndCanonicalizeRecipient("whatsapp:+55 (11) 98765-4321")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "5511987654321" {
		t.Errorf("canonical = %q, want 5511987654321", got)
	}
	if _, err := s.ValidateAndCanonicalizeRecipient("abc"); err == nil {
		t.Error("expected error for digit-free recipient")
	}
}

func TestTwilioServiceSendAudioRequiresURL(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	s := NewTwilioService(mock)

	if err := s.SendAudio(context.Background(), "5511987654321", "/var/lib/assets/x.ogg"); err == nil {
		t.Error("expected error for local path")
	}
	if err := s.SendAudio(context.Background(), "5511987654321", "https://cdn.example.com/x.ogg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.MediaMessages) != 1 || mock.MediaMessages[0].MediaURL != "https://cdn.example.com/x.ogg" {
		t.Errorf("media message not recorded: %+v", mock.MediaMessages)
	}
}

func TestTwilioWebhookHandlerEmitsReply(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+5511987654321")
	form.Set("Body", "call me back")
	form.Set("MessageSid", "SM123")
	req := httptest.NewRequest("POST", "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	s.TwilioWebhookHandler(w, req)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	select {
	case reply := <-s.Replies():
		if reply.From != "+5511987654321" || reply.Body != "call me back" || reply.MessageID != "SM123" {
			t.Errorf("unexpected reply: %+v", reply)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply emitted")
	}
}

func TestTwilioWebhookHandlerMissingFrom(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	req := httptest.NewRequest("POST", "/webhooks/twilio", strings.NewReader("Body=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	s.TwilioWebhookHandler(w, req)
	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
