package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ChatRelay/internal/models"
	"github.com/BTreeMap/ChatRelay/internal/twiliowhatsapp"
)

// TwilioService adapts the Twilio WhatsApp sandbox to the messaging Service
// interface. Inbound messages arrive as form-encoded webhook posts.
type TwilioService struct {
	client twiliowhatsapp.Sender

	eventsChan chan models.InboundEvent
	stopOnce   sync.Once
	stopped    chan struct{}
	// stopMu orders emitters against the channel close in Stop.
	stopMu sync.RWMutex
}

// NewTwilioService creates a TwilioService over the given Twilio client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:     client,
		eventsChan: make(chan models.InboundEvent, DefaultChannelBufferSize),
		stopped:    make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient canonicalizes a phone number to digits,
// accepting the Twilio "whatsapp:+1555..." addressing form.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(strings.TrimPrefix(recipient, "whatsapp:"))
}

// SendMessage sends a text message to the given phone number.
func (s *TwilioService) SendMessage(ctx context.Context, to string, message string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	return s.client.SendMessage(ctx, canonical, message)
}

// Start is a no-op: inbound traffic arrives over the HTTP webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	slog.Info("TwilioService started, awaiting webhook deliveries")
	return nil
}

// Stop closes the events channel and rejects further webhook emissions.
func (s *TwilioService) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.stopMu.Lock()
		close(s.eventsChan)
		s.stopMu.Unlock()
	})
	slog.Info("TwilioService stopped")
	return nil
}

// Events returns the channel of inbound events parsed from webhooks.
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.eventsChan
}

// WebhookHandler receives Twilio message webhooks. Twilio posts
// application/x-www-form-urlencoded with From, Body, and MessageSid fields.
func (s *TwilioService) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			slog.Warn("TwilioService failed to parse webhook form", "error", err)
			w.WriteHeader(http.StatusOK)
			return
		}

		from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
		body := r.FormValue("Body")
		sid := r.FormValue("MessageSid")

		// Acknowledge with an empty TwiML response so Twilio does not retry.
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))

		if from == "" || body == "" {
			slog.Debug("TwilioService ignoring webhook without sender or body", "message_sid", sid)
			return
		}

		s.emit(models.InboundEvent{
			ConversationID: from,
			EventID:        sid,
			Text:           body,
			ReceivedAt:     time.Now(),
		})
	}
}

func (s *TwilioService) emit(event models.InboundEvent) {
	s.stopMu.RLock()
	defer s.stopMu.RUnlock()

	select {
	case <-s.stopped:
		slog.Warn("TwilioService dropping event, service stopped", "event_id", event.EventID)
		return
	default:
	}

	select {
	case s.eventsChan <- event:
		slog.Debug("TwilioService emitted inbound event", "event_id", event.EventID, "text_length", len(event.Text))
	case <-s.stopped:
		slog.Warn("TwilioService dropping event, service stopped", "event_id", event.EventID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService dropping event, channel full", "event_id", event.EventID)
	}
}
