package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/ChatRelay/internal/models"
	"github.com/BTreeMap/ChatRelay/internal/wacloud"
)

// maxWebhookBodyBytes bounds how much of an inbound webhook payload is read.
const maxWebhookBodyBytes = 1 << 20

// CloudService adapts the WhatsApp Cloud API (Graph) to the messaging Service
// interface. Inbound messages arrive over the HTTP webhook and are emitted on
// the events channel; outbound messages go through the Graph send endpoint.
type CloudService struct {
	client      wacloud.Sender
	verifyToken string

	eventsChan chan models.InboundEvent
	stopOnce   sync.Once
	stopped    chan struct{}
	// stopMu orders emitters against the channel close in Stop: the close
	// waits for in-flight emits, and emits blocked on a full channel bail
	// out when stopped fires, so a send can never hit a closed channel.
	stopMu sync.RWMutex
}

// NewCloudService creates a CloudService over the given Graph client.
func NewCloudService(client wacloud.Sender, verifyToken string) *CloudService {
	return &CloudService{
		client:      client,
		verifyToken: verifyToken,
		eventsChan:  make(chan models.InboundEvent, DefaultChannelBufferSize),
		stopped:     make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient canonicalizes a phone number to digits.
func (s *CloudService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

// SendMessage sends a text message to the given phone number.
func (s *CloudService) SendMessage(ctx context.Context, to string, message string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	return s.client.SendMessage(ctx, canonical, message)
}

// Start is a no-op: the Cloud API delivers inbound traffic via webhook, so
// there is no long-lived connection to establish.
func (s *CloudService) Start(ctx context.Context) error {
	slog.Info("CloudService started, awaiting webhook deliveries")
	return nil
}

// Stop closes the events channel and rejects further webhook emissions.
func (s *CloudService) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.stopMu.Lock()
		close(s.eventsChan)
		s.stopMu.Unlock()
	})
	slog.Info("CloudService stopped")
	return nil
}

// Events returns the channel of inbound events parsed from webhooks.
func (s *CloudService) Events() <-chan models.InboundEvent {
	return s.eventsChan
}

// VerifyHandler answers the Graph webhook subscription handshake.
func (s *CloudService) VerifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		challenge, ok := wacloud.VerifySubscription(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), s.verifyToken)
		if !ok {
			slog.Warn("CloudService webhook verification rejected", "mode", q.Get("hub.mode"))
			http.Error(w, "verification failed", http.StatusForbidden)
			return
		}
		slog.Info("CloudService webhook verified")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
	}
}

// WebhookHandler receives Graph webhook deliveries. It acknowledges with 200
// immediately; parsing failures and non-text messages never surface an error
// to the platform, which would otherwise retry the delivery.
func (s *CloudService) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
		if err != nil {
			slog.Error("CloudService failed to read webhook body", "error", err)
			w.WriteHeader(http.StatusOK)
			return
		}

		// Acknowledge before processing so slow generation cannot trigger
		// platform-side retries.
		w.WriteHeader(http.StatusOK)

		messages, err := wacloud.ParseWebhook(body)
		if err != nil {
			slog.Warn("CloudService failed to parse webhook payload", "error", err, "body_length", len(body))
			return
		}

		for _, msg := range messages {
			s.handleIncoming(r.Context(), msg)
		}
	}
}

// handleIncoming converts one parsed Cloud API message into an inbound event.
func (s *CloudService) handleIncoming(ctx context.Context, msg wacloud.IncomingMessage) {
	if msg.Type != "text" {
		slog.Debug("CloudService received non-text message", "type", msg.Type, "from", msg.From)
		notice := "أرسل رسالة نصية فقط من فضلك 🙏 / Text messages only, please 🙏"
		if err := s.client.SendMessage(context.WithoutCancel(ctx), msg.From, notice); err != nil {
			slog.Error("CloudService failed to send non-text notice", "error", err)
		}
		return
	}

	event := models.InboundEvent{
		ConversationID: msg.From,
		EventID:        msg.ID,
		Text:           msg.Text,
		ReceivedAt:     msg.Timestamp,
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	s.emit(event)
}

// emit places an event on the channel, dropping it if the service has been
// stopped or the buffer stays full past the channel timeout.
func (s *CloudService) emit(event models.InboundEvent) {
	s.stopMu.RLock()
	defer s.stopMu.RUnlock()

	select {
	case <-s.stopped:
		slog.Warn("CloudService dropping event, service stopped", "event_id", event.EventID)
		return
	default:
	}

	select {
	case s.eventsChan <- event:
		slog.Debug("CloudService emitted inbound event", "event_id", event.EventID, "text_length", len(event.Text))
	case <-s.stopped:
		slog.Warn("CloudService dropping event, service stopped", "event_id", event.EventID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("CloudService dropping event, channel full", "event_id", event.EventID)
	}
}
