package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/ChatRelay/internal/models"
	"github.com/BTreeMap/ChatRelay/internal/whatsapp"
)

// WhatsAppService adapts a live whatsmeow socket session to the messaging
// Service interface. Unlike the webhook transports, inbound messages arrive
// over the persistent connection rather than HTTP.
type WhatsAppService struct {
	client *whatsapp.Client

	eventsChan chan models.InboundEvent
	stopOnce   sync.Once
	stopped    chan struct{}
	// stopMu orders emitters against the channel close in Stop.
	stopMu sync.RWMutex
}

// NewWhatsAppService creates a WhatsAppService over a connected client.
func NewWhatsAppService(client *whatsapp.Client) *WhatsAppService {
	return &WhatsAppService{
		client:     client,
		eventsChan: make(chan models.InboundEvent, DefaultChannelBufferSize),
		stopped:    make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient canonicalizes a phone number to digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

// SendMessage sends a text message to the given phone number.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, message string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	return s.client.SendMessage(ctx, canonical, message)
}

// Start registers the inbound message handler on the underlying socket.
func (s *WhatsAppService) Start(ctx context.Context) error {
	wa := s.client.GetClient()
	if wa == nil {
		return fmt.Errorf("whatsapp client not connected")
	}

	wa.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		s.handleIncoming(msg)
	})

	slog.Info("WhatsAppService started, listening on socket")
	return nil
}

// Stop disconnects the socket and closes the events channel.
func (s *WhatsAppService) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.client.Disconnect()
		s.stopMu.Lock()
		close(s.eventsChan)
		s.stopMu.Unlock()
	})
	slog.Info("WhatsAppService stopped")
	return nil
}

// Events returns the channel of inbound events received over the socket.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.eventsChan
}

// handleIncoming converts one socket message event into an inbound event.
// Own messages and group chatter are ignored.
func (s *WhatsAppService) handleIncoming(msg *events.Message) {
	if msg.Info.IsFromMe || msg.Info.IsGroup {
		return
	}

	text := msg.Message.GetConversation()
	if text == "" {
		text = msg.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		slog.Debug("WhatsAppService ignoring non-text message", "message_id", msg.Info.ID)
		return
	}

	receivedAt := msg.Info.Timestamp
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	s.emit(models.InboundEvent{
		ConversationID: msg.Info.Sender.User,
		EventID:        msg.Info.ID,
		Text:           text,
		ReceivedAt:     receivedAt,
	})
}

func (s *WhatsAppService) emit(event models.InboundEvent) {
	s.stopMu.RLock()
	defer s.stopMu.RUnlock()

	select {
	case <-s.stopped:
		slog.Warn("WhatsAppService dropping event, service stopped", "event_id", event.EventID)
		return
	default:
	}

	select {
	case s.eventsChan <- event:
		slog.Debug("WhatsAppService emitted inbound event", "event_id", event.EventID, "text_length", len(event.Text))
	case <-s.stopped:
		slog.Warn("WhatsAppService dropping event, service stopped", "event_id", event.EventID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService dropping event, channel full", "event_id", event.EventID)
	}
}
