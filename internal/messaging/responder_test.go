package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ChatRelay/internal/continuity"
	"github.com/BTreeMap/ChatRelay/internal/delivery"
	"github.com/BTreeMap/ChatRelay/internal/genai"
	"github.com/BTreeMap/ChatRelay/internal/models"
	"github.com/BTreeMap/ChatRelay/internal/store"
)

// mockService implements Service and records outbound sends.
type mockService struct {
	mu      sync.Mutex
	sent    []string
	sendErr error
	events  chan models.InboundEvent
}

func newMockService() *mockService {
	return &mockService{events: make(chan models.InboundEvent, 10)}
}

func (m *mockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

func (m *mockService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, body)
	return nil
}

func (m *mockService) Start(ctx context.Context) error { return nil }
func (m *mockService) Stop() error                     { return nil }

func (m *mockService) Events() <-chan models.InboundEvent { return m.events }

func (m *mockService) sentMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// mockInvoker implements genai.ClientInterface with scripted replies.
type mockInvoker struct {
	mu       sync.Mutex
	requests []genai.Request
	reply    string
	err      error
}

func (m *mockInvoker) Invoke(ctx context.Context, req genai.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return m.reply, m.err
}

func (m *mockInvoker) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockInvoker) lastRequest() genai.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

type testHarness struct {
	svc       *mockService
	invoker   *mockInvoker
	resolver  *continuity.Resolver
	responder *Responder
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	svc := newMockService()
	invoker := &mockInvoker{reply: "Here is a practical answer."}
	sessions := store.NewInMemorySessions()
	resolver := continuity.NewResolver(sessions)
	deliverer := delivery.NewDeliverer(svc, delivery.WithSleep(func(time.Duration) {}))
	responder := NewResponder(store.NewInMemoryDedup(), resolver, invoker, deliverer)

	return &testHarness{svc: svc, invoker: invoker, resolver: resolver, responder: responder}
}

func event(id, text string) models.InboundEvent {
	return models.InboundEvent{
		ConversationID: "15551234567",
		EventID:        id,
		Text:           text,
		ReceivedAt:     time.Now(),
	}
}

func TestHandleEventFreshMessage(t *testing.T) {
	h := newTestHarness(t)

	h.responder.HandleEvent(context.Background(), h.svc, event("wamid.1", "How do I start a HACCP plan?"))

	if got := h.invoker.callCount(); got != 1 {
		t.Fatalf("expected 1 generation call, got %d", got)
	}
	sent := h.svc.sentMessages()
	if len(sent) != 1 || sent[0] != "Here is a practical answer." {
		t.Errorf("expected generated reply delivered, got %v", sent)
	}
}

func TestHandleEventDuplicateDropped(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.responder.HandleEvent(ctx, h.svc, event("wamid.dup", "first question"))
	h.responder.HandleEvent(ctx, h.svc, event("wamid.dup", "first question"))

	if got := h.invoker.callCount(); got != 1 {
		t.Errorf("expected replayed event to be dropped, got %d generation calls", got)
	}
	if got := len(h.svc.sentMessages()); got != 1 {
		t.Errorf("expected 1 delivered message, got %d", got)
	}
}

func TestHandleEventFollowupBindsYes(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.invoker.reply = "Do you want a sample KPI sheet?"
	h.responder.HandleEvent(ctx, h.svc, event("wamid.q", "Help me set KPIs"))

	h.invoker.reply = "Here is the sheet outline."
	h.responder.HandleEvent(ctx, h.svc, event("wamid.yes", "yes"))

	req := h.invoker.lastRequest()
	if !strings.Contains(req.UserText, "Do you want a sample KPI sheet?") {
		t.Errorf("expected pending question carried into the prompt, got %q", req.UserText)
	}
	if len(req.PriorTurns) != 2 {
		t.Errorf("expected prior exchange attached, got %d turns", len(req.PriorTurns))
	}
}

func TestHandleEventGreetingSkipsGeneration(t *testing.T) {
	h := newTestHarness(t)

	h.responder.HandleEvent(context.Background(), h.svc, event("wamid.hi", "Hello"))

	if got := h.invoker.callCount(); got != 0 {
		t.Errorf("expected greeting to skip generation, got %d calls", got)
	}
	sent := h.svc.sentMessages()
	if len(sent) != 1 || !strings.Contains(sent[0], "ChatRelay") {
		t.Errorf("expected welcome message, got %v", sent)
	}
}

func TestHandleEventResetClearsContinuity(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.responder.HandleEvent(ctx, h.svc, event("wamid.1", "Tell me about CCPs"))
	h.responder.HandleEvent(ctx, h.svc, event("wamid.2", "reset"))
	h.responder.HandleEvent(ctx, h.svc, event("wamid.3", "more"))

	// Without the reset, "more" would classify as an explicit continuation
	// and its prompt would embed the prior reply.
	req := h.invoker.lastRequest()
	if len(req.PriorTurns) != 0 {
		t.Errorf("expected no prior turns after reset, got %d", len(req.PriorTurns))
	}
	if req.UserText != "more" {
		t.Errorf("expected passthrough prompt after reset, got %q", req.UserText)
	}
}

func TestHandleEventGenerationFailureSendsApology(t *testing.T) {
	h := newTestHarness(t)
	h.invoker.err = genai.ErrGenerationExhausted

	h.responder.HandleEvent(context.Background(), h.svc, event("wamid.fail", "a question"))

	sent := h.svc.sentMessages()
	if len(sent) != 1 || !strings.Contains(sent[0], "try again") {
		t.Errorf("expected apology, got %v", sent)
	}
}

func TestHandleEventArabicApology(t *testing.T) {
	h := newTestHarness(t)
	h.invoker.err = genai.ErrGenerationExhausted

	h.responder.HandleEvent(context.Background(), h.svc, event("wamid.ar", "كيف أبدأ خطة الهاسب؟"))

	sent := h.svc.sentMessages()
	if len(sent) != 1 || !strings.Contains(sent[0], "جرّب") {
		t.Errorf("expected Arabic apology, got %v", sent)
	}
}

func TestHandleEventInvalidEventDroppedSilently(t *testing.T) {
	h := newTestHarness(t)

	h.responder.HandleEvent(context.Background(), h.svc, models.InboundEvent{EventID: "wamid.bad"})

	if got := h.invoker.callCount(); got != 0 {
		t.Errorf("expected no generation for invalid event, got %d", got)
	}
	if got := len(h.svc.sentMessages()); got != 0 {
		t.Errorf("expected no sends for invalid event, got %d", got)
	}
}

func TestLockConversationMapDrainsAfterProcessing(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.responder.HandleEvent(ctx, h.svc, models.InboundEvent{
				ConversationID: fmt.Sprintf("1555123%04d", i%5),
				EventID:        fmt.Sprintf("wamid.lock.%d", i),
				Text:           "a question",
				ReceivedAt:     time.Now(),
			})
		}(i)
	}
	wg.Wait()

	h.responder.mu.Lock()
	remaining := len(h.responder.locks)
	h.responder.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected conversation lock map drained after processing, got %d entries", remaining)
	}
}

func TestStartConsumesEvents(t *testing.T) {
	h := newTestHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.responder.Start(ctx, h.svc)
	h.svc.events <- event("wamid.async", "What records does HACCP need?")

	deadline := time.After(2 * time.Second)
	for h.invoker.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for event to be processed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
