// Package messaging provides the webhook responder for ChatRelay.
//
// The responder is the boundary where every per-message failure is absorbed:
// downstream errors degrade to a best-effort apology, never a crash.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ChatRelay/internal/continuity"
	"github.com/BTreeMap/ChatRelay/internal/delivery"
	"github.com/BTreeMap/ChatRelay/internal/genai"
	"github.com/BTreeMap/ChatRelay/internal/models"
	"github.com/BTreeMap/ChatRelay/internal/store"
	"github.com/BTreeMap/ChatRelay/internal/util"
)

// DefaultBotName is the assistant name used in prompts and the welcome text.
const DefaultBotName = "ChatRelay"

// arabicRegex detects Arabic-script text for prompt and reply localization.
var arabicRegex = regexp.MustCompile(`[\x{0600}-\x{06FF}]`)

// greetings short-circuit to the static welcome message.
var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "help": true, "start": true,
	"مرحبا": true, "مرحباً": true, "السلام عليكم": true, "سلام عليكم": true,
	"سلام": true, "هلا": true, "صباح الخير": true, "مساء الخير": true,
}

// resetCommands clear all continuity state for the conversation.
var resetCommands = map[string]bool{
	"reset": true, "/reset": true, "ابدأ من جديد": true,
}

// Opts holds configuration options for the Responder.
type Opts struct {
	BotName         string
	ModelCandidates []string
	MaxOutputTokens int64
	Timeout         time.Duration
}

// Option defines a configuration option for the Responder.
type Option func(*Opts)

// WithBotName sets the assistant name used in prompts and the welcome text.
func WithBotName(name string) Option {
	return func(o *Opts) { o.BotName = name }
}

// WithModelCandidates sets the ordered model fallback list.
func WithModelCandidates(model ...string) Option {
	return func(o *Opts) { o.ModelCandidates = model }
}

// WithMaxOutputTokens bounds reply length.
func WithMaxOutputTokens(n int64) Option {
	return func(o *Opts) { o.MaxOutputTokens = n }
}

// WithGenerationTimeout bounds one generation attempt.
func WithGenerationTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Responder normalizes inbound events, applies deduplication, routes control
// commands, and drives the resolve → generate → record → deliver pipeline.
type Responder struct {
	dedup     store.DedupRepo
	resolver  *continuity.Resolver
	invoker   genai.ClientInterface
	deliverer *delivery.Deliverer

	botName         string
	modelCandidates []string
	maxOutputTokens int64
	timeout         time.Duration

	// locks serializes processing per conversation so interleaved webhook
	// retries cannot read half-updated session state. Entries are dropped
	// once no holder or waiter remains, keeping the map bounded by the
	// number of in-flight conversations.
	mu    sync.Mutex
	locks map[string]*conversationLock
}

// conversationLock is one per-conversation mutex plus the count of holders
// and waiters sharing it.
type conversationLock struct {
	mu   sync.Mutex
	refs int
}

// NewResponder creates a Responder over the given pipeline components.
func NewResponder(dedup store.DedupRepo, resolver *continuity.Resolver, invoker genai.ClientInterface, deliverer *delivery.Deliverer, opts ...Option) *Responder {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BotName == "" {
		cfg.BotName = DefaultBotName
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = genai.DefaultMaxOutputTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = genai.DefaultTimeout
	}
	return &Responder{
		dedup:           dedup,
		resolver:        resolver,
		invoker:         invoker,
		deliverer:       deliverer,
		botName:         cfg.BotName,
		modelCandidates: cfg.ModelCandidates,
		maxOutputTokens: cfg.MaxOutputTokens,
		timeout:         cfg.Timeout,
		locks:           make(map[string]*conversationLock),
	}
}

// Start begins consuming inbound events from the messaging service.
func (r *Responder) Start(ctx context.Context, svc Service) {
	slog.Info("Responder starting event processing")

	go func() {
		defer slog.Info("Responder stopped event processing")

		for {
			select {
			case event, ok := <-svc.Events():
				if !ok {
					slog.Debug("Responder events channel closed")
					return
				}
				go r.HandleEvent(ctx, svc, event)

			case <-ctx.Done():
				slog.Debug("Responder stopping due to context cancellation")
				return
			}
		}
	}()
}

// HandleEvent runs the full pipeline for one inbound event. It never panics
// and never returns an error: every failure is degraded to a best-effort
// apology or a silent drop at this boundary.
func (r *Responder) HandleEvent(ctx context.Context, svc Service, event models.InboundEvent) {
	traceID := util.GenerateTraceID()

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Responder recovered from panic", "panic", rec, "trace_id", traceID, "conversation_id", event.ConversationID)
			if event.ConversationID != "" {
				r.sendApology(ctx, svc, event.ConversationID, event.Text)
			}
		}
	}()

	if err := event.Validate(); err != nil {
		// No destination or nothing to answer; drop without user-visible effect.
		slog.Debug("Responder dropping malformed event", "error", err, "trace_id", traceID)
		return
	}

	conversationID, err := svc.ValidateAndCanonicalizeRecipient(event.ConversationID)
	if err != nil {
		slog.Debug("Responder dropping event with invalid conversation id", "error", err, "trace_id", traceID)
		return
	}

	duplicate, err := r.dedup.Seen(event.EventID)
	if err != nil {
		// Dedup storage trouble must not eat the message; treat as novel.
		slog.Warn("Responder dedup check failed, treating event as novel", "error", err, "trace_id", traceID)
	}
	if duplicate {
		slog.Info("Responder dropping duplicate event", "event_id", event.EventID, "trace_id", traceID)
		return
	}

	unlock := r.lockConversation(conversationID)
	defer unlock()

	text := strings.TrimSpace(event.Text)
	normalized := strings.ToLower(text)

	slog.Debug("Responder processing event",
		"trace_id", traceID,
		"conversation_id", conversationID,
		"event_id", event.EventID,
		"text_length", len(text))

	switch {
	case greetings[normalized]:
		r.sendBestEffort(ctx, svc, conversationID, r.welcomeText(text))
		return
	case resetCommands[normalized]:
		if err := r.resolver.Reset(conversationID); err != nil {
			slog.Error("Responder reset failed", "error", err, "trace_id", traceID, "conversation_id", conversationID)
		}
		r.sendBestEffort(ctx, svc, conversationID, r.resetConfirmation(text))
		return
	}

	r.runReplyPipeline(ctx, svc, conversationID, text, traceID)
}

// runReplyPipeline drives resolve → generate → record → deliver for one
// conversational message.
func (r *Responder) runReplyPipeline(ctx context.Context, svc Service, conversationID, text, traceID string) {
	userText, priorTurns, classification, err := r.resolver.Resolve(conversationID, text)
	if err != nil {
		// Continuity is best-effort; fall back to a fresh turn.
		slog.Warn("Responder continuity resolution failed, using fresh turn", "error", err, "trace_id", traceID)
		userText = text
		priorTurns = nil
	}

	reply, err := r.invoker.Invoke(ctx, genai.Request{
		SystemPrompt:    r.systemPrompt(text),
		PriorTurns:      priorTurns,
		UserText:        userText,
		ModelCandidates: r.modelCandidates,
		MaxOutputTokens: r.maxOutputTokens,
		Timeout:         r.timeout,
	})
	if err != nil {
		slog.Error("Responder generation exhausted", "error", err, "trace_id", traceID, "conversation_id", conversationID, "classification", classification.Kind.String())
		r.sendApology(ctx, svc, conversationID, text)
		return
	}

	// Record continuity state before delivery so a follow-up arriving during
	// a slow chunked send still binds to this reply.
	if err := r.resolver.RecordReply(conversationID, text, reply); err != nil {
		slog.Warn("Responder failed to record reply, continuity may degrade", "error", err, "trace_id", traceID)
	}

	if err := r.deliverer.Deliver(ctx, conversationID, reply); err != nil {
		slog.Error("Responder delivery failed", "error", err, "trace_id", traceID, "conversation_id", conversationID)
	}
}

// lockConversation acquires the per-conversation mutex, creating it on first
// use, and returns the unlock function. The last holder to unlock removes
// the map entry.
func (r *Responder) lockConversation(conversationID string) func() {
	r.mu.Lock()
	lock, ok := r.locks[conversationID]
	if !ok {
		lock = &conversationLock{}
		r.locks[conversationID] = lock
	}
	lock.refs++
	r.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.locks, conversationID)
		}
		r.mu.Unlock()
	}
}

// sendApology delivers the localized generation-failure message; its own
// failure is only logged.
func (r *Responder) sendApology(ctx context.Context, svc Service, conversationID, inboundText string) {
	apology := "❌ Couldn't generate a reply right now. Please try again."
	if isArabic(inboundText) {
		apology = "❌ ما قدرت أطلع رد الآن. جرّب مرة ثانية."
	}
	r.sendBestEffort(ctx, svc, conversationID, apology)
}

// sendBestEffort sends a single message, logging failure instead of
// propagating it.
func (r *Responder) sendBestEffort(ctx context.Context, svc Service, conversationID, body string) {
	if err := svc.SendMessage(ctx, conversationID, body); err != nil {
		slog.Error("Responder best-effort send failed", "error", err, "conversation_id", conversationID)
	}
}

// systemPrompt returns the consultant system prompt in the language of the
// inbound text.
func (r *Responder) systemPrompt(inboundText string) string {
	if isArabic(inboundText) {
		return fmt.Sprintf(`أنت %s مستشار صناعي في الجودة وسلامة الغذاء وHACCP وKPI والتميز المؤسسي.
القواعد:
- رد عملي تنفيذي: خطوات + ضوابط + سجلات + تحقق.
- واتساب: نقاط واضحة بدون إسهاب.
- إذا السؤال عام جداً: اسأل سؤال توضيحي واحد فقط.`, r.botName)
	}
	return fmt.Sprintf(`You are %s, a practical consultant for Quality, Food Safety (HACCP), KPIs, and Excellence.
Rules:
- Actionable steps + controls + records + verification.
- WhatsApp-friendly bullets (no long essays).
- If too broad: ask ONE clarifying question only.`, r.botName)
}

// welcomeText returns the static capability text for greetings and the help
// command.
func (r *Responder) welcomeText(inboundText string) string {
	if isArabic(inboundText) {
		return fmt.Sprintf("مرحباً 👋\nأنا %s.\nاكتب سؤالك مباشرة في الجودة أو سلامة الغذاء أو HACCP أو KPI وسأرد بخطوات عملية مختصرة.", r.botName)
	}
	return fmt.Sprintf("Hello 👋\nI'm %s.\nAsk me anything about Quality, Food Safety, HACCP, or KPIs and I'll reply with short practical steps.", r.botName)
}

// resetConfirmation confirms that continuity state was discarded.
func (r *Responder) resetConfirmation(inboundText string) string {
	if isArabic(inboundText) {
		return "تم مسح المحادثة. ابدأ بسؤال جديد."
	}
	return "Conversation cleared. Start with a fresh question."
}

// isArabic reports whether the text contains Arabic-script characters.
func isArabic(text string) bool {
	return arabicRegex.MatchString(text)
}
