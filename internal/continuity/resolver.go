// Package continuity decides what text is actually sent to generation and
// updates session state from the result.
//
// Classification is heuristic by design: continuation cues, yes/no binding to
// a pending follow-up question, and a short-message threshold. The thresholds
// and the question-mark set are configuration because both are sensitive to
// the language script in use.
package continuity

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ChatRelay/internal/models"
	"github.com/BTreeMap/ChatRelay/internal/store"
)

// Defaults for the script-sensitive heuristics.
const (
	// DefaultShortReplyMax is the inclusive length threshold (in runes) under
	// which a message with prior context is treated as an implicit
	// continuation.
	DefaultShortReplyMax = 12
	// DefaultQuestionMarks are the question-terminating marks recognized by
	// follow-up detection: Latin, Arabic, and fullwidth.
	DefaultQuestionMarks = "?؟？"
)

// Kind tags the outcome of classifying an inbound message against session
// state. The four kinds are evaluated in declaration order; first match wins.
type Kind int

const (
	// KindExplicitContinue matches a continuation cue with a prior reply.
	KindExplicitContinue Kind = iota
	// KindBoundYesNo matches a yes/no token with a pending follow-up question.
	KindBoundYesNo
	// KindImplicitShort matches a short message with a prior reply.
	KindImplicitShort
	// KindFresh is everything else: the text passes through unchanged.
	KindFresh
)

// String returns the classification name for logging.
func (k Kind) String() string {
	switch k {
	case KindExplicitContinue:
		return "explicit_continue"
	case KindBoundYesNo:
		return "bound_yes_no"
	case KindImplicitShort:
		return "implicit_short"
	default:
		return "fresh"
	}
}

// Classification is the closed result of classifying one inbound message. It
// carries the data needed to build the rewritten prompt for its kind.
type Classification struct {
	Kind Kind
	// PriorReply is the reply being continued (explicit/implicit continuation).
	PriorReply string
	// Question and Affirmative describe a bound yes/no answer.
	Question    string
	Affirmative bool
}

// continuationCues is the fixed vocabulary of explicit continuation requests,
// English plus Arabic equivalents.
var continuationCues = map[string]bool{
	"continue": true, "go on": true, "more": true, "keep going": true,
	"and then": true, "next": true,
	"كمل":   true,
	"أكمل":  true,
	"اكمل":  true,
	"تابع":  true,
	"المزيد": true,
}

// yesTokens and noTokens are the fixed yes/no vocabularies.
var yesTokens = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yep": true, "sure": true, "ok": true, "okay": true,
	"نعم": true, "ايوه": true, "أيوه": true, "اي": true, "أجل": true, "تمام": true,
}

var noTokens = map[string]bool{
	"no": true, "n": true, "nope": true, "nah": true,
	"لا": true, "كلا": true, "لأ": true,
}

// Resolver classifies inbound messages against session state and records
// generation results back into the session store.
type Resolver struct {
	sessions      store.SessionRepo
	shortReplyMax int
	questionMarks string
}

// Opts holds configuration options for the Resolver.
type Opts struct {
	ShortReplyMax int
	QuestionMarks string
}

// Option defines a configuration option for the Resolver.
type Option func(*Opts)

// WithShortReplyMax overrides the implicit-continuation length threshold.
func WithShortReplyMax(n int) Option {
	return func(o *Opts) { o.ShortReplyMax = n }
}

// WithQuestionMarks overrides the question-terminating mark set used by
// follow-up detection.
func WithQuestionMarks(marks string) Option {
	return func(o *Opts) { o.QuestionMarks = marks }
}

// NewResolver creates a resolver bound to a session repository.
func NewResolver(sessions store.SessionRepo, opts ...Option) *Resolver {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ShortReplyMax <= 0 {
		cfg.ShortReplyMax = DefaultShortReplyMax
	}
	if cfg.QuestionMarks == "" {
		cfg.QuestionMarks = DefaultQuestionMarks
	}
	return &Resolver{
		sessions:      sessions,
		shortReplyMax: cfg.ShortReplyMax,
		questionMarks: cfg.QuestionMarks,
	}
}

// Classify evaluates the inbound text against the session in precedence
// order: explicit continuation, bound yes/no, implicit short continuation,
// fresh turn. sess may be nil (no live session).
func (r *Resolver) Classify(sess *models.Session, text string) Classification {
	normalized := normalize(text)

	if sess != nil && sess.LastReplyText != "" && continuationCues[normalized] {
		return Classification{Kind: KindExplicitContinue, PriorReply: sess.LastReplyText}
	}

	if sess != nil && sess.PendingFollowup != "" {
		if yesTokens[normalized] {
			return Classification{Kind: KindBoundYesNo, Question: sess.PendingFollowup, Affirmative: true}
		}
		if noTokens[normalized] {
			return Classification{Kind: KindBoundYesNo, Question: sess.PendingFollowup, Affirmative: false}
		}
	}

	if sess != nil && sess.LastReplyText != "" && len([]rune(strings.TrimSpace(text))) <= r.shortReplyMax {
		return Classification{Kind: KindImplicitShort, PriorReply: sess.LastReplyText}
	}

	return Classification{Kind: KindFresh}
}

// Resolve classifies the inbound text and assembles the generation input: the
// possibly rewritten user text plus one prior turn of context when the
// session holds a complete exchange.
func (r *Resolver) Resolve(conversationID, text string) (userText string, priorTurns []models.Turn, c Classification, err error) {
	sess, err := r.sessions.Get(conversationID)
	if err != nil {
		return "", nil, Classification{}, fmt.Errorf("session lookup failed: %w", err)
	}

	c = r.Classify(sess, text)
	userText = r.rewrite(c, text)

	// Prior exchange is supplied regardless of which classification fired.
	if sess != nil && sess.LastUserText != "" && sess.LastReplyText != "" {
		priorTurns = []models.Turn{
			{Role: models.RoleUser, Text: sess.LastUserText},
			{Role: models.RoleAssistant, Text: sess.LastReplyText},
		}
	}

	slog.Debug("Resolver classified inbound message",
		"conversation_id", conversationID,
		"classification", c.Kind.String(),
		"has_prior_turns", len(priorTurns) > 0,
		"text_length", len(text))
	return userText, priorTurns, c, nil
}

// rewrite builds the prompt text for a classification.
func (r *Resolver) rewrite(c Classification, text string) string {
	switch c.Kind {
	case KindExplicitContinue:
		return fmt.Sprintf(
			"The user asked you to continue your previous answer. Continue exactly from where this reply ended, without repeating any of it:\n\n%s",
			c.PriorReply)
	case KindBoundYesNo:
		answer := "yes"
		if !c.Affirmative {
			answer = "no"
		}
		return fmt.Sprintf(
			"You previously asked the user: %q\nThe user answered: %q. Proceed using that answer; do not ask the question again.",
			c.Question, answer)
	case KindImplicitShort:
		return fmt.Sprintf(
			"The user sent a short follow-up to the previous exchange: %q\nTreat it as a continuation of that exchange and respond accordingly.",
			strings.TrimSpace(text))
	default:
		return text
	}
}

// RecordReply performs follow-up detection on the generated reply and writes
// the refreshed continuity state back to the session store.
func (r *Resolver) RecordReply(conversationID, userText, reply string) error {
	followup := DetectFollowup(reply, r.questionMarks)

	err := r.sessions.Set(conversationID, models.SessionPatch{
		LastUserText:    models.StringPtr(userText),
		LastReplyText:   models.StringPtr(reply),
		PendingFollowup: models.StringPtr(followup),
	})
	if err != nil {
		return fmt.Errorf("session update failed: %w", err)
	}

	slog.Debug("Resolver recorded reply",
		"conversation_id", conversationID,
		"reply_length", len(reply),
		"has_followup", followup != "")
	return nil
}

// Reset clears all continuity state for a conversation; the next inbound
// message is unconditionally a fresh turn.
func (r *Resolver) Reset(conversationID string) error {
	if err := r.sessions.Clear(conversationID); err != nil {
		return fmt.Errorf("session clear failed: %w", err)
	}
	slog.Info("Resolver reset conversation", "conversation_id", conversationID)
	return nil
}

// DetectFollowup returns the last non-empty line of the reply when it ends
// with one of the question-terminating marks, otherwise the empty string.
// This is approximate: rhetorical questions misfire and scripts without these
// marks are not detected.
func DetectFollowup(reply, questionMarks string) string {
	lines := strings.Split(reply, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		runes := []rune(line)
		last := runes[len(runes)-1]
		if strings.ContainsRune(questionMarks, last) {
			return line
		}
		return ""
	}
	return ""
}

// normalize lowercases and trims a message down to a comparable token,
// stripping trailing punctuation so "yes!" still binds.
func normalize(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	return strings.TrimRight(t, ".!,؟?！。")
}
