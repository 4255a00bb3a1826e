// Package genai wraps the OpenAI API for reply generation in ChatRelay.
//
// The invoker iterates an ordered list of model candidates with bounded
// retries and a per-attempt timeout, returning the first non-empty reply.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/ChatRelay/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults for the invocation strategy.
const (
	// DefaultAttemptsPerModel is how many times one model candidate is tried
	// before falling back to the next.
	DefaultAttemptsPerModel = 2
	// DefaultTimeout bounds one generation attempt.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutputTokens bounds reply length.
	DefaultMaxOutputTokens = 500
)

// Error variables for better error handling and testability
var (
	// ErrGenerationExhausted indicates every try of every model candidate
	// failed, timed out, or returned empty text. Callers must map this to a
	// user-facing fallback message rather than surface it raw.
	ErrGenerationExhausted = errors.New("all generation attempts exhausted")
	// ErrNoAPIKey indicates the client was built without an API key.
	ErrNoAPIKey = errors.New("OpenAI API key not provided")
)

// Request describes one generation invocation. It is constructed fresh per
// inbound message and never persisted.
type Request struct {
	SystemPrompt    string
	PriorTurns      []models.Turn
	UserText        string
	ModelCandidates []string
	MaxOutputTokens int64
	Timeout         time.Duration
}

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// openaiChat adapts the SDK completion service to chatService.
type openaiChat struct {
	svc openai.ChatCompletionService
}

func (c openaiChat) New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return c.svc.New(ctx, params)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey        string
	DefaultModels []string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding $OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithDefaultModels sets the model candidates used when a request names none.
func WithDefaultModels(model ...string) Option {
	return func(o *Opts) { o.DefaultModels = model }
}

// Client wraps the OpenAI chat completion service with the fallback strategy.
type Client struct {
	chat          chatService
	defaultModels []string
}

// ClientInterface allows swapping the invoker in tests.
type ClientInterface interface {
	Invoke(ctx context.Context, req Request) (string, error)
}

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not provided via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if len(cfg.DefaultModels) == 0 {
		cfg.DefaultModels = []string{"gpt-4.1-mini"}
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client initialized", "default_models", strings.Join(cfg.DefaultModels, ","))
	return &Client{chat: openaiChat{svc: cli.Chat.Completions}, defaultModels: cfg.DefaultModels}, nil
}

// Invoke iterates model candidates in order, trying each a bounded number of
// times against a per-attempt timeout, and returns the first non-empty reply.
// When everything fails it returns ErrGenerationExhausted; the raw cause is
// logged here, not propagated.
func (c *Client) Invoke(ctx context.Context, req Request) (string, error) {
	candidates := req.ModelCandidates
	if len(candidates) == 0 {
		candidates = c.defaultModels
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}

	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(req),
		MaxCompletionTokens: openai.Int(maxTokens),
	}

	attempts := 0
	for _, model := range candidates {
		params.Model = openai.ChatModel(model)
		for try := 1; try <= DefaultAttemptsPerModel; try++ {
			attempts++
			text, err := c.attempt(ctx, params, timeout)
			if err == nil && text != "" {
				slog.Debug("GenAI Invoke succeeded", "model", model, "try", try, "reply_length", len(text))
				return text, nil
			}
			if err != nil {
				slog.Warn("GenAI attempt failed", "model", model, "try", try, "error", err)
			} else {
				slog.Warn("GenAI attempt returned empty text", "model", model, "try", try)
			}
			if ctx.Err() != nil {
				// The surrounding pipeline is gone; stop burning attempts.
				slog.Warn("GenAI Invoke aborted, caller context done", "error", ctx.Err())
				return "", fmt.Errorf("%w: %d attempts", ErrGenerationExhausted, attempts)
			}
		}
	}

	slog.Error("GenAI Invoke exhausted all candidates", "models", len(candidates), "attempts", attempts)
	return "", fmt.Errorf("%w: %d models, %d attempts", ErrGenerationExhausted, len(candidates), attempts)
}

// attempt issues one generation call racing the per-attempt timeout. A losing
// call is abandoned via context cancellation; its eventual result is
// discarded and cannot reach the caller.
func (c *Client) attempt(ctx context.Context, params openai.ChatCompletionNewParams, timeout time.Duration) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.chat.New(attemptCtx, params)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("generation timed out after %v", timeout)
		}
		return "", err
	}
	return ExtractText(resp), nil
}

// buildMessages assembles the chat messages: system prompt, prior turns in
// order, then the user text.
func buildMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.PriorTurns)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, turn := range req.PriorTurns {
		switch turn.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Text))
		default:
			messages = append(messages, openai.UserMessage(turn.Text))
		}
	}
	messages = append(messages, openai.UserMessage(req.UserText))
	return messages
}

// ExtractText pulls the reply text out of a completion response. It tries the
// flat message content first, then walks a nested content-part structure,
// concatenating text-bearing parts in order. A differently-shaped response
// yields empty text rather than an error.
func ExtractText(resp *openai.ChatCompletion) string {
	if resp == nil {
		return ""
	}
	for _, choice := range resp.Choices {
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			return text
		}
		if text := extractNestedText([]byte(choice.Message.RawJSON())); text != "" {
			return text
		}
	}
	return ""
}

// extractNestedText walks a raw message payload whose content field is an
// array of typed parts, collecting every "text" field it finds.
func extractNestedText(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	parts, ok := payload["content"].([]interface{})
	if !ok {
		return ""
	}

	var out strings.Builder
	for _, part := range parts {
		m, ok := part.(map[string]interface{})
		if !ok {
			continue
		}
		if text, ok := m["text"].(string); ok && strings.TrimSpace(text) != "" {
			if out.Len() > 0 {
				out.WriteString("\n")
			}
			out.WriteString(text)
		}
	}
	return strings.TrimSpace(out.String())
}
