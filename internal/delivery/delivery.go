// Package delivery splits outbound replies into transport-safe chunks and
// sends them in order with inter-chunk pacing.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ChatRelay/internal/models"
)

// Defaults for the delivery contract.
const (
	// DefaultChunkMax is the single-message size limit in bytes. WhatsApp
	// caps text messages around 4096; the margin leaves room for markup the
	// platform may add.
	DefaultChunkMax = 3500
	// DefaultChunkDelay is the pause between consecutive chunk sends,
	// respecting platform rate limits.
	DefaultChunkDelay = 250 * time.Millisecond
)

// ErrAllChunksFailed indicates no chunk of a reply reached the transport.
var ErrAllChunksFailed = errors.New("all chunk sends failed")

// Sender is the transport send operation chunks are handed to.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// ReceiptRecorder persists per-chunk send outcomes.
type ReceiptRecorder interface {
	AddReceipt(r models.Receipt) error
}

// Opts holds configuration options for the Deliverer.
type Opts struct {
	ChunkMax   int
	ChunkDelay time.Duration
	Sleep      func(time.Duration)
	Receipts   ReceiptRecorder
}

// Option defines a configuration option for the Deliverer.
type Option func(*Opts)

// WithChunkMax overrides the single-message size limit.
func WithChunkMax(n int) Option {
	return func(o *Opts) { o.ChunkMax = n }
}

// WithChunkDelay overrides the inter-chunk pause.
func WithChunkDelay(d time.Duration) Option {
	return func(o *Opts) { o.ChunkDelay = d }
}

// WithSleep injects the pause function, used by tests to avoid real sleeps.
func WithSleep(sleep func(time.Duration)) Option {
	return func(o *Opts) { o.Sleep = sleep }
}

// WithReceipts enables per-chunk receipt persistence.
func WithReceipts(rec ReceiptRecorder) Option {
	return func(o *Opts) { o.Receipts = rec }
}

// Deliverer sends replies through a transport in ordered chunks.
type Deliverer struct {
	sender   Sender
	chunkMax int
	delay    time.Duration
	sleep    func(time.Duration)
	receipts ReceiptRecorder
}

// NewDeliverer creates a Deliverer over the given transport sender.
func NewDeliverer(sender Sender, opts ...Option) *Deliverer {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ChunkMax <= 0 {
		cfg.ChunkMax = DefaultChunkMax
	}
	if cfg.ChunkDelay <= 0 {
		cfg.ChunkDelay = DefaultChunkDelay
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	return &Deliverer{
		sender:   sender,
		chunkMax: cfg.ChunkMax,
		delay:    cfg.ChunkDelay,
		sleep:    cfg.Sleep,
		receipts: cfg.Receipts,
	}
}

// Deliver splits text and sends the chunks strictly in order, each awaited
// before the next. A failed chunk is logged and the rest are still attempted.
// Empty text is a no-op. ErrAllChunksFailed is returned only when nothing
// reached the transport.
func (d *Deliverer) Deliver(ctx context.Context, conversationID, text string) error {
	chunks := SplitIntoChunks(text, d.chunkMax)
	if len(chunks) == 0 {
		slog.Debug("Deliverer nothing to send", "conversation_id", conversationID)
		return nil
	}

	slog.Debug("Deliverer sending reply", "conversation_id", conversationID, "chunks", len(chunks), "text_length", len(text))

	sent := 0
	for i, chunk := range chunks {
		status := models.MessageStatusSent
		if err := d.sender.SendMessage(ctx, conversationID, chunk); err != nil {
			slog.Error("Deliverer chunk send failed", "error", err, "conversation_id", conversationID, "chunk", i+1, "of", len(chunks))
			status = models.MessageStatusFailed
		} else {
			sent++
		}
		d.recordReceipt(conversationID, status)
		if i < len(chunks)-1 {
			d.sleep(d.delay)
		}
	}

	if sent == 0 {
		return ErrAllChunksFailed
	}
	slog.Info("Deliverer reply delivered", "conversation_id", conversationID, "chunks_sent", sent, "chunks_total", len(chunks))
	return nil
}

// recordReceipt persists one chunk outcome when a recorder is configured.
func (d *Deliverer) recordReceipt(conversationID string, status models.MessageStatus) {
	if d.receipts == nil {
		return
	}
	err := d.receipts.AddReceipt(models.Receipt{
		To:     conversationID,
		Status: status,
		Time:   time.Now().Unix(),
	})
	if err != nil {
		slog.Warn("Deliverer failed to record receipt", "error", err, "conversation_id", conversationID)
	}
}

// SplitIntoChunks trims the text and splits it into transport-sized pieces.
// Text within the limit is returned whole. Longer text is split greedily on
// line boundaries: lines accumulate until the next one would overflow. A
// single line exceeding the limit by itself is hard-cut at the limit.
func SplitIntoChunks(text string, maxLen int) []string {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil
	}
	if len(t) <= maxLen {
		return []string{t}
	}

	var chunks []string
	var buf strings.Builder
	// started distinguishes a buffer holding one empty line from a buffer
	// holding nothing; a blank line carried across a flush still owes its
	// line break to the next chunk.
	started := false

	flush := func() {
		if started {
			chunks = append(chunks, buf.String())
			buf.Reset()
			started = false
		}
	}

	for _, line := range strings.Split(t, "\n") {
		// An oversized line cannot be accumulated; hard-cut it.
		for len(line) > maxLen {
			flush()
			chunks = append(chunks, line[:maxLen])
			line = line[maxLen:]
		}

		if !started {
			buf.WriteString(line)
			started = true
			continue
		}
		if buf.Len()+1+len(line) > maxLen {
			flush()
			buf.WriteString(line)
			started = true
			continue
		}
		buf.WriteString("\n")
		buf.WriteString(line)
	}
	flush()

	return chunks
}
