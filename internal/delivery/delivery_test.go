package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ChatRelay/internal/models"
)

// mockSender records sent chunks and can fail selected sends.
type mockSender struct {
	sent    []string
	to      []string
	failIdx map[int]bool
	calls   int
}

func (m *mockSender) SendMessage(ctx context.Context, to string, body string) error {
	idx := m.calls
	m.calls++
	if m.failIdx[idx] {
		return errors.New("send failed")
	}
	m.to = append(m.to, to)
	m.sent = append(m.sent, body)
	return nil
}

func noSleep(time.Duration) {}

func TestSplitIntoChunks_FitsSingleMessage(t *testing.T) {
	chunks := SplitIntoChunks("  hello world  ", 100)
	if len(chunks) != 1 || chunks[0] != "hello world" {
		t.Errorf("expected single trimmed chunk, got %v", chunks)
	}
}

func TestSplitIntoChunks_EmptyText(t *testing.T) {
	if chunks := SplitIntoChunks("   \n  ", 100); chunks != nil {
		t.Errorf("expected no chunks for blank text, got %v", chunks)
	}
}

func TestSplitIntoChunks_SplitsOnLineBoundaries(t *testing.T) {
	lines := []string{
		strings.Repeat("a", 40),
		strings.Repeat("b", 40),
		strings.Repeat("c", 40),
	}
	text := strings.Join(lines, "\n")

	chunks := SplitIntoChunks(text, 90)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	for i, chunk := range chunks {
		if len(chunk) > 90 {
			t.Errorf("chunk %d exceeds limit: %d bytes", i, len(chunk))
		}
	}
	if strings.Join(chunks, "\n") != text {
		t.Error("chunks must concatenate back to the trimmed input")
	}
	if !strings.HasPrefix(chunks[0], "a") || !strings.HasPrefix(chunks[1], "c") {
		t.Errorf("chunks out of original line order: %v", chunks)
	}
}

func TestSplitIntoChunks_OversizedLineIsHardCut(t *testing.T) {
	text := strings.Repeat("x", 250)
	chunks := SplitIntoChunks(text, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 100 || len(chunks[1]) != 100 || len(chunks[2]) != 50 {
		t.Errorf("unexpected hard-cut sizes: %d/%d/%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if strings.Join(chunks, "") != text {
		t.Error("hard-cut chunks must concatenate back to the input")
	}
}

func TestSplitIntoChunks_ConcatenationProperty(t *testing.T) {
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, strings.Repeat("line", i%7+1))
		if i%11 == 0 {
			lines = append(lines, "")
		}
	}
	text := strings.Join(lines, "\n")

	chunks := SplitIntoChunks(text, 120)
	for i, chunk := range chunks {
		if len(chunk) > 120 {
			t.Errorf("chunk %d exceeds limit", i)
		}
	}
	if strings.Join(chunks, "\n") != text {
		t.Error("chunks with restored line breaks must equal the trimmed input")
	}
}

func TestSplitIntoChunks_BlankLineAtChunkBoundary(t *testing.T) {
	// The first line fills a chunk exactly, forcing the blank line to be
	// carried into the next chunk; its line break must survive the flush.
	text := strings.Repeat("a", 50) + "\n\n" + strings.Repeat("b", 40)

	chunks := SplitIntoChunks(text, 50)
	for i, chunk := range chunks {
		if len(chunk) > 50 {
			t.Errorf("chunk %d exceeds limit", i)
		}
	}
	if got := strings.Join(chunks, "\n"); got != text {
		t.Errorf("chunks with restored line breaks = %q, want %q", got, text)
	}
}

func TestDeliver_SingleMessage(t *testing.T) {
	sender := &mockSender{}
	d := NewDeliverer(sender, WithSleep(noSleep))

	if err := d.Deliver(context.Background(), "c1", "short reply"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "short reply" {
		t.Errorf("expected one send, got %v", sender.sent)
	}
	if sender.to[0] != "c1" {
		t.Errorf("wrong recipient: %q", sender.to[0])
	}
}

func TestDeliver_EmptyTextIsNoop(t *testing.T) {
	sender := &mockSender{}
	d := NewDeliverer(sender, WithSleep(noSleep))

	if err := d.Deliver(context.Background(), "c1", "   "); err != nil {
		t.Fatalf("empty text must be a no-op, got %v", err)
	}
	if sender.calls != 0 {
		t.Errorf("expected zero sends, got %d", sender.calls)
	}
}

func TestDeliver_OrderedChunks(t *testing.T) {
	sender := &mockSender{}
	d := NewDeliverer(sender, WithChunkMax(50), WithSleep(noSleep))

	text := strings.Repeat("a", 40) + "\n" + strings.Repeat("b", 40) + "\n" + strings.Repeat("c", 40)
	if err := d.Deliver(context.Background(), "c1", text); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(sender.sent))
	}
	if !strings.HasPrefix(sender.sent[0], "a") || !strings.HasPrefix(sender.sent[1], "b") || !strings.HasPrefix(sender.sent[2], "c") {
		t.Errorf("chunks sent out of order: %v", sender.sent)
	}
}

func TestDeliver_FailedChunkDoesNotStopRest(t *testing.T) {
	sender := &mockSender{failIdx: map[int]bool{1: true}}
	d := NewDeliverer(sender, WithChunkMax(50), WithSleep(noSleep))

	text := strings.Repeat("a", 40) + "\n" + strings.Repeat("b", 40) + "\n" + strings.Repeat("c", 40)
	if err := d.Deliver(context.Background(), "c1", text); err != nil {
		t.Fatalf("partial failure must not surface an error, got %v", err)
	}
	if sender.calls != 3 {
		t.Errorf("all chunks must be attempted, got %d calls", sender.calls)
	}
	if len(sender.sent) != 2 {
		t.Errorf("expected 2 successful sends, got %d", len(sender.sent))
	}
}

func TestDeliver_AllChunksFailed(t *testing.T) {
	sender := &mockSender{failIdx: map[int]bool{0: true}}
	d := NewDeliverer(sender, WithSleep(noSleep))

	err := d.Deliver(context.Background(), "c1", "hello")
	if !errors.Is(err, ErrAllChunksFailed) {
		t.Errorf("expected ErrAllChunksFailed, got %v", err)
	}
}

func TestDeliver_PacedBetweenChunks(t *testing.T) {
	sender := &mockSender{}
	var pauses []time.Duration
	d := NewDeliverer(sender,
		WithChunkMax(50),
		WithChunkDelay(250*time.Millisecond),
		WithSleep(func(d time.Duration) { pauses = append(pauses, d) }))

	text := strings.Repeat("a", 40) + "\n" + strings.Repeat("b", 40)
	if err := d.Deliver(context.Background(), "c1", text); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// One pause between two chunks, none after the last.
	if len(pauses) != 1 || pauses[0] != 250*time.Millisecond {
		t.Errorf("expected one 250ms pause, got %v", pauses)
	}
}

// mockReceipts records receipts handed to the recorder.
type mockReceipts struct {
	receipts []models.Receipt
}

func (m *mockReceipts) AddReceipt(r models.Receipt) error {
	m.receipts = append(m.receipts, r)
	return nil
}

func TestDeliverRecordsReceipts(t *testing.T) {
	sender := &mockSender{failIdx: map[int]bool{1: true}}
	rec := &mockReceipts{}
	d := NewDeliverer(sender, WithChunkMax(10), WithSleep(noSleep), WithReceipts(rec))

	if err := d.Deliver(context.Background(), "15551234567", "first line\nsecond one"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if len(rec.receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(rec.receipts))
	}
	if rec.receipts[0].Status != models.MessageStatusSent {
		t.Errorf("expected first chunk sent, got %q", rec.receipts[0].Status)
	}
	if rec.receipts[1].Status != models.MessageStatusFailed {
		t.Errorf("expected second chunk failed, got %q", rec.receipts[1].Status)
	}
	if rec.receipts[0].To != "15551234567" {
		t.Errorf("expected receipt addressed to conversation, got %q", rec.receipts[0].To)
	}
}
