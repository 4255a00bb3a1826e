package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/ChatRelay/internal/models"
)

func newTestSQLiteStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "chatrelay_test.db")
	opts = append([]Option{WithSQLiteDSN(dsn)}, opts...)
	s, err := NewSQLiteStore(opts...)
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_DedupRoundTrip(t *testing.T) {
	clock := newFakeClock()
	s := newTestSQLiteStore(t, WithClock(clock.Now))

	dup, err := s.Seen("e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dup {
		t.Error("first sighting should be novel")
	}
	if dup, _ := s.Seen("e1"); !dup {
		t.Error("second sighting should be duplicate")
	}

	clock.Advance(11 * time.Minute)
	if dup, _ := s.Seen("e1"); dup {
		t.Error("sighting after window should be novel again")
	}
}

func TestSQLiteStore_DedupEmptyID(t *testing.T) {
	s := newTestSQLiteStore(t)
	if dup, _ := s.Seen(""); dup {
		t.Error("empty event id must never be deduplicated")
	}
}

func TestSQLiteStore_SessionLifecycle(t *testing.T) {
	clock := newFakeClock()
	s := newTestSQLiteStore(t, WithClock(clock.Now), WithSessionTTL(30*time.Minute))

	if sess, err := s.Get("c1"); err != nil || sess != nil {
		t.Fatalf("expected absent session, got %v err %v", sess, err)
	}

	if err := s.Set("c1", models.SessionPatch{
		LastUserText:  models.StringPtr("hello"),
		LastReplyText: models.StringPtr("hi"),
	}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := s.Set("c1", models.SessionPatch{PendingFollowup: models.StringPtr("More?")}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	sess, err := s.Get("c1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if sess == nil {
		t.Fatal("expected session")
	}
	if sess.LastUserText != "hello" || sess.LastReplyText != "hi" || sess.PendingFollowup != "More?" {
		t.Errorf("merge produced wrong session: %+v", sess)
	}

	clock.Advance(31 * time.Minute)
	if sess, _ := s.Get("c1"); sess != nil {
		t.Error("expected TTL eviction")
	}
}

func TestSQLiteStore_Clear(t *testing.T) {
	s := newTestSQLiteStore(t)
	_ = s.Set("c1", models.SessionPatch{LastReplyText: models.StringPtr("r")})
	if err := s.Clear("c1"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if sess, _ := s.Get("c1"); sess != nil {
		t.Error("expected session absent after clear")
	}
}

func TestSQLiteStore_AddReceipt(t *testing.T) {
	s := newTestSQLiteStore(t)
	err := s.AddReceipt(models.Receipt{To: "15551234567", Status: models.MessageStatusSent, Time: time.Now().Unix()})
	if err != nil {
		t.Errorf("AddReceipt failed: %v", err)
	}
}
