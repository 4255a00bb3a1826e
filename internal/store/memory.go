// Package store provides storage backends for ChatRelay.
//
// This file implements the in-memory repositories used when no database DSN
// is configured. Both are self-bounding: stale entries are purged lazily on
// each access, so no external size limit is needed given the TTLs.
package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ChatRelay/internal/models"
)

// InMemoryDedup remembers event ids for the recency window.
type InMemoryDedup struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewInMemoryDedup creates an in-memory deduplication repository.
func NewInMemoryDedup(opts ...Option) *InMemoryDedup {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()
	return &InMemoryDedup{
		seen:   make(map[string]time.Time),
		window: cfg.DedupWindow,
		now:    cfg.Clock,
	}
}

// Seen reports whether eventID was recorded within the window, recording it
// when novel. Empty ids cannot be deduplicated and are always novel.
func (d *InMemoryDedup) Seen(eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, firstSeen := range d.seen {
		if now.Sub(firstSeen) > d.window {
			delete(d.seen, id)
		}
	}

	if _, ok := d.seen[eventID]; ok {
		slog.Debug("InMemoryDedup duplicate event", "event_id", eventID)
		return true, nil
	}
	d.seen[eventID] = now
	return false, nil
}

// InMemorySessions keeps conversation continuity state with TTL eviction.
type InMemorySessions struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	ttl      time.Duration
	now      func() time.Time
}

// NewInMemorySessions creates an in-memory session repository.
func NewInMemorySessions(opts ...Option) *InMemorySessions {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()
	return &InMemorySessions{
		sessions: make(map[string]*models.Session),
		ttl:      cfg.SessionTTL,
		now:      cfg.Clock,
	}
}

// Get returns the live session for a conversation, or nil when absent or
// expired. An expired entry is evicted on the way out.
func (s *InMemorySessions) Get(conversationID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[conversationID]
	if !ok {
		return nil, nil
	}
	if s.now().Sub(sess.UpdatedAt) > s.ttl {
		delete(s.sessions, conversationID)
		slog.Debug("InMemorySessions evicted expired session", "conversation_id", conversationID)
		return nil, nil
	}

	copied := *sess
	return &copied, nil
}

// Set merges the patch into the session for a conversation, creating it when
// absent, and refreshes UpdatedAt. An expired entry is replaced, not merged.
func (s *InMemorySessions) Set(conversationID string, patch models.SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess, ok := s.sessions[conversationID]
	if !ok || now.Sub(sess.UpdatedAt) > s.ttl {
		sess = &models.Session{ConversationID: conversationID}
		s.sessions[conversationID] = sess
	}

	applyPatch(sess, patch)
	sess.UpdatedAt = now
	return nil
}

// Clear removes the session outright.
func (s *InMemorySessions) Clear(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, conversationID)
	return nil
}

// applyPatch copies the non-nil patch fields into the session.
func applyPatch(sess *models.Session, patch models.SessionPatch) {
	if patch.LastUserText != nil {
		sess.LastUserText = *patch.LastUserText
	}
	if patch.LastReplyText != nil {
		sess.LastReplyText = *patch.LastReplyText
	}
	if patch.PendingFollowup != nil {
		sess.PendingFollowup = *patch.PendingFollowup
	}
	if patch.AwaitingConfirmation != nil {
		sess.AwaitingConfirmation = *patch.AwaitingConfirmation
	}
}
