// Package store provides storage backends for ChatRelay.
//
// It defines the deduplication and session repositories used by the webhook
// responder, with an in-memory implementation for the default best-effort
// mode and SQLite/Postgres implementations for durable deployments.
package store

import (
	"time"

	"github.com/BTreeMap/ChatRelay/internal/models"
)

// Default retention windows for the repositories.
const (
	// DefaultDedupWindow is how long an inbound event id is remembered.
	DefaultDedupWindow = 10 * time.Minute
	// DefaultSessionTTL is how long conversation continuity state survives
	// without being refreshed.
	DefaultSessionTTL = 30 * time.Minute
)

// DedupRepo suppresses re-processing of webhook events already seen within
// the recency window.
type DedupRepo interface {
	// Seen reports whether eventID was already recorded within the recency
	// window, recording it as a side effect when novel. An empty eventID is
	// always treated as novel.
	Seen(eventID string) (bool, error)
}

// SessionRepo is the TTL-bounded per-conversation continuity store.
type SessionRepo interface {
	// Get returns the live session for a conversation, or nil when absent or
	// expired. Expired entries are evicted.
	Get(conversationID string) (*models.Session, error)

	// Set merges the patch into the existing session (creating one if
	// needed) and refreshes its UpdatedAt timestamp.
	Set(conversationID string, patch models.SessionPatch) error

	// Clear removes the session outright.
	Clear(conversationID string) error
}

// Opts holds configuration options for store constructors.
type Opts struct {
	DSN         string
	DedupWindow time.Duration
	SessionTTL  time.Duration
	Clock       func() time.Time
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithDedupWindow overrides the event id recency window.
func WithDedupWindow(d time.Duration) Option {
	return func(o *Opts) { o.DedupWindow = d }
}

// WithSessionTTL overrides the session time-to-live.
func WithSessionTTL(d time.Duration) Option {
	return func(o *Opts) { o.SessionTTL = d }
}

// WithClock injects a deterministic clock, used by tests to drive TTL
// eviction without sleeping.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// applyDefaults normalizes an Opts after options have been applied.
func (o *Opts) applyDefaults() {
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}
