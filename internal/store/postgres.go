// Package store provides storage backends for ChatRelay.
//
// This file implements the PostgreSQL-backed repositories for multi-host
// durable deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ChatRelay/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements DedupRepo and SessionRepo on PostgreSQL.
type PostgresStore struct {
	db          *sql.DB
	dedupWindow time.Duration
	sessionTTL  time.Duration
	now         func() time.Time
}

// Compile-time checks that PostgresStore implements the repositories.
var (
	_ DedupRepo   = (*PostgresStore)(nil)
	_ SessionRepo = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running PostgreSQL migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{
		db:          db,
		dedupWindow: cfg.DedupWindow,
		sessionTTL:  cfg.SessionTTL,
		now:         cfg.Clock,
	}, nil
}

// Seen purges entries older than the recency window, then records eventID if
// novel. Empty ids are always novel.
func (s *PostgresStore) Seen(eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}

	now := s.now()
	cutoff := now.Add(-s.dedupWindow)
	if _, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE first_seen_at < $1`, cutoff); err != nil {
		return false, fmt.Errorf("dedup purge failed: %w", err)
	}

	result, err := s.db.Exec(
		`INSERT INTO inbound_dedup (event_id, first_seen_at) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`,
		eventID, now,
	)
	if err != nil {
		return false, fmt.Errorf("dedup record failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n == 0, nil
}

// Get retrieves the session for a conversation, evicting it when expired.
func (s *PostgresStore) Get(conversationID string) (*models.Session, error) {
	query := `SELECT conversation_id, last_user_text, last_reply_text, pending_followup, awaiting_confirmation, updated_at
			  FROM sessions WHERE conversation_id = $1`

	var sess models.Session
	var lastUser, lastReply, pending sql.NullString
	err := s.db.QueryRow(query, conversationID).Scan(
		&sess.ConversationID, &lastUser, &lastReply, &pending,
		&sess.AwaitingConfirmation, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore Get failed", "error", err, "conversation_id", conversationID)
		return nil, fmt.Errorf("session get failed: %w", err)
	}
	sess.LastUserText = lastUser.String
	sess.LastReplyText = lastReply.String
	sess.PendingFollowup = pending.String

	if s.now().Sub(sess.UpdatedAt) > s.sessionTTL {
		if err := s.Clear(conversationID); err != nil {
			slog.Warn("PostgresStore failed to evict expired session", "error", err, "conversation_id", conversationID)
		}
		return nil, nil
	}
	return &sess, nil
}

// Set merges the patch into the stored session and refreshes updated_at.
func (s *PostgresStore) Set(conversationID string, patch models.SessionPatch) error {
	current, err := s.Get(conversationID)
	if err != nil {
		return err
	}
	if current == nil {
		current = &models.Session{ConversationID: conversationID}
	}
	applyPatch(current, patch)

	_, err = s.db.Exec(
		`INSERT INTO sessions (conversation_id, last_user_text, last_reply_text, pending_followup, awaiting_confirmation, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (conversation_id) DO UPDATE SET
			last_user_text = EXCLUDED.last_user_text,
			last_reply_text = EXCLUDED.last_reply_text,
			pending_followup = EXCLUDED.pending_followup,
			awaiting_confirmation = EXCLUDED.awaiting_confirmation,
			updated_at = EXCLUDED.updated_at`,
		conversationID, nilIfEmpty(current.LastUserText), nilIfEmpty(current.LastReplyText),
		nilIfEmpty(current.PendingFollowup), current.AwaitingConfirmation, s.now(),
	)
	if err != nil {
		slog.Error("PostgresStore Set failed", "error", err, "conversation_id", conversationID)
		return fmt.Errorf("session set failed: %w", err)
	}
	return nil
}

// Clear removes the session for a conversation.
func (s *PostgresStore) Clear(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE conversation_id = $1`, conversationID)
	if err != nil {
		slog.Error("PostgresStore Clear failed", "error", err, "conversation_id", conversationID)
		return fmt.Errorf("session clear failed: %w", err)
	}
	return nil
}

// AddReceipt records the status of one outbound chunk send.
func (s *PostgresStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES ($1, $2, $3)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("PostgresStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
