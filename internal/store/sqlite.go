// Package store provides storage backends for ChatRelay.
//
// This file implements the SQLite-backed repositories used for durable
// deployments on a single host.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ChatRelay/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements DedupRepo and SessionRepo on a SQLite file.
type SQLiteStore struct {
	db          *sql.DB
	dedupWindow time.Duration
	sessionTTL  time.Duration
	now         func() time.Time
}

// Compile-time checks that SQLiteStore implements the repositories.
var (
	_ DedupRepo   = (*SQLiteStore)(nil)
	_ SessionRepo = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{
		db:          db,
		dedupWindow: cfg.DedupWindow,
		sessionTTL:  cfg.SessionTTL,
		now:         cfg.Clock,
	}, nil
}

// Seen purges entries older than the recency window, then records eventID if
// novel. Empty ids are always novel.
func (s *SQLiteStore) Seen(eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}

	now := s.now()
	cutoff := now.Add(-s.dedupWindow)
	if _, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE first_seen_at < ?`, cutoff); err != nil {
		return false, fmt.Errorf("dedup purge failed: %w", err)
	}

	var id string
	err := s.db.QueryRow(`SELECT event_id FROM inbound_dedup WHERE event_id = ?`, eventID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (event_id, first_seen_at) VALUES (?, ?)`,
		eventID, now,
	)
	if err != nil {
		return false, fmt.Errorf("dedup record failed: %w", err)
	}
	return false, nil
}

// Get retrieves the session for a conversation, evicting it when expired.
func (s *SQLiteStore) Get(conversationID string) (*models.Session, error) {
	query := `SELECT conversation_id, last_user_text, last_reply_text, pending_followup, awaiting_confirmation, updated_at
			  FROM sessions WHERE conversation_id = ?`

	var sess models.Session
	var lastUser, lastReply, pending sql.NullString
	err := s.db.QueryRow(query, conversationID).Scan(
		&sess.ConversationID, &lastUser, &lastReply, &pending,
		&sess.AwaitingConfirmation, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore Get failed", "error", err, "conversation_id", conversationID)
		return nil, fmt.Errorf("session get failed: %w", err)
	}
	sess.LastUserText = lastUser.String
	sess.LastReplyText = lastReply.String
	sess.PendingFollowup = pending.String

	if s.now().Sub(sess.UpdatedAt) > s.sessionTTL {
		if err := s.Clear(conversationID); err != nil {
			slog.Warn("SQLiteStore failed to evict expired session", "error", err, "conversation_id", conversationID)
		}
		return nil, nil
	}
	return &sess, nil
}

// Set merges the patch into the stored session and refreshes updated_at.
func (s *SQLiteStore) Set(conversationID string, patch models.SessionPatch) error {
	current, err := s.Get(conversationID)
	if err != nil {
		return err
	}
	if current == nil {
		current = &models.Session{ConversationID: conversationID}
	}
	applyPatch(current, patch)

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO sessions (conversation_id, last_user_text, last_reply_text, pending_followup, awaiting_confirmation, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, nilIfEmpty(current.LastUserText), nilIfEmpty(current.LastReplyText),
		nilIfEmpty(current.PendingFollowup), current.AwaitingConfirmation, s.now(),
	)
	if err != nil {
		slog.Error("SQLiteStore Set failed", "error", err, "conversation_id", conversationID)
		return fmt.Errorf("session set failed: %w", err)
	}
	return nil
}

// Clear removes the session for a conversation.
func (s *SQLiteStore) Clear(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE conversation_id = ?`, conversationID)
	if err != nil {
		slog.Error("SQLiteStore Clear failed", "error", err, "conversation_id", conversationID)
		return fmt.Errorf("session clear failed: %w", err)
	}
	return nil
}

// AddReceipt records the status of one outbound chunk send.
func (s *SQLiteStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES (?, ?, ?)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
