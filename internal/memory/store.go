// Package memory persists bridge sessions and supplies memory context for
// system prompts.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"chanbridge/internal/domain"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

var _ domain.SessionStore = (*SQLStore)(nil)

// StoreConfig selects the SQL dialect and location.
type StoreConfig struct {
	Driver string // sqlite | mysql | postgres
	DSN    string // file path for sqlite, driver DSN otherwise
	Logger *slog.Logger
}

// SQLStore implements domain.SessionStore on sqlite, mysql or postgres.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger
}

// SessionRow is one stored session.
type SessionRow struct {
	ID             string    `db:"id" json:"id"`
	AssistantID    string    `db:"assistant_id" json:"assistant_id"`
	Platform       string    `db:"platform" json:"platform"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	Scope          string    `db:"scope" json:"scope"`
	Title          string    `db:"title" json:"title"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// MessageRow is one stored turn.
type MessageRow struct {
	ID        int64     `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Role      string    `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Open connects to the configured database and applies the schema.
func Open(cfg StoreConfig) (*SQLStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}

	dsn := cfg.DSN
	switch driver {
	case "sqlite":
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	case "mysql", "postgres":
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	s := &SQLStore{db: db, driver: driver, logger: cfg.Logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	for _, stmt := range schemaFor(s.driver) {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (s *SQLStore) CreateSession(ctx context.Context, meta domain.SessionMeta) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO sessions (id, assistant_id, platform, conversation_id, scope, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		id, meta.AssistantID, meta.Platform, meta.ConversationID, string(meta.Scope), meta.Title, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

func (s *SQLStore) RecordMessage(ctx context.Context, sessionID string, ev domain.SessionEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO session_messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`),
		sessionID, ev.Role, ev.Content, ev.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, s.db.Rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`), ev.CreatedAt.UTC(), sessionID)
	return nil
}

func (s *SQLStore) UpdateSession(ctx context.Context, sessionID string, patch domain.SessionPatch) error {
	if patch.Title == nil {
		return nil
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`),
		*patch.Title, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update session %s: not found", sessionID)
	}
	return nil
}

// GetSession returns the session or nil when it does not exist.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*SessionRow, error) {
	var row SessionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT id, assistant_id, platform, conversation_id, scope, title, created_at, updated_at
		 FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListSessions lists an assistant's sessions, most recently updated first.
// An empty assistantID lists all sessions.
func (s *SQLStore) ListSessions(ctx context.Context, assistantID string, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []SessionRow
	var err error
	if assistantID == "" {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(
			`SELECT id, assistant_id, platform, conversation_id, scope, title, created_at, updated_at
			 FROM sessions ORDER BY updated_at DESC LIMIT ?`), limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(
			`SELECT id, assistant_id, platform, conversation_id, scope, title, created_at, updated_at
			 FROM sessions WHERE assistant_id = ? ORDER BY updated_at DESC LIMIT ?`), assistantID, limit)
	}
	return rows, err
}

// Messages returns the last limit turns of a session, oldest first.
func (s *SQLStore) Messages(ctx context.Context, sessionID string, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []MessageRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT id, session_id, role, content, created_at FROM session_messages
		 WHERE session_id = ? ORDER BY id DESC LIMIT ?`), sessionID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
