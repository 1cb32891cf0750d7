package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/ai-village/villaged/internal/common/errors"
)

// SQLiteStore persists session records in a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id  TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	village_id  TEXT NOT NULL DEFAULT '',
	org_id      TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	runner_id   TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	repo_ref    TEXT NOT NULL,
	state       TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	ended_at    TIMESTAMP,
	exit_code   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_org_id ON sessions(org_id);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
`

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, record *SessionRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (session_id, agent_id, village_id, org_id, user_id, runner_id, provider_id, repo_ref, state, created_at, ended_at, exit_code)
		VALUES (:session_id, :agent_id, :village_id, :org_id, :user_id, :runner_id, :provider_id, :repo_ref, :state, :created_at, :ended_at, :exit_code)`,
		record)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a session record by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var record SessionRecord
	err := s.db.GetContext(ctx, &record, `SELECT * FROM sessions WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return &record, nil
}

// UpdateSessionState stores the latest lifecycle state.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, sessionID, state string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = ? WHERE session_id = ?`, state, sessionID)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	return checkAffected(res, sessionID)
}

// CompleteSession records the terminal outcome.
func (s *SQLiteStore) CompleteSession(ctx context.Context, sessionID, finalState string, exitCode *int, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, exit_code = ?, ended_at = ? WHERE session_id = ?`,
		finalState, exitCode, endedAt, sessionID)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	return checkAffected(res, sessionID)
}

// ListSessions returns records newest-first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	records := []*SessionRecord{}
	err := s.db.SelectContext(ctx, &records,
		`SELECT * FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return records, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func checkAffected(res sql.Result, sessionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("session", sessionID)
	}
	return nil
}
