package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/ai-village/villaged/internal/common/errors"
)

// PostgresStore persists session records in PostgreSQL via a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
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
	created_at  TIMESTAMPTZ NOT NULL,
	ended_at    TIMESTAMPTZ,
	exit_code   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_org_id ON sessions(org_id);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
`

// NewPostgresStore connects to PostgreSQL and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// CreateSession inserts a new session record.
func (s *PostgresStore) CreateSession(ctx context.Context, record *SessionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, agent_id, village_id, org_id, user_id, runner_id, provider_id, repo_ref, state, created_at, ended_at, exit_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		record.SessionID, record.AgentID, record.VillageID, record.OrgID, record.UserID,
		record.RunnerID, record.ProviderID, record.RepoRef, record.State,
		record.CreatedAt, record.EndedAt, record.ExitCode)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a session record by id.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, agent_id, village_id, org_id, user_id, runner_id, provider_id, repo_ref, state, created_at, ended_at, exit_code
		FROM sessions WHERE session_id = $1`, sessionID)

	var record SessionRecord
	err := row.Scan(&record.SessionID, &record.AgentID, &record.VillageID, &record.OrgID,
		&record.UserID, &record.RunnerID, &record.ProviderID, &record.RepoRef,
		&record.State, &record.CreatedAt, &record.EndedAt, &record.ExitCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return &record, nil
}

// UpdateSessionState stores the latest lifecycle state.
func (s *PostgresStore) UpdateSessionState(ctx context.Context, sessionID, state string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET state = $1 WHERE session_id = $2`, state, sessionID)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("session", sessionID)
	}
	return nil
}

// CompleteSession records the terminal outcome.
func (s *PostgresStore) CompleteSession(ctx context.Context, sessionID, finalState string, exitCode *int, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET state = $1, exit_code = $2, ended_at = $3 WHERE session_id = $4`,
		finalState, exitCode, endedAt, sessionID)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("session", sessionID)
	}
	return nil
}

// ListSessions returns records newest-first.
func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, agent_id, village_id, org_id, user_id, runner_id, provider_id, repo_ref, state, created_at, ended_at, exit_code
		FROM sessions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		var record SessionRecord
		if err := rows.Scan(&record.SessionID, &record.AgentID, &record.VillageID, &record.OrgID,
			&record.UserID, &record.RunnerID, &record.ProviderID, &record.RepoRef,
			&record.State, &record.CreatedAt, &record.EndedAt, &record.ExitCode); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, &record)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
