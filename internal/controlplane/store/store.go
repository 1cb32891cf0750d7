// Package store persists control-plane session records. Business entities
// beyond session execution metadata live elsewhere; this is the opaque
// MetadataStore the session handler writes through.
package store

import (
	"context"
	"time"
)

// SessionRecord is the control plane's durable view of one session.
type SessionRecord struct {
	SessionID  string     `json:"session_id" db:"session_id"`
	AgentID    string     `json:"agent_id" db:"agent_id"`
	VillageID  string     `json:"village_id,omitempty" db:"village_id"`
	OrgID      string     `json:"org_id" db:"org_id"`
	UserID     string     `json:"user_id,omitempty" db:"user_id"`
	RunnerID   string     `json:"runner_id" db:"runner_id"`
	ProviderID string     `json:"provider_id" db:"provider_id"`
	RepoRef    string     `json:"repo_ref" db:"repo_ref"`
	State      string     `json:"state" db:"state"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	ExitCode   *int       `json:"exit_code,omitempty" db:"exit_code"`
}

// MetadataStore persists session records.
type MetadataStore interface {
	CreateSession(ctx context.Context, record *SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	UpdateSessionState(ctx context.Context, sessionID, state string) error
	CompleteSession(ctx context.Context, sessionID, finalState string, exitCode *int, endedAt time.Time) error
	ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error)
	Close() error
}
