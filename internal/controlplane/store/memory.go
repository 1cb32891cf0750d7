package store

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/ai-village/villaged/internal/common/errors"
)

// MemoryStore is the default MetadataStore for single-process deployments
// and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*SessionRecord)}
}

// CreateSession inserts a new session record.
func (s *MemoryStore) CreateSession(ctx context.Context, record *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[record.SessionID]; exists {
		return apperrors.Conflict("session " + record.SessionID + " already exists")
	}
	clone := *record
	s.sessions[record.SessionID] = &clone
	return nil
}

// GetSession returns a session record by id.
func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	clone := *record
	return &clone, nil
}

// UpdateSessionState stores the latest lifecycle state.
func (s *MemoryStore) UpdateSessionState(ctx context.Context, sessionID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	record.State = state
	return nil
}

// CompleteSession records the terminal outcome.
func (s *MemoryStore) CompleteSession(ctx context.Context, sessionID, finalState string, exitCode *int, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	record.State = finalState
	record.ExitCode = exitCode
	record.EndedAt = &endedAt
	return nil
}

// ListSessions returns records newest-first.
func (s *MemoryStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*SessionRecord, 0, len(s.sessions))
	for _, record := range s.sessions {
		clone := *record
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
