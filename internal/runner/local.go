package runner

import (
	"context"

	apperrors "github.com/ai-village/villaged/internal/common/errors"
	"github.com/ai-village/villaged/internal/controlplane/fleet"
	"github.com/ai-village/villaged/internal/controlplane/sessions"
	"github.com/ai-village/villaged/internal/provider"
	"github.com/ai-village/villaged/internal/pty"
	"github.com/ai-village/villaged/internal/session"
)

var _ sessions.RunnerClient = (*LocalClient)(nil)

// LocalClient binds the control plane directly to an in-process session
// manager for single-binary deployments (no HTTP hop).
type LocalClient struct {
	sessions *session.Manager
	registry *provider.Registry
	ptys     *pty.Manager
}

// NewLocalClient creates a local runner client.
func NewLocalClient(sessionMgr *session.Manager, registry *provider.Registry, ptys *pty.Manager) *LocalClient {
	return &LocalClient{sessions: sessionMgr, registry: registry, ptys: ptys}
}

// StartSession starts a session and attaches its provider adapter.
func (c *LocalClient) StartSession(ctx context.Context, _ *fleet.StoredRunner, cfg session.Config) (*session.RuntimeState, error) {
	adapter, err := c.registry.Create(cfg.ProviderID)
	if err != nil {
		return nil, apperrors.UnsupportedProvider(cfg.ProviderID)
	}
	state, err := c.sessions.StartSession(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.sessions.SetProviderAdapter(cfg.SessionID, adapter); err != nil {
		return nil, err
	}
	return state, nil
}

// GetSessionState returns the live runtime state.
func (c *LocalClient) GetSessionState(ctx context.Context, _ *fleet.StoredRunner, sessionID string) (*session.RuntimeState, error) {
	return c.sessions.GetSessionState(sessionID)
}

// SendInput forwards provider input.
func (c *LocalClient) SendInput(ctx context.Context, _ *fleet.StoredRunner, sessionID string, data []byte) error {
	return c.sessions.SendInput(ctx, sessionID, data)
}

// PauseSession pauses the session.
func (c *LocalClient) PauseSession(ctx context.Context, _ *fleet.StoredRunner, sessionID string) error {
	return c.sessions.PauseSession(sessionID)
}

// ResumeSession resumes the session.
func (c *LocalClient) ResumeSession(ctx context.Context, _ *fleet.StoredRunner, sessionID string) error {
	return c.sessions.ResumeSession(sessionID)
}

// StopSession stops the session.
func (c *LocalClient) StopSession(ctx context.Context, _ *fleet.StoredRunner, sessionID string, graceful bool) error {
	return c.sessions.StopSession(sessionID, graceful)
}

// ResolveApproval resolves an approval.
func (c *LocalClient) ResolveApproval(ctx context.Context, _ *fleet.StoredRunner, sessionID, approvalID string, decision session.ApprovalDecision, note string) error {
	return c.sessions.ResolveApproval(sessionID, approvalID, decision, note)
}

// GetBuffer returns the terminal ring buffer.
func (c *LocalClient) GetBuffer(ctx context.Context, _ *fleet.StoredRunner, sessionID string) ([]map[string]interface{}, error) {
	if _, err := c.sessions.GetSessionState(sessionID); err != nil {
		return nil, err
	}
	chunks := c.ptys.GetBuffer(sessionID)
	out := make([]map[string]interface{}, 0, len(chunks))
	for _, chunk := range chunks {
		out = append(out, map[string]interface{}{
			"data":      string(chunk.Data),
			"timestamp": chunk.Timestamp,
		})
	}
	return out, nil
}
