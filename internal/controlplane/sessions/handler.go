// Package sessions is the control-plane session registry: creation,
// runner assignment, lookup, and completion accounting.
package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/ai-village/villaged/internal/common/errors"
	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/controlplane/fleet"
	"github.com/ai-village/villaged/internal/controlplane/store"
	"github.com/ai-village/villaged/internal/events"
	"github.com/ai-village/villaged/internal/events/bus"
	"github.com/ai-village/villaged/internal/session"
)

// RunnerClient dispatches session operations to a runner host.
type RunnerClient interface {
	StartSession(ctx context.Context, runner *fleet.StoredRunner, cfg session.Config) (*session.RuntimeState, error)
	GetSessionState(ctx context.Context, runner *fleet.StoredRunner, sessionID string) (*session.RuntimeState, error)
	SendInput(ctx context.Context, runner *fleet.StoredRunner, sessionID string, data []byte) error
	PauseSession(ctx context.Context, runner *fleet.StoredRunner, sessionID string) error
	ResumeSession(ctx context.Context, runner *fleet.StoredRunner, sessionID string) error
	StopSession(ctx context.Context, runner *fleet.StoredRunner, sessionID string, graceful bool) error
	ResolveApproval(ctx context.Context, runner *fleet.StoredRunner, sessionID, approvalID string, decision session.ApprovalDecision, note string) error
	GetBuffer(ctx context.Context, runner *fleet.StoredRunner, sessionID string) ([]map[string]interface{}, error)
}

// AuthorizationProvider is the opaque auth hook guarding mutating calls.
type AuthorizationProvider interface {
	Authorize(ctx context.Context, userID, action, resource string) error
}

// AllowAll authorizes everything (development default).
type AllowAll struct{}

// Authorize always succeeds.
func (AllowAll) Authorize(ctx context.Context, userID, action, resource string) error { return nil }

// Handler owns the control-plane session registry.
type Handler struct {
	logger   *logger.Logger
	metadata store.MetadataStore
	fleet    *fleet.Handler
	client   RunnerClient
	eventBus bus.EventBus
	sub      bus.Subscription
}

// NewHandler creates a session handler.
func NewHandler(metadata store.MetadataStore, fleetHandler *fleet.Handler, client RunnerClient, eventBus bus.EventBus, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		logger:   log.WithFields(zap.String("component", "session-handler")),
		metadata: metadata,
		fleet:    fleetHandler,
		client:   client,
		eventBus: eventBus,
	}
}

// Start subscribes to runner events for state mirroring and completion.
func (h *Handler) Start() error {
	sub, err := h.eventBus.Subscribe(events.RunnerEventWildcard(), h.handleRunnerEvent)
	if err != nil {
		return err
	}
	h.sub = sub
	return nil
}

// Stop unsubscribes from runner events.
func (h *Handler) Stop() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
		h.sub = nil
	}
}

// CreateSession validates the config, selects a runner, persists the
// record, and dispatches the session to the runner.
func (h *Handler) CreateSession(ctx context.Context, cfg session.Config) (sessionID, agentID string, err error) {
	if cfg.ProviderID == "" {
		return "", "", apperrors.ValidationError("provider_id", "is required")
	}
	if err := cfg.RepoRef.Validate(); err != nil {
		return "", "", apperrors.ValidationError("repo_ref", err.Error())
	}
	if err := cfg.Checkout.Validate(); err != nil {
		return "", "", apperrors.ValidationError("checkout", err.Error())
	}
	if cfg.Task.Goal == "" {
		return "", "", apperrors.ValidationError("task.goal", "is required")
	}

	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.New().String()
	}

	runner := h.fleet.SelectRunner(cfg.ProviderID)
	if runner == nil {
		return "", "", apperrors.SessionLimit(
			fmt.Sprintf("no runner with capacity for provider %s", cfg.ProviderID))
	}

	record := &store.SessionRecord{
		SessionID:  cfg.SessionID,
		AgentID:    cfg.AgentID,
		VillageID:  cfg.VillageID,
		OrgID:      cfg.OrgID,
		UserID:     cfg.UserID,
		RunnerID:   runner.RunnerID,
		ProviderID: cfg.ProviderID,
		RepoRef:    cfg.RepoRef.String(),
		State:      string(session.StateCreated),
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.metadata.CreateSession(ctx, record); err != nil {
		return "", "", err
	}

	if err := h.fleet.AssignSession(runner.RunnerID, cfg.SessionID); err != nil {
		return "", "", err
	}

	if _, err := h.client.StartSession(ctx, runner, cfg); err != nil {
		// Roll back the assignment; the record keeps the failure for audit.
		_ = h.fleet.ReleaseSession(runner.RunnerID, cfg.SessionID)
		now := time.Now().UTC()
		_ = h.metadata.CompleteSession(ctx, cfg.SessionID, string(session.StateFailed), nil, now)
		return "", "", apperrors.Wrap(err, "failed to dispatch session to runner")
	}

	h.logger.Info("session created",
		zap.String("session_id", cfg.SessionID),
		zap.String("agent_id", cfg.AgentID),
		zap.String("runner_id", runner.RunnerID),
		zap.String("provider_id", cfg.ProviderID))

	return cfg.SessionID, cfg.AgentID, nil
}

// GetSession returns the live runtime state from the owning runner,
// falling back to the stored record when the runner no longer has it.
func (h *Handler) GetSession(ctx context.Context, sessionID string) (*session.RuntimeState, error) {
	record, err := h.metadata.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if runner, err := h.fleet.GetRunner(record.RunnerID); err == nil {
		if state, err := h.client.GetSessionState(ctx, runner, sessionID); err == nil {
			return state, nil
		}
	}

	state := &session.RuntimeState{
		SessionID:  record.SessionID,
		State:      session.State(record.State),
		ProviderID: record.ProviderID,
		EndedAt:    record.EndedAt,
		ExitCode:   record.ExitCode,
	}
	return state, nil
}

// ListSessions returns stored session records, newest first.
func (h *Handler) ListSessions(ctx context.Context, limit int) ([]*store.SessionRecord, error) {
	return h.metadata.ListSessions(ctx, limit)
}

// SendInput forwards input bytes to the session's runner.
func (h *Handler) SendInput(ctx context.Context, sessionID string, data []byte) error {
	runner, err := h.runnerFor(ctx, sessionID)
	if err != nil {
		return err
	}
	return h.client.SendInput(ctx, runner, sessionID, data)
}

// PauseSession pauses the session on its runner.
func (h *Handler) PauseSession(ctx context.Context, sessionID string) error {
	runner, err := h.runnerFor(ctx, sessionID)
	if err != nil {
		return err
	}
	return h.client.PauseSession(ctx, runner, sessionID)
}

// ResumeSession resumes the session on its runner.
func (h *Handler) ResumeSession(ctx context.Context, sessionID string) error {
	runner, err := h.runnerFor(ctx, sessionID)
	if err != nil {
		return err
	}
	return h.client.ResumeSession(ctx, runner, sessionID)
}

// StopSession stops the session on its runner.
func (h *Handler) StopSession(ctx context.Context, sessionID string, graceful bool) error {
	runner, err := h.runnerFor(ctx, sessionID)
	if err != nil {
		return err
	}
	return h.client.StopSession(ctx, runner, sessionID, graceful)
}

// ResolveApproval resolves an approval on the session's runner.
func (h *Handler) ResolveApproval(ctx context.Context, sessionID, approvalID string, decision session.ApprovalDecision, note string) error {
	runner, err := h.runnerFor(ctx, sessionID)
	if err != nil {
		return err
	}
	return h.client.ResolveApproval(ctx, runner, sessionID, approvalID, decision, note)
}

// GetBuffer fetches the session's terminal ring buffer from its runner.
func (h *Handler) GetBuffer(ctx context.Context, sessionID string) ([]map[string]interface{}, error) {
	runner, err := h.runnerFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return h.client.GetBuffer(ctx, runner, sessionID)
}

func (h *Handler) runnerFor(ctx context.Context, sessionID string) (*fleet.StoredRunner, error) {
	record, err := h.metadata.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return h.fleet.GetRunner(record.RunnerID)
}

// handleRunnerEvent mirrors session state into the metadata store and
// releases runner capacity when sessions end.
func (h *Handler) handleRunnerEvent(ctx context.Context, event *bus.Event) error {
	re, err := events.RunnerEventFromBus(event)
	if err != nil {
		return nil
	}

	switch re.Type {
	case events.SessionStateChanged:
		if newState, ok := re.Payload["new_state"].(string); ok {
			if err := h.metadata.UpdateSessionState(ctx, re.SessionID, newState); err != nil && !apperrors.IsNotFound(err) {
				h.logger.Warn("failed to mirror session state",
					zap.String("session_id", re.SessionID),
					zap.Error(err))
			}
		}

	case events.SessionEnded:
		finalState, _ := re.Payload["final_state"].(string)
		var exitCode *int
		if v, ok := re.Payload["exit_code"].(float64); ok {
			code := int(v)
			exitCode = &code
		}
		endedAt := time.UnixMilli(re.Ts).UTC()
		if err := h.metadata.CompleteSession(ctx, re.SessionID, finalState, exitCode, endedAt); err != nil && !apperrors.IsNotFound(err) {
			h.logger.Warn("failed to record session completion",
				zap.String("session_id", re.SessionID),
				zap.Error(err))
		}

		if record, err := h.metadata.GetSession(ctx, re.SessionID); err == nil {
			if err := h.fleet.ReleaseSession(record.RunnerID, re.SessionID); err != nil && !apperrors.IsNotFound(err) {
				h.logger.Warn("failed to release runner capacity",
					zap.String("session_id", re.SessionID),
					zap.String("runner_id", record.RunnerID),
					zap.Error(err))
			}
		}
	}

	return nil
}
