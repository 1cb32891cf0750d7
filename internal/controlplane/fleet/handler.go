package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ai-village/villaged/internal/common/config"
	apperrors "github.com/ai-village/villaged/internal/common/errors"
	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/events"
	"github.com/ai-village/villaged/internal/events/bus"
)

// Handler is the control-plane runner registry: registration, heartbeats,
// health sweeps, capacity accounting, and load-based selection.
type Handler struct {
	cfg      config.FleetConfig
	logger   *logger.Logger
	eventBus bus.EventBus

	mu        sync.RWMutex
	runners   map[string]*StoredRunner // runnerID -> runner
	byHost    map[string]string        // hostname -> runnerID
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewHandler creates a fleet handler.
func NewHandler(cfg config.FleetConfig, eventBus bus.EventBus, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "runner-handler")),
		eventBus: eventBus,
		runners:  make(map[string]*StoredRunner),
		byHost:   make(map[string]string),
	}
}

// Start launches the periodic health sweep.
func (h *Handler) Start() {
	h.mu.Lock()
	if h.sweepStop != nil {
		h.mu.Unlock()
		return
	}
	h.sweepStop = make(chan struct{})
	h.sweepDone = make(chan struct{})
	stop, done := h.sweepStop, h.sweepDone
	h.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(h.cfg.HealthCheckInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.SweepHealth(time.Now().UTC())
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the health sweep.
func (h *Handler) Stop() {
	h.mu.Lock()
	stop, done := h.sweepStop, h.sweepDone
	h.sweepStop = nil
	h.sweepDone = nil
	h.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// RegisterRunner registers a new runner or refreshes an existing hostname
// in place. hostname -> runnerId is 1-to-1, so repeats are idempotent and
// keep the same runner id.
func (h *Handler) RegisterRunner(req RegisterRequest) (*StoredRunner, error) {
	if req.Hostname == "" {
		return nil, apperrors.ValidationError("hostname", "is required")
	}
	if req.Capabilities.MaxConcurrentSessions <= 0 {
		return nil, apperrors.ValidationError("capabilities.max_concurrent_sessions", "must be positive")
	}

	now := time.Now().UTC()

	h.mu.Lock()
	if runnerID, exists := h.byHost[req.Hostname]; exists {
		runner := h.runners[runnerID]
		runner.Capabilities = req.Capabilities
		runner.Metadata = copyStringMap(req.Metadata)
		runner.Status = StatusOnline
		runner.LastHeartbeat = now
		out := runner.clone()
		h.mu.Unlock()

		h.publish(events.RunnerOnline, out)
		h.logger.Info("runner re-registered",
			zap.String("runner_id", out.RunnerID),
			zap.String("hostname", out.Hostname))
		return out, nil
	}

	if len(h.runners) >= h.cfg.MaxRunners {
		h.mu.Unlock()
		return nil, apperrors.RunnerLimitExceeded("fleet is at maximum runner count")
	}

	runner := &StoredRunner{
		RunnerID:       uuid.New().String(),
		Hostname:       req.Hostname,
		Status:         StatusOnline,
		Capabilities:   req.Capabilities,
		Metadata:       copyStringMap(req.Metadata),
		RegisteredAt:   now,
		LastHeartbeat:  now,
		ActiveSessions: make(map[string]struct{}),
	}
	h.runners[runner.RunnerID] = runner
	h.byHost[runner.Hostname] = runner.RunnerID
	out := runner.clone()
	h.mu.Unlock()

	h.publish(events.RunnerRegistered, out)
	h.logger.Info("runner registered",
		zap.String("runner_id", out.RunnerID),
		zap.String("hostname", out.Hostname),
		zap.Int("max_sessions", out.Capabilities.MaxConcurrentSessions))
	return out, nil
}

// ProcessHeartbeat refreshes a runner's liveness, load, session set, and
// runtime versions. An offline runner transitions back to online, emitting
// runner_online exactly once per offline->online edge.
func (h *Handler) ProcessHeartbeat(hb Heartbeat) error {
	now := hb.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	h.mu.Lock()
	runner, ok := h.runners[hb.RunnerID]
	if !ok {
		h.mu.Unlock()
		return apperrors.RunnerNotFound(hb.RunnerID)
	}

	wasOffline := runner.Status == StatusOffline
	if runner.Status != StatusDraining {
		runner.Status = StatusOnline
	}
	runner.LastHeartbeat = now
	runner.Load = hb.Load

	runner.ActiveSessions = make(map[string]struct{}, len(hb.ActiveSessions))
	for _, id := range hb.ActiveSessions {
		runner.ActiveSessions[id] = struct{}{}
	}
	runner.Load.ActiveSessions = len(runner.ActiveSessions)

	var changedVersions map[string]string
	if hb.RuntimeVersions != nil {
		changedVersions = make(map[string]string)
		for providerID, version := range hb.RuntimeVersions {
			if runner.RuntimeVersions[providerID] != version {
				changedVersions[providerID] = version
			}
		}
		runner.RuntimeVersions = copyStringMap(hb.RuntimeVersions)
	}
	out := runner.clone()
	h.mu.Unlock()

	if wasOffline {
		h.publish(events.RunnerOnline, out)
		h.logger.Info("runner back online", zap.String("runner_id", out.RunnerID))
	}
	for providerID, version := range changedVersions {
		h.publishVersion(out, providerID, version)
	}

	return nil
}

// DrainRunner marks a runner as draining: it keeps its sessions but is
// excluded from selection.
func (h *Handler) DrainRunner(runnerID string) error {
	h.mu.Lock()
	runner, ok := h.runners[runnerID]
	if !ok {
		h.mu.Unlock()
		return apperrors.RunnerNotFound(runnerID)
	}
	runner.Status = StatusDraining
	out := runner.clone()
	h.mu.Unlock()

	h.publish(events.RunnerDraining, out)
	h.logger.Info("runner draining", zap.String("runner_id", runnerID))
	return nil
}

// RemoveRunner deletes a runner. Refused while sessions are still assigned.
func (h *Handler) RemoveRunner(runnerID string) error {
	h.mu.Lock()
	runner, ok := h.runners[runnerID]
	if !ok {
		h.mu.Unlock()
		return apperrors.RunnerNotFound(runnerID)
	}
	if len(runner.ActiveSessions) > 0 {
		active := len(runner.ActiveSessions)
		h.mu.Unlock()
		return apperrors.RunnerHasActiveSessions(runnerID, active)
	}
	delete(h.runners, runnerID)
	delete(h.byHost, runner.Hostname)
	out := runner.clone()
	h.mu.Unlock()

	h.publish(events.RunnerRemoved, out)
	h.logger.Info("runner removed", zap.String("runner_id", runnerID))
	return nil
}

// GetRunner returns a copy of the stored runner.
func (h *Handler) GetRunner(runnerID string) (*StoredRunner, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	runner, ok := h.runners[runnerID]
	if !ok {
		return nil, apperrors.RunnerNotFound(runnerID)
	}
	return runner.clone(), nil
}

// ListRunners filters by status and/or provider, sorts ascending by
// hostname, and paginates. Returns the page plus the total match count.
func (h *Handler) ListRunners(p Pagination, filters *ListFilters) ([]*StoredRunner, int, error) {
	if p.Page < 1 {
		return nil, 0, apperrors.ValidationError("page", "must be >= 1")
	}
	if p.PageSize < 1 {
		return nil, 0, apperrors.ValidationError("page_size", "must be >= 1")
	}

	h.mu.RLock()
	matched := make([]*StoredRunner, 0, len(h.runners))
	for _, runner := range h.runners {
		if filters != nil {
			if filters.Status != "" && runner.Status != filters.Status {
				continue
			}
			if filters.ProviderID != "" && !runner.SupportsProvider(filters.ProviderID) {
				continue
			}
		}
		matched = append(matched, runner.clone())
	}
	h.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Hostname < matched[j].Hostname
	})

	total := len(matched)
	start := (p.Page - 1) * p.PageSize
	if start >= total {
		return []*StoredRunner{}, total, nil
	}
	end := start + p.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// SelectRunner picks the online runner with the lowest utilization that
// supports the provider and has headroom under loadFactor. Ties break by
// lexicographic hostname. Returns nil when no runner qualifies.
func (h *Handler) SelectRunner(providerID string) *StoredRunner {
	loadFactor := h.cfg.LoadFactor
	if loadFactor <= 0 {
		loadFactor = 0.8
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var best *StoredRunner
	for _, runner := range h.runners {
		if runner.Status != StatusOnline {
			continue
		}
		if !runner.SupportsProvider(providerID) {
			continue
		}
		threshold := float64(runner.Capabilities.MaxConcurrentSessions) * loadFactor
		if float64(runner.Load.ActiveSessions) >= threshold {
			continue
		}
		if best == nil {
			best = runner
			continue
		}
		ru, bu := runner.Utilization(), best.Utilization()
		if ru < bu || (ru == bu && runner.Hostname < best.Hostname) {
			best = runner
		}
	}

	if best == nil {
		return nil
	}
	return best.clone()
}

// AssignSession records a session on a runner, keeping the session set and
// load counter consistent.
func (h *Handler) AssignSession(runnerID, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	runner, ok := h.runners[runnerID]
	if !ok {
		return apperrors.RunnerNotFound(runnerID)
	}
	runner.ActiveSessions[sessionID] = struct{}{}
	runner.Load.ActiveSessions = len(runner.ActiveSessions)
	return nil
}

// ReleaseSession removes a session from a runner.
func (h *Handler) ReleaseSession(runnerID, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	runner, ok := h.runners[runnerID]
	if !ok {
		return apperrors.RunnerNotFound(runnerID)
	}
	delete(runner.ActiveSessions, sessionID)
	runner.Load.ActiveSessions = len(runner.ActiveSessions)
	return nil
}

// SweepHealth marks online runners without a recent heartbeat as offline.
// Offline runners are retained; they do not disappear silently.
func (h *Handler) SweepHealth(now time.Time) {
	timeout := h.cfg.HeartbeatTimeout()

	h.mu.Lock()
	var lost []*StoredRunner
	for _, runner := range h.runners {
		if runner.Status != StatusOnline {
			continue
		}
		if now.Sub(runner.LastHeartbeat) > timeout {
			runner.Status = StatusOffline
			lost = append(lost, runner.clone())
		}
	}
	h.mu.Unlock()

	for _, runner := range lost {
		h.publish(events.RunnerOffline, runner)
		h.logger.Warn("runner went offline",
			zap.String("runner_id", runner.RunnerID),
			zap.String("hostname", runner.Hostname),
			zap.Time("last_heartbeat", runner.LastHeartbeat))
	}
}

// GetCapacity sums session capacity across online runners.
func (h *Handler) GetCapacity() Capacity {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var c Capacity
	for _, runner := range h.runners {
		if runner.Status != StatusOnline {
			continue
		}
		c.TotalCapacity += runner.Capabilities.MaxConcurrentSessions
		c.Used += runner.Load.ActiveSessions
	}
	c.Available = c.TotalCapacity - c.Used
	return c
}

func (h *Handler) publish(eventType string, runner *StoredRunner) {
	if h.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"runner_id": runner.RunnerID,
		"hostname":  runner.Hostname,
		"status":    string(runner.Status),
	}
	event := bus.NewEvent(eventType, "control-plane", data)
	if err := h.eventBus.Publish(context.Background(), events.FleetSubject(eventType), event); err != nil {
		h.logger.Error("failed to publish fleet event",
			zap.String("event_type", eventType),
			zap.String("runner_id", runner.RunnerID),
			zap.Error(err))
	}
}

func (h *Handler) publishVersion(runner *StoredRunner, providerID, version string) {
	if h.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"runner_id":   runner.RunnerID,
		"hostname":    runner.Hostname,
		"provider_id": providerID,
		"version":     version,
	}
	event := bus.NewEvent(events.VersionReported, "control-plane", data)
	if err := h.eventBus.Publish(context.Background(), events.FleetSubject(events.VersionReported), event); err != nil {
		h.logger.Error("failed to publish version event",
			zap.String("runner_id", runner.RunnerID),
			zap.Error(err))
	}
}
