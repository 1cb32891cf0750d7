package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/ai-village/villaged/internal/common/errors"
	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/common/tracing"
	"github.com/ai-village/villaged/internal/events"
	"github.com/ai-village/villaged/internal/policy"
	"github.com/ai-village/villaged/internal/provider"
	"github.com/ai-village/villaged/internal/pty"
	"github.com/ai-village/villaged/internal/workspace"
)

// ManagerConfig holds session manager tunables.
type ManagerConfig struct {
	MaxSessions int
	// StopTimeout bounds STOPPING before the session is forced to COMPLETED
	// and the process killed.
	StopTimeout time.Duration
	// RemovalDelay keeps terminal sessions readable before removal.
	RemovalDelay time.Duration
	// UsageTickInterval paces USAGE_TICK accumulation.
	UsageTickInterval time.Duration
}

// DefaultManagerConfig returns the documented defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxSessions:       10,
		StopTimeout:       30 * time.Second,
		RemovalDelay:      5 * time.Second,
		UsageTickInterval: 30 * time.Second,
	}
}

// laneSize bounds the per-session FIFO queue.
const laneSize = 4096

// ActiveSession is the runner-local state for one session. All mutation
// happens on the session's lane: one FIFO queue drained by one goroutine,
// so handlers for the same session never interleave.
type ActiveSession struct {
	config   Config
	enforcer *policy.Enforcer

	lane chan func()
	quit chan struct{}

	mu        sync.Mutex // guards snapshot reads and the closed flag
	machine   MachineState
	lastState State
	adapter   provider.Adapter
	closed    bool

	usageTicker    *time.Ticker
	tickerStop     chan struct{}
	forceKill      *time.Timer
	removeTimer    *time.Timer
	approvalTimers map[string]*time.Timer
	lastTickBytes  int64
	finalized      bool

	// terminalDone is closed when the session reaches COMPLETED or FAILED.
	terminalDone chan struct{}
}

// Manager owns all ActiveSessions on a runner and orchestrates the
// workspace, PTY, provider, and policy subsystems for each.
type Manager struct {
	cfg        ManagerConfig
	logger     *logger.Logger
	workspaces *workspace.Manager
	ptys       *pty.Manager
	stream     *Stream
	rules      *policy.Ruleset

	mu           sync.RWMutex
	sessions     map[string]*ActiveSession
	initialized  bool
	shuttingDown bool
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig, workspaces *workspace.Manager, ptys *pty.Manager, stream *Stream, rules *policy.Ruleset, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "session-manager")),
		workspaces: workspaces,
		ptys:       ptys,
		stream:     stream,
		rules:      rules,
		sessions:   make(map[string]*ActiveSession),
	}

	// PTY byte streams and exits feed the owning session's lane.
	ptys.OnData(m.handlePTYData)
	ptys.OnExit(m.handlePTYExit)

	return m
}

// Initialize prepares the subordinate managers. Must be called before
// StartSession.
func (m *Manager) Initialize() error {
	if err := m.workspaces.Initialize(); err != nil {
		return fmt.Errorf("initialize workspace manager: %w", err)
	}
	if err := m.ptys.Initialize(); err != nil {
		return fmt.Errorf("initialize pty manager: %w", err)
	}
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// StartSession creates the session machine and lane, requests the
// workspace, and returns the initial runtime state.
func (m *Manager) StartSession(ctx context.Context, config Config) (*RuntimeState, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil, apperrors.InternalError("session manager not initialized", nil)
	}
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, apperrors.Conflict("runner is shutting down")
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, apperrors.SessionLimit(fmt.Sprintf("runner at capacity (%d sessions)", m.cfg.MaxSessions))
	}
	if _, exists := m.sessions[config.SessionID]; exists {
		m.mu.Unlock()
		return nil, apperrors.Conflict(fmt.Sprintf("session %s already exists", config.SessionID))
	}

	enforcer, err := policy.NewEnforcer(config.Policy, m.rules, m.logger)
	if err != nil {
		m.mu.Unlock()
		return nil, apperrors.BadRequest(fmt.Sprintf("invalid policy: %v", err))
	}

	as := &ActiveSession{
		config:         config,
		enforcer:       enforcer,
		lane:           make(chan func(), laneSize),
		quit:           make(chan struct{}),
		machine:        NewMachineState(),
		lastState:      StateCreated,
		approvalTimers: make(map[string]*time.Timer),
		terminalDone:   make(chan struct{}),
	}
	m.sessions[config.SessionID] = as
	m.mu.Unlock()

	go as.run()

	m.logger.Info("starting session",
		zap.String("session_id", config.SessionID),
		zap.String("provider_id", config.ProviderID),
		zap.String("repo", config.RepoRef.String()))

	// Automatic CREATED -> PREPARING_WORKSPACE transition.
	as.enqueue(func() { m.applyEvent(as, MachineEvent{Kind: EvStart}) })

	return m.snapshot(as), nil
}

// SetProviderAdapter attaches the provider and starts it once the workspace
// is ready (immediately if it already is). The adapter's events are routed
// into the session lane from here on.
func (m *Manager) SetProviderAdapter(sessionID string, adapter provider.Adapter) error {
	as, ok := m.get(sessionID)
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}

	adapter.OnEvent(func(ev provider.Event) {
		m.handleProviderEvent(sessionID, ev)
	})

	as.enqueue(func() {
		as.mu.Lock()
		as.adapter = adapter
		state := as.machine.State
		as.mu.Unlock()

		if state == StateStartingProvider {
			m.startProvider(as)
		}
	})

	return nil
}

// SendInput forwards input bytes to the provider adapter.
func (m *Manager) SendInput(ctx context.Context, sessionID string, data []byte) error {
	as, ok := m.get(sessionID)
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	as.mu.Lock()
	adapter := as.adapter
	as.mu.Unlock()
	if adapter == nil {
		return apperrors.Conflict(fmt.Sprintf("session %s has no provider adapter", sessionID))
	}
	return adapter.SendInput(ctx, data)
}

// PauseSession maps to the PAUSE machine event.
func (m *Manager) PauseSession(sessionID string) error {
	return m.sendMachineEvent(sessionID, MachineEvent{Kind: EvPause})
}

// ResumeSession maps to the RESUME machine event.
func (m *Manager) ResumeSession(sessionID string) error {
	return m.sendMachineEvent(sessionID, MachineEvent{Kind: EvResume})
}

// StopSession initiates the STOPPING transition. With graceful=false the
// provider process group is killed immediately.
func (m *Manager) StopSession(sessionID string, graceful bool) error {
	return m.sendMachineEvent(sessionID, MachineEvent{Kind: EvStop, Graceful: graceful})
}

// ResolveApproval resolves a pending approval. Resolving an unknown or
// already-resolved approval id is a no-op (no state change, no event).
func (m *Manager) ResolveApproval(sessionID, approvalID string, decision ApprovalDecision, note string) error {
	as, ok := m.get(sessionID)
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	as.enqueue(func() { m.resolveApprovalInLane(as, approvalID, decision, note) })
	return nil
}

// GetSessionState returns a snapshot of the session's runtime state.
func (m *Manager) GetSessionState(sessionID string) (*RuntimeState, error) {
	as, ok := m.get(sessionID)
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	return m.snapshot(as), nil
}

// SessionIDs lists the ids of all active sessions.
func (m *Manager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown stops every session without grace, waits for termination, and
// cleans up the PTY manager. No new work is accepted afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	sessions := make([]*ActiveSession, 0, len(m.sessions))
	for _, as := range m.sessions {
		sessions = append(sessions, as)
	}
	m.mu.Unlock()

	for _, as := range sessions {
		as := as
		as.enqueue(func() { m.applyEvent(as, MachineEvent{Kind: EvStop, Graceful: false}) })
	}

	for _, as := range sessions {
		select {
		case <-as.terminalDone:
		case <-ctx.Done():
			m.logger.Warn("shutdown timed out waiting for session",
				zap.String("session_id", as.config.SessionID))
		}
	}

	m.ptys.Cleanup()
	m.logger.Info("session manager shut down", zap.Int("sessions", len(sessions)))
	return nil
}

// --- lane plumbing ---

func (as *ActiveSession) run() {
	for {
		select {
		case fn := <-as.lane:
			fn()
		case <-as.quit:
			return
		}
	}
}

// enqueue adds work to the session lane. Work enqueued after removal is
// dropped.
func (as *ActiveSession) enqueue(fn func()) {
	as.mu.Lock()
	closed := as.closed
	as.mu.Unlock()
	if closed {
		return
	}
	select {
	case as.lane <- fn:
	case <-as.quit:
	}
}

func (m *Manager) get(sessionID string) (*ActiveSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	as, ok := m.sessions[sessionID]
	return as, ok
}

func (m *Manager) sendMachineEvent(sessionID string, ev MachineEvent) error {
	as, ok := m.get(sessionID)
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	as.enqueue(func() { m.applyEvent(as, ev) })
	return nil
}

// snapshot builds a RuntimeState outside the lane using the session mutex.
func (m *Manager) snapshot(as *ActiveSession) *RuntimeState {
	as.mu.Lock()
	defer as.mu.Unlock()

	ms := as.machine
	pending := make([]*provider.ApprovalRequest, len(ms.PendingApprovals))
	copy(pending, ms.PendingApprovals)

	return &RuntimeState{
		SessionID:        as.config.SessionID,
		State:            ms.State,
		ProviderID:       as.config.ProviderID,
		Workspace:        ms.Workspace,
		StartedAt:        ms.StartedAt,
		EndedAt:          ms.EndedAt,
		ProviderPid:      ms.ProviderPid,
		LastEventSeq:     m.stream.LastSeq(as.config.SessionID),
		PendingApprovals: pending,
		Usage:            ms.Usage,
		ErrorMessage:     ms.ErrorMessage,
		ExitCode:         ms.ExitCode,
	}
}

// --- machine application (lane only) ---

// applyEvent advances the machine and performs the returned effects.
// Runs exclusively on the session lane.
func (m *Manager) applyEvent(as *ActiveSession, ev MachineEvent) {
	as.mu.Lock()
	prev := as.machine.State
	next, effects := Transition(as.machine, ev)
	as.machine = next
	as.mu.Unlock()

	// SESSION_STARTED precedes the RUNNING state-change event.
	if ev.Kind == EvProviderStarted && prev == StateStartingProvider && next.State == StateRunning {
		payload := map[string]interface{}{
			"provider_id":      as.config.ProviderID,
			"provider_version": next.ProviderVersion,
		}
		if next.Workspace != nil {
			payload["workspace_path"] = next.Workspace.WorktreePath
			if next.Workspace.RoomPath != "" {
				payload["room_path"] = next.Workspace.RoomPath
			}
		}
		m.stream.Emit(&as.config, events.SessionStarted, payload)
	}

	if next.State != prev {
		m.stream.Emit(&as.config, events.SessionStateChanged, map[string]interface{}{
			"previous_state": string(prev),
			"new_state":      string(next.State),
		})
		as.mu.Lock()
		as.lastState = next.State
		as.mu.Unlock()

		m.logger.Info("session state changed",
			zap.String("session_id", as.config.SessionID),
			zap.String("previous", string(prev)),
			zap.String("new", string(next.State)))
	}

	for _, fx := range effects {
		m.applyEffect(as, fx)
	}
}

// applyEffect performs one effect requested by a transition. Runs on the lane.
func (m *Manager) applyEffect(as *ActiveSession, fx Effect) {
	switch fx.Kind {
	case FxRequestWorkspace:
		go m.prepareWorkspace(as)

	case FxStartProvider:
		as.mu.Lock()
		adapter := as.adapter
		as.mu.Unlock()
		if adapter != nil {
			m.startProvider(as)
		}
		// Otherwise SetProviderAdapter triggers the start on attach.

	case FxStopProvider:
		m.stopProvider(as, fx.Graceful)

	case FxStartTicker:
		m.startUsageTicker(as)

	case FxStopTicker:
		m.stopUsageTicker(as)

	case FxScheduleForceKill:
		if as.forceKill != nil {
			as.forceKill.Stop()
		}
		as.forceKill = time.AfterFunc(m.cfg.StopTimeout, func() {
			as.enqueue(func() { m.applyEvent(as, MachineEvent{Kind: EvStopTimeout}) })
		})

	case FxCancelForceKill:
		if as.forceKill != nil {
			as.forceKill.Stop()
			as.forceKill = nil
		}

	case FxFinalize:
		m.finalize(as)
	}
}

// prepareWorkspace runs workspace creation off the lane and feeds the result
// back as a machine event.
func (m *Manager) prepareWorkspace(as *ActiveSession) {
	ctx, span := tracing.TraceWorkspacePrepare(context.Background(), as.config.SessionID, as.config.RepoRef.String())
	ws, err := m.workspaces.CreateWorkspace(ctx, as.config.SessionID, as.config.RepoRef, as.config.Checkout, workspace.CreateOptions{
		Token:    as.config.RepoToken,
		RoomPath: as.config.RoomPath,
	})
	tracing.RecordResult(span, err)
	span.End()

	if err != nil {
		m.logger.Error("workspace preparation failed",
			zap.String("session_id", as.config.SessionID),
			zap.Error(err))
		as.enqueue(func() { m.applyEvent(as, MachineEvent{Kind: EvWorkspaceFailed, Err: err.Error()}) })
		return
	}
	as.enqueue(func() { m.applyEvent(as, MachineEvent{Kind: EvWorkspaceReady, Workspace: ws}) })
}

// startProvider launches the adapter off the lane. Runs at most once per
// session: guarded by the STARTING_PROVIDER state check on completion.
func (m *Manager) startProvider(as *ActiveSession) {
	as.mu.Lock()
	adapter := as.adapter
	ws := as.machine.Workspace
	as.mu.Unlock()
	if adapter == nil || ws == nil {
		return
	}

	go func() {
		ctx, span := tracing.TraceProviderStart(context.Background(), as.config.SessionID, as.config.ProviderID)
		res, err := adapter.StartSession(ctx, provider.StartOptions{
			SessionID: as.config.SessionID,
			RepoPath:  ws.WorktreePath,
			Task:      as.config.Task,
			Policy:    as.config.Policy,
			Env:       as.config.Env,
		})
		tracing.RecordResult(span, err)
		span.End()

		if err != nil {
			as.enqueue(func() { m.applyEvent(as, MachineEvent{Kind: EvProviderFailed, Err: err.Error()}) })
			return
		}
		as.enqueue(func() {
			m.applyEvent(as, MachineEvent{
				Kind:            EvProviderStarted,
				Pid:             res.SessionPid,
				ProviderVersion: res.Version,
			})
		})
	}()
}

// stopProvider asks the adapter to exit. Without an adapter there is no
// process to wait for, so the exit is synthesized to complete the session.
func (m *Manager) stopProvider(as *ActiveSession, graceful bool) {
	as.mu.Lock()
	adapter := as.adapter
	as.mu.Unlock()

	if adapter == nil {
		as.enqueue(func() { m.applyEvent(as, MachineEvent{Kind: EvProviderExited, ExitCode: 0}) })
		return
	}

	sessionID := as.config.SessionID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adapter.Stop(ctx); err != nil {
			m.logger.Warn("provider stop failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
		if !graceful {
			m.ptys.Kill(sessionID, "SIGKILL")
		}
	}()
}

// --- provider events ---

func (m *Manager) handleProviderEvent(sessionID string, ev provider.Event) {
	as, ok := m.get(sessionID)
	if !ok {
		return
	}
	as.enqueue(func() { m.providerEventInLane(as, ev) })
}

func (m *Manager) providerEventInLane(as *ActiveSession, ev provider.Event) {
	if as.finalized {
		return
	}

	switch ev.Type {
	case provider.EventRequestApproval:
		if ev.Approval == nil {
			return
		}
		approval := ev.Approval
		approval.SessionID = as.config.SessionID
		m.applyEvent(as, MachineEvent{Kind: EvApprovalRequested, Approval: approval})
		m.stream.Emit(&as.config, events.ApprovalRequested, map[string]interface{}{
			"approval": approval,
		})
		if approval.TimeoutAt != nil {
			m.scheduleApprovalTimeout(as, approval)
		}

	case provider.EventFileTouched:
		as.mu.Lock()
		as.machine.Usage.FilesTouched++
		as.mu.Unlock()
		payload := map[string]interface{}{
			"path":   ev.Path,
			"reason": ev.Reason,
		}
		if as.config.RoomPath != "" {
			payload["room_path"] = as.config.RoomPath
		}
		m.stream.Emit(&as.config, events.FileTouched, payload)

	case provider.EventToolUse:
		as.mu.Lock()
		as.machine.Usage.CommandsRun++
		as.mu.Unlock()
		payload := map[string]interface{}{
			"event_type": string(ev.Type),
			"tool":       ev.Tool,
			"text":       ev.Text,
			"data":       ev.Data,
		}
		// Shell tool calls pass through the policy gate; blocked commands
		// are surfaced, never silently executed.
		if cmd, ok := ev.Data["command"].(string); ok && isShellTool(ev.Tool) {
			decision := as.enforcer.CheckCommand(cmd)
			if !decision.Allowed {
				payload["policy_blocked"] = true
				payload["violations"] = decision.Violations
				m.logger.Warn("blocked shell command",
					zap.String("session_id", as.config.SessionID),
					zap.String("command", cmd))
			}
		}
		m.stream.Emit(&as.config, events.ProviderEventForwarded, payload)

	case provider.EventDiffSummary:
		if ev.Diff == nil {
			return
		}
		m.stream.Emit(&as.config, events.DiffSummary, map[string]interface{}{
			"files_changed": ev.Diff.FilesChanged,
			"lines_added":   ev.Diff.LinesAdded,
			"lines_removed": ev.Diff.LinesRemoved,
			"files":         ev.Diff.Files,
		})

	case provider.EventExited:
		m.applyEvent(as, MachineEvent{Kind: EvProviderExited, ExitCode: ev.ExitCode})

	default:
		m.stream.Emit(&as.config, events.ProviderEventForwarded, map[string]interface{}{
			"event_type": string(ev.Type),
			"text":       ev.Text,
			"data":       ev.Data,
		})
	}
}

func isShellTool(tool string) bool {
	switch tool {
	case "shell", "bash", "exec", "run_command":
		return true
	}
	return false
}

func (m *Manager) scheduleApprovalTimeout(as *ActiveSession, approval *provider.ApprovalRequest) {
	wait := time.Until(*approval.TimeoutAt)
	if wait < 0 {
		wait = 0
	}
	approvalID := approval.ApprovalID
	timer := time.AfterFunc(wait, func() {
		as.enqueue(func() {
			m.resolveApprovalInLane(as, approvalID, DecisionDeny, "approval timed out")
		})
	})
	as.approvalTimers[approvalID] = timer
}

// resolveApprovalInLane resolves a pending approval. A missing approval id
// means it was already resolved: nothing happens.
func (m *Manager) resolveApprovalInLane(as *ActiveSession, approvalID string, decision ApprovalDecision, note string) {
	as.mu.Lock()
	found := findApproval(as.machine.PendingApprovals, approvalID) >= 0
	as.mu.Unlock()
	if !found {
		return
	}

	if timer, ok := as.approvalTimers[approvalID]; ok {
		timer.Stop()
		delete(as.approvalTimers, approvalID)
	}

	m.applyEvent(as, MachineEvent{Kind: EvApprovalResolved, ApprovalID: approvalID, Decision: decision, Note: note})

	payload := map[string]interface{}{
		"approval_id": approvalID,
		"decision":    string(decision),
	}
	if note != "" {
		payload["note"] = note
	}
	m.stream.Emit(&as.config, events.ApprovalResolved, payload)
}

// --- PTY events ---

func (m *Manager) handlePTYData(ev pty.DataEvent) {
	as, ok := m.get(ev.SessionID)
	if !ok {
		return
	}
	as.enqueue(func() {
		if as.finalized {
			return
		}
		// Redact credentials before the chunk leaves the runner. The raw
		// bytes still reach the adapter so event markers stay intact.
		redaction := as.enforcer.RedactSecrets(string(ev.Data))
		m.stream.Emit(&as.config, events.TerminalChunk, map[string]interface{}{
			"data":   redaction.Redacted,
			"stream": ev.Stream,
		})

		as.mu.Lock()
		adapter := as.adapter
		as.mu.Unlock()
		if adapter != nil {
			adapter.HandleOutput(ev.Data)
		}
	})
}

func (m *Manager) handlePTYExit(ev pty.ExitEvent) {
	as, ok := m.get(ev.SessionID)
	if !ok {
		return
	}
	as.enqueue(func() {
		m.applyEvent(as, MachineEvent{Kind: EvProviderExited, ExitCode: ev.ExitCode})
	})
}

// --- usage ticking ---

func (m *Manager) startUsageTicker(as *ActiveSession) {
	if as.usageTicker != nil {
		return
	}
	interval := m.cfg.UsageTickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	as.usageTicker = time.NewTicker(interval)
	as.tickerStop = make(chan struct{})

	ticker := as.usageTicker
	stop := as.tickerStop
	go func() {
		for {
			select {
			case <-ticker.C:
				as.enqueue(func() { m.usageTickInLane(as, interval) })
			case <-stop:
				return
			}
		}
	}()
}

func (m *Manager) stopUsageTicker(as *ActiveSession) {
	if as.usageTicker == nil {
		return
	}
	as.usageTicker.Stop()
	close(as.tickerStop)
	as.usageTicker = nil
	as.tickerStop = nil
}

// usageTickInLane derives real usage deltas: terminal kilobytes from PTY
// byte counts, agent seconds from the tick interval. File and command
// counters accumulate from provider events as they arrive.
func (m *Manager) usageTickInLane(as *ActiveSession, interval time.Duration) {
	if as.finalized {
		return
	}

	bytes := m.ptys.BytesReceived(as.config.SessionID)
	deltaKb := (bytes - as.lastTickBytes) / 1024
	as.lastTickBytes = bytes

	delta := UsageMetrics{
		AgentSeconds: int64(interval.Seconds()),
		TerminalKb:   deltaKb,
	}
	m.applyEvent(as, MachineEvent{Kind: EvUsageTick, Usage: delta})

	m.stream.Emit(&as.config, events.UsageTick, map[string]interface{}{
		"provider_id": as.config.ProviderID,
		"units": map[string]interface{}{
			"agent_seconds": delta.AgentSeconds,
			"terminal_kb":   delta.TerminalKb,
		},
		"interval_ms": interval.Milliseconds(),
	})
}

// --- teardown ---

// finalize emits the session's last events and schedules removal. Runs on
// the lane when the machine reaches COMPLETED or FAILED.
func (m *Manager) finalize(as *ActiveSession) {
	if as.finalized {
		return
	}

	m.stopUsageTicker(as)
	if as.forceKill != nil {
		as.forceKill.Stop()
		as.forceKill = nil
	}

	as.mu.Lock()
	ms := as.machine
	pending := ms.PendingApprovals
	as.machine.PendingApprovals = nil
	as.mu.Unlock()

	// Every APPROVAL_REQUESTED is matched by exactly one APPROVAL_RESOLVED;
	// approvals outstanding at session end resolve as denials.
	for _, approval := range pending {
		if timer, ok := as.approvalTimers[approval.ApprovalID]; ok {
			timer.Stop()
			delete(as.approvalTimers, approval.ApprovalID)
		}
		m.stream.Emit(&as.config, events.ApprovalResolved, map[string]interface{}{
			"approval_id": approval.ApprovalID,
			"decision":    string(DecisionDeny),
			"note":        "session ended",
		})
	}

	var durationMs int64
	if ms.StartedAt != nil && ms.EndedAt != nil {
		durationMs = ms.EndedAt.Sub(*ms.StartedAt).Milliseconds()
	}

	payload := map[string]interface{}{
		"final_state":       string(ms.State),
		"total_duration_ms": durationMs,
		"total_usage":       ms.Usage,
	}
	if ms.ExitCode != nil {
		payload["exit_code"] = *ms.ExitCode
	}
	if ms.ErrorMessage != "" {
		payload["error_message"] = ms.ErrorMessage
	}

	// SESSION_ENDED is the last event for the session.
	m.stream.Emit(&as.config, events.SessionEnded, payload)
	as.finalized = true
	close(as.terminalDone)

	sessionID := as.config.SessionID
	go m.workspaces.DestroyWorkspace(context.Background(), sessionID)

	// Keep the terminal session readable for in-flight consumers before
	// removing it from the map.
	as.removeTimer = time.AfterFunc(m.cfg.RemovalDelay, func() {
		m.removeSession(sessionID)
	})

	m.logger.Info("session finalized",
		zap.String("session_id", sessionID),
		zap.String("final_state", string(ms.State)),
		zap.Int64("duration_ms", durationMs))
}

func (m *Manager) removeSession(sessionID string) {
	m.mu.Lock()
	as, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	as.mu.Lock()
	as.closed = true
	as.mu.Unlock()
	close(as.quit)

	m.stream.DropSession(sessionID)

	m.logger.Debug("removed session", zap.String("session_id", sessionID))
}
