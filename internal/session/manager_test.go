package session

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ai-village/villaged/internal/common/errors"
	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/events"
	"github.com/ai-village/villaged/internal/events/bus"
	"github.com/ai-village/villaged/internal/policy"
	"github.com/ai-village/villaged/internal/provider"
	"github.com/ai-village/villaged/internal/pty"
	"github.com/ai-village/villaged/internal/workspace"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// initGitRepo creates a real git repository with one commit on main.
func initGitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

// eventCollector gathers runner events from the bus.
type eventCollector struct {
	mu     sync.Mutex
	events []*events.RunnerEvent
}

func collectEvents(t *testing.T, b bus.EventBus) *eventCollector {
	t.Helper()
	c := &eventCollector{}
	sub, err := b.Subscribe(events.RunnerEventWildcard(), func(ctx context.Context, event *bus.Event) error {
		re, err := events.RunnerEventFromBus(event)
		if err != nil {
			return nil
		}
		c.mu.Lock()
		c.events = append(c.events, re)
		c.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return c
}

// bySeq returns the session's events ordered by sequence number. The memory
// bus dispatches concurrently, so consumers order by seq, as the protocol
// prescribes.
func (c *eventCollector) bySeq(sessionID string) []*events.RunnerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*events.RunnerEvent, 0, len(c.events))
	for _, ev := range c.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (c *eventCollector) countType(sessionID, eventType string) int {
	n := 0
	for _, ev := range c.bySeq(sessionID) {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type managerFixture struct {
	mgr       *Manager
	bus       *bus.MemoryEventBus
	collector *eventCollector
	repoDir   string
}

func newManagerFixture(t *testing.T, cfg ManagerConfig) *managerFixture {
	t.Helper()
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	collector := collectEvents(t, memBus)

	wsMgr, err := workspace.NewManager(workspace.Config{
		BaseDir:  filepath.Join(t.TempDir(), "workspaces"),
		CacheDir: filepath.Join(t.TempDir(), "cache"),
	}, log)
	require.NoError(t, err)

	ptyMgr := pty.NewManager(log)
	stream := NewStream(memBus, "runner-test", log)
	t.Cleanup(stream.Close)

	mgr := NewManager(cfg, wsMgr, ptyMgr, stream, policy.DefaultRuleset(), log)
	require.NoError(t, mgr.Initialize())

	return &managerFixture{
		mgr:       mgr,
		bus:       memBus,
		collector: collector,
		repoDir:   initGitRepo(t),
	}
}

func (f *managerFixture) sessionConfig(sessionID string) Config {
	return Config{
		SessionID:  sessionID,
		AgentID:    "agent-" + sessionID,
		VillageID:  "village-1",
		OrgID:      "org-1",
		ProviderID: provider.IDMock,
		RepoRef:    workspace.RepoRef{Provider: workspace.ProviderLocal, Path: f.repoDir},
		Checkout:   workspace.CheckoutSpec{Type: workspace.CheckoutBranch, Ref: "main"},
		Task:       provider.TaskSpec{Title: "t", Goal: "g"},
		Policy:     policy.Spec{ShellAllowlist: []string{"*"}, NetworkMode: policy.NetworkOpen},
	}
}

func waitForState(t *testing.T, mgr *Manager, sessionID string, want State) *RuntimeState {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		state, err := mgr.GetSessionState(sessionID)
		if err == nil && state.State == want {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	state, err := mgr.GetSessionState(sessionID)
	t.Fatalf("session %s never reached %s (last: %+v, err: %v)", sessionID, want, state, err)
	return nil
}

func waitForEvent(t *testing.T, c *eventCollector, sessionID, eventType string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if c.countType(sessionID, eventType) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never emitted %s", sessionID, eventType)
}

func TestManagerHappyPath(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MaxSessions:       5,
		StopTimeout:       30 * time.Second,
		RemovalDelay:      5 * time.Second,
		UsageTickInterval: time.Hour,
	})

	cfg := f.sessionConfig("s1")
	state, err := f.mgr.StartSession(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "s1", state.SessionID)

	mock := provider.NewMock()
	mock.Script = []provider.Event{
		{Type: provider.EventThought, Text: "planning"},
		{Type: provider.EventFileTouched, Path: "main.go", Reason: "write"},
	}
	mock.StepDelay = 20 * time.Millisecond
	require.NoError(t, f.mgr.SetProviderAdapter("s1", mock))

	waitForState(t, f.mgr, "s1", StateCompleted)
	waitForEvent(t, f.collector, "s1", events.SessionEnded)

	evs := f.collector.bySeq("s1")
	require.NotEmpty(t, evs)

	// Sequence numbers are contiguous from 1.
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq, "gap in sequence at %d", i)
	}

	// Expected ordering of the structural events.
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Equal(t, events.SessionStateChanged, types[0])
	assert.Equal(t, "PREPARING_WORKSPACE", evs[0].Payload["new_state"])
	assert.Equal(t, events.SessionEnded, types[len(types)-1], "SESSION_ENDED must be last")
	assert.Equal(t, 1, f.collector.countType("s1", events.SessionEnded))

	idxStarted := indexOfType(types, events.SessionStarted)
	require.GreaterOrEqual(t, idxStarted, 0)
	// SESSION_STARTED precedes the RUNNING state change.
	idxRunning := indexOfPayload(evs, events.SessionStateChanged, "new_state", "RUNNING")
	require.Greater(t, idxRunning, idxStarted)

	assert.Equal(t, "COMPLETED", evs[len(evs)-1].Payload["final_state"])
	assert.Equal(t, float64(0), evs[len(evs)-1].Payload["exit_code"])

	// Routing metadata is stamped on every event.
	for _, ev := range evs {
		assert.Equal(t, "agent-s1", ev.AgentID)
		assert.Equal(t, "village-1", ev.VillageID)
		assert.Equal(t, "org-1", ev.OrgID)
		assert.NotZero(t, ev.Ts)
	}
}

func TestManagerApprovalFlow(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MaxSessions:       5,
		StopTimeout:       30 * time.Second,
		RemovalDelay:      5 * time.Second,
		UsageTickInterval: time.Hour,
	})

	cfg := f.sessionConfig("s1")
	_, err := f.mgr.StartSession(context.Background(), cfg)
	require.NoError(t, err)

	mock := provider.NewMock()
	mock.HoldOpen = true
	mock.Script = []provider.Event{
		{Type: provider.EventRequestApproval, Approval: &provider.ApprovalRequest{
			ApprovalID: "ap1",
			Category:   policy.ApprovalMerge,
			Summary:    "merge to main",
		}},
	}
	mock.StepDelay = 20 * time.Millisecond
	require.NoError(t, f.mgr.SetProviderAdapter("s1", mock))

	state := waitForState(t, f.mgr, "s1", StateWaitingForApproval)
	require.Len(t, state.PendingApprovals, 1)
	assert.Equal(t, "ap1", state.PendingApprovals[0].ApprovalID)
	assert.Equal(t, int64(1), state.Usage.ApprovalsRequested)

	require.NoError(t, f.mgr.ResolveApproval("s1", "ap1", DecisionAllow, ""))
	waitForState(t, f.mgr, "s1", StateRunning)

	// Resolving an already-resolved approval is a no-op.
	require.NoError(t, f.mgr.ResolveApproval("s1", "ap1", DecisionAllow, "again"))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, f.mgr.StopSession("s1", true))
	waitForState(t, f.mgr, "s1", StateCompleted)
	waitForEvent(t, f.collector, "s1", events.SessionEnded)

	assert.Equal(t, 1, f.collector.countType("s1", events.ApprovalRequested))
	assert.Equal(t, 1, f.collector.countType("s1", events.ApprovalResolved))
}

func TestManagerApprovalDenyStopsSession(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MaxSessions:       5,
		StopTimeout:       30 * time.Second,
		RemovalDelay:      5 * time.Second,
		UsageTickInterval: time.Hour,
	})

	_, err := f.mgr.StartSession(context.Background(), f.sessionConfig("s1"))
	require.NoError(t, err)

	mock := provider.NewMock()
	mock.HoldOpen = true
	mock.Script = []provider.Event{
		{Type: provider.EventRequestApproval, Approval: &provider.ApprovalRequest{
			ApprovalID: "ap1",
			Category:   policy.ApprovalDeploy,
		}},
	}
	mock.StepDelay = 20 * time.Millisecond
	require.NoError(t, f.mgr.SetProviderAdapter("s1", mock))

	waitForState(t, f.mgr, "s1", StateWaitingForApproval)
	require.NoError(t, f.mgr.ResolveApproval("s1", "ap1", DecisionDeny, "too risky"))

	state := waitForState(t, f.mgr, "s1", StateCompleted)
	assert.Equal(t, "Approval denied by user", state.ErrorMessage)
}

func TestManagerApprovalTimeout(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MaxSessions:       5,
		StopTimeout:       30 * time.Second,
		RemovalDelay:      5 * time.Second,
		UsageTickInterval: time.Hour,
	})

	_, err := f.mgr.StartSession(context.Background(), f.sessionConfig("s1"))
	require.NoError(t, err)

	timeoutAt := time.Now().Add(150 * time.Millisecond)
	mock := provider.NewMock()
	mock.HoldOpen = true
	mock.Script = []provider.Event{
		{Type: provider.EventRequestApproval, Approval: &provider.ApprovalRequest{
			ApprovalID: "ap1",
			Category:   policy.ApprovalSecrets,
			TimeoutAt:  &timeoutAt,
		}},
	}
	mock.StepDelay = 20 * time.Millisecond
	require.NoError(t, f.mgr.SetProviderAdapter("s1", mock))

	waitForState(t, f.mgr, "s1", StateWaitingForApproval)

	// The missed deadline surfaces as a denial.
	state := waitForState(t, f.mgr, "s1", StateCompleted)
	assert.Equal(t, "Approval denied by user", state.ErrorMessage)
	assert.Equal(t, 1, f.collector.countType("s1", events.ApprovalResolved))
}

func TestManagerStopTimeoutForcesCompletion(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MaxSessions:       5,
		StopTimeout:       200 * time.Millisecond,
		RemovalDelay:      5 * time.Second,
		UsageTickInterval: time.Hour,
	})

	_, err := f.mgr.StartSession(context.Background(), f.sessionConfig("s1"))
	require.NoError(t, err)

	mock := provider.NewMock()
	mock.HoldOpen = true
	mock.IgnoreStop = true
	require.NoError(t, f.mgr.SetProviderAdapter("s1", mock))

	waitForState(t, f.mgr, "s1", StateRunning)
	require.NoError(t, f.mgr.StopSession("s1", true))

	// The stalled provider never exits; the machine forces completion.
	waitForState(t, f.mgr, "s1", StateCompleted)
	waitForEvent(t, f.collector, "s1", events.SessionEnded)

	stopping := indexOfPayload(f.collector.bySeq("s1"), events.SessionStateChanged, "new_state", "STOPPING")
	assert.GreaterOrEqual(t, stopping, 0, "STOPPING transition must be observable")
}

func TestManagerStopInCreated(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MaxSessions:       5,
		StopTimeout:       time.Second,
		RemovalDelay:      5 * time.Second,
		UsageTickInterval: time.Hour,
	})

	_, err := f.mgr.StartSession(context.Background(), f.sessionConfig("s1"))
	require.NoError(t, err)
	require.NoError(t, f.mgr.StopSession("s1", true))

	waitForState(t, f.mgr, "s1", StateCompleted)
	waitForEvent(t, f.collector, "s1", events.SessionEnded)

	// The STOPPING transition is observable even for a barely-started session.
	found := false
	for _, ev := range f.collector.bySeq("s1") {
		if ev.Type == events.SessionStateChanged && ev.Payload["new_state"] == "STOPPING" {
			found = true
		}
	}
	assert.True(t, found, "expected SESSION_STATE_CHANGED to STOPPING")
}

func TestManagerWorkspaceFailure(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MaxSessions:       5,
		StopTimeout:       time.Second,
		RemovalDelay:      5 * time.Second,
		UsageTickInterval: time.Hour,
	})

	cfg := f.sessionConfig("s1")
	cfg.RepoRef = workspace.RepoRef{Provider: workspace.ProviderLocal, Path: "/nonexistent/repo/path"}
	_, err := f.mgr.StartSession(context.Background(), cfg)
	require.NoError(t, err)

	state := waitForState(t, f.mgr, "s1", StateFailed)
	assert.NotEmpty(t, state.ErrorMessage)

	waitForEvent(t, f.collector, "s1", events.SessionEnded)
	evs := f.collector.bySeq("s1")
	assert.Equal(t, "FAILED", evs[len(evs)-1].Payload["final_state"])
}

func TestManagerCapacityAndDuplicates(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MaxSessions:       1,
		StopTimeout:       time.Second,
		RemovalDelay:      5 * time.Second,
		UsageTickInterval: time.Hour,
	})

	_, err := f.mgr.StartSession(context.Background(), f.sessionConfig("s1"))
	require.NoError(t, err)

	_, err = f.mgr.StartSession(context.Background(), f.sessionConfig("s1"))
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrCodeSessionLimit, appErr.Code)

	// With capacity 2 the duplicate id is the failure.
	f2 := newManagerFixture(t, ManagerConfig{
		MaxSessions:       2,
		StopTimeout:       time.Second,
		RemovalDelay:      5 * time.Second,
		UsageTickInterval: time.Hour,
	})
	_, err = f2.mgr.StartSession(context.Background(), f2.sessionConfig("dup"))
	require.NoError(t, err)
	_, err = f2.mgr.StartSession(context.Background(), f2.sessionConfig("dup"))
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrCodeConflict, appErr.Code)
}

func TestManagerSessionRemovedAfterDelay(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MaxSessions:       5,
		StopTimeout:       time.Second,
		RemovalDelay:      100 * time.Millisecond,
		UsageTickInterval: time.Hour,
	})

	_, err := f.mgr.StartSession(context.Background(), f.sessionConfig("s1"))
	require.NoError(t, err)

	mock := provider.NewMock()
	mock.StepDelay = 20 * time.Millisecond
	require.NoError(t, f.mgr.SetProviderAdapter("s1", mock))

	waitForState(t, f.mgr, "s1", StateCompleted)

	// Terminal state stays readable for the removal delay, then vanishes.
	require.Eventually(t, func() bool {
		_, err := f.mgr.GetSessionState("s1")
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)

	_, err = f.mgr.GetSessionState("s1")
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrCodeNotFound, appErr.Code)
}

func TestManagerUnknownSessionOperations(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MaxSessions:       5,
		StopTimeout:       time.Second,
		RemovalDelay:      time.Second,
		UsageTickInterval: time.Hour,
	})

	var appErr *apperrors.AppError
	for _, err := range []error{
		f.mgr.SendInput(context.Background(), "ghost", []byte("x")),
		f.mgr.PauseSession("ghost"),
		f.mgr.ResumeSession("ghost"),
		f.mgr.StopSession("ghost", true),
		f.mgr.ResolveApproval("ghost", "a", DecisionAllow, ""),
	} {
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, apperrors.ErrCodeNotFound, appErr.Code)
	}
}

func TestManagerPauseResume(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MaxSessions:       5,
		StopTimeout:       time.Second,
		RemovalDelay:      5 * time.Second,
		UsageTickInterval: time.Hour,
	})

	_, err := f.mgr.StartSession(context.Background(), f.sessionConfig("s1"))
	require.NoError(t, err)

	mock := provider.NewMock()
	mock.HoldOpen = true
	require.NoError(t, f.mgr.SetProviderAdapter("s1", mock))
	waitForState(t, f.mgr, "s1", StateRunning)

	require.NoError(t, f.mgr.PauseSession("s1"))
	waitForState(t, f.mgr, "s1", StatePausedByHuman)

	require.NoError(t, f.mgr.ResumeSession("s1"))
	waitForState(t, f.mgr, "s1", StateRunning)

	require.NoError(t, f.mgr.StopSession("s1", true))
	waitForState(t, f.mgr, "s1", StateCompleted)
}

func TestManagerShutdownStopsEverything(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{
		MaxSessions:       5,
		StopTimeout:       time.Second,
		RemovalDelay:      5 * time.Second,
		UsageTickInterval: time.Hour,
	})

	for _, id := range []string{"s1", "s2"} {
		_, err := f.mgr.StartSession(context.Background(), f.sessionConfig(id))
		require.NoError(t, err)
		mock := provider.NewMock()
		mock.HoldOpen = true
		require.NoError(t, f.mgr.SetProviderAdapter(id, mock))
		waitForState(t, f.mgr, id, StateRunning)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Shutdown(ctx))

	waitForEvent(t, f.collector, "s1", events.SessionEnded)
	waitForEvent(t, f.collector, "s2", events.SessionEnded)
}

func indexOfType(types []string, want string) int {
	for i, tp := range types {
		if tp == want {
			return i
		}
	}
	return -1
}

func indexOfPayload(evs []*events.RunnerEvent, eventType, key, value string) int {
	for i, ev := range evs {
		if ev.Type == eventType && ev.Payload[key] == value {
			return i
		}
	}
	return -1
}
