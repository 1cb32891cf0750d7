package fleet

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-village/villaged/internal/common/config"
	apperrors "github.com/ai-village/villaged/internal/common/errors"
	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/events"
	"github.com/ai-village/villaged/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func testFleetConfig() config.FleetConfig {
	return config.FleetConfig{
		MaxRunners:            1000,
		HeartbeatTimeoutMs:    60000,
		HealthCheckIntervalMs: 30000,
		LoadFactor:            0.8,
	}
}

func newTestHandler(t *testing.T) (*Handler, *bus.MemoryEventBus) {
	t.Helper()
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	return NewHandler(testFleetConfig(), memBus, log), memBus
}

func register(t *testing.T, h *Handler, hostname string, maxSessions int, providers ...string) *StoredRunner {
	t.Helper()
	if len(providers) == 0 {
		providers = []string{"codex"}
	}
	runner, err := h.RegisterRunner(RegisterRequest{
		Hostname: hostname,
		Capabilities: Capabilities{
			Providers:             providers,
			MaxConcurrentSessions: maxSessions,
		},
	})
	require.NoError(t, err)
	return runner
}

func countFleetEvents(t *testing.T, b *bus.MemoryEventBus, eventType string) *int32 {
	t.Helper()
	var count int32
	sub, err := b.Subscribe(events.FleetSubject(eventType), func(ctx context.Context, event *bus.Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return &count
}

func TestRegisterRunnerIdempotentByHostname(t *testing.T) {
	h, _ := newTestHandler(t)

	first := register(t, h, "host-a", 10)
	second, err := h.RegisterRunner(RegisterRequest{
		Hostname: "host-a",
		Capabilities: Capabilities{
			Providers:             []string{"codex", "claude_code"},
			MaxConcurrentSessions: 20,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, first.RunnerID, second.RunnerID, "re-register keeps the runner id")
	assert.Equal(t, 20, second.Capabilities.MaxConcurrentSessions, "capabilities follow the last request")

	got, err := h.GetRunner(first.RunnerID)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status)
}

func TestRegisterRunnerLimit(t *testing.T) {
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	cfg := testFleetConfig()
	cfg.MaxRunners = 2
	h := NewHandler(cfg, memBus, log)

	register(t, h, "host-1", 5)
	register(t, h, "host-2", 5)

	_, err := h.RegisterRunner(RegisterRequest{
		Hostname:     "host-3",
		Capabilities: Capabilities{Providers: []string{"codex"}, MaxConcurrentSessions: 5},
	})
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrCodeRunnerLimitExceeded, appErr.Code)
}

func TestProcessHeartbeatUnknownRunner(t *testing.T) {
	h, _ := newTestHandler(t)

	err := h.ProcessHeartbeat(Heartbeat{RunnerID: "ghost"})
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrCodeRunnerNotFound, appErr.Code)
}

func TestHeartbeatKeepsSessionSetConsistent(t *testing.T) {
	h, _ := newTestHandler(t)
	runner := register(t, h, "host-a", 10)

	require.NoError(t, h.ProcessHeartbeat(Heartbeat{
		RunnerID:       runner.RunnerID,
		Timestamp:      time.Now().UTC(),
		ActiveSessions: []string{"s1", "s2", "s3"},
		Load:           Load{ActiveSessions: 99, CPUPercent: 41.5},
	}))

	got, err := h.GetRunner(runner.RunnerID)
	require.NoError(t, err)
	assert.Len(t, got.ActiveSessions, 3)
	assert.Equal(t, 3, got.Load.ActiveSessions, "load counter follows the session set")
	assert.Equal(t, 41.5, got.Load.CPUPercent)
}

func TestHeartbeatVersionReporting(t *testing.T) {
	h, memBus := newTestHandler(t)
	runner := register(t, h, "host-a", 10)

	versionEvents := countFleetEvents(t, memBus, events.VersionReported)

	hb := Heartbeat{
		RunnerID:        runner.RunnerID,
		Timestamp:       time.Now().UTC(),
		RuntimeVersions: map[string]string{"codex": "1.0.0", "docker": "28.5.2"},
	}
	require.NoError(t, h.ProcessHeartbeat(hb))

	require.Eventually(t, func() bool { return atomic.LoadInt32(versionEvents) == 2 },
		2*time.Second, 10*time.Millisecond)

	// Unchanged versions emit nothing.
	require.NoError(t, h.ProcessHeartbeat(hb))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(versionEvents))

	// A changed version emits exactly one more.
	hb.RuntimeVersions = map[string]string{"codex": "1.1.0", "docker": "28.5.2"}
	require.NoError(t, h.ProcessHeartbeat(hb))
	require.Eventually(t, func() bool { return atomic.LoadInt32(versionEvents) == 3 },
		2*time.Second, 10*time.Millisecond)
}

func TestHealthSweepMarksOffline(t *testing.T) {
	h, memBus := newTestHandler(t)
	runner := register(t, h, "host-a", 10)

	offline := countFleetEvents(t, memBus, events.RunnerOffline)
	online := countFleetEvents(t, memBus, events.RunnerOnline)

	// Heartbeat 65s in the past, timeout 60s.
	require.NoError(t, h.ProcessHeartbeat(Heartbeat{
		RunnerID:  runner.RunnerID,
		Timestamp: time.Now().UTC().Add(-65 * time.Second),
	}))

	h.SweepHealth(time.Now().UTC())
	got, err := h.GetRunner(runner.RunnerID)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, got.Status, "offline runners are retained, not removed")

	require.Eventually(t, func() bool { return atomic.LoadInt32(offline) == 1 },
		2*time.Second, 10*time.Millisecond)

	// A second sweep does not emit runner_offline again.
	h.SweepHealth(time.Now().UTC())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(offline))

	// A fresh heartbeat brings it back online, exactly once.
	require.NoError(t, h.ProcessHeartbeat(Heartbeat{
		RunnerID:  runner.RunnerID,
		Timestamp: time.Now().UTC(),
	}))
	got, err = h.GetRunner(runner.RunnerID)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status)

	require.Eventually(t, func() bool { return atomic.LoadInt32(online) == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestSelectRunnerUnderLoad(t *testing.T) {
	h, _ := newTestHandler(t)

	runnerA := register(t, h, "host-a", 10)
	runnerB := register(t, h, "host-b", 10)

	setLoad := func(runnerID string, sessions int) {
		ids := make([]string, sessions)
		for i := range ids {
			ids[i] = runnerID + "-s" + string(rune('a'+i))
		}
		require.NoError(t, h.ProcessHeartbeat(Heartbeat{
			RunnerID:       runnerID,
			Timestamp:      time.Now().UTC(),
			ActiveSessions: ids,
		}))
	}

	setLoad(runnerA.RunnerID, 7)
	setLoad(runnerB.RunnerID, 5)

	selected := h.SelectRunner("codex")
	require.NotNil(t, selected)
	assert.Equal(t, runnerB.RunnerID, selected.RunnerID, "lowest utilization wins")

	setLoad(runnerB.RunnerID, 8)
	selected = h.SelectRunner("codex")
	require.NotNil(t, selected)
	assert.Equal(t, runnerA.RunnerID, selected.RunnerID, "runner at loadFactor threshold is excluded")

	setLoad(runnerA.RunnerID, 8)
	assert.Nil(t, h.SelectRunner("codex"), "no capacity anywhere")
}

func TestSelectRunnerFiltersProviderAndStatus(t *testing.T) {
	h, _ := newTestHandler(t)

	register(t, h, "host-codex", 10, "codex")
	claude := register(t, h, "host-claude", 10, "claude_code")

	selected := h.SelectRunner("claude_code")
	require.NotNil(t, selected)
	assert.Equal(t, claude.RunnerID, selected.RunnerID)

	require.NoError(t, h.DrainRunner(claude.RunnerID))
	assert.Nil(t, h.SelectRunner("claude_code"), "draining runners are not selectable")

	assert.Nil(t, h.SelectRunner("unknown-provider"))
}

func TestSelectRunnerTieBreaksByHostname(t *testing.T) {
	h, _ := newTestHandler(t)

	register(t, h, "host-b", 10)
	register(t, h, "host-a", 10)

	selected := h.SelectRunner("codex")
	require.NotNil(t, selected)
	assert.Equal(t, "host-a", selected.Hostname)
}

func TestAssignAndReleaseSession(t *testing.T) {
	h, _ := newTestHandler(t)
	runner := register(t, h, "host-a", 10)

	require.NoError(t, h.AssignSession(runner.RunnerID, "s1"))
	require.NoError(t, h.AssignSession(runner.RunnerID, "s2"))

	got, err := h.GetRunner(runner.RunnerID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Load.ActiveSessions)
	assert.Len(t, got.ActiveSessions, 2)

	require.NoError(t, h.ReleaseSession(runner.RunnerID, "s1"))
	got, err = h.GetRunner(runner.RunnerID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Load.ActiveSessions)

	// Releasing an unknown session is harmless.
	require.NoError(t, h.ReleaseSession(runner.RunnerID, "ghost"))
}

func TestRemoveRunnerRefusedWithActiveSessions(t *testing.T) {
	h, _ := newTestHandler(t)
	runner := register(t, h, "host-a", 10)
	require.NoError(t, h.AssignSession(runner.RunnerID, "s1"))

	err := h.RemoveRunner(runner.RunnerID)
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrCodeRunnerHasActiveSessions, appErr.Code)

	require.NoError(t, h.ReleaseSession(runner.RunnerID, "s1"))
	require.NoError(t, h.RemoveRunner(runner.RunnerID))

	_, err = h.GetRunner(runner.RunnerID)
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrCodeRunnerNotFound, appErr.Code)
}

func TestListRunnersSortingAndPagination(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, hostname := range []string{"charlie", "alpha", "bravo"} {
		register(t, h, hostname, 10)
	}

	page1, total, err := h.ListRunners(Pagination{Page: 1, PageSize: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page1, 2)
	assert.Equal(t, "alpha", page1[0].Hostname)
	assert.Equal(t, "bravo", page1[1].Hostname)

	page2, _, err := h.ListRunners(Pagination{Page: 2, PageSize: 2}, nil)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "charlie", page2[0].Hostname)

	_, _, err = h.ListRunners(Pagination{Page: 0, PageSize: 2}, nil)
	assert.Error(t, err)
}

func TestListRunnersFilters(t *testing.T) {
	h, _ := newTestHandler(t)

	codexRunner := register(t, h, "host-codex", 10, "codex")
	register(t, h, "host-claude", 10, "claude_code")

	byProvider, total, err := h.ListRunners(Pagination{Page: 1, PageSize: 10}, &ListFilters{ProviderID: "codex"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, codexRunner.RunnerID, byProvider[0].RunnerID)

	require.NoError(t, h.DrainRunner(codexRunner.RunnerID))
	draining, _, err := h.ListRunners(Pagination{Page: 1, PageSize: 10}, &ListFilters{Status: StatusDraining})
	require.NoError(t, err)
	require.Len(t, draining, 1)
	assert.Equal(t, codexRunner.RunnerID, draining[0].RunnerID)
}

func TestGetCapacity(t *testing.T) {
	h, _ := newTestHandler(t)

	a := register(t, h, "host-a", 10)
	b := register(t, h, "host-b", 20)
	require.NoError(t, h.AssignSession(a.RunnerID, "s1"))
	require.NoError(t, h.AssignSession(b.RunnerID, "s2"))
	require.NoError(t, h.AssignSession(b.RunnerID, "s3"))

	c := h.GetCapacity()
	assert.Equal(t, 30, c.TotalCapacity)
	assert.Equal(t, 3, c.Used)
	assert.Equal(t, 27, c.Available)

	// Offline runners drop out of capacity accounting.
	require.NoError(t, h.ProcessHeartbeat(Heartbeat{
		RunnerID:       b.RunnerID,
		Timestamp:      time.Now().UTC().Add(-2 * time.Minute),
		ActiveSessions: []string{"s2", "s3"},
	}))
	h.SweepHealth(time.Now().UTC())

	c = h.GetCapacity()
	assert.Equal(t, 10, c.TotalCapacity)
	assert.Equal(t, 1, c.Used)
}
