package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-village/villaged/internal/provider"
	"github.com/ai-village/villaged/internal/workspace"
)

func testWorkspaceRef() *workspace.Ref {
	return &workspace.Ref{
		WorkspaceID:  "abcd1234",
		WorktreePath: "/tmp/ws/s1/abcd1234",
		CreatedAt:    time.Now().UTC(),
	}
}

func advanceToRunning(t *testing.T) MachineState {
	t.Helper()
	ms := NewMachineState()

	ms, effects := Transition(ms, MachineEvent{Kind: EvStart})
	require.Equal(t, StatePreparingWorkspace, ms.State)
	require.Equal(t, []Effect{{Kind: FxRequestWorkspace}}, effects)

	ms, effects = Transition(ms, MachineEvent{Kind: EvWorkspaceReady, Workspace: testWorkspaceRef()})
	require.Equal(t, StateStartingProvider, ms.State)
	require.Equal(t, []Effect{{Kind: FxStartProvider}}, effects)

	ms, effects = Transition(ms, MachineEvent{Kind: EvProviderStarted, Pid: 42, ProviderVersion: "1.2.3"})
	require.Equal(t, StateRunning, ms.State)
	require.Equal(t, []Effect{{Kind: FxStartTicker}}, effects)
	require.NotNil(t, ms.StartedAt)
	require.Equal(t, 42, ms.ProviderPid)

	return ms
}

func TestMachineHappyPath(t *testing.T) {
	ms := advanceToRunning(t)

	ms, effects := Transition(ms, MachineEvent{Kind: EvProviderExited, ExitCode: 0})
	assert.Equal(t, StateCompleted, ms.State)
	require.NotNil(t, ms.ExitCode)
	assert.Equal(t, 0, *ms.ExitCode)
	assert.NotNil(t, ms.EndedAt)

	kinds := effectKinds(effects)
	assert.Contains(t, kinds, FxStopTicker)
	assert.Contains(t, kinds, FxFinalize)
}

func TestMachineWorkspaceFailed(t *testing.T) {
	ms := NewMachineState()
	ms, _ = Transition(ms, MachineEvent{Kind: EvStart})

	ms, effects := Transition(ms, MachineEvent{Kind: EvWorkspaceFailed, Err: "clone failed"})
	assert.Equal(t, StateFailed, ms.State)
	assert.Equal(t, "clone failed", ms.ErrorMessage)
	assert.Equal(t, []Effect{{Kind: FxFinalize}}, effects)
}

func TestMachineProviderFailed(t *testing.T) {
	ms := NewMachineState()
	ms, _ = Transition(ms, MachineEvent{Kind: EvStart})
	ms, _ = Transition(ms, MachineEvent{Kind: EvWorkspaceReady, Workspace: testWorkspaceRef()})

	ms, _ = Transition(ms, MachineEvent{Kind: EvProviderFailed, Err: "binary not found"})
	assert.Equal(t, StateFailed, ms.State)
	assert.Equal(t, "binary not found", ms.ErrorMessage)
}

func TestMachineApprovalAllow(t *testing.T) {
	ms := advanceToRunning(t)

	approval := &provider.ApprovalRequest{ApprovalID: "ap1", Category: "merge"}
	ms, _ = Transition(ms, MachineEvent{Kind: EvApprovalRequested, Approval: approval})
	assert.Equal(t, StateWaitingForApproval, ms.State)
	assert.Len(t, ms.PendingApprovals, 1)
	assert.Equal(t, int64(1), ms.Usage.ApprovalsRequested)

	ms, effects := Transition(ms, MachineEvent{Kind: EvApprovalResolved, ApprovalID: "ap1", Decision: DecisionAllow})
	assert.Equal(t, StateRunning, ms.State)
	assert.Empty(t, ms.PendingApprovals)
	assert.Empty(t, effects)
}

func TestMachineApprovalDeny(t *testing.T) {
	ms := advanceToRunning(t)

	approval := &provider.ApprovalRequest{ApprovalID: "ap1", Category: "deploy"}
	ms, _ = Transition(ms, MachineEvent{Kind: EvApprovalRequested, Approval: approval})

	ms, effects := Transition(ms, MachineEvent{Kind: EvApprovalResolved, ApprovalID: "ap1", Decision: DecisionDeny})
	assert.Equal(t, StateStopping, ms.State)
	assert.Equal(t, "Approval denied by user", ms.ErrorMessage)

	kinds := effectKinds(effects)
	assert.Contains(t, kinds, FxStopProvider)
	assert.Contains(t, kinds, FxScheduleForceKill)
}

func TestMachineApprovalResolveUnknownIsNoop(t *testing.T) {
	ms := advanceToRunning(t)
	approval := &provider.ApprovalRequest{ApprovalID: "ap1"}
	ms, _ = Transition(ms, MachineEvent{Kind: EvApprovalRequested, Approval: approval})

	next, effects := Transition(ms, MachineEvent{Kind: EvApprovalResolved, ApprovalID: "nope", Decision: DecisionAllow})
	assert.Equal(t, ms.State, next.State)
	assert.Len(t, next.PendingApprovals, 1)
	assert.Empty(t, effects)
}

func TestMachinePauseResume(t *testing.T) {
	ms := advanceToRunning(t)

	ms, _ = Transition(ms, MachineEvent{Kind: EvPause})
	assert.Equal(t, StatePausedByHuman, ms.State)

	ms, _ = Transition(ms, MachineEvent{Kind: EvResume})
	assert.Equal(t, StateRunning, ms.State)
}

func TestMachinePauseFromWaitingForApproval(t *testing.T) {
	ms := advanceToRunning(t)
	ms, _ = Transition(ms, MachineEvent{Kind: EvApprovalRequested, Approval: &provider.ApprovalRequest{ApprovalID: "a"}})

	ms, _ = Transition(ms, MachineEvent{Kind: EvPause})
	assert.Equal(t, StatePausedByHuman, ms.State)
}

func TestMachineStopFromCreated(t *testing.T) {
	ms := NewMachineState()

	ms, effects := Transition(ms, MachineEvent{Kind: EvStop, Graceful: true})
	require.Equal(t, StateStopping, ms.State)
	assert.Contains(t, effectKinds(effects), FxStopProvider)

	// With no provider the runtime synthesizes the exit.
	ms, _ = Transition(ms, MachineEvent{Kind: EvProviderExited, ExitCode: 0})
	assert.Equal(t, StateCompleted, ms.State)
}

func TestMachineStopTimeoutForcesCompletion(t *testing.T) {
	ms := advanceToRunning(t)
	ms, _ = Transition(ms, MachineEvent{Kind: EvStop, Graceful: true})
	require.Equal(t, StateStopping, ms.State)

	ms, effects := Transition(ms, MachineEvent{Kind: EvStopTimeout})
	assert.Equal(t, StateCompleted, ms.State)
	assert.NotNil(t, ms.EndedAt)

	var sawForceKill bool
	for _, fx := range effects {
		if fx.Kind == FxStopProvider && !fx.Graceful {
			sawForceKill = true
		}
	}
	assert.True(t, sawForceKill, "stop timeout must kill the provider")
}

func TestMachineErrorFromAnyActiveState(t *testing.T) {
	for _, setup := range []func(t *testing.T) MachineState{
		func(t *testing.T) MachineState { return NewMachineState() },
		func(t *testing.T) MachineState {
			ms := NewMachineState()
			ms, _ = Transition(ms, MachineEvent{Kind: EvStart})
			return ms
		},
		advanceToRunning,
	} {
		ms := setup(t)
		ms, _ = Transition(ms, MachineEvent{Kind: EvError, Err: "boom"})
		assert.Equal(t, StateFailed, ms.State)
		assert.Equal(t, "boom", ms.ErrorMessage)
	}
}

func TestMachineTerminalStatesAbsorb(t *testing.T) {
	ms := advanceToRunning(t)
	ms, _ = Transition(ms, MachineEvent{Kind: EvProviderExited, ExitCode: 1})
	require.Equal(t, StateCompleted, ms.State)

	for _, kind := range []EventKind{EvStop, EvError, EvPause, EvProviderExited, EvUsageTick} {
		next, effects := Transition(ms, MachineEvent{Kind: kind})
		assert.Equal(t, StateCompleted, next.State)
		assert.Empty(t, effects)
	}
}

func TestMachineUsageTickAccumulates(t *testing.T) {
	ms := advanceToRunning(t)

	ms, effects := Transition(ms, MachineEvent{Kind: EvUsageTick, Usage: UsageMetrics{AgentSeconds: 30, TerminalKb: 4}})
	assert.Empty(t, effects)
	ms, _ = Transition(ms, MachineEvent{Kind: EvUsageTick, Usage: UsageMetrics{AgentSeconds: 30, TerminalKb: 2}})

	assert.Equal(t, int64(60), ms.Usage.AgentSeconds)
	assert.Equal(t, int64(6), ms.Usage.TerminalKb)
}

func TestMachineUsageTickIgnoredOutsideRunning(t *testing.T) {
	ms := advanceToRunning(t)
	ms, _ = Transition(ms, MachineEvent{Kind: EvPause})

	ms, _ = Transition(ms, MachineEvent{Kind: EvUsageTick, Usage: UsageMetrics{AgentSeconds: 30}})
	assert.Zero(t, ms.Usage.AgentSeconds)
}

func effectKinds(effects []Effect) []EffectKind {
	kinds := make([]EffectKind, 0, len(effects))
	for _, fx := range effects {
		kinds = append(kinds, fx.Kind)
	}
	return kinds
}
