package session

import (
	"time"

	"github.com/ai-village/villaged/internal/provider"
	"github.com/ai-village/villaged/internal/workspace"
)

// EventKind tags a machine event.
type EventKind string

const (
	EvStart             EventKind = "START"
	EvWorkspaceReady    EventKind = "WORKSPACE_READY"
	EvWorkspaceFailed   EventKind = "WORKSPACE_FAILED"
	EvProviderStarted   EventKind = "PROVIDER_STARTED"
	EvProviderFailed    EventKind = "PROVIDER_FAILED"
	EvApprovalRequested EventKind = "APPROVAL_REQUESTED"
	EvApprovalResolved  EventKind = "APPROVAL_RESOLVED"
	EvPause             EventKind = "PAUSE"
	EvResume            EventKind = "RESUME"
	EvStop              EventKind = "STOP"
	EvProviderExited    EventKind = "PROVIDER_EXITED"
	EvError             EventKind = "ERROR"
	EvUsageTick         EventKind = "USAGE_TICK"
	EvStopTimeout       EventKind = "STOP_TIMEOUT"
)

// MachineEvent is a tagged event fed to the transition function.
type MachineEvent struct {
	Kind EventKind

	Workspace       *workspace.Ref
	Err             string
	Pid             int
	ProviderVersion string
	Approval        *provider.ApprovalRequest
	ApprovalID      string
	Decision        ApprovalDecision
	Note            string
	Graceful        bool
	ExitCode        int
	Usage           UsageMetrics
}

// EffectKind tags a side effect requested by a transition.
type EffectKind string

const (
	FxRequestWorkspace  EffectKind = "REQUEST_WORKSPACE"
	FxStartProvider     EffectKind = "START_PROVIDER"
	FxStopProvider      EffectKind = "STOP_PROVIDER"
	FxStartTicker       EffectKind = "START_TICKER"
	FxStopTicker        EffectKind = "STOP_TICKER"
	FxScheduleForceKill EffectKind = "SCHEDULE_FORCE_KILL"
	FxCancelForceKill   EffectKind = "CANCEL_FORCE_KILL"
	FxFinalize          EffectKind = "FINALIZE"
)

// Effect is an instruction for the runtime applying transitions. The machine
// itself performs no side effects; a thin runtime applies effects and feeds
// results back as events, which keeps the machine purely testable.
type Effect struct {
	Kind     EffectKind
	Graceful bool
}

// MachineState is the full machine state snapshot.
type MachineState struct {
	State            State
	Workspace        *workspace.Ref
	StartedAt        *time.Time
	EndedAt          *time.Time
	ProviderPid      int
	ProviderVersion  string
	ExitCode         *int
	ErrorMessage     string
	PendingApprovals []*provider.ApprovalRequest
	Usage            UsageMetrics
}

// NewMachineState returns the initial machine state.
func NewMachineState() MachineState {
	return MachineState{State: StateCreated}
}

// Transition applies an event to the machine state and returns the next
// state plus the effects the runtime must perform. Unknown or
// out-of-sequence events leave the state unchanged with no effects.
func Transition(ms MachineState, ev MachineEvent) (MachineState, []Effect) {
	now := time.Now().UTC()

	if ms.State.IsTerminal() {
		return ms, nil
	}

	switch ev.Kind {
	case EvStart:
		if ms.State != StateCreated {
			return ms, nil
		}
		ms.State = StatePreparingWorkspace
		return ms, []Effect{{Kind: FxRequestWorkspace}}

	case EvWorkspaceReady:
		if ms.State != StatePreparingWorkspace {
			return ms, nil
		}
		ms.State = StateStartingProvider
		ms.Workspace = ev.Workspace
		return ms, []Effect{{Kind: FxStartProvider}}

	case EvWorkspaceFailed:
		if ms.State != StatePreparingWorkspace {
			return ms, nil
		}
		ms.State = StateFailed
		ms.ErrorMessage = ev.Err
		ms.EndedAt = &now
		return ms, []Effect{{Kind: FxFinalize}}

	case EvProviderStarted:
		if ms.State != StateStartingProvider {
			return ms, nil
		}
		ms.State = StateRunning
		ms.ProviderPid = ev.Pid
		ms.ProviderVersion = ev.ProviderVersion
		ms.StartedAt = &now
		return ms, []Effect{{Kind: FxStartTicker}}

	case EvProviderFailed:
		if ms.State != StateStartingProvider {
			return ms, nil
		}
		ms.State = StateFailed
		ms.ErrorMessage = ev.Err
		ms.EndedAt = &now
		return ms, []Effect{{Kind: FxFinalize}}

	case EvApprovalRequested:
		if ms.State != StateRunning {
			return ms, nil
		}
		ms.State = StateWaitingForApproval
		ms.PendingApprovals = append(clonePending(ms.PendingApprovals), ev.Approval)
		ms.Usage.ApprovalsRequested++
		return ms, nil

	case EvApprovalResolved:
		if ms.State != StateWaitingForApproval {
			return ms, nil
		}
		idx := findApproval(ms.PendingApprovals, ev.ApprovalID)
		if idx < 0 {
			// Already resolved: no state change, no effects.
			return ms, nil
		}
		pending := clonePending(ms.PendingApprovals)
		pending = append(pending[:idx], pending[idx+1:]...)
		ms.PendingApprovals = pending
		if ev.Decision == DecisionAllow {
			ms.State = StateRunning
			return ms, nil
		}
		ms.State = StateStopping
		ms.ErrorMessage = "Approval denied by user"
		return ms, []Effect{
			{Kind: FxStopProvider, Graceful: true},
			{Kind: FxScheduleForceKill},
		}

	case EvPause:
		if ms.State != StateRunning && ms.State != StateWaitingForApproval {
			return ms, nil
		}
		ms.State = StatePausedByHuman
		return ms, nil

	case EvResume:
		if ms.State != StatePausedByHuman {
			return ms, nil
		}
		ms.State = StateRunning
		return ms, nil

	case EvStop:
		if ms.State == StateStopping {
			return ms, nil
		}
		ms.State = StateStopping
		return ms, []Effect{
			{Kind: FxStopProvider, Graceful: ev.Graceful},
			{Kind: FxScheduleForceKill},
		}

	case EvProviderExited:
		// StartingProvider covers a process that dies before the start
		// acknowledgement is processed.
		switch ms.State {
		case StateStartingProvider, StateRunning, StateWaitingForApproval, StatePausedByHuman, StateStopping:
		default:
			return ms, nil
		}
		ms.State = StateCompleted
		code := ev.ExitCode
		ms.ExitCode = &code
		ms.EndedAt = &now
		return ms, []Effect{
			{Kind: FxStopTicker},
			{Kind: FxCancelForceKill},
			{Kind: FxFinalize},
		}

	case EvStopTimeout:
		if ms.State != StateStopping {
			return ms, nil
		}
		// The provider stalled: force completion and kill the process.
		ms.State = StateCompleted
		ms.EndedAt = &now
		return ms, []Effect{
			{Kind: FxStopProvider, Graceful: false},
			{Kind: FxStopTicker},
			{Kind: FxFinalize},
		}

	case EvError:
		ms.State = StateFailed
		ms.ErrorMessage = ev.Err
		ms.EndedAt = &now
		return ms, []Effect{
			{Kind: FxStopProvider, Graceful: false},
			{Kind: FxStopTicker},
			{Kind: FxCancelForceKill},
			{Kind: FxFinalize},
		}

	case EvUsageTick:
		if ms.State != StateRunning {
			return ms, nil
		}
		ms.Usage.Add(ev.Usage)
		return ms, nil
	}

	return ms, nil
}

func findApproval(pending []*provider.ApprovalRequest, approvalID string) int {
	for i, a := range pending {
		if a.ApprovalID == approvalID {
			return i
		}
	}
	return -1
}

func clonePending(pending []*provider.ApprovalRequest) []*provider.ApprovalRequest {
	out := make([]*provider.ApprovalRequest, len(pending))
	copy(out, pending)
	return out
}
