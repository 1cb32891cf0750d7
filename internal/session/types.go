// Package session drives the per-session lifecycle state machine and owns
// every ActiveSession on a runner host.
package session

import (
	"time"

	"github.com/ai-village/villaged/internal/policy"
	"github.com/ai-village/villaged/internal/provider"
	"github.com/ai-village/villaged/internal/workspace"
)

// State is the externally visible session lifecycle state.
type State string

const (
	StateCreated            State = "CREATED"
	StatePreparingWorkspace State = "PREPARING_WORKSPACE"
	StateStartingProvider   State = "STARTING_PROVIDER"
	StateRunning            State = "RUNNING"
	StateWaitingForApproval State = "WAITING_FOR_APPROVAL"
	StatePausedByHuman      State = "PAUSED_BY_HUMAN"
	StateStopping           State = "STOPPING"
	StateCompleted          State = "COMPLETED"
	StateFailed             State = "FAILED"
)

// IsTerminal reports whether the state is COMPLETED or FAILED.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Config is the immutable description of one session.
type Config struct {
	SessionID  string                 `json:"session_id"`
	AgentID    string                 `json:"agent_id,omitempty"`
	VillageID  string                 `json:"village_id,omitempty"`
	OrgID      string                 `json:"org_id"`
	UserID     string                 `json:"user_id,omitempty"`
	ProviderID string                 `json:"provider_id"`
	RepoRef    workspace.RepoRef      `json:"repo_ref"`
	Checkout   workspace.CheckoutSpec `json:"checkout"`
	RoomPath   string                 `json:"room_path,omitempty"`
	Task       provider.TaskSpec      `json:"task"`
	Policy     policy.Spec            `json:"policy"`
	Billing    map[string]string      `json:"billing,omitempty"`
	Env        map[string]string      `json:"env,omitempty"`
	Metadata   map[string]string      `json:"metadata,omitempty"`
	// RepoToken is embedded in clone URLs for hosted repos.
	RepoToken string `json:"-"`
}

// UsageMetrics accumulate monotonically over a session's lifetime.
type UsageMetrics struct {
	AgentSeconds       int64 `json:"agent_seconds"`
	TerminalKb         int64 `json:"terminal_kb"`
	FilesTouched       int64 `json:"files_touched"`
	CommandsRun        int64 `json:"commands_run"`
	ApprovalsRequested int64 `json:"approvals_requested"`
}

// Add accumulates a delta into the metrics.
func (u *UsageMetrics) Add(delta UsageMetrics) {
	u.AgentSeconds += delta.AgentSeconds
	u.TerminalKb += delta.TerminalKb
	u.FilesTouched += delta.FilesTouched
	u.CommandsRun += delta.CommandsRun
	u.ApprovalsRequested += delta.ApprovalsRequested
}

// RuntimeState is the queryable snapshot of a session.
type RuntimeState struct {
	SessionID        string                      `json:"session_id"`
	State            State                       `json:"state"`
	ProviderID       string                      `json:"provider_id"`
	Workspace        *workspace.Ref              `json:"workspace,omitempty"`
	StartedAt        *time.Time                  `json:"started_at,omitempty"`
	EndedAt          *time.Time                  `json:"ended_at,omitempty"`
	ProviderPid      int                         `json:"provider_pid,omitempty"`
	LastEventSeq     int64                       `json:"last_event_seq"`
	PendingApprovals []*provider.ApprovalRequest `json:"pending_approvals"`
	Usage            UsageMetrics                `json:"usage"`
	ErrorMessage     string                      `json:"error_message,omitempty"`
	ExitCode         *int                        `json:"exit_code,omitempty"`
}

// ApprovalDecision is the terminal resolution of an approval request.
type ApprovalDecision string

const (
	DecisionAllow ApprovalDecision = "allow"
	DecisionDeny  ApprovalDecision = "deny"
)
