package api

import (
	"github.com/ai-village/villaged/internal/policy"
	"github.com/ai-village/villaged/internal/provider"
	"github.com/ai-village/villaged/internal/session"
	"github.com/ai-village/villaged/internal/workspace"
)

// RepoRefRequest is the wire form of a repository reference.
type RepoRefRequest struct {
	Provider      string `json:"provider" binding:"required"`
	Owner         string `json:"owner,omitempty"`
	Name          string `json:"name,omitempty"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
	Path          string `json:"path,omitempty"`
}

// CheckoutRequest is the wire form of a checkout spec.
type CheckoutRequest struct {
	Type string `json:"type" binding:"required"`
	Ref  string `json:"ref,omitempty"`
	SHA  string `json:"sha,omitempty"`
	Tag  string `json:"tag,omitempty"`
}

// TaskRequest is the wire form of a task spec.
type TaskRequest struct {
	Title       string   `json:"title" binding:"required"`
	Goal        string   `json:"goal" binding:"required"`
	Constraints []string `json:"constraints,omitempty"`
	Acceptance  []string `json:"acceptance,omitempty"`
	RoomPath    string   `json:"roomPath,omitempty"`
	BranchName  string   `json:"branchName,omitempty"`
}

// PolicyRequest is the wire form of a policy spec.
type PolicyRequest struct {
	ShellAllowlist      []string `json:"shellAllowlist,omitempty"`
	ShellDenylist       []string `json:"shellDenylist,omitempty"`
	RequiresApprovalFor []string `json:"requiresApprovalFor,omitempty"`
	NetworkMode         string   `json:"networkMode,omitempty"`
}

// CreateSessionRequest creates a new agent session.
type CreateSessionRequest struct {
	VillageID  string            `json:"villageId,omitempty"`
	AgentName  string            `json:"agentName,omitempty"`
	OrgID      string            `json:"orgId,omitempty"`
	UserID     string            `json:"userId,omitempty"`
	ProviderID string            `json:"providerId" binding:"required"`
	RepoRef    RepoRefRequest    `json:"repoRef" binding:"required"`
	Checkout   *CheckoutRequest  `json:"checkout,omitempty"`
	RoomPath   string            `json:"roomPath,omitempty"`
	Task       TaskRequest       `json:"task" binding:"required"`
	Policy     *PolicyRequest    `json:"policy,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// CreateSessionResponse returns the allocated ids.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
}

// InputRequest carries provider input bytes.
type InputRequest struct {
	Data string `json:"data" binding:"required"`
}

// StopRequest selects graceful or immediate stop.
type StopRequest struct {
	Graceful *bool `json:"graceful,omitempty"`
}

// ApprovalDecisionRequest resolves a pending approval.
type ApprovalDecisionRequest struct {
	Decision string `json:"decision" binding:"required"`
	Note     string `json:"note,omitempty"`
}

// ToSessionConfig maps the request onto a session config, applying
// defaults for checkout and policy.
func (r *CreateSessionRequest) ToSessionConfig() session.Config {
	repoRef := workspace.RepoRef{
		Provider:      workspace.RepoProvider(r.RepoRef.Provider),
		Owner:         r.RepoRef.Owner,
		Name:          r.RepoRef.Name,
		DefaultBranch: r.RepoRef.DefaultBranch,
		Path:          r.RepoRef.Path,
	}

	checkout := workspace.DefaultCheckout(repoRef)
	if r.Checkout != nil {
		checkout = workspace.CheckoutSpec{
			Type: workspace.CheckoutType(r.Checkout.Type),
			Ref:  r.Checkout.Ref,
			SHA:  r.Checkout.SHA,
			Tag:  r.Checkout.Tag,
		}
	}

	pol := policy.DefaultSpec()
	if r.Policy != nil {
		pol = policy.Spec{
			ShellAllowlist: r.Policy.ShellAllowlist,
			ShellDenylist:  r.Policy.ShellDenylist,
			NetworkMode:    policy.NetworkMode(r.Policy.NetworkMode),
		}
		if pol.NetworkMode == "" {
			pol.NetworkMode = policy.NetworkRestricted
		}
		for _, cat := range r.Policy.RequiresApprovalFor {
			pol.RequiresApprovalFor = append(pol.RequiresApprovalFor, policy.ApprovalCategory(cat))
		}
	}

	roomPath := r.RoomPath
	if roomPath == "" {
		roomPath = r.Task.RoomPath
	}

	metadata := map[string]string{}
	for k, v := range r.Metadata {
		metadata[k] = v
	}
	if r.AgentName != "" {
		metadata["agent_name"] = r.AgentName
	}

	return session.Config{
		VillageID:  r.VillageID,
		OrgID:      r.OrgID,
		UserID:     r.UserID,
		ProviderID: r.ProviderID,
		RepoRef:    repoRef,
		Checkout:   checkout,
		RoomPath:   roomPath,
		Task: provider.TaskSpec{
			Title:       r.Task.Title,
			Goal:        r.Task.Goal,
			Constraints: r.Task.Constraints,
			Acceptance:  r.Task.Acceptance,
			RoomPath:    r.Task.RoomPath,
			BranchName:  r.Task.BranchName,
		},
		Policy:   pol,
		Env:      r.Env,
		Metadata: metadata,
	}
}
