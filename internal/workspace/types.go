// Package workspace maintains a content-addressed clone cache and a
// disposable git worktree per session.
package workspace

import (
	"fmt"
	"time"
)

// RepoProvider identifies a repository host.
type RepoProvider string

const (
	ProviderGitHub    RepoProvider = "github"
	ProviderGitLab    RepoProvider = "gitlab"
	ProviderBitbucket RepoProvider = "bitbucket"
	ProviderLocal     RepoProvider = "local"
)

// RepoRef identifies a repository, either hosted or on local disk.
type RepoRef struct {
	Provider      RepoProvider `json:"provider"`
	Owner         string       `json:"owner,omitempty"`
	Name          string       `json:"name,omitempty"`
	DefaultBranch string       `json:"default_branch,omitempty"`
	// Path is set for local providers and must exist on disk.
	Path string `json:"path,omitempty"`
}

// String renders the ref for logging and event payloads.
func (r RepoRef) String() string {
	if r.Provider == ProviderLocal {
		return fmt.Sprintf("local:%s", r.Path)
	}
	return fmt.Sprintf("%s/%s/%s", r.Provider, r.Owner, r.Name)
}

// CacheKey is the content-addressed cache directory name for the repo.
func (r RepoRef) CacheKey() string {
	return fmt.Sprintf("%s-%s-%s", r.Provider, r.Owner, r.Name)
}

// Validate checks structural requirements on the ref.
func (r RepoRef) Validate() error {
	switch r.Provider {
	case ProviderLocal:
		if r.Path == "" {
			return fmt.Errorf("local repo ref requires a path")
		}
	case ProviderGitHub, ProviderGitLab, ProviderBitbucket:
		if r.Owner == "" || r.Name == "" {
			return fmt.Errorf("hosted repo ref requires owner and name")
		}
	default:
		if r.Provider == "" {
			return fmt.Errorf("repo ref requires a provider")
		}
		// Unknown hosted providers are rejected at clone-URL derivation.
	}
	return nil
}

// CheckoutType tags the checkout variant.
type CheckoutType string

const (
	CheckoutBranch CheckoutType = "branch"
	CheckoutCommit CheckoutType = "commit"
	CheckoutTag    CheckoutType = "tag"
)

// CheckoutSpec selects exactly one of branch, commit, or tag.
type CheckoutSpec struct {
	Type CheckoutType `json:"type"`
	Ref  string       `json:"ref,omitempty"`
	SHA  string       `json:"sha,omitempty"`
	Tag  string       `json:"tag,omitempty"`
}

// Target returns the git rev the checkout points at.
func (c CheckoutSpec) Target() string {
	switch c.Type {
	case CheckoutCommit:
		return c.SHA
	case CheckoutTag:
		return c.Tag
	default:
		return c.Ref
	}
}

// Validate checks that exactly one variant is populated.
func (c CheckoutSpec) Validate() error {
	switch c.Type {
	case CheckoutBranch:
		if c.Ref == "" {
			return fmt.Errorf("branch checkout requires ref")
		}
	case CheckoutCommit:
		if c.SHA == "" {
			return fmt.Errorf("commit checkout requires sha")
		}
	case CheckoutTag:
		if c.Tag == "" {
			return fmt.Errorf("tag checkout requires tag")
		}
	default:
		return fmt.Errorf("unknown checkout type %q", c.Type)
	}
	return nil
}

// DefaultCheckout targets the repository's default branch.
func DefaultCheckout(repo RepoRef) CheckoutSpec {
	branch := repo.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	return CheckoutSpec{Type: CheckoutBranch, Ref: branch}
}

// Ref describes an allocated per-session worktree.
type Ref struct {
	WorkspaceID  string       `json:"workspace_id"`
	RepoRef      RepoRef      `json:"repo_ref"`
	Checkout     CheckoutSpec `json:"checkout"`
	WorktreePath string       `json:"worktree_path"`
	RoomPath     string       `json:"room_path,omitempty"`
	ReadOnly     bool         `json:"read_only"`
	CreatedAt    time.Time    `json:"created_at"`
}

// CreateOptions tune workspace creation.
type CreateOptions struct {
	// Token is an access token embedded in the clone URL for hosted repos.
	Token string
	// RoomPath optionally scopes the session to a subdirectory.
	RoomPath string
	// ReadOnly marks the workspace as not intended for writes.
	ReadOnly bool
}
