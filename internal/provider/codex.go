package provider

import (
	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/policy"
	"github.com/ai-village/villaged/internal/pty"
)

var _ Adapter = (*Codex)(nil)

// Codex runs the OpenAI Codex CLI in non-interactive exec mode.
type Codex struct {
	*cliAdapter
}

// NewCodex creates a Codex adapter backed by the PTY manager.
func NewCodex(ptyMgr *pty.Manager, log *logger.Logger) *Codex {
	a := newCLIAdapter(IDCodex, ptyMgr, log)
	a.detectOpts = []DetectOption{
		WithCommandOutput(`(?m)codex[^\d]*([\d.]+)`, "codex", "--version"),
		WithCommand("codex"),
	}
	a.buildArgs = func(opts StartOptions) (string, []string) {
		args := []string{"exec", "--cd", opts.RepoPath}
		if opts.Policy.NetworkMode == policy.NetworkRestricted {
			args = append(args, "--sandbox", "workspace-write")
		} else {
			args = append(args, "--sandbox", "danger-full-access")
		}
		args = append(args, buildTaskPrompt(opts.Task))
		return "codex", args
	}
	a.extraEnv = func(opts StartOptions) map[string]string {
		return map[string]string{"CODEX_NONINTERACTIVE": "1"}
	}
	return &Codex{cliAdapter: a}
}
