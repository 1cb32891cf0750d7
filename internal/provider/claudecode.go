package provider

import (
	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/policy"
	"github.com/ai-village/villaged/internal/pty"
)

var _ Adapter = (*ClaudeCode)(nil)

// ClaudeCode runs the Claude Code CLI in print mode.
type ClaudeCode struct {
	*cliAdapter
}

// NewClaudeCode creates a Claude Code adapter backed by the PTY manager.
func NewClaudeCode(ptyMgr *pty.Manager, log *logger.Logger) *ClaudeCode {
	a := newCLIAdapter(IDClaudeCode, ptyMgr, log)
	a.detectOpts = []DetectOption{
		WithCommandOutput(`([\d]+\.[\d]+\.[\d]+)`, "claude", "--version"),
		WithCommand("claude"),
		WithFileExists("~/.claude/settings.json"),
	}
	a.buildArgs = func(opts StartOptions) (string, []string) {
		args := []string{"-p", buildTaskPrompt(opts.Task), "--verbose"}
		if len(opts.Policy.ShellDenylist) > 0 {
			for _, denied := range opts.Policy.ShellDenylist {
				args = append(args, "--disallowedTools", "Bash("+denied+":*)")
			}
		}
		return "claude", args
	}
	a.extraEnv = func(opts StartOptions) map[string]string {
		env := map[string]string{}
		if opts.Policy.NetworkMode == policy.NetworkRestricted {
			env["CLAUDE_CODE_RESTRICTED_NETWORK"] = "1"
		}
		return env
	}
	return &ClaudeCode{cliAdapter: a}
}
