package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/pty"
)

// cliAdapter is the shared base for providers launched as a CLI process
// under the PTY manager. Concrete adapters supply discovery and the command
// line; the base owns spawn, input, stop, and event interpretation.
type cliAdapter struct {
	id     string
	ptyMgr *pty.Manager
	logger *logger.Logger

	detectOpts []DetectOption
	buildArgs  func(opts StartOptions) (command string, args []string)
	extraEnv   func(opts StartOptions) map[string]string

	mu        sync.Mutex
	sessionID string
	version   string
	handlers  []EventHandler
	parser    *outputParser
}

func newCLIAdapter(id string, ptyMgr *pty.Manager, log *logger.Logger) *cliAdapter {
	if log == nil {
		log = logger.Default()
	}
	return &cliAdapter{
		id:     id,
		ptyMgr: ptyMgr,
		logger: log.WithFields(zap.String("component", "provider"), zap.String("provider_id", id)),
	}
}

func (a *cliAdapter) ID() string {
	return a.id
}

func (a *cliAdapter) Detect(ctx context.Context) (DetectResult, error) {
	found, detail, err := detect(ctx, a.detectOpts...)
	if err != nil {
		return DetectResult{}, err
	}
	return DetectResult{Installed: found, Version: detail}, nil
}

func (a *cliAdapter) StartSession(ctx context.Context, opts StartOptions) (*StartResult, error) {
	res, err := a.Detect(ctx)
	if err != nil {
		return nil, err
	}
	if !res.Installed {
		return nil, fmt.Errorf("provider %s is not installed", a.id)
	}

	command, args := a.buildArgs(opts)

	env := map[string]string{}
	for k, v := range opts.Env {
		env[k] = v
	}
	if a.extraEnv != nil {
		for k, v := range a.extraEnv(opts) {
			env[k] = v
		}
	}

	a.mu.Lock()
	a.sessionID = opts.SessionID
	a.version = res.Version
	a.parser = newOutputParser(opts.SessionID, a.emit)
	a.mu.Unlock()

	pid, err := a.ptyMgr.Spawn(opts.SessionID, pty.SpawnOptions{
		Command: command,
		Args:    args,
		Cwd:     opts.RepoPath,
		Env:     env,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", a.id, err)
	}

	a.logger.Info("provider session started",
		zap.String("session_id", opts.SessionID),
		zap.Int("pid", pid),
		zap.String("version", res.Version))

	return &StartResult{SessionPid: pid, Version: res.Version}, nil
}

func (a *cliAdapter) SendInput(ctx context.Context, data []byte) error {
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()
	if sessionID == "" {
		return fmt.Errorf("provider %s has no active session", a.id)
	}
	return a.ptyMgr.Write(sessionID, data)
}

// Stop requests graceful shutdown via SIGTERM; the PTY exit path reports
// termination to the session manager.
func (a *cliAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	a.ptyMgr.Kill(sessionID, "SIGTERM")
	return nil
}

func (a *cliAdapter) OnEvent(handler EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, handler)
}

func (a *cliAdapter) HandleOutput(data []byte) {
	a.mu.Lock()
	parser := a.parser
	a.mu.Unlock()
	if parser != nil {
		parser.Feed(data)
	}
}

func (a *cliAdapter) emit(ev Event) {
	a.mu.Lock()
	handlers := make([]EventHandler, len(a.handlers))
	copy(handlers, a.handlers)
	a.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// buildTaskPrompt renders the task spec into a single prompt block.
func buildTaskPrompt(task TaskSpec) string {
	var b strings.Builder
	if task.Title != "" {
		b.WriteString(task.Title)
		b.WriteString("\n\n")
	}
	b.WriteString(task.Goal)
	if len(task.Constraints) > 0 {
		b.WriteString("\n\nConstraints:\n")
		for _, c := range task.Constraints {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	if len(task.Acceptance) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, a := range task.Acceptance {
			b.WriteString("- ")
			b.WriteString(a)
			b.WriteString("\n")
		}
	}
	return b.String()
}
