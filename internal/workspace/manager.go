package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ai-village/villaged/internal/common/logger"
)

// Config holds workspace manager configuration.
type Config struct {
	// BaseDir holds per-session worktrees: baseDir/<sessionId>/<workspaceId>.
	BaseDir string
	// CacheDir holds shared bare-plus-worktree-enabled clones keyed by
	// {provider}-{owner}-{name}.
	CacheDir string
	// MaxCachedRepos bounds the clone cache; PruneCache evicts the oldest.
	MaxCachedRepos int
	// ShallowClone clones with --depth CloneDepth --single-branch.
	ShallowClone bool
	CloneDepth   int
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("workspace base dir is required")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("workspace cache dir is required")
	}
	return nil
}

// Manager allocates one worktree per session from a shared clone cache.
// Bare cache repos are shared and never hold a checked-out tree themselves;
// worktrees use detached HEAD so multiple sessions can target the same ref.
type Manager struct {
	config Config
	logger *logger.Logger

	mu         sync.RWMutex
	workspaces map[string]*Ref // sessionID -> workspace

	// repoMus serializes clone/fetch/worktree operations per cache repo.
	repoMus sync.Map
}

// NewManager creates a workspace manager.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.CloneDepth <= 0 {
		cfg.CloneDepth = 1
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		config:     cfg,
		logger:     log.WithFields(zap.String("component", "workspace-manager")),
		workspaces: make(map[string]*Ref),
	}, nil
}

// Initialize creates the base and cache directories.
func (m *Manager) Initialize() error {
	for _, dir := range []string{m.config.BaseDir, m.config.CacheDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func (m *Manager) repoMu(path string) *sync.Mutex {
	mu, _ := m.repoMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateWorkspace ensures a cached clone for the repo and allocates a
// detached-HEAD worktree for the session at the requested checkout.
func (m *Manager) CreateWorkspace(ctx context.Context, sessionID string, repo RepoRef, checkout CheckoutSpec, opts CreateOptions) (*Ref, error) {
	if err := repo.Validate(); err != nil {
		return nil, err
	}
	if err := checkout.Validate(); err != nil {
		return nil, err
	}

	workspaceID := uuid.New().String()[:8]
	worktreePath := filepath.Join(m.config.BaseDir, sessionID, workspaceID)

	cachePath, err := m.ensureCached(ctx, repo, opts.Token)
	if err != nil {
		return nil, err
	}

	if err := m.addWorktree(ctx, cachePath, worktreePath, repo, checkout); err != nil {
		return nil, err
	}

	ref := &Ref{
		WorkspaceID:  workspaceID,
		RepoRef:      repo,
		Checkout:     checkout,
		WorktreePath: worktreePath,
		RoomPath:     opts.RoomPath,
		ReadOnly:     opts.ReadOnly,
		CreatedAt:    time.Now().UTC(),
	}

	m.mu.Lock()
	m.workspaces[sessionID] = ref
	m.mu.Unlock()

	m.logger.Info("created workspace",
		zap.String("session_id", sessionID),
		zap.String("workspace_id", workspaceID),
		zap.String("repo", repo.String()),
		zap.String("path", worktreePath))

	return ref, nil
}

// ensureCached returns the local repository path to create worktrees from.
// For local providers the working copy is the cache path; no network access.
func (m *Manager) ensureCached(ctx context.Context, repo RepoRef, token string) (string, error) {
	if repo.Provider == ProviderLocal {
		info, err := os.Stat(repo.Path)
		if err != nil || !info.IsDir() {
			return "", fmt.Errorf("local repo path %s does not exist", repo.Path)
		}
		return repo.Path, nil
	}

	cloneURL, err := CloneURL(repo, token)
	if err != nil {
		return "", err
	}

	cachePath := filepath.Join(m.config.CacheDir, repo.CacheKey())
	mu := m.repoMu(cachePath)
	mu.Lock()
	defer mu.Unlock()

	if m.isGitDir(cachePath) {
		m.fetch(ctx, cachePath)
		return cachePath, nil
	}

	return cachePath, m.clone(ctx, cloneURL, cachePath, repo)
}

// fetch runs an incremental fetch with pruning; failures are non-fatal
// because the cached refs may still satisfy the checkout.
func (m *Manager) fetch(ctx context.Context, cachePath string) {
	m.logger.Debug("repository already cached, fetching", zap.String("path", cachePath))
	cmd := newNonInteractiveGitCmd(ctx, cachePath, "fetch", "--all", "--prune")
	if out, err := cmd.CombinedOutput(); err != nil {
		m.logger.Warn("git fetch failed (non-fatal)",
			zap.String("path", cachePath),
			zap.String("output", string(out)),
			zap.Error(err))
	}
}

// clone creates the cache entry as a bare clone, then flips core.bare so git
// allows attaching worktrees.
func (m *Manager) clone(ctx context.Context, cloneURL, cachePath string, repo RepoRef) error {
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	m.logger.Info("cloning repository",
		zap.String("repo", repo.String()),
		zap.String("target", cachePath))

	args := []string{"clone", "--bare"}
	if m.config.ShallowClone {
		args = append(args, "--depth", strconv.Itoa(m.config.CloneDepth), "--single-branch")
		if repo.DefaultBranch != "" {
			args = append(args, "--branch", repo.DefaultBranch)
		}
	}
	args = append(args, cloneURL, cachePath)

	cmd := newNonInteractiveGitCmd(ctx, filepath.Dir(cachePath), args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone failed: %s: %w", strings.TrimSpace(string(out)), err)
	}

	// Bare repos refuse worktree checkouts of their own refs by default.
	cfg := newNonInteractiveGitCmd(ctx, cachePath, "config", "core.bare", "false")
	if out, err := cfg.CombinedOutput(); err != nil {
		return fmt.Errorf("git config core.bare failed: %s: %w", strings.TrimSpace(string(out)), err)
	}

	return nil
}

// addWorktree creates the detached-HEAD worktree, fetching the ref from
// origin once if it is not yet known locally.
func (m *Manager) addWorktree(ctx context.Context, cachePath, worktreePath string, repo RepoRef, checkout CheckoutSpec) error {
	mu := m.repoMu(cachePath)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	target := checkout.Target()
	git := NewGit(cachePath)

	ref := target
	if !git.HasRev(ctx, ref) && checkout.Type == CheckoutBranch && git.HasRev(ctx, "origin/"+target) {
		ref = "origin/" + target
	}

	if _, err := git.Run(ctx, "worktree", "add", "--detach", worktreePath, ref); err == nil {
		return nil
	}

	// Ref unknown locally: fetch it from origin and retry once.
	if repo.Provider != ProviderLocal {
		if out, fetchErr := git.Run(ctx, "fetch", "origin", target); fetchErr != nil {
			m.logger.Warn("git fetch of checkout target failed",
				zap.String("target", target),
				zap.String("output", out),
				zap.Error(fetchErr))
		}
	}

	ref = target
	if checkout.Type == CheckoutBranch && !git.HasRev(ctx, ref) && git.HasRev(ctx, "origin/"+target) {
		ref = "origin/" + target
	}

	if out, err := git.Run(ctx, "worktree", "add", "--detach", worktreePath, ref); err != nil {
		return fmt.Errorf("worktree add failed for %s: %s: %w", target, strings.TrimSpace(out), err)
	}
	return nil
}

// DestroyWorkspace removes the session's worktree and directory.
// Best-effort: it never returns an error, but always drops the session from
// the in-memory map so teardown cannot wedge on filesystem state.
func (m *Manager) DestroyWorkspace(ctx context.Context, sessionID string) {
	m.mu.Lock()
	ref, ok := m.workspaces[sessionID]
	delete(m.workspaces, sessionID)
	m.mu.Unlock()

	if !ok {
		return
	}

	cachePath := m.cachePathFor(ref.RepoRef)
	mu := m.repoMu(cachePath)
	mu.Lock()
	defer mu.Unlock()

	git := NewGit(cachePath)
	if out, err := git.Run(ctx, "worktree", "remove", "--force", ref.WorktreePath); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", out),
			zap.Error(err))

		if err := forceRemoveDir(ctx, ref.WorktreePath); err != nil {
			m.logger.Warn("failed to remove worktree directory",
				zap.String("path", ref.WorktreePath),
				zap.Error(err))
		}

		if out, err := git.Run(ctx, "worktree", "prune"); err != nil {
			m.logger.Debug("git worktree prune failed",
				zap.String("output", out),
				zap.Error(err))
		}
	}

	sessionDir := filepath.Join(m.config.BaseDir, sessionID)
	if err := os.RemoveAll(sessionDir); err != nil {
		m.logger.Warn("failed to remove session directory",
			zap.String("path", sessionDir),
			zap.Error(err))
	}

	m.logger.Info("destroyed workspace",
		zap.String("session_id", sessionID),
		zap.String("workspace_id", ref.WorkspaceID))
}

// PruneCache evicts cached repos beyond MaxCachedRepos, oldest by
// modification time first. Returns the number removed.
func (m *Manager) PruneCache() (int, error) {
	if m.config.MaxCachedRepos <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(m.config.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cache directory: %w", err)
	}

	type cachedRepo struct {
		path    string
		modTime time.Time
	}
	repos := make([]cachedRepo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		repos = append(repos, cachedRepo{
			path:    filepath.Join(m.config.CacheDir, entry.Name()),
			modTime: info.ModTime(),
		})
	}

	if len(repos) <= m.config.MaxCachedRepos {
		return 0, nil
	}

	sort.Slice(repos, func(i, j int) bool {
		return repos[i].modTime.Before(repos[j].modTime)
	})

	excess := len(repos) - m.config.MaxCachedRepos
	removed := 0
	for _, repo := range repos[:excess] {
		mu := m.repoMu(repo.path)
		mu.Lock()
		err := os.RemoveAll(repo.path)
		mu.Unlock()
		if err != nil {
			m.logger.Warn("failed to prune cached repo",
				zap.String("path", repo.path),
				zap.Error(err))
			continue
		}
		removed++
		m.logger.Info("pruned cached repo", zap.String("path", repo.path))
	}

	return removed, nil
}

// Reconcile removes orphaned per-session directories under BaseDir that no
// longer belong to a live session (crash recovery on runner start).
func (m *Manager) Reconcile(activeSessions []string) error {
	activeSet := make(map[string]bool, len(activeSessions))
	for _, id := range activeSessions {
		activeSet[id] = true
	}

	entries, err := os.ReadDir(m.config.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workspace directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || activeSet[entry.Name()] {
			continue
		}
		orphan := filepath.Join(m.config.BaseDir, entry.Name())
		m.logger.Info("cleaning up orphaned workspace", zap.String("path", orphan))
		if err := os.RemoveAll(orphan); err != nil {
			m.logger.Warn("failed to remove orphaned workspace",
				zap.String("path", orphan),
				zap.Error(err))
		}
	}

	return nil
}

// GetWorkspace returns the workspace allocated for a session.
func (m *Manager) GetWorkspace(sessionID string) (*Ref, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.workspaces[sessionID]
	return ref, ok
}

// GetFilePath resolves a relative path inside the session worktree,
// rejecting escapes from the workspace root.
func (m *Manager) GetFilePath(sessionID, relPath string) (string, error) {
	ref, ok := m.GetWorkspace(sessionID)
	if !ok {
		return "", fmt.Errorf("no workspace for session %s", sessionID)
	}
	full := filepath.Join(ref.WorktreePath, relPath)
	if !strings.HasPrefix(filepath.Clean(full)+string(filepath.Separator), filepath.Clean(ref.WorktreePath)+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes workspace", relPath)
	}
	return full, nil
}

// GetRoomPath returns the absolute room directory for a session, if set.
func (m *Manager) GetRoomPath(sessionID string) (string, bool) {
	ref, ok := m.GetWorkspace(sessionID)
	if !ok || ref.RoomPath == "" {
		return "", false
	}
	return filepath.Join(ref.WorktreePath, ref.RoomPath), true
}

// GetGit returns a git handle bound to the session worktree.
func (m *Manager) GetGit(sessionID string) (*Git, error) {
	ref, ok := m.GetWorkspace(sessionID)
	if !ok {
		return nil, fmt.Errorf("no workspace for session %s", sessionID)
	}
	return NewGit(ref.WorktreePath), nil
}

func (m *Manager) cachePathFor(repo RepoRef) string {
	if repo.Provider == ProviderLocal {
		return repo.Path
	}
	return filepath.Join(m.config.CacheDir, repo.CacheKey())
}

func (m *Manager) isGitDir(path string) bool {
	// Bare cache clones keep HEAD at the top level.
	if _, err := os.Stat(filepath.Join(path, "HEAD")); err == nil {
		return true
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return true
	}
	return false
}

// forceRemoveDir removes a directory, retrying on transient failures.
// os.RemoveAll can fail with "directory not empty" when files were recently
// released by other processes; a short retry handles that.
func forceRemoveDir(ctx context.Context, dir string) error {
	const maxRetries = 3
	const retryDelay = 200 * time.Millisecond

	var err error
	for i := range maxRetries {
		err = os.RemoveAll(dir)
		if err == nil {
			return nil
		}
		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return err
}
