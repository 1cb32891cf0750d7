// Command runnerd runs the execution plane on one runner host: the session
// manager, workspace and PTY managers, provider adapters, and the local API
// the control plane dispatches sessions to.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ai-village/villaged/internal/common/config"
	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/common/tracing"
	"github.com/ai-village/villaged/internal/events"
	"github.com/ai-village/villaged/internal/policy"
	"github.com/ai-village/villaged/internal/provider"
	"github.com/ai-village/villaged/internal/pty"
	"github.com/ai-village/villaged/internal/runner"
	runnerapi "github.com/ai-village/villaged/internal/runner/api"
	"github.com/ai-village/villaged/internal/runner/runtimeprobe"
	"github.com/ai-village/villaged/internal/session"
	"github.com/ai-village/villaged/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "runnerd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = busCleanup() }()

	rules := policy.DefaultRuleset()
	if cfg.Policy.RulesFile != "" {
		rules, err = policy.LoadRulesetFile(cfg.Policy.RulesFile)
		if err != nil {
			return fmt.Errorf("load policy rules: %w", err)
		}
	}

	workspaceMgr, err := workspace.NewManager(workspace.Config{
		BaseDir:        cfg.Runner.WorkspaceDir,
		CacheDir:       cfg.Runner.CacheDir,
		MaxCachedRepos: cfg.Workspace.MaxCachedRepos,
		ShallowClone:   cfg.Workspace.ShallowClone,
		CloneDepth:     cfg.Workspace.CloneDepth,
	}, log)
	if err != nil {
		return fmt.Errorf("create workspace manager: %w", err)
	}

	ptyMgr := pty.NewManager(log)
	stream := session.NewStream(provided.Bus, "runner", log)
	defer stream.Close()

	sessionMgr := session.NewManager(session.ManagerConfig{
		MaxSessions:       cfg.Runner.MaxSessions,
		StopTimeout:       cfg.Session.StopTimeout(),
		RemovalDelay:      cfg.Session.RemovalDelay(),
		UsageTickInterval: cfg.Session.UsageTickInterval(),
	}, workspaceMgr, ptyMgr, stream, rules, log)

	if err := sessionMgr.Initialize(); err != nil {
		return fmt.Errorf("initialize session manager: %w", err)
	}

	// Crash recovery: drop worktrees from sessions that no longer exist.
	if err := workspaceMgr.Reconcile(sessionMgr.SessionIDs()); err != nil {
		log.Warn("workspace reconcile failed", zap.Error(err))
	}

	registry := provider.DefaultRegistry(ptyMgr, log)
	probe := runtimeprobe.NewProbe(registry, log)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "sessions": sessionMgr.Count()})
	})
	runnerapi.SetupRoutes(engine.Group("/api/v1"), sessionMgr, registry, ptyMgr, log)

	addr := fmt.Sprintf("%s:%d", cfg.Runner.Host, cfg.Runner.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	reporter := runner.NewReporter(cfg.Runner, sessionMgr, probe, log)
	apiURL := fmt.Sprintf("http://%s:%d", advertiseHost(cfg.Runner.Host), cfg.Runner.Port)
	if err := reporter.Register(ctx, apiURL, cfg.Runner.Providers); err != nil {
		// The control plane may come up after the runner; keep serving and
		// let the operator restart registration via process supervision.
		log.Warn("runner registration failed", zap.Error(err))
	} else {
		reporter.Start()
		defer reporter.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("runner listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := sessionMgr.Shutdown(shutdownCtx); err != nil {
			log.Warn("session manager shutdown failed", zap.Error(err))
		}
		stream.Flush()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown failed", zap.Error(err))
		}
		return tracing.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("runner stopped")
	return nil
}

// advertiseHost maps wildcard binds to an address the control plane can call
// back on.
func advertiseHost(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		if h, err := os.Hostname(); err == nil {
			return h
		}
		return "localhost"
	}
	return host
}
