// Command villaged runs the control plane: the runner fleet registry, the
// session registry, the event router, and the HTTP/WebSocket API.
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
	cpapi "github.com/ai-village/villaged/internal/controlplane/api"
	"github.com/ai-village/villaged/internal/controlplane/fleet"
	"github.com/ai-village/villaged/internal/controlplane/router"
	"github.com/ai-village/villaged/internal/controlplane/sessions"
	"github.com/ai-village/villaged/internal/controlplane/store"
	"github.com/ai-village/villaged/internal/events"
	gateway "github.com/ai-village/villaged/internal/gateway/websocket"
	"github.com/ai-village/villaged/internal/runner"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "villaged: %v\n", err)
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

	metadata, err := store.Provide(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	fleetHandler := fleet.NewHandler(cfg.Fleet, provided.Bus, log)
	fleetHandler.Start()
	defer fleetHandler.Stop()

	eventRouter := router.NewEventRouter(provided.Bus, metadata, log)
	if err := eventRouter.Start(); err != nil {
		return fmt.Errorf("start event router: %w", err)
	}
	defer eventRouter.Stop()

	client := runner.NewHTTPClient(30 * time.Second)
	sessionHandler := sessions.NewHandler(metadata, fleetHandler, client, provided.Bus, log)
	if err := sessionHandler.Start(); err != nil {
		return fmt.Errorf("start session handler: %w", err)
	}
	defer sessionHandler.Stop()

	hub := gateway.NewHub(provided.Bus, log)
	defer hub.Close()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	cpapi.SetupRoutes(engine, sessionHandler, fleetHandler, sessions.AllowAll{}, log)
	gateway.SetupRoutes(engine, hub, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("control plane listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown failed", zap.Error(err))
		}
		return tracing.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("control plane stopped")
	return nil
}
