package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ai-village/villaged/internal/common/config"
	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/controlplane/fleet"
	"github.com/ai-village/villaged/internal/runner/runtimeprobe"
	"github.com/ai-village/villaged/internal/session"
)

// Reporter registers the runner with the control plane and sends periodic
// heartbeats with load, active sessions, and runtime versions.
type Reporter struct {
	cfg      config.RunnerConfig
	sessions *session.Manager
	probe    *runtimeprobe.Probe
	logger   *logger.Logger

	httpClient *http.Client
	runnerID   string
	apiURL     string

	stop chan struct{}
	done chan struct{}
}

// NewReporter creates a heartbeat reporter.
func NewReporter(cfg config.RunnerConfig, sessions *session.Manager, probe *runtimeprobe.Probe, log *logger.Logger) *Reporter {
	if log == nil {
		log = logger.Default()
	}
	return &Reporter{
		cfg:        cfg,
		sessions:   sessions,
		probe:      probe,
		logger:     log.WithFields(zap.String("component", "runner-reporter")),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Register announces the runner to the control plane and stores the
// assigned runner id.
func (r *Reporter) Register(ctx context.Context, apiURL string, providers []string) error {
	hostname := r.cfg.Hostname
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		hostname = h
	}
	r.apiURL = apiURL

	_, features := r.probe.Collect(ctx)

	req := fleet.RegisterRequest{
		Hostname: hostname,
		Capabilities: fleet.Capabilities{
			Providers:             providers,
			MaxConcurrentSessions: r.cfg.MaxSessions,
			Features:              features,
		},
		Metadata: map[string]string{MetadataAPIURL: apiURL},
	}

	var resp struct {
		RunnerID string `json:"runner_id"`
	}
	if err := r.post(ctx, "/runners/register", req, &resp); err != nil {
		return fmt.Errorf("register runner: %w", err)
	}
	r.runnerID = resp.RunnerID

	r.logger.Info("runner registered with control plane",
		zap.String("runner_id", r.runnerID),
		zap.String("hostname", hostname))
	return nil
}

// RunnerID returns the control-plane assigned runner id.
func (r *Reporter) RunnerID() string {
	return r.runnerID
}

// Start launches the heartbeat loop.
func (r *Reporter) Start() {
	go func() {
		defer close(r.done)
		interval := r.cfg.HeartbeatInterval()
		if interval <= 0 {
			interval = 15 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := r.sendHeartbeat(context.Background()); err != nil {
					r.logger.Warn("heartbeat failed", zap.Error(err))
				}
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the heartbeat loop.
func (r *Reporter) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reporter) sendHeartbeat(ctx context.Context) error {
	if r.runnerID == "" {
		return fmt.Errorf("runner not registered")
	}

	versions, _ := r.probe.Collect(ctx)
	activeSessions := r.sessions.SessionIDs()

	hb := fleet.Heartbeat{
		RunnerID:       r.runnerID,
		Timestamp:      time.Now().UTC(),
		ActiveSessions: activeSessions,
		Load: fleet.Load{
			ActiveSessions: len(activeSessions),
		},
		RuntimeVersions: versions,
	}

	return r.post(ctx, "/runners/"+r.runnerID+"/heartbeat", hb, nil)
}

func (r *Reporter) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.ControlPlaneURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("control plane returned %d: %s", resp.StatusCode, string(msg))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
