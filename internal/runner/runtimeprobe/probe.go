// Package runtimeprobe collects runtime version information for heartbeat
// reports: provider CLI versions and the Docker engine, when present.
package runtimeprobe

import (
	"context"
	"time"

	dockerclient "github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/provider"
)

// Probe gathers runtime versions from the host.
type Probe struct {
	registry *provider.Registry
	logger   *logger.Logger
}

// NewProbe creates a runtime probe over the provider registry.
func NewProbe(registry *provider.Registry, log *logger.Logger) *Probe {
	if log == nil {
		log = logger.Default()
	}
	return &Probe{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "runtime-probe")),
	}
}

// Collect returns a provider/runtime -> version map, plus the feature list
// derived from what is actually available on the host.
func (p *Probe) Collect(ctx context.Context) (versions map[string]string, features []string) {
	versions = make(map[string]string)

	for _, id := range p.registry.IDs() {
		adapter, err := p.registry.Create(id)
		if err != nil {
			continue
		}
		detectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		res, err := adapter.Detect(detectCtx)
		cancel()
		if err != nil || !res.Installed {
			continue
		}
		version := res.Version
		if version == "" {
			version = "unknown"
		}
		versions[id] = version
	}

	if dockerVersion := p.dockerVersion(ctx); dockerVersion != "" {
		versions["docker"] = dockerVersion
		features = append(features, "docker")
	}

	return versions, features
}

// dockerVersion pings the local Docker daemon. An empty string means Docker
// is not available; that is not an error condition for a runner.
func (p *Probe) dockerVersion(ctx context.Context) string {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return ""
	}
	defer func() { _ = cli.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	version, err := cli.ServerVersion(pingCtx)
	if err != nil {
		p.logger.Debug("docker not available", zap.Error(err))
		return ""
	}
	return version.Version
}
