package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/funcbox/config"
)

const checkTimeout = 15 * time.Second

// NewBackends creates one backend per enabled runtime. An unreachable container
// daemon is a startup error rather than a failure on the first request.
func NewBackends(logger *zap.Logger, cfg *config.Config, opts ...ContainerOption) ([]Backend, error) {
	var backends []Backend

	if docker := cfg.Runtimes.Docker; docker.Enabled {
		switch docker.Binary {
		case "docker", "podman":
		default:
			return nil, fmt.Errorf("unsupported container binary: %s", docker.Binary)
		}

		backend := NewContainerBackend(logger, &ContainerConfig{
			Binary:         docker.Binary,
			BaseImage:      docker.BaseImage,
			MemoryMB:       docker.MemoryMB,
			ImagePrefix:    docker.ImagePrefix,
			NetworkEnabled: docker.NetworkEnabled,
		}, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		if err := backend.Check(ctx); err != nil {
			return nil, fmt.Errorf("container runtime is unavailable: %w", err)
		}
		backends = append(backends, backend)
	}

	if gvisor := cfg.Runtimes.GVisor; gvisor.Enabled {
		backends = append(backends, NewSimulatedBackend(logger, &SimulatedConfig{
			BuildLatency: time.Duration(gvisor.BuildLatencyMs) * time.Millisecond,
			BootLatency:  time.Duration(gvisor.BootLatencyMs) * time.Millisecond,
			MaxSteps:     gvisor.MaxSteps,
		}))
	}

	for _, b := range backends {
		logger.Info("isolation backend enabled", zap.String("runtime", string(b.Runtime())), zap.String("backend", b.Name()))
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no runtime enabled")
	}
	return backends, nil
}
