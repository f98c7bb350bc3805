package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/funcbox/config"
)

func TestNewBackends(t *testing.T) {
	logger := zaptest.NewLogger(t)

	newConfig := func() *config.Config {
		return &config.Config{
			Runtimes: config.RuntimesConfig{
				Docker: config.DockerConfig{
					Enabled:     true,
					Binary:      "docker",
					BaseImage:   "python:3.9-slim",
					MemoryMB:    128,
					ImagePrefix: "user-func",
				},
				GVisor: config.GVisorConfig{Enabled: true},
			},
		}
	}

	t.Run("BothRuntimes", func(t *testing.T) {
		backends, err := NewBackends(logger, newConfig(), WithContainerCommandRunner(newMockCommandRunner(nil)))
		require.NoError(t, err)
		require.Len(t, backends, 2)
		assert.Equal(t, RuntimeStrong, backends[0].Runtime())
		assert.Equal(t, "docker", backends[0].Name())
		assert.Equal(t, RuntimeSimulated, backends[1].Runtime())
	})

	t.Run("SimulatedOnlySkipsTheDaemonCheck", func(t *testing.T) {
		cfg := newConfig()
		cfg.Runtimes.Docker.Enabled = false
		runner := newMockCommandRunner(nil)

		backends, err := NewBackends(logger, cfg, WithContainerCommandRunner(runner))
		require.NoError(t, err)
		require.Len(t, backends, 1)
		assert.Equal(t, RuntimeSimulated, backends[0].Runtime())
		assert.Empty(t, runner.calls)
	})

	t.Run("UnreachableDaemonIsFatal", func(t *testing.T) {
		runner := newMockCommandRunner(map[string]commandResult{
			"docker version": {stderr: "Cannot connect to the Docker daemon", exitCode: 1},
		})
		_, err := NewBackends(logger, newConfig(), WithContainerCommandRunner(runner))
		assert.Error(t, err)
	})

	t.Run("PodmanBinary", func(t *testing.T) {
		cfg := newConfig()
		cfg.Runtimes.Docker.Binary = "podman"
		runner := newMockCommandRunner(nil)

		backends, err := NewBackends(logger, cfg, WithContainerCommandRunner(runner))
		require.NoError(t, err)
		assert.Equal(t, "podman", backends[0].Name())
		assert.Equal(t, []string{"podman", "version"}, runner.call("podman version"))
	})

	t.Run("UnsupportedBinary", func(t *testing.T) {
		cfg := newConfig()
		cfg.Runtimes.Docker.Binary = "lxc"
		_, err := NewBackends(logger, cfg)
		assert.Error(t, err)
	})

	t.Run("NothingEnabled", func(t *testing.T) {
		cfg := newConfig()
		cfg.Runtimes.Docker.Enabled = false
		cfg.Runtimes.GVisor.Enabled = false
		_, err := NewBackends(logger, cfg)
		assert.Error(t, err)
	})
}
