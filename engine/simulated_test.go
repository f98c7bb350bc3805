package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/funcbox/sandbox"
	"github.com/isdmx/funcbox/workspace"
)

// Runs the end-to-end scenarios against the real in-process backend with the
// artificial latencies switched off.
func TestSimulatedRuntimeScenarios(t *testing.T) {
	logger := zaptest.NewLogger(t)
	workspaces, err := workspace.NewManager(logger, t.TempDir())
	require.NoError(t, err)

	backend := sandbox.NewSimulatedBackend(logger, &sandbox.SimulatedConfig{})
	sink := &memSink{}
	d, err := NewDispatcher(logger, []sandbox.Backend{backend}, workspaces, sink)
	require.NoError(t, err)

	run := func(t *testing.T, code, input string, timeout time.Duration) Result {
		t.Helper()
		result, err := d.Execute(context.Background(), Request{
			Code:    code,
			Input:   json.RawMessage(input),
			Runtime: RuntimeSimulated,
			Timeout: timeout,
		})
		require.NoError(t, err)
		return result
	}

	t.Run("SumIsColdThenWarm", func(t *testing.T) {
		code := "def handler(event):\n    return sum(event['numbers'])\n"

		first := run(t, code, `{"numbers": [1, 2, 3]}`, 5*time.Second)
		assert.Equal(t, StatusSuccess, first.Status)
		assert.Contains(t, first.Output, "6")
		assert.Contains(t, first.Output, "gvisor (simulated) output:")
		assert.False(t, first.Warm)
		assert.Equal(t, "starlark", first.Backend)

		second := run(t, code, `{"numbers": [1, 2, 3]}`, 5*time.Second)
		assert.Equal(t, StatusSuccess, second.Status)
		assert.True(t, second.Warm)
	})

	t.Run("SyntaxError", func(t *testing.T) {
		result := run(t, "def handler(event:\n    return 1\n", "{}", 5*time.Second)
		assert.Equal(t, StatusBuildFailed, result.Status)
		assert.NotEmpty(t, result.Output)
		assert.False(t, result.Warm)
	})

	t.Run("SleepPastTheTimeout", func(t *testing.T) {
		result := run(t, "def handler(event):\n    sleep(10)\n    return 1\n", "{}", time.Second)
		assert.Equal(t, StatusTimedOut, result.Status)
		assert.False(t, result.Warm)
		assert.Less(t, result.Duration, 5.0)
	})

	require.NoError(t, d.Drain(context.Background()))
	assert.Zero(t, backend.Live())
	assert.Zero(t, workspaces.Live())
	assert.Equal(t, 4, sink.count())
}
