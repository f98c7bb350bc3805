package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/funcbox/config"
	"github.com/isdmx/funcbox/engine"
	"github.com/isdmx/funcbox/metrics"
	"github.com/isdmx/funcbox/registry"
)

// MockExecutor implements Executor for testing
type MockExecutor struct {
	result   engine.Result
	err      error
	requests []engine.Request
}

func (m *MockExecutor) Execute(_ context.Context, req engine.Request) (engine.Result, error) {
	m.requests = append(m.requests, req)
	return m.result, m.err
}

// MockReader implements metrics.Reader for testing
type MockReader struct {
	records []metrics.MetricRecord
	err     error
}

func (m *MockReader) Records(context.Context) ([]metrics.MetricRecord, error) {
	return m.records, m.err
}

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
		Engine:  config.EngineConfig{DefaultTimeoutSec: 5, MaxTimeoutSec: 60},
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "functions.yaml")
	content := "functions:\n  - id: \"1\"\n    name: add\n    runtime: gvisor\n    code: |\n      def handler(event):\n          return event['a'] + event['b']\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	r, err := registry.Load(path)
	require.NoError(t, err)
	return r
}

func newTestServer(t *testing.T, executor Executor, history metrics.Reader) *MCPServer {
	t.Helper()
	s, err := New(testConfig(), zaptest.NewLogger(t), executor, testRegistry(t), history)
	require.NoError(t, err)
	return s
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNewMCPServer(t *testing.T) {
	executor := &MockExecutor{}
	s := newTestServer(t, executor, &MockReader{})
	assert.Equal(t, executor, s.executor)
	assert.NotNil(t, s.GetMCPServer())
}

func TestHandleExecuteFunction(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		executor := &MockExecutor{result: engine.Result{
			Status:  engine.StatusSuccess,
			Output:  "6",
			Runtime: engine.RuntimeStrong,
			Backend: "docker",
			Warm:    false,
		}}
		s := newTestServer(t, executor, &MockReader{})

		result, err := s.handleExecuteFunction(ctx, callRequest("execute_function", map[string]any{
			"code":            "def handler(event):\n    return sum(event['numbers'])\n",
			"input_payload":   `{"numbers": [1, 2, 3]}`,
			"runtime":         "docker",
			"timeout_seconds": 2.5,
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError)

		var got engine.Result
		require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
		assert.Equal(t, engine.StatusSuccess, got.Status)
		assert.Equal(t, "6", got.Output)

		require.Len(t, executor.requests, 1)
		req := executor.requests[0]
		assert.Equal(t, engine.RuntimeStrong, req.Runtime)
		assert.Equal(t, 2500*time.Millisecond, req.Timeout)
		assert.JSONEq(t, `{"numbers": [1, 2, 3]}`, string(req.Input))
	})

	t.Run("StructuredPayloadAndDefaultRuntime", func(t *testing.T) {
		executor := &MockExecutor{result: engine.Result{Status: engine.StatusSuccess}}
		s := newTestServer(t, executor, &MockReader{})

		_, err := s.handleExecuteFunction(ctx, callRequest("execute_function", map[string]any{
			"code":          "def handler(event):\n    return 1\n",
			"input_payload": map[string]any{"a": 1},
		}))
		require.NoError(t, err)
		require.Len(t, executor.requests, 1)
		assert.Equal(t, engine.RuntimeStrong, executor.requests[0].Runtime)
		assert.Zero(t, executor.requests[0].Timeout)
		assert.JSONEq(t, `{"a": 1}`, string(executor.requests[0].Input))
	})

	t.Run("FailedExecutionIsFlagged", func(t *testing.T) {
		executor := &MockExecutor{result: engine.Result{Status: engine.StatusBuildFailed, Output: "build failed: SyntaxError"}}
		s := newTestServer(t, executor, &MockReader{})

		result, err := s.handleExecuteFunction(ctx, callRequest("execute_function", map[string]any{"code": "def handler(:"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "BUILD_FAILED")
	})

	t.Run("UnsupportedRuntime", func(t *testing.T) {
		executor := &MockExecutor{}
		s := newTestServer(t, executor, &MockReader{})

		result, err := s.handleExecuteFunction(ctx, callRequest("execute_function", map[string]any{
			"code":    "def handler(event):\n    return 1\n",
			"runtime": "firecracker",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "unsupported runtime")
		assert.Empty(t, executor.requests)
	})

	t.Run("ValidationErrorFromTheEngine", func(t *testing.T) {
		executor := &MockExecutor{err: &engine.ValidationError{Err: engine.ErrInvalidPayload, Detail: "not valid JSON"}}
		s := newTestServer(t, executor, &MockReader{})

		result, err := s.handleExecuteFunction(ctx, callRequest("execute_function", map[string]any{
			"code":          "def handler(event):\n    return 1\n",
			"input_payload": "{bad",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Equal(t, "invalid request: invalid input payload: not valid JSON", resultText(t, result))
	})

	t.Run("MissingCode", func(t *testing.T) {
		s := newTestServer(t, &MockExecutor{}, &MockReader{})
		_, err := s.handleExecuteFunction(ctx, callRequest("execute_function", map[string]any{}))
		assert.Error(t, err)
	})
}

func TestHandleInvokeFunction(t *testing.T) {
	ctx := context.Background()

	t.Run("RegisteredFunction", func(t *testing.T) {
		executor := &MockExecutor{result: engine.Result{Status: engine.StatusSuccess, Output: "3", Runtime: engine.RuntimeSimulated}}
		s := newTestServer(t, executor, &MockReader{})

		result, err := s.handleInvokeFunction(ctx, callRequest("invoke_function", map[string]any{
			"name":          "add",
			"input_payload": `{"a": 1, "b": 2}`,
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError)
		require.Len(t, executor.requests, 1)
		assert.Equal(t, engine.RuntimeSimulated, executor.requests[0].Runtime)
		assert.Contains(t, executor.requests[0].Code, "def handler(event):")
	})

	t.Run("UnknownFunction", func(t *testing.T) {
		executor := &MockExecutor{}
		s := newTestServer(t, executor, &MockReader{})

		result, err := s.handleInvokeFunction(ctx, callRequest("invoke_function", map[string]any{"name": "missing"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "function not found")
		assert.Empty(t, executor.requests)
	})
}

func TestHandleExecutionMetrics(t *testing.T) {
	ctx := context.Background()

	t.Run("Summary", func(t *testing.T) {
		history := &MockReader{records: []metrics.MetricRecord{
			{Runtime: "docker", Success: true, Duration: 2, Warm: false},
			{Runtime: "docker", Success: true, Duration: 1, Warm: true},
		}}
		s := newTestServer(t, &MockExecutor{}, history)

		result, err := s.handleExecutionMetrics(ctx, callRequest("execution_metrics", nil))
		require.NoError(t, err)
		assert.False(t, result.IsError)

		var summary metrics.Summary
		require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &summary))
		assert.Equal(t, 2, summary.Total)
		assert.Equal(t, 100.0, summary.SuccessRate)
		assert.Equal(t, 1, summary.Warm)
	})

	t.Run("HistoryUnavailable", func(t *testing.T) {
		s := newTestServer(t, &MockExecutor{}, &MockReader{err: errors.New("connection refused")})

		result, err := s.handleExecutionMetrics(ctx, callRequest("execution_metrics", nil))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}
