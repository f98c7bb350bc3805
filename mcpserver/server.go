package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/funcbox/config"
	"github.com/isdmx/funcbox/engine"
	"github.com/isdmx/funcbox/metrics"
	"github.com/isdmx/funcbox/registry"
)

// Executor runs an execution request to completion
type Executor interface {
	Execute(ctx context.Context, req engine.Request) (engine.Result, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  Executor
	functions *registry.Registry
	history   metrics.Reader
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor Executor, functions *registry.Registry, history metrics.Reader) (*MCPServer, error) {
	s := &MCPServer{
		config:    cfg,
		logger:    logger,
		executor:  executor,
		functions: functions,
		history:   history,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("engine.default_timeout_sec", cfg.Engine.DefaultTimeoutSec),
		zap.Int("engine.max_timeout_sec", cfg.Engine.MaxTimeoutSec),
		zap.Int("engine.cache_max_entries", cfg.Engine.CacheMaxEntries),
		zap.Bool("runtimes.docker.enabled", cfg.Runtimes.Docker.Enabled),
		zap.String("runtimes.docker.base_image", cfg.Runtimes.Docker.BaseImage),
		zap.Int("runtimes.docker.memory_mb", cfg.Runtimes.Docker.MemoryMB),
		zap.Bool("runtimes.gvisor.enabled", cfg.Runtimes.GVisor.Enabled),
		zap.String("metrics.store", cfg.Metrics.Store),
	)

	s.mcpServer = server.NewMCPServer("funcbox", "A function execution server with cached sandbox builds")

	s.registerExecuteFunctionTool()
	s.registerInvokeFunctionTool()
	s.registerExecutionMetricsTool()

	return s, nil
}

func (s *MCPServer) registerExecuteFunctionTool() {
	tool := mcp.Tool{
		Name:        "execute_function",
		Description: "Execute a handler(event) function in an isolated runtime",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code defining handler(event)",
				},
				"input_payload": map[string]any{
					"type":        "string",
					"description": "JSON document passed to the handler as event (optional)",
				},
				"runtime": map[string]any{
					"type":        "string",
					"description": "Isolation runtime",
					"enum":        []string{"docker", "gvisor"},
				},
				"timeout_seconds": map[string]any{
					"type":        "number",
					"description": "Wall-clock limit for the run (optional)",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteFunction)
}

func (s *MCPServer) registerInvokeFunctionTool() {
	tool := mcp.Tool{
		Name:        "invoke_function",
		Description: "Execute a function from the registry by name",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Registered function name",
				},
				"input_payload": map[string]any{
					"type":        "string",
					"description": "JSON document passed to the handler as event (optional)",
				},
				"timeout_seconds": map[string]any{
					"type":        "number",
					"description": "Wall-clock limit for the run (optional)",
				},
			},
			Required: []string{"name"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleInvokeFunction)
}

func (s *MCPServer) registerExecutionMetricsTool() {
	tool := mcp.Tool{
		Name:        "execution_metrics",
		Description: "Summarise recorded executions: success rate, durations, warm and cold starts",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecutionMetrics)
}

// handleExecuteFunction handles the execute_function tool
func (s *MCPServer) handleExecuteFunction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	runtime, err := engine.ParseRuntime(request.GetString("runtime", string(engine.RuntimeStrong)))
	if err != nil {
		return rejected(err), nil
	}

	return s.execute(ctx, request, code, runtime)
}

// handleInvokeFunction handles the invoke_function tool
func (s *MCPServer) handleInvokeFunction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return nil, fmt.Errorf("name parameter is required: %w", err)
	}

	fn, err := s.functions.Lookup(name)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	runtime, err := engine.ParseRuntime(fn.Runtime)
	if err != nil {
		return rejected(err), nil
	}

	s.logger.Info("invoking registered function", zap.String("name", fn.Name), zap.String("id", fn.ID))
	return s.execute(ctx, request, fn.Code, runtime)
}

// handleExecutionMetrics handles the execution_metrics tool
func (s *MCPServer) handleExecutionMetrics(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	records, err := s.history.Records(ctx)
	if err != nil {
		s.logger.Error("failed to read execution history", zap.Error(err))
		return errorResult(fmt.Sprintf("failed to read execution history: %v", err)), nil
	}

	summary, err := json.Marshal(metrics.Summarize(records))
	if err != nil {
		return nil, fmt.Errorf("failed to encode summary: %w", err)
	}
	return textResult(string(summary), false), nil
}

func (s *MCPServer) execute(ctx context.Context, request mcp.CallToolRequest, code string, runtime engine.RuntimeKind) (*mcp.CallToolResult, error) {
	input, err := inputPayload(request)
	if err != nil {
		return errorResult("invalid request: " + err.Error()), nil
	}

	req := engine.Request{
		Code:    code,
		Input:   input,
		Runtime: runtime,
		Timeout: time.Duration(request.GetFloat("timeout_seconds", 0) * float64(time.Second)),
	}

	s.logger.Info("executing function",
		zap.String("runtime", string(runtime)),
		zap.Duration("timeout", req.Timeout),
		zap.Int("code_len", len(code)),
	)

	result, err := s.executor.Execute(ctx, req)
	if err != nil {
		s.logger.Warn("execution request rejected", zap.Error(err))
		return rejected(err), nil
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return textResult(string(resultJSON), result.Status != engine.StatusSuccess), nil
}

// inputPayload accepts the payload either as a JSON string or as an already
// structured argument
func inputPayload(request mcp.CallToolRequest) (json.RawMessage, error) {
	switch v := request.GetArguments()["input_payload"].(type) {
	case nil:
		return nil, nil
	case string:
		return json.RawMessage(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode input_payload: %w", err)
		}
		return data, nil
	}
}

// rejected reports a request refused before execution. Unsupported runtimes
// are distinguishable from other invalid requests.
func rejected(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, engine.ErrUnsupportedRuntime):
		return errorResult(err.Error())
	case engine.IsValidationError(err):
		return errorResult("invalid request: " + err.Error())
	default:
		return errorResult("execution failed: " + err.Error())
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return textResult(text, true)
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: isError,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
