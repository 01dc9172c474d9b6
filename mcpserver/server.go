package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/channel"
	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/monitor"
	"github.com/isdmx/runbox/protocol"
)

// CodeRunner submits code over the control channel and collects the full
// streamed output plus the terminal message.
type CodeRunner interface {
	Run(ctx context.Context, code string) (string, protocol.Message, error)
}

// StatusProvider serves the latest sandbox snapshots.
type StatusProvider interface {
	Snapshots() []monitor.Snapshot
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	runner    CodeRunner
	status    StatusProvider
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, runner CodeRunner, status StatusProvider) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		runner: runner,
		status: status,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.mcp_port", s.config.Server.MCPPort),
		zap.Int("server.status_port", s.config.Server.StatusPort),
		zap.String("sandbox.engine", s.config.Sandbox.Engine),
		zap.String("sandbox.image", s.config.Sandbox.Image),
		zap.String("sandbox.cpu_limit", s.config.Sandbox.CPULimit),
		zap.Int("sandbox.memory_mb", s.config.Sandbox.MemoryMB),
		zap.Int("sandbox.max_processes", s.config.Sandbox.MaxProcesses),
		zap.String("sandbox.network_mode", s.config.Sandbox.NetworkMode),
		zap.Bool("sandbox.read_only_rootfs", s.config.Sandbox.ReadOnlyRootfs),
		zap.Int("sandbox.timeout_sec", s.config.Sandbox.TimeoutSec),
		zap.Int("channel.max_retries", s.config.Channel.MaxRetries),
		zap.Int("monitor.poll_interval_sec", s.config.Monitor.PollIntervalSec),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("runbox", "A remotely controlled sandbox for untrusted interpreter code")

	s.registerRunCodeTool()
	s.registerSandboxStatusTool()

	return s, nil
}

// registerRunCodeTool registers the run_code tool
func (s *MCPServer) registerRunCodeTool() {
	tool := mcp.Tool{
		Name:        "run_code",
		Description: "Execute untrusted interpreter code inside the isolated sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute in the sandbox interpreter",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunCode)
}

// registerSandboxStatusTool registers the sandbox_status tool
func (s *MCPServer) registerSandboxStatusTool() {
	tool := mcp.Tool{
		Name:        "sandbox_status",
		Description: "Report the sandbox's lifecycle state, resource usage and security posture",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleSandboxStatus)
}

// handleRunCode handles the run_code tool
func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Info("code execution requested")

	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, s.config.ExecTimeout())
	defer cancel()

	output, result, err := s.runner.Run(execCtx, code)
	if err != nil {
		var remote *channel.RemoteError
		if errors.As(err, &remote) && remote.ResourceLimited() {
			s.logger.Warn("execution rejected by resource limit",
				zap.String("request_id", remote.ID))
			return toolError(fmt.Sprintf("Execution exceeded a sandbox resource limit (output so far: %d bytes)", len(output))), nil
		}
		s.logger.Error("sandbox execution failed",
			zap.Error(err),
			zap.Int("output_len", len(output)))
		return toolError(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	s.logger.Info("code execution completed",
		zap.String("request_id", result.ID),
		zap.Int("output_len", len(output)))

	payload, err := json.Marshal(map[string]any{
		"output": output,
		"value":  result.Value,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(payload),
			},
		},
	}, nil
}

// handleSandboxStatus handles the sandbox_status tool
func (s *MCPServer) handleSandboxStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snapshots := s.status.Snapshots()

	payload, err := json.Marshal(map[string]any{
		"sandboxes": snapshots,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode status: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(payload),
			},
		},
	}, nil
}

func toolError(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.MCPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
