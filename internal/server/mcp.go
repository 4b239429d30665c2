package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/dawnyawn/internal/session"
)

// MCPServer exposes the session registry as MCP tools over stdio, so
// MCP-capable clients can drive sandboxes directly.
type MCPServer struct {
	registry *session.Registry
	logger   *slog.Logger
	version  string
}

// NewMCPServer creates the MCP stdio surface over a session registry.
func NewMCPServer(registry *session.Registry, version string, logger *slog.Logger) *MCPServer {
	return &MCPServer{
		registry: registry,
		logger:   logger,
		version:  version,
	}
}

// Serve registers the session tools and blocks serving stdio until the
// client disconnects.
func (m *MCPServer) Serve(ctx context.Context) error {
	s := mcpserver.NewMCPServer("dawnyawn", m.version,
		mcpserver.WithToolCapabilities(false),
	)

	s.AddTool(
		mcp.NewTool("start_session",
			mcp.WithDescription("Provision a disposable sandbox and open a session. Returns the session identifier."),
		),
		m.handleStartSession,
	)
	s.AddTool(
		mcp.NewTool("execute_command",
			mcp.WithDescription("Execute a shell command inside a session's sandbox and return the structured observation."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Identifier returned by start_session."),
			),
			mcp.WithString("command",
				mcp.Required(),
				mcp.Description("Shell command to execute."),
			),
		),
		m.handleExecuteCommand,
	)
	s.AddTool(
		mcp.NewTool("end_session",
			mcp.WithDescription("Destroy a session's sandbox. The session identifier becomes invalid."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Identifier returned by start_session."),
			),
		),
		m.handleEndSession,
	)

	m.logger.Info("mcp server starting on stdio", slog.String("version", m.version))
	defer m.registry.Close(context.WithoutCancel(ctx))

	return mcpserver.ServeStdio(s)
}

func (m *MCPServer) handleStartSession(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := m.registry.Start(ctx)
	if err != nil {
		return mcp.NewToolResultError("sandbox provisioning failed: " + err.Error()), nil
	}
	return mcp.NewToolResultText(id), nil
}

func (m *MCPServer) handleExecuteCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	obs, err := m.registry.Execute(ctx, sessionID, command)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := json.Marshal(obs)
	if err != nil {
		return mcp.NewToolResultError("encoding observation: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (m *MCPServer) handleEndSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := m.registry.End(ctx, sessionID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("terminated"), nil
}
