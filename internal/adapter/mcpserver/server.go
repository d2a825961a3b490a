// Package mcpserver exposes the assistant's catalog and order tools to MCP
// clients over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"floorbot/internal/domain"
	"floorbot/internal/infra/tracer"
)

const serverName = "floorbot"

// Server wraps an MCP server whose tools are the assistant's tools.
type Server struct {
	mcp    *server.MCPServer
	logger *slog.Logger
}

// New registers every tool with an MCP server. Tool schemas are passed
// through unchanged.
func New(tools []domain.Tool, version string, logger *slog.Logger) *Server {
	s := server.NewMCPServer(serverName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	srv := &Server{mcp: s, logger: logger}
	for _, t := range tools {
		schema := t.Schema()
		s.AddTool(
			mcp.NewToolWithRawSchema(schema.Name, schema.Description, schema.Parameters),
			srv.handler(t),
		)
	}
	logger.Debug("mcp server ready", "tools", len(tools))
	return srv
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Serve speaks MCP over in/out until ctx is done or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp stdio server started")
	err := stdio.Listen(ctx, in, out)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handler(t domain.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := tracer.StartSpan(ctx, "mcp.call_tool")
		defer span.End()
		span.SetAttributes(tracer.StringAttr("tool.name", t.Name()))

		args := json.RawMessage(`{}`)
		if raw := req.GetRawArguments(); raw != nil {
			data, err := json.Marshal(raw)
			if err != nil {
				return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
			}
			args = data
		}

		res, err := t.Execute(ctx, args)
		if err != nil {
			tracer.RecordError(span, err)
			s.logger.WarnContext(ctx, "mcp tool failed", "tool", t.Name(), "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		tracer.SetOK(span)
		if res.IsError {
			return mcp.NewToolResultError(res.Content), nil
		}
		return mcp.NewToolResultText(res.Content), nil
	}
}
