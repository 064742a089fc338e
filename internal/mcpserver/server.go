// Package mcpserver exposes the speak tool over the Model Context Protocol.
package mcpserver

import (
	"context"
	"io"
	"log"
	"log/slog"

	"github.com/loqalabs/loqa-mascot/internal/avatar"
	"github.com/loqalabs/loqa-mascot/internal/tool"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	Name    = "desktop-mascot-mcp"
	Version = "1.0.0"
)

// Server exposes the speak tool over MCP.
type Server struct {
	mcp    *server.MCPServer
	speak  *tool.SpeakTool
	logger *slog.Logger
}

// New registers speak as the "speak" tool.
func New(speak *tool.SpeakTool, log *slog.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer(Name, Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		speak:  speak,
		logger: log.With(slog.String("component", "mcp-server")),
	}
	s.mcp.AddTool(speakTool(), s.handleSpeak)
	return s
}

func speakTool() mcp.Tool {
	return mcp.NewTool(tool.SpeakName,
		mcp.WithDescription(tool.SpeakDescription),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description(tool.TextDescription),
		),
		mcp.WithString("emotion",
			mcp.Enum(avatar.EmotionNames()...),
			mcp.Description(tool.EmotionDescription),
		),
		mcp.WithString("animation",
			mcp.Enum(avatar.AnimationNames()...),
			mcp.Description(tool.AnimationDescription),
		),
	)
}

func (s *Server) handleSpeak(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := tool.SpeakArgs{
		Text:      req.GetString("text", ""),
		Emotion:   req.GetString("emotion", ""),
		Animation: req.GetString("animation", ""),
	}
	s.logger.Info("speak called",
		slog.Int("text_length", len([]rune(args.Text))),
		slog.String("emotion", args.Emotion),
		slog.String("animation", args.Animation))

	res := s.speak.Call(ctx, args)
	if res.IsError {
		return mcp.NewToolResultError(res.Text), nil
	}
	return mcp.NewToolResultText(res.Text), nil
}

// Serve speaks MCP over the given streams until ctx is done or in closes.
// Nothing else may write to out.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer, errLog io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(errLog, "mcp: ", log.LstdFlags))
	s.logger.Info("mcp server listening on stdio", slog.String("name", Name), slog.String("version", Version))
	return stdio.Listen(ctx, in, out)
}
