package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-mascot/internal/avatar/avatartest"
	"github.com/loqalabs/loqa-mascot/internal/speaker"
	"github.com/loqalabs/loqa-mascot/internal/tool"
	"github.com/mark3labs/mcp-go/mcp"
)

type okSpeaker struct{ texts []string }

func (s *okSpeaker) Say(_ context.Context, req speaker.Request) error {
	s.texts = append(s.texts, req.Text)
	return nil
}

func newServer() (*Server, *okSpeaker, *avatartest.Recorder) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := &avatartest.Recorder{}
	sp := &okSpeaker{}
	return New(tool.NewSpeakTool(sp, rec, logger), logger), sp, rec
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = tool.SpeakName
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func TestHandleSpeak(t *testing.T) {
	srv, sp, rec := newServer()
	res, err := srv.handleSpeak(context.Background(), callRequest(map[string]any{
		"text":      "こんにちは",
		"emotion":   "happy",
		"animation": "wave",
	}))
	if err != nil {
		t.Fatalf("handler returned transport error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, res))
	}
	if got := resultText(t, res); got != "音声再生が完了しました" {
		t.Fatalf("unexpected text %q", got)
	}
	if len(sp.texts) != 1 || sp.texts[0] != "こんにちは" {
		t.Fatalf("unexpected speaker calls %v", sp.texts)
	}
	if rec.Count("animation:wave") != 1 || rec.Count("emotion:neutral") != 1 {
		t.Fatalf("unexpected avatar commands %v", rec.Commands())
	}
}

func TestHandleSpeakMissingText(t *testing.T) {
	srv, _, _ := newServer()
	res, err := srv.handleSpeak(context.Background(), callRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("handler returned transport error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result for missing text")
	}
}

func TestSpeakToolSchema(t *testing.T) {
	def := speakTool()
	if def.Name != "speak" {
		t.Fatalf("unexpected tool name %s", def.Name)
	}
	if len(def.InputSchema.Required) != 1 || def.InputSchema.Required[0] != "text" {
		t.Fatalf("expected text to be the only required argument, got %v", def.InputSchema.Required)
	}
	for _, key := range []string{"text", "emotion", "animation"} {
		if _, ok := def.InputSchema.Properties[key]; !ok {
			t.Fatalf("missing property %s", key)
		}
	}
}
