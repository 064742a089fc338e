package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-mascot/internal/bus"
	"github.com/loqalabs/loqa-mascot/internal/config"
	"github.com/loqalabs/loqa-mascot/internal/natsserver"
	"github.com/loqalabs/loqa-mascot/internal/presence"
	"github.com/loqalabs/loqa-mascot/internal/protocol"
	"github.com/loqalabs/loqa-mascot/internal/tool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoadManifestMissingIsDefaultPose(t *testing.T) {
	m, err := loadManifest(filepath.Join(t.TempDir(), "animations.json"), testLogger())
	if err != nil {
		t.Fatalf("missing manifest must not fail: %v", err)
	}
	if len(m.Animations) != 0 {
		t.Fatalf("expected empty manifest, got %+v", m)
	}
}

func TestLoadManifestInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "animations.json")
	if err := os.WriteFile(path, []byte(`{"animations":[{"name":"idle"}]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadManifest(path, testLogger()); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadManifestKeepsUninspectableClips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "animations.json")
	body := `{"animations":[{"name":"idle","file":"idle.vrma","loop":true,"fadeTime":0.5}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := loadManifest(path, testLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := m.Lookup("idle"); !ok {
		t.Fatal("expected idle clip to survive a failed inspection")
	}
}

func TestNewBackend(t *testing.T) {
	cfg := config.Default().Speech
	cfg.Mode = "mock"
	if _, err := NewBackend(cfg, testLogger()); err != nil {
		t.Fatalf("mock backend: %v", err)
	}
	cfg.Mode = "http"
	if _, err := NewBackend(cfg, testLogger()); err != nil {
		t.Fatalf("http backend: %v", err)
	}
	cfg.Mode = "carrier-pigeon"
	if _, err := NewBackend(cfg, testLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestSpeechStackHeadless(t *testing.T) {
	if _, err := os.Stat("/bin/true"); err != nil {
		t.Skip("requires /bin/true")
	}
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Speech.Mode = "mock"
	cfg.Avatar.Transport = "none"
	cfg.Playback.Command = "/bin/true"
	cfg.Playback.TempDir = dir
	cfg.Playback.StartOffsetMS = 0
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Cache.Enabled = true
	cfg.Cache.Dir = filepath.Join(dir, "cache")

	st, err := NewSpeechStack(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("build stack: %v", err)
	}
	defer st.Close()

	res := st.Tool.Call(context.Background(), tool.SpeakArgs{Text: "テスト", Emotion: "happy"})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Text)
	}
	sessions, err := st.Store.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Text != "テスト" {
		t.Fatalf("expected the call to be recorded, got %+v", sessions)
	}
}

func TestBackendID(t *testing.T) {
	cfg := config.Default().Speech
	cfg.Mode = "mock"
	if got := BackendID(cfg); got != "mock" {
		t.Fatalf("unexpected mock id %q", got)
	}
	cfg.Mode = "http"
	cfg.BaseURL = "http://127.0.0.1:10101/"
	if got := BackendID(cfg); got != "http:http://127.0.0.1:10101" {
		t.Fatalf("unexpected http id %q", got)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSpeechStackReachesLateRenderer(t *testing.T) {
	if _, err := os.Stat("/bin/true"); err != nil {
		t.Skip("requires /bin/true")
	}
	logger := testLogger()
	dir := t.TempDir()
	port := freePort(t)

	cfg := config.Default()
	cfg.Speech.Mode = "mock"
	cfg.Avatar.Transport = "bus"
	cfg.Bus.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", port)}
	cfg.Bus.ConnectTimeout = 500
	cfg.Bus.ReconnectWait = 50
	cfg.Node.HeartbeatInterval = 100
	cfg.Node.HeartbeatTimeout = 1000
	cfg.Playback.Command = "/bin/true"
	cfg.Playback.TempDir = dir
	cfg.Playback.StartOffsetMS = 0
	cfg.EventStore.Path = filepath.Join(dir, "events.db")

	// The speech side comes up before any broker exists.
	st, err := NewSpeechStack(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("build stack: %v", err)
	}
	defer st.Close()
	if st.presence == nil {
		t.Fatal("expected a bus channel while the broker is down")
	}

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: port}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()

	client, err := bus.Connect(context.Background(), "stage-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	var vowels atomic.Int32
	if _, err := bus.SubscribeJSON(client, protocol.SubjectAvatarVowel, func(protocol.VowelCommand) {
		vowels.Add(1)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	renderer, err := presence.New(context.Background(), config.NodeConfig{
		ID: "stage-late", Role: protocol.RoleRenderer, HeartbeatInterval: 100, HeartbeatTimeout: 1000,
	}, client, logger)
	if err != nil {
		t.Fatalf("renderer presence: %v", err)
	}
	defer renderer.Close()

	waitFor(t, "renderer to be seen by the speech side", st.presence.RendererAttached)

	res := st.Tool.Call(context.Background(), tool.SpeakArgs{Text: "あいう"})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Text)
	}
	// Three vowels then the closing command.
	waitFor(t, "vowel commands", func() bool { return vowels.Load() >= 4 })
}
