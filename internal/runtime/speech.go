package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-mascot/internal/audiocache"
	"github.com/loqalabs/loqa-mascot/internal/avatar"
	"github.com/loqalabs/loqa-mascot/internal/bus"
	"github.com/loqalabs/loqa-mascot/internal/config"
	"github.com/loqalabs/loqa-mascot/internal/eventstore"
	"github.com/loqalabs/loqa-mascot/internal/lipsync"
	"github.com/loqalabs/loqa-mascot/internal/playback"
	"github.com/loqalabs/loqa-mascot/internal/presence"
	"github.com/loqalabs/loqa-mascot/internal/protocol"
	"github.com/loqalabs/loqa-mascot/internal/speaker"
	"github.com/loqalabs/loqa-mascot/internal/speech"
	"github.com/loqalabs/loqa-mascot/internal/tool"
)

// SpeechStack is everything a process needs to run the speak tool.
type SpeechStack struct {
	Speaker *speaker.Service
	Tool    *tool.SpeakTool
	Store   *eventstore.Store

	presence *presence.Registry
	closers  []func()
}

// NewSpeechStack builds the speech pipeline from cfg. The avatar channel is
// best-effort: until a renderer is heard on the bus, commands are dropped and
// the stack speaks headless. A bus that is not up yet is dialed in the
// background.
func NewSpeechStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (*SpeechStack, error) {
	st := &SpeechStack{}
	ok := false
	defer func() {
		if !ok {
			st.Close()
		}
	}()

	backend, err := NewBackend(cfg.Speech, logger)
	if err != nil {
		return nil, err
	}

	player, err := playback.NewExecPlayer(cfg.Playback.Command)
	if err != nil {
		return nil, err
	}
	dispatcher := playback.NewDispatcher(player, cfg.Playback.TempDir, logger)

	channel := st.avatarChannel(ctx, cfg, logger)
	scheduler := lipsync.NewScheduler(channel, logger)

	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return nil, err
	}
	st.Store = store
	st.closers = append(st.closers, func() { _ = store.Close() })

	cache, err := audiocache.Open(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, cache.Close)

	opts := speaker.Options{
		MaxRetries:  cfg.Speech.MaxRetries,
		RetryDelay:  time.Duration(cfg.Speech.RetryDelayMS) * time.Millisecond,
		StartOffset: time.Duration(cfg.Playback.StartOffsetMS) * time.Millisecond,
		SpeakerID:   cfg.Speech.SpeakerID,
		BackendID:   BackendID(cfg.Speech),
	}
	st.Speaker = speaker.New(backend, dispatcher, scheduler, store, cache, opts, logger)
	st.Tool = tool.NewSpeakTool(st.Speaker, channel, logger)
	ok = true
	return st, nil
}

// NewBackend picks the synthesis backend for cfg.Mode.
func NewBackend(cfg config.SpeechConfig, logger *slog.Logger) (speech.Backend, error) {
	switch cfg.Mode {
	case "mock":
		logger.Info("using mock speech backend")
		return speech.NewMockBackend(), nil
	case "http":
		return speech.NewHTTPBackend(speech.HTTPOptions{
			BaseURL:           cfg.BaseURL,
			SpeakerID:         cfg.SpeakerID,
			Timeout:           time.Duration(cfg.TimeoutMS) * time.Millisecond,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown speech mode %q", cfg.Mode)
	}
}

// BackendID names the engine cfg selects, for keying cached audio.
func BackendID(cfg config.SpeechConfig) string {
	if cfg.Mode == "http" {
		return "http:" + strings.TrimRight(cfg.BaseURL, "/")
	}
	return cfg.Mode
}

func (st *SpeechStack) avatarChannel(ctx context.Context, cfg config.Config, logger *slog.Logger) avatar.Channel {
	switch cfg.Avatar.Transport {
	case "none":
		return avatar.Nop{}
	case "http":
		return avatar.NewHTTPChannel(cfg.Avatar.HTTPURL, logger)
	}

	client, err := bus.ConnectLazy(ctx, cfg.RuntimeName+"-speaker", cfg.Bus, logger)
	if err != nil {
		logger.Warn("avatar bus misconfigured, running headless", slog.String("error", err.Error()))
		return avatar.Nop{}
	}
	st.closers = append(st.closers, client.Close)

	nodeCfg := cfg.Node
	nodeCfg.ID += "-speaker"
	nodeCfg.Role = protocol.RoleSpeaker
	registry, err := presence.New(ctx, nodeCfg, client, logger)
	if err != nil {
		logger.Warn("presence unavailable, running headless", slog.String("error", err.Error()))
		return avatar.Nop{}
	}
	st.presence = registry
	st.closers = append(st.closers, registry.Close)
	return avatar.NewBusChannel(client, registry, logger)
}

// Close releases resources in reverse order of acquisition.
func (st *SpeechStack) Close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		st.closers[i]()
	}
	st.closers = nil
}
