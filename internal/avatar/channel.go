package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-mascot/internal/bus"
	"github.com/loqalabs/loqa-mascot/internal/protocol"
)

// Channel carries avatar commands to whatever renders the mascot. Every
// command is best-effort: an absent renderer is not an error.
type Channel interface {
	SetVowel(ctx context.Context, v Vowel) error
	SetEmotion(ctx context.Context, e Emotion) error
	NotifySpeak(ctx context.Context, text string, e Emotion) error
	PlayAnimation(ctx context.Context, a Animation) error
}

// Presence reports whether a renderer is listening on the bus.
type Presence interface {
	RendererAttached() bool
}

// BusChannel publishes avatar commands on NATS.
type BusChannel struct {
	bus      *bus.Client
	presence Presence
	logger   *slog.Logger
}

func NewBusChannel(client *bus.Client, presence Presence, log *slog.Logger) *BusChannel {
	return &BusChannel{
		bus:      client,
		presence: presence,
		logger:   log.With(slog.String("component", "avatar-bus")),
	}
}

func (c *BusChannel) SetVowel(ctx context.Context, v Vowel) error {
	return c.publish(protocol.SubjectAvatarVowel, protocol.VowelCommand{Vowel: v.Ptr()})
}

func (c *BusChannel) SetEmotion(ctx context.Context, e Emotion) error {
	return c.publish(protocol.SubjectAvatarEmotion, protocol.EmotionCommand{Emotion: string(e)})
}

func (c *BusChannel) NotifySpeak(ctx context.Context, text string, e Emotion) error {
	return c.publish(protocol.SubjectAvatarSpeak, protocol.SpeakNotice{Text: text, Emotion: string(e)})
}

func (c *BusChannel) PlayAnimation(ctx context.Context, a Animation) error {
	return c.publish(protocol.SubjectAvatarAnimation, protocol.AnimationCommand{Animation: string(a)})
}

func (c *BusChannel) publish(subject string, v any) error {
	if c.presence != nil && !c.presence.RendererAttached() {
		c.logger.Debug("no renderer attached, skipping command", slog.String("subject", subject))
		return nil
	}
	return c.bus.PublishJSON(subject, v)
}

// HTTPChannel speaks the legacy /vrm/* endpoints served by mascotd and by the
// original desktop renderer.
type HTTPChannel struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPChannel(baseURL string, log *slog.Logger) *HTTPChannel {
	return &HTTPChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  log.With(slog.String("component", "avatar-http")),
	}
}

func (c *HTTPChannel) SetVowel(ctx context.Context, v Vowel) error {
	return c.post(ctx, "vowel", protocol.VowelCommand{Vowel: v.Ptr()})
}

func (c *HTTPChannel) SetEmotion(ctx context.Context, e Emotion) error {
	return c.post(ctx, "emotion", protocol.EmotionCommand{Emotion: string(e)})
}

func (c *HTTPChannel) NotifySpeak(ctx context.Context, text string, e Emotion) error {
	return c.post(ctx, "speak", protocol.SpeakNotice{Text: text, Emotion: string(e)})
}

func (c *HTTPChannel) PlayAnimation(ctx context.Context, a Animation) error {
	return c.post(ctx, "animation", protocol.AnimationCommand{Animation: string(a)})
}

func (c *HTTPChannel) post(ctx context.Context, endpoint string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/vrm/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			c.logger.Warn("renderer not running, skipping command", slog.String("endpoint", endpoint))
			return nil
		}
		return fmt.Errorf("post /vrm/%s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post /vrm/%s: HTTP %d: %s", endpoint, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}

// Nop drops every command. Used when the avatar transport is "none".
type Nop struct{}

func (Nop) SetVowel(context.Context, Vowel) error { return nil }
func (Nop) SetEmotion(context.Context, Emotion) error { return nil }
func (Nop) NotifySpeak(context.Context, string, Emotion) error { return nil }
func (Nop) PlayAnimation(context.Context, Animation) error { return nil }
