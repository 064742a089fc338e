package stage

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-mascot/internal/avatar"
	"github.com/loqalabs/loqa-mascot/internal/bus"
	"github.com/loqalabs/loqa-mascot/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Attach feeds avatar commands from the bus into m. The returned function
// unsubscribes.
func Attach(client *bus.Client, m *Machine) (func(), error) {
	var subs []*nats.Subscription
	cleanup := func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}

	add := func(sub *nats.Subscription, err error) error {
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	if err := add(bus.SubscribeJSON(client, protocol.SubjectAvatarVowel, func(cmd protocol.VowelCommand) {
		v := avatar.VowelNone
		if cmd.Vowel != nil {
			parsed, ok := avatar.ParseVowel(*cmd.Vowel)
			if !ok {
				m.logger.Warn("ignoring unknown vowel", slog.String("vowel", *cmd.Vowel))
				return
			}
			v = parsed
		}
		m.SetVowel(v)
	})); err != nil {
		cleanup()
		return nil, err
	}
	if err := add(bus.SubscribeJSON(client, protocol.SubjectAvatarEmotion, func(cmd protocol.EmotionCommand) {
		m.SetEmotion(avatar.ParseEmotion(cmd.Emotion))
	})); err != nil {
		cleanup()
		return nil, err
	}
	if err := add(bus.SubscribeJSON(client, protocol.SubjectAvatarSpeak, func(cmd protocol.SpeakNotice) {
		m.NotifySpeak(cmd.Text, avatar.ParseEmotion(cmd.Emotion))
	})); err != nil {
		cleanup()
		return nil, err
	}
	if err := add(bus.SubscribeJSON(client, protocol.SubjectAvatarAnimation, func(cmd protocol.AnimationCommand) {
		m.PlayAnimation(cmd.Animation, true)
	})); err != nil {
		cleanup()
		return nil, err
	}
	if err := add(bus.SubscribeJSON(client, protocol.SubjectAvatarFinished, func(evt protocol.AnimationFinished) {
		m.Finished(evt.Animation)
	})); err != nil {
		cleanup()
		return nil, err
	}
	return cleanup, nil
}

// Run ticks m every interval until ctx is done.
func Run(ctx context.Context, m *Machine, interval time.Duration) {
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Tick(now.Sub(last).Seconds())
			last = now
		}
	}
}
