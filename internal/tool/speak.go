// Package tool implements the agent-facing speak tool independently of the
// transport that exposes it.
package tool

import (
	"context"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-mascot/internal/avatar"
	"github.com/loqalabs/loqa-mascot/internal/speaker"
)

const (
	SpeakName        = "speak"
	SpeakDescription = "テキストを音声で読み上げます。VRMキャラクターの表情とアニメーションを制御します。"

	TextDescription      = "読み上げるテキスト。日本語で自然な会話文を入力してください。"
	EmotionDescription   = "VRMの表情（省略時はneutral）。会話の感情に応じて指定してください。"
	AnimationDescription = "発話中に再生するアニメーション（省略可）。ジェスチャーまたは感情表現のアニメーションを選択してください。"

	msgDone      = "音声再生が完了しました"
	msgEmpty     = "エラー: 読み上げるテキストが空です。"
	msgFailedFmt = "エラー: 音声再生に失敗しました。\n理由: "
)

// Speaker is the part of speaker.Service the tool needs.
type Speaker interface {
	Say(ctx context.Context, req speaker.Request) error
}

// SpeakArgs are the arguments of the speak tool. Emotion and Animation are
// optional and validated by Call.
type SpeakArgs struct {
	Text      string
	Emotion   string
	Animation string
}

// Result is a text payload; IsError marks a failed call.
type Result struct {
	Text    string
	IsError bool
}

// SpeakTool sequences avatar cues around a speak call.
type SpeakTool struct {
	speaker Speaker
	channel avatar.Channel
	logger  *slog.Logger
}

// NewSpeakTool drives channel around s. A nil channel runs headless.
func NewSpeakTool(s Speaker, channel avatar.Channel, log *slog.Logger) *SpeakTool {
	if channel == nil {
		channel = avatar.Nop{}
	}
	return &SpeakTool{
		speaker: s,
		channel: channel,
		logger:  log.With(slog.String("component", "speak-tool")),
	}
}

// Call never returns a Go error: every failure becomes an IsError result.
func (t *SpeakTool) Call(ctx context.Context, args SpeakArgs) Result {
	if strings.TrimSpace(args.Text) == "" {
		return Result{Text: msgEmpty, IsError: true}
	}
	emotion := avatar.ParseEmotion(args.Emotion)

	if args.Animation != "" {
		anim, err := avatar.ParseAnimation(args.Animation)
		if err != nil {
			t.logger.Warn("ignoring animation", slog.String("error", err.Error()))
		} else if err := t.channel.PlayAnimation(ctx, anim); err != nil {
			t.logger.Warn("failed to play animation", slog.String("animation", string(anim)), slog.String("error", err.Error()))
		}
	}

	if err := t.channel.NotifySpeak(ctx, args.Text, emotion); err != nil {
		t.logger.Warn("failed to notify speak", slog.String("error", err.Error()))
	}

	if err := t.speaker.Say(ctx, speaker.Request{Text: args.Text, Emotion: string(emotion)}); err != nil {
		t.logger.Error("speak failed", slog.String("error", err.Error()))
		return Result{Text: msgFailedFmt + err.Error(), IsError: true}
	}

	if emotion != avatar.EmotionNeutral {
		if err := t.channel.SetEmotion(ctx, avatar.EmotionNeutral); err != nil {
			t.logger.Warn("failed to reset emotion", slog.String("error", err.Error()))
		}
	}
	return Result{Text: msgDone}
}
