package lipsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-mascot/internal/avatar"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Scheduler fires vowel cues at their offsets and always closes the mouth
// once they have all run.
type Scheduler struct {
	channel avatar.Channel
	logger  *slog.Logger

	sent   metric.Int64Counter
	failed metric.Int64Counter
}

// NewScheduler sends cues to channel.
func NewScheduler(channel avatar.Channel, log *slog.Logger) *Scheduler {
	s := &Scheduler{
		channel: channel,
		logger:  log.With(slog.String("component", "lipsync")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-mascot/lipsync")
	var err error
	if s.sent, err = meter.Int64Counter("mascot.lipsync.cues", metric.WithDescription("Vowel commands sent")); err != nil {
		s.logger.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if s.failed, err = meter.Int64Counter("mascot.lipsync.cue_failures", metric.WithDescription("Vowel commands that failed to send")); err != nil {
		s.logger.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	return s
}

// Run blocks until every cue has fired or ctx is cancelled, then sends the
// closing set-vowel(none). Send failures are logged and otherwise ignored.
func (s *Scheduler) Run(ctx context.Context, cues []Cue) {
	var wg sync.WaitGroup
	for _, cue := range cues {
		wg.Add(1)
		go func(cue Cue) {
			defer wg.Done()
			timer := time.NewTimer(cue.Offset)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			s.send(ctx, cue.Vowel)
		}(cue)
	}
	wg.Wait()

	// The mouth must close even when the attempt was cancelled.
	s.send(context.WithoutCancel(ctx), avatar.VowelNone)
}

func (s *Scheduler) send(ctx context.Context, v avatar.Vowel) {
	attrs := metric.WithAttributes(attribute.String("vowel", v.String()))
	if err := s.channel.SetVowel(ctx, v); err != nil {
		s.logger.Warn("failed to send vowel",
			slog.String("vowel", v.String()),
			slog.String("error", err.Error()))
		if s.failed != nil {
			s.failed.Add(ctx, 1, attrs)
		}
		return
	}
	if s.sent != nil {
		s.sent.Add(ctx, 1, attrs)
	}
}
