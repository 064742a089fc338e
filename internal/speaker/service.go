// Package speaker runs the speak pipeline: query, synthesis, lip-sync and
// playback, retried as a whole on transient failures.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-mascot/internal/audiocache"
	"github.com/loqalabs/loqa-mascot/internal/eventstore"
	"github.com/loqalabs/loqa-mascot/internal/lipsync"
	"github.com/loqalabs/loqa-mascot/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrBusy is returned when a Speak call is already in progress.
	ErrBusy = errors.New("speaker is busy")
	// ErrEmptyText is returned for blank input.
	ErrEmptyText = errors.New("text must not be empty")
)

// Dispatcher plays audio while running a companion task.
type Dispatcher interface {
	Play(ctx context.Context, wav []byte, alongside func(context.Context)) error
}

// CueRunner drives the avatar's mouth for one utterance.
type CueRunner interface {
	Run(ctx context.Context, cues []lipsync.Cue)
}

// Options tunes the retry loop and keys the audio cache.
type Options struct {
	MaxRetries  int
	RetryDelay  time.Duration
	StartOffset time.Duration
	SpeakerID   int
	// BackendID names the synthesis engine that rendered cached audio.
	BackendID string
}

// DefaultOptions allows three attempts with a linearly growing delay.
func DefaultOptions() Options {
	return Options{
		MaxRetries:  3,
		RetryDelay:  time.Second,
		StartOffset: 150 * time.Millisecond,
	}
}

// Service speaks one utterance at a time.
type Service struct {
	backend    speech.Backend
	dispatcher Dispatcher
	lipsync    CueRunner
	store      *eventstore.Store
	cache      *audiocache.Cache
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer

	busy atomic.Bool

	// sleep waits between attempts; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error

	attempts metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// New wires a Service. store and cache may be nil.
func New(backend speech.Backend, dispatcher Dispatcher, runner CueRunner, store *eventstore.Store, cache *audiocache.Cache, opts Options, log *slog.Logger) *Service {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	s := &Service{
		backend:    backend,
		dispatcher: dispatcher,
		lipsync:    runner,
		store:      store,
		cache:      cache,
		opts:       opts,
		logger:     log.With(slog.String("component", "speaker")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-mascot/speaker"),
		sleep:      sleepContext,
	}
	s.initMetrics()
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-mascot/speaker")
	var err error
	if s.attempts, err = meter.Int64Counter("mascot.speak.attempts", metric.WithDescription("Speak pipeline attempts")); err != nil {
		s.logger.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if s.failures, err = meter.Int64Counter("mascot.speak.failures", metric.WithDescription("Failed speak attempts by error kind")); err != nil {
		s.logger.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if s.latency, err = meter.Float64Histogram("mascot.speak.duration", metric.WithDescription("Speak call duration"), metric.WithUnit("s")); err != nil {
		s.logger.Warn("failed to create metric", slog.String("error", err.Error()))
	}
}

// Busy reports whether a Speak call is in progress.
func (s *Service) Busy() bool { return s.busy.Load() }

// Request is one utterance. Emotion is informational and only recorded.
type Request struct {
	Text    string
	Emotion string
}

// Speak says text through the avatar.
func (s *Service) Speak(ctx context.Context, text string) error {
	return s.Say(ctx, Request{Text: text})
}

// Say runs the pipeline for req. Only one call runs at a time; a concurrent
// call fails immediately with ErrBusy. Transient failures restart the whole
// pipeline after RetryDelay × attempt.
func (s *Service) Say(ctx context.Context, req Request) error {
	text := req.Text
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.recordRejected(ctx, req)
		return ErrBusy
	}
	defer s.busy.Store(false)

	sessionID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "speaker.Speak", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("text_length", len([]rune(text))),
	))
	defer span.End()
	start := time.Now()

	if err := s.store.BeginSession(ctx, sessionID, text, req.Emotion); err != nil {
		s.logger.Warn("failed to record session", slog.String("error", err.Error()))
	}

	attempts, err := s.run(ctx, sessionID, text)

	if s.latency != nil {
		s.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.Bool("ok", err == nil)))
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, errMsg)
		s.appendEvent(ctx, sessionID, eventstore.EventFailed, attempts, errMsg)
	} else {
		s.appendEvent(ctx, sessionID, eventstore.EventCompleted, attempts, "")
	}
	if ferr := s.store.FinishSession(context.WithoutCancel(ctx), sessionID, attempts, errMsg); ferr != nil {
		s.logger.Warn("failed to record session outcome", slog.String("error", ferr.Error()))
	}
	return err
}

func (s *Service) run(ctx context.Context, sessionID, text string) (int, error) {
	maxAttempts := s.opts.MaxRetries
	var last *speech.Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, speech.NewUnknownError(fmt.Sprintf("speak cancelled: %v", err), err)
		}
		if s.attempts != nil {
			s.attempts.Add(ctx, 1)
		}
		s.appendEvent(ctx, sessionID, eventstore.EventAttemptStarted, attempt, "")

		err := s.attempt(ctx, text)
		if err == nil {
			return attempt, nil
		}

		last = speech.Wrap(err)
		if s.failures != nil {
			s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(last.Kind))))
		}
		s.appendEvent(ctx, sessionID, eventstore.EventAttemptFailed, attempt, last.Error())

		if !last.Retryable {
			s.logger.Error("speech attempt failed",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", maxAttempts),
				slog.String("error", last.Error()))
			return attempt, last
		}
		if attempt == maxAttempts {
			s.logger.Error("speech attempt failed, retries exhausted",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", maxAttempts),
				slog.String("error", last.Error()))
			return attempt, last
		}

		delay := s.opts.RetryDelay * time.Duration(attempt)
		s.logger.Warn("speech attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", last.Error()))
		if err := s.sleep(ctx, delay); err != nil {
			return attempt, speech.NewUnknownError(fmt.Sprintf("speak cancelled: %v", err), err)
		}
	}
	return maxAttempts, last
}

// attempt runs one full pass of the pipeline.
func (s *Service) attempt(ctx context.Context, text string) error {
	query, wav, err := s.render(ctx, text)
	if err != nil {
		return err
	}

	duration := lipsync.Duration(wav, query)
	timings := lipsync.Timings(query, duration)
	cues := lipsync.Cues(timings, s.opts.StartOffset)
	s.logger.Debug("utterance ready",
		slog.Float64("duration_s", duration),
		slog.Int("moras", len(query.Moras())),
		slog.Int("cues", len(cues)))

	return s.dispatcher.Play(ctx, wav, func(ctx context.Context) {
		s.lipsync.Run(ctx, cues)
	})
}

func (s *Service) render(ctx context.Context, text string) (speech.AudioQuery, []byte, error) {
	key := audiocache.Key(s.opts.BackendID, s.opts.SpeakerID, text)
	if entry, ok := s.cache.Get(key); ok {
		s.logger.Debug("audio cache hit")
		return entry.Query, entry.WAV, nil
	}

	query, err := s.backend.AudioQuery(ctx, text)
	if err != nil {
		return speech.AudioQuery{}, nil, err
	}
	wav, err := s.backend.Synthesize(ctx, query)
	if err != nil {
		return speech.AudioQuery{}, nil, err
	}
	if err := s.cache.Put(key, audiocache.Entry{Query: query, WAV: wav}); err != nil {
		s.logger.Warn("failed to cache audio", slog.String("error", err.Error()))
	}
	return query, wav, nil
}

func (s *Service) recordRejected(ctx context.Context, req Request) {
	s.logger.Warn("speak rejected, already speaking")
	sessionID := uuid.NewString()
	if err := s.store.BeginSession(ctx, sessionID, req.Text, req.Emotion); err != nil {
		return
	}
	s.appendEvent(ctx, sessionID, eventstore.EventRejected, 0, ErrBusy.Error())
	_ = s.store.FinishSession(ctx, sessionID, 0, ErrBusy.Error())
}

func (s *Service) appendEvent(ctx context.Context, sessionID, kind string, attempt int, detail string) {
	evt := eventstore.Event{SessionID: sessionID, Type: kind, Attempt: attempt}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		evt.TraceID = sc.TraceID().String()
	}
	if detail != "" {
		evt.Payload = []byte(detail)
	}
	if err := s.store.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Warn("failed to record event", slog.String("type", kind), slog.String("error", err.Error()))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
