package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Backend is a VOICEVOX-compatible synthesis engine.
type Backend interface {
	AudioQuery(ctx context.Context, text string) (AudioQuery, error)
	Synthesize(ctx context.Context, query AudioQuery) ([]byte, error)
}

// HTTPOptions configures an HTTPBackend. Timeout bounds each request and
// defaults to 30s; RequestsPerSecond of zero disables rate limiting.
type HTTPOptions struct {
	BaseURL           string
	SpeakerID         int
	Timeout           time.Duration
	RequestsPerSecond float64
	Client            *http.Client
}

// HTTPBackend talks to AivisSpeech or VOICEVOX over its REST API.
type HTTPBackend struct {
	baseURL   string
	speakerID int
	timeout   time.Duration
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewHTTPBackend validates opts.BaseURL and returns a backend for it.
func NewHTTPBackend(opts HTTPOptions, log *slog.Logger) (*HTTPBackend, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid speech base url %q", opts.BaseURL)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b := &HTTPBackend{
		baseURL:   base,
		speakerID: opts.SpeakerID,
		timeout:   timeout,
		client:    client,
		logger:    log.With(slog.String("component", "speech-backend")),
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return b, nil
}

func (b *HTTPBackend) AudioQuery(ctx context.Context, text string) (AudioQuery, error) {
	params := url.Values{}
	params.Set("text", text)
	params.Set("speaker", strconv.Itoa(b.speakerID))

	body, err := b.post(ctx, "/audio_query?"+params.Encode(), nil, "audio query")
	if err != nil {
		return AudioQuery{}, err
	}
	query, err := ParseAudioQuery(body)
	if err != nil {
		return AudioQuery{}, NewUnknownError(fmt.Sprintf("decode audio query: %v", err), err)
	}
	return query, nil
}

func (b *HTTPBackend) Synthesize(ctx context.Context, query AudioQuery) ([]byte, error) {
	payload, err := json.Marshal(query)
	if err != nil {
		return nil, NewUnknownError(fmt.Sprintf("encode audio query: %v", err), err)
	}
	params := url.Values{}
	params.Set("speaker", strconv.Itoa(b.speakerID))
	return b.post(ctx, "/synthesis?"+params.Encode(), payload, "synthesis")
}

func (b *HTTPBackend) post(parent context.Context, path string, payload []byte, op string) ([]byte, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(parent); err != nil {
			return nil, NewUnknownError(fmt.Sprintf("%s rate limit: %v", op, err), err)
		}
	}

	ctx, cancel := context.WithTimeout(parent, b.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, body)
	if err != nil {
		return nil, NewUnknownError(fmt.Sprintf("build %s request: %v", op, err), err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, b.classify(parent, ctx, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, b.classify(parent, ctx, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewAPIError(fmt.Sprintf("%s failed: %d %s", op, resp.StatusCode, http.StatusText(resp.StatusCode)), resp.StatusCode)
	}
	b.logger.Debug("backend request completed",
		slog.String("op", op),
		slog.Int("bytes", len(data)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return data, nil
}

// classify tells a per-request timeout apart from cancellation by the caller.
func (b *HTTPBackend) classify(parent, ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return NewTimeoutError(fmt.Sprintf("%s timed out after %s", op, b.timeout), err)
	}
	if parent.Err() != nil {
		return NewUnknownError(fmt.Sprintf("%s cancelled: %v", op, parent.Err()), parent.Err())
	}
	return Wrap(err)
}
