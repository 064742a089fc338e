package speaker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-mascot/internal/audiocache"
	"github.com/loqalabs/loqa-mascot/internal/avatar/avatartest"
	"github.com/loqalabs/loqa-mascot/internal/config"
	"github.com/loqalabs/loqa-mascot/internal/lipsync"
	"github.com/loqalabs/loqa-mascot/internal/speech"
)

const twoMoraQuery = `{
  "accent_phrases": [
    {"moras": [
      {"text": "ア", "vowel": "a", "vowel_length": 0.1, "pitch": 5.5},
      {"text": "イ", "vowel": "i", "vowel_length": 0.1, "pitch": 5.6}
    ], "accent": 1}
  ],
  "speedScale": 1.0,
  "outputSamplingRate": 1000,
  "outputStereo": false
}`

// engine answers /audio_query with the given statuses in order, then 200.
type engine struct {
	mu       sync.Mutex
	statuses []int
	queries  int
	synths   int
}

func (e *engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch r.URL.Path {
	case "/audio_query":
		e.queries++
		if len(e.statuses) > 0 {
			status := e.statuses[0]
			e.statuses = e.statuses[1:]
			http.Error(w, http.StatusText(status), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, twoMoraQuery)
	case "/synthesis":
		e.synths++
		w.Header().Set("Content-Type", "audio/wav")
		// 40ms of 16-bit mono at 1000 Hz.
		_, _ = w.Write(make([]byte, 44+80))
	default:
		http.NotFound(w, r)
	}
}

func (e *engine) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queries, e.synths
}

func newHTTPService(t *testing.T, statuses ...int) (*Service, *engine, *avatartest.Recorder, *[]time.Duration) {
	t.Helper()
	eng := &engine{statuses: statuses}
	srv := httptest.NewServer(eng)
	t.Cleanup(srv.Close)

	backend, err := speech.NewHTTPBackend(speech.HTTPOptions{BaseURL: srv.URL, SpeakerID: 1, Timeout: 5 * time.Second}, testLogger())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	recorder := &avatartest.Recorder{}
	opts := DefaultOptions()
	opts.StartOffset = 0
	svc := New(backend, &fakeDispatcher{}, lipsync.NewScheduler(recorder, testLogger()), nil, nil, opts, testLogger())
	var sleeps []time.Duration
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return svc, eng, recorder, &sleeps
}

func TestSpeakRetriesServiceUnavailable(t *testing.T) {
	svc, eng, recorder, sleeps := newHTTPService(t, http.StatusServiceUnavailable)

	if err := svc.Speak(context.Background(), "あい"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	queries, synths := eng.counts()
	if queries != 2 || synths != 1 {
		t.Fatalf("expected 2 queries and 1 synthesis, got %d and %d", queries, synths)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != time.Second {
		t.Fatalf("expected one 1s backoff, got %v", *sleeps)
	}
	got := recorder.Commands()
	want := []avatartest.Command{"vowel:a", "vowel:i", "vowel:null"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestSpeakDoesNotRetryBadRequest(t *testing.T) {
	svc, eng, _, sleeps := newHTTPService(t, http.StatusBadRequest)

	err := svc.Speak(context.Background(), "あい")
	var serr *speech.Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected speech error, got %v", err)
	}
	if serr.Kind != speech.KindAPI || serr.Status != http.StatusBadRequest || serr.Retryable {
		t.Fatalf("unexpected error %+v", serr)
	}
	if queries, _ := eng.counts(); queries != 1 {
		t.Fatalf("expected a single attempt, got %d", queries)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("expected no backoff, got %v", *sleeps)
	}
}

func TestCacheIsScopedToBackend(t *testing.T) {
	cache, err := audiocache.Open(config.CacheConfig{Enabled: true, Dir: filepath.Join(t.TempDir(), "cache"), CompressionLevel: 1}, testLogger())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(cache.Close)

	newService := func(backendID string, backend speech.Backend) *Service {
		opts := DefaultOptions()
		opts.StartOffset = 0
		opts.BackendID = backendID
		return New(backend, &fakeDispatcher{}, lipsync.NewScheduler(&avatartest.Recorder{}, testLogger()), nil, cache, opts, testLogger())
	}

	mock := &scriptedBackend{moras: []string{"a"}}
	if err := newService("mock", mock).Speak(context.Background(), "あ"); err != nil {
		t.Fatalf("mock speak: %v", err)
	}
	remote := &scriptedBackend{moras: []string{"a"}}
	if err := newService("http:http://127.0.0.1:10101", remote).Speak(context.Background(), "あ"); err != nil {
		t.Fatalf("http speak: %v", err)
	}
	if remote.queryCount() != 1 {
		t.Fatal("audio rendered by another backend must not be replayed")
	}
	again := &scriptedBackend{moras: []string{"a"}}
	if err := newService("mock", again).Speak(context.Background(), "あ"); err != nil {
		t.Fatalf("cached speak: %v", err)
	}
	if again.queryCount() != 0 {
		t.Fatal("expected a cache hit for the same backend")
	}
}
