package speech

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const sampleQuery = `{
  "accent_phrases": [
    {"moras": [
      {"text": "コ", "consonant": "k", "consonant_length": 0.05, "vowel": "o", "vowel_length": 0.1, "pitch": 5.8},
      {"text": "ン", "vowel": "N", "vowel_length": 0.08, "pitch": 5.9}
    ], "accent": 1, "is_interrogative": false},
    {"moras": [
      {"text": "ス", "consonant": "s", "consonant_length": 0.04, "vowel": "U", "vowel_length": 0.06, "pitch": 0}
    ], "accent": 1}
  ],
  "speedScale": 1.0,
  "outputSamplingRate": 44100,
  "outputStereo": false,
  "kana": "コン'ス"
}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestHTTPBackendRoundTrip(t *testing.T) {
	var synthBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		switch r.URL.Path {
		case "/audio_query":
			if r.URL.Query().Get("text") != "こんにちは" || r.URL.Query().Get("speaker") != "888753760" {
				t.Errorf("unexpected query params %v", r.URL.Query())
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, sampleQuery)
		case "/synthesis":
			if r.URL.Query().Get("speaker") != "888753760" {
				t.Errorf("unexpected speaker %s", r.URL.Query().Get("speaker"))
			}
			if err := json.NewDecoder(r.Body).Decode(&synthBody); err != nil {
				t.Errorf("decode synthesis body: %v", err)
			}
			w.Header().Set("Content-Type", "audio/wav")
			_, _ = w.Write(make([]byte, 100))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	backend, err := NewHTTPBackend(HTTPOptions{BaseURL: srv.URL + "/", SpeakerID: 888753760, Timeout: time.Second}, testLogger())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	query, err := backend.AudioQuery(context.Background(), "こんにちは")
	if err != nil {
		t.Fatalf("audio query: %v", err)
	}
	if len(query.Moras()) != 3 {
		t.Fatalf("expected 3 moras, got %d", len(query.Moras()))
	}
	if query.OutputSamplingRate != 44100 || query.Channels() != 1 {
		t.Fatalf("unexpected format %d/%d", query.OutputSamplingRate, query.Channels())
	}

	audio, err := backend.Synthesize(context.Background(), query)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(audio) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(audio))
	}
	if synthBody["kana"] != "コン'ス" || synthBody["speedScale"] != 1.0 {
		t.Fatalf("expected unknown fields to be sent back verbatim, got %v", synthBody)
	}
}

func TestHTTPBackendStatusErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	backend, err := NewHTTPBackend(HTTPOptions{BaseURL: srv.URL, SpeakerID: 1}, testLogger())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	_, err = backend.AudioQuery(context.Background(), "hi")
	se := Wrap(err)
	if se.Kind != KindAPI || !se.Retryable || se.Status != 503 {
		t.Fatalf("expected retryable API 503, got %v", err)
	}

	status = http.StatusUnprocessableEntity
	_, err = backend.AudioQuery(context.Background(), "hi")
	se = Wrap(err)
	if se.Kind != KindAPI || se.Retryable {
		t.Fatalf("expected non-retryable API 422, got %v", err)
	}
}

func TestHTTPBackendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	backend, err := NewHTTPBackend(HTTPOptions{BaseURL: srv.URL, SpeakerID: 1, Timeout: 50 * time.Millisecond}, testLogger())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	_, err = backend.AudioQuery(context.Background(), "hi")
	se := Wrap(err)
	if se.Kind != KindTimeout || !se.Retryable {
		t.Fatalf("expected retryable timeout, got %v", err)
	}
}

func TestHTTPBackendConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	backend, err := NewHTTPBackend(HTTPOptions{BaseURL: addr, SpeakerID: 1, Timeout: time.Second}, testLogger())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	_, err = backend.AudioQuery(context.Background(), "hi")
	se := Wrap(err)
	if se.Kind != KindNetwork || !se.Retryable {
		t.Fatalf("expected retryable network error, got %v", err)
	}
}

func TestNewHTTPBackendRejectsRelativeURL(t *testing.T) {
	if _, err := NewHTTPBackend(HTTPOptions{BaseURL: "localhost:10101"}, testLogger()); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}

func TestMockBackendProducesWav(t *testing.T) {
	m := NewMockBackend()
	query, err := m.AudioQuery(context.Background(), "こんにちは")
	if err != nil {
		t.Fatalf("audio query: %v", err)
	}
	if len(query.Moras()) != 5 {
		t.Fatalf("expected one mora per rune, got %d", len(query.Moras()))
	}
	audio, err := m.Synthesize(context.Background(), query)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(audio) <= 44 || string(audio[:4]) != "RIFF" || string(audio[8:12]) != "WAVE" {
		t.Fatalf("expected a wav document, got %d bytes", len(audio))
	}
	if (len(audio)-44)%2 != 0 {
		t.Fatalf("expected 16-bit aligned payload, got %d bytes", len(audio))
	}
}
