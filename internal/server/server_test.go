package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-mascot/internal/protocol"
)

type published struct {
	subject string
	body    string
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) PublishJSON(subject string, v any) error {
	if p.err != nil {
		return p.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject: subject, body: string(data)})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestVRMEndpointsPublish(t *testing.T) {
	pub := &recordingPublisher{}
	h := New(pub, nil, Options{}, testLogger()).Handler()

	cases := []struct {
		path, body, subject, want string
	}{
		{"/vrm/vowel", `{"vowel":"A"}`, protocol.SubjectAvatarVowel, `{"vowel":"a"}`},
		{"/vrm/vowel", `{"vowel":null}`, protocol.SubjectAvatarVowel, `{"vowel":null}`},
		{"/vrm/emotion", `{"emotion":"happy"}`, protocol.SubjectAvatarEmotion, `{"emotion":"happy"}`},
		{"/vrm/emotion", `{"emotion":"bored"}`, protocol.SubjectAvatarEmotion, `{"emotion":"neutral"}`},
		{"/vrm/speak", `{"text":"こんにちは","emotion":"sad"}`, protocol.SubjectAvatarSpeak, `{"text":"こんにちは","emotion":"sad"}`},
		{"/vrm/animation", `{"animation":"wave"}`, protocol.SubjectAvatarAnimation, `{"animation":"wave"}`},
	}
	for _, tc := range cases {
		rec := post(t, h, tc.path, tc.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s %s: status %d body %s", tc.path, tc.body, rec.Code, rec.Body.String())
		}
		if strings.TrimSpace(rec.Body.String()) != `{"success":true}` {
			t.Fatalf("unexpected response %s", rec.Body.String())
		}
		last := pub.msgs[len(pub.msgs)-1]
		if last.subject != tc.subject || last.body != tc.want {
			t.Fatalf("%s: published %+v, want %s %s", tc.path, last, tc.subject, tc.want)
		}
	}
}

func TestVRMEndpointsReject(t *testing.T) {
	pub := &recordingPublisher{}
	h := New(pub, nil, Options{}, testLogger()).Handler()

	cases := []struct {
		path, body string
		status     int
	}{
		{"/vrm/vowel", `{"vowel":"x"}`, http.StatusBadRequest},
		{"/vrm/vowel", `not json`, http.StatusBadRequest},
		{"/vrm/speak", `{"text":"  "}`, http.StatusBadRequest},
		{"/vrm/animation", `{}`, http.StatusBadRequest},
		{"/vrm/unknown", `{}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		if rec := post(t, h, tc.path, tc.body); rec.Code != tc.status {
			t.Fatalf("%s %s: expected %d, got %d", tc.path, tc.body, tc.status, rec.Code)
		}
	}
	if len(pub.msgs) != 0 {
		t.Fatalf("rejected requests must not publish, got %v", pub.msgs)
	}

	req := httptest.NewRequest(http.MethodGet, "/vrm/vowel", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestPublishFailure(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("bus down")}
	h := New(pub, nil, Options{}, testLogger()).Handler()
	if rec := post(t, h, "/vrm/emotion", `{"emotion":"happy"}`); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := New(&recordingPublisher{}, nil, Options{}, testLogger()).Handler()
	req := httptest.NewRequest(http.MethodOptions, "/vrm/vowel", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected preflight response %d %v", rec.Code, rec.Header())
	}
}

func TestProbesAndState(t *testing.T) {
	ready := false
	h := New(&recordingPublisher{}, nil, Options{
		Ready: func() bool { return ready },
		State: func() any { return map[string]string{"animation": "idle"} },
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("mascot_metric 1\n"))
		}),
	}, testLogger()).Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}
	if rec := get("/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := get("/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready: %d", rec.Code)
	}
	ready = true
	if rec := get("/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz after ready: %d", rec.Code)
	}
	if rec := get("/state"); !strings.Contains(rec.Body.String(), `"animation":"idle"`) {
		t.Fatalf("unexpected state body %s", rec.Body.String())
	}
	if rec := get("/metrics"); !strings.Contains(rec.Body.String(), "mascot_metric") {
		t.Fatalf("metrics not mounted: %s", rec.Body.String())
	}
}

func TestWebsocketFeed(t *testing.T) {
	finished := make(chan string, 1)
	hub := NewHub(func(name string) { finished <- name }, testLogger())
	hub.Broadcast(map[string]any{"animation": "idle"})

	srv := httptest.NewServer(New(&recordingPublisher{}, hub, Options{}, testLogger()).Handler())
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var hello Envelope
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != MessageHello {
		t.Fatalf("expected hello, got %+v (%v)", hello, err)
	}
	var initial Envelope
	if err := conn.ReadJSON(&initial); err != nil || initial.Type != MessageState || !strings.Contains(string(initial.Data), "idle") {
		t.Fatalf("expected last state on connect, got %+v (%v)", initial, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	hub.Broadcast(map[string]any{"animation": "wave"})
	var update Envelope
	if err := conn.ReadJSON(&update); err != nil || !strings.Contains(string(update.Data), "wave") {
		t.Fatalf("expected wave update, got %+v (%v)", update, err)
	}

	if err := conn.WriteJSON(Envelope{Type: MessageFinished, Animation: "wave"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case name := <-finished:
		if name != "wave" {
			t.Fatalf("unexpected finished %s", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("finished message not delivered")
	}
}
