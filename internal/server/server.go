// Package server is mascotd's HTTP control plane: the legacy /vrm command
// endpoints, a websocket feed for renderers, health probes and metrics.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-mascot/internal/avatar"
	"github.com/loqalabs/loqa-mascot/internal/protocol"
)

// Publisher puts avatar commands on the bus.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Options holds the optional collaborators of a Server.
type Options struct {
	// State returns the current stage snapshot for GET /state.
	State func() any
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Ready gates /readyz. Nil means always ready.
	Ready func() bool
}

// Server is the local HTTP control plane of mascotd.
type Server struct {
	pub    Publisher
	hub    *Hub
	opts   Options
	logger *slog.Logger
	router chi.Router
}

// New routes avatar commands to pub and renderers to hub.
func New(pub Publisher, hub *Hub, opts Options, log *slog.Logger) *Server {
	s := &Server{
		pub:    pub,
		hub:    hub,
		opts:   opts,
		logger: log.With(slog.String("component", "http")),
	}
	s.router = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}
	if s.opts.State != nil {
		r.Get("/state", s.handleState)
	}
	if s.hub != nil {
		r.Get("/ws", s.hub.ServeHTTP)
	}

	r.Route("/vrm", func(r chi.Router) {
		r.Post("/vowel", s.handleVowel)
		r.Post("/emotion", s.handleEmotion)
		r.Post("/speak", s.handleSpeak)
		r.Post("/animation", s.handleAnimation)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready == nil || s.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.opts.State())
}

func (s *Server) handleVowel(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.VowelCommand
	if !decode(w, r, &cmd) {
		return
	}
	if cmd.Vowel != nil {
		v, ok := avatar.ParseVowel(*cmd.Vowel)
		if !ok {
			respondError(w, http.StatusBadRequest, "unknown vowel "+*cmd.Vowel)
			return
		}
		cmd.Vowel = v.Ptr()
	}
	s.publish(w, protocol.SubjectAvatarVowel, cmd)
}

func (s *Server) handleEmotion(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.EmotionCommand
	if !decode(w, r, &cmd) {
		return
	}
	cmd.Emotion = string(avatar.ParseEmotion(cmd.Emotion))
	s.publish(w, protocol.SubjectAvatarEmotion, cmd)
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.SpeakNotice
	if !decode(w, r, &cmd) {
		return
	}
	if strings.TrimSpace(cmd.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	s.publish(w, protocol.SubjectAvatarSpeak, cmd)
}

func (s *Server) handleAnimation(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.AnimationCommand
	if !decode(w, r, &cmd) {
		return
	}
	if cmd.Animation == "" {
		respondError(w, http.StatusBadRequest, "animation is required")
		return
	}
	// The stage decides whether the clip exists; names outside the tool's
	// enum are still valid for custom manifests.
	s.publish(w, protocol.SubjectAvatarAnimation, cmd)
}

func (s *Server) publish(w http.ResponseWriter, subject string, v any) {
	if err := s.pub.PublishJSON(subject, v); err != nil {
		s.logger.Error("failed to publish avatar command", slog.String("subject", subject), slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
