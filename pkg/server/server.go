// Package server is the generation backend: it streams model replies as
// NDJSON, keeps per-user chat sessions and hands out temporary speech
// credentials.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/voiceloop/pkg/auth"
	"github.com/lokutor-ai/voiceloop/pkg/observe"
	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
	"github.com/lokutor-ai/voiceloop/pkg/providers/llm"
)

// Completer streams a chat completion.
type Completer interface {
	Stream(ctx context.Context, messages []orchestrator.Message, onDelta func(string) error) (string, error)
}

// Generation request outcomes recorded in metrics.
const (
	statusOK       = "ok"
	statusError    = "error"
	statusAborted  = "aborted"
	statusRejected = "rejected"
)

type Server struct {
	llm      Completer
	sessions *SessionManager
	tokens   auth.Fetcher
	allowed  map[string]bool
	logger   *slog.Logger
	metrics  *observe.Metrics
	mux      *http.ServeMux
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAllowedUsers restricts the server to the given user ids. Requests
// from anyone else get 404, as for an unknown user.
func WithAllowedUsers(ids []string) Option {
	return func(s *Server) {
		if len(ids) == 0 {
			return
		}
		s.allowed = make(map[string]bool, len(ids))
		for _, id := range ids {
			s.allowed[id] = true
		}
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.mux.Handle("GET /metrics", h) }
}

func New(completer Completer, sessions *SessionManager, tokens auth.Fetcher, opts ...Option) *Server {
	s := &Server{
		llm:      completer,
		sessions: sessions,
		tokens:   tokens,
		logger:   slog.Default(),
		metrics:  observe.Noop(),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("POST /chat_stream", s.handleChatStream)
	s.mux.HandleFunc("POST /generate_temp_token", s.handleTempToken)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves on addr and sweeps sessions every sweep until ctx is done.
func (s *Server) Run(ctx context.Context, addr string, sweep time.Duration) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("generation backend listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return s.sessions.Run(ctx, sweep)
	})
	return g.Wait()
}

func (s *Server) known(userID string) bool {
	return s.allowed == nil || s.allowed[userID]
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req llm.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.RecordGeneration(ctx, statusRejected)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		s.metrics.RecordGeneration(ctx, statusRejected)
		writeError(w, http.StatusBadRequest, "unionid is required")
		return
	}
	if !s.known(req.UserID) {
		s.metrics.RecordGeneration(ctx, statusRejected)
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}

	messages := s.sessions.Begin(req.UserID, req.AvatarID, req.MemoryPrompt)
	messages = append(messages, orchestrator.Message{Role: "user", Content: req.Prompt})

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	write := func(rec orchestrator.StreamRecord) error {
		if err := enc.Encode(rec); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	logger := s.logger.With("user", req.UserID, "avatar", req.AvatarID)
	reply, err := s.llm.Stream(ctx, messages, func(delta string) error {
		return write(orchestrator.StreamRecord{Text: delta})
	})
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("client went away during generation", "partial_reply", len(reply))
			s.metrics.RecordGeneration(ctx, statusAborted)
			return
		}
		logger.Error("generation failed", "error", err)
		s.metrics.RecordGeneration(ctx, statusError)
		write(orchestrator.StreamRecord{Error: err.Error(), EndOfTurn: true})
		return
	}

	write(orchestrator.StreamRecord{EndOfTurn: true})
	s.sessions.Append(req.UserID, req.AvatarID, req.Prompt, reply)
	s.metrics.RecordGeneration(ctx, statusOK)
	logger.Debug("generation complete", "reply", reply)
}

func (s *Server) handleTempToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"unionid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "unionid is required")
		return
	}
	if !s.known(req.UserID) {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}

	cred, err := s.tokens.Fetch(r.Context())
	if err != nil {
		s.logger.Error("token exchange failed", "user", req.UserID, "error", err)
		status := http.StatusInternalServerError
		var se *auth.StatusError
		if errors.As(err, &se) {
			status = se.Status
		}
		writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cred)
}
