package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/numz/conversations-mj/internal/agent"
	"github.com/numz/conversations-mj/internal/cancel"
	"github.com/numz/conversations-mj/internal/ledger"
	"github.com/numz/conversations-mj/internal/sse"
	"github.com/numz/conversations-mj/internal/stopstore"
	"github.com/numz/conversations-mj/internal/stream"
	"github.com/numz/conversations-mj/internal/version"
)

// stopPollInterval is how often a running stream re-checks the stop
// store for markers set by another process.
const stopPollInterval = 500 * time.Millisecond

// Options carries the dependencies and tunables for a Server.
type Options struct {
	Registry *cancel.Registry
	Stops    stopstore.Store
	Usage    ledger.Store
	Agent    *agent.Client

	DefaultModel string
	Retry        stream.RetryConfig
	// CancelEventEnabled routes stop requests through the in-process
	// registry in addition to the stop store.
	CancelEventEnabled bool
	StreamBuffer       int
	JoinTimeout        time.Duration

	Logger   *log.Logger
	LogLevel string
}

// Server exposes the conversation streaming REST surface.
type Server struct {
	registry *cancel.Registry
	stops    stopstore.Store
	usage    ledger.Store
	agent    *agent.Client

	defaultModel       string
	retry              stream.RetryConfig
	cancelEventEnabled bool
	streamBuffer       int
	joinTimeout        time.Duration

	logger   *log.Logger
	logLevel string
}

// New constructs a Server with the required dependencies.
func New(opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = cancel.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = "gpt-4o-mini"
	}
	return &Server{
		registry:           opts.Registry,
		stops:              opts.Stops,
		usage:              opts.Usage,
		agent:              opts.Agent,
		defaultModel:       opts.DefaultModel,
		retry:              opts.Retry,
		cancelEventEnabled: opts.CancelEventEnabled,
		streamBuffer:       opts.StreamBuffer,
		joinTimeout:        opts.JoinTimeout,
		logger:             opts.Logger,
		logLevel:           opts.LogLevel,
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1/conversations/{id}", func(conv chi.Router) {
		conv.Post("/stream", s.handleStream)
		conv.Post("/stop", s.handleStop)
		conv.Get("/usage", s.handleUsage)
	})
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Info(),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

// slotContext prepares the request-scoped metrics slot so the transport
// interceptor can hand captured usage back to the handler.
func (s *Server) slotContext(r *http.Request) (*http.Request, *sse.Slot) {
	slot := sse.NewSlot()
	return r.WithContext(sse.WithSlot(r.Context(), slot)), slot
}
