// Package httpserver exposes the aggregator core over REST. It owns no
// business rules; every decision is delegated to the dispatcher and its
// collaborators.
package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/dispatch"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/health"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/metrics"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/policy"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/ratelimit"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/usage"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/userstore"
)

// ChatDispatcher is the dispatcher surface the HTTP layer needs.
type ChatDispatcher interface {
	Process(ctx context.Context, req dispatch.Request) (dispatch.Reply, error)
}

// PolicyReader answers limit queries without mutating counters.
type PolicyReader interface {
	RemainingLimits(ctx context.Context, user *userstore.User) (policy.Remaining, error)
}

// Server exposes REST endpoints for the aggregator.
type Server struct {
	dispatcher ChatDispatcher
	users      userstore.Store
	usage      usage.Store
	policy     PolicyReader
	health     *health.Checker
	metrics    *metrics.Collector
	rateLimit  *ratelimit.Middleware

	logger   *log.Logger
	logLevel string
}

// Config wires a Server.
type Config struct {
	Dispatcher ChatDispatcher
	Users      userstore.Store
	Usage      usage.Store
	Policy     PolicyReader
	Health     *health.Checker
	Metrics    *metrics.Collector
	RateLimit  *ratelimit.Middleware
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	return &Server{
		dispatcher: cfg.Dispatcher,
		users:      cfg.Users,
		usage:      cfg.Usage,
		policy:     cfg.Policy,
		health:     cfg.Health,
		metrics:    cfg.Metrics,
		rateLimit:  cfg.RateLimit,
		logger:     log.New(log.Writer(), "[aggregator/http] ", log.LstdFlags|log.Lmicroseconds),
		logLevel:   "info",
	}
}

// SetLogger configures the log level and output.
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

// Router assembles the full endpoint set.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(limited chi.Router) {
			if s.rateLimit != nil {
				limited.Use(s.rateLimit.Wrap)
			}
			limited.Post("/chat", s.handleChat)
		})
		api.Get("/usage/summary", s.handleUsageSummary)
		api.Get("/limits", s.handleLimits)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/metrics", s.handleMetrics)
	return r
}

// instrument records per-endpoint request metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		endpoint := r.Method + " " + r.URL.Path
		s.metrics.RecordRequestStart(endpoint)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.metrics.RecordRequestEnd(endpoint)
		s.metrics.RecordRequest(endpoint, time.Since(start))
		if ww.Status() >= http.StatusInternalServerError {
			s.metrics.RecordError(endpoint)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
