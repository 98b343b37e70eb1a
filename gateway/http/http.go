// Package http serves the dashboard's REST API. Every endpoint wraps its
// result in a {success, data|error} envelope so clients never see raw
// internal errors.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c360/threatdeck/changelog"
	"github.com/c360/threatdeck/config"
	"github.com/c360/threatdeck/entity"
	"github.com/c360/threatdeck/errors"
	"github.com/c360/threatdeck/metric"
	"github.com/c360/threatdeck/rollup"
	"github.com/c360/threatdeck/types"
)

// Server hosts the REST API plus the health, metrics and WebSocket
// endpoints.
type Server struct {
	cfg     config.ServerConfig
	manager *entity.Manager
	changes changelog.Store
	rollup  *rollup.Aggregator
	logger  *slog.Logger
	metrics *metric.Metrics

	promHandler http.Handler
	wsHandler   http.Handler

	server  *http.Server
	running atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches Prometheus request metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithPrometheusHandler mounts handler at /metrics.
func WithPrometheusHandler(handler http.Handler) Option {
	return func(s *Server) {
		s.promHandler = handler
	}
}

// WithWebSocket mounts handler at /ws.
func WithWebSocket(handler http.Handler) Option {
	return func(s *Server) {
		s.wsHandler = handler
	}
}

// NewServer creates the API server. The manager, change log and rollup
// aggregator are required collaborators.
func NewServer(
	cfg config.ServerConfig,
	manager *entity.Manager,
	changes changelog.Store,
	agg *rollup.Aggregator,
	options ...Option,
) (*Server, error) {
	if manager == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "NewServer", "manager cannot be nil")
	}
	if changes == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "NewServer", "change log cannot be nil")
	}
	if agg == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "NewServer", "aggregator cannot be nil")
	}

	s := &Server{
		cfg:     cfg,
		manager: manager,
		changes: changes,
		rollup:  agg,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "GET /api/entities", s.handleEntities)
	s.route(mux, "GET /api/changes", s.handleChanges)
	s.route(mux, "GET /api/history/{id}", s.handleHistory)
	s.route(mux, "GET /api/recent", s.handleRecent)
	s.route(mux, "GET /api/summary/{id}", s.handleSummary)
	s.route(mux, "GET /api/metrics", s.handleMetrics)
	s.route(mux, "GET /healthz", s.handleHealth)

	if s.promHandler != nil {
		mux.Handle("GET /metrics", s.promHandler)
	}
	if s.wsHandler != nil {
		mux.Handle("/ws", s.wsHandler)
	}

	return s.corsMiddleware(mux)
}

// route registers a handler wrapped with request metrics. The mux
// pattern doubles as the metric path label so entity ids never become
// label values.
func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	method, path, _ := strings.Cut(pattern, " ")

	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		handler(rec, r)

		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(method, path, strconv.Itoa(rec.status), time.Since(start))
		}
	})
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.applyCORS(w, r)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	allowed := len(s.cfg.AllowedOrigins) == 0
	for _, allowedOrigin := range s.cfg.AllowedOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			allowed = true
			break
		}
	}

	if !allowed {
		return
	}

	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	} else {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// Start begins serving in the background. It returns once the listener
// goroutine is launched.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "server already running")
	}

	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	server := s.server
	go func() {
		s.logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Shutdown", "drain connections")
	}
	return nil
}

// Handlers

func (s *Server) handleEntities(w http.ResponseWriter, _ *http.Request) {
	s.writeData(w, map[string]any{
		"entities": s.manager.ListEntities(),
	})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	facts, err := s.changes.GetAllData(r.Context(), limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeData(w, facts)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("id")

	opts := changelog.HistoryOptions{
		PropertyName: r.URL.Query().Get("propertyName"),
	}

	var err error
	if opts.StartTime, err = int64Param(r, "startTime"); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if opts.EndTime, err = int64Param(r, "endTime"); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if opts.Limit, err = intParam(r, "limit"); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	history, err := s.changes.GetEntityHistory(r.Context(), entityID, opts)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeData(w, history)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	opts := changelog.RecentOptions{
		EntityType: types.EntityType(r.URL.Query().Get("entityType")),
	}

	var err error
	if opts.Hours, err = intParam(r, "hours"); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if opts.Limit, err = intParam(r, "limit"); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	recent, err := s.changes.GetRecentChanges(r.Context(), opts)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeData(w, recent)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.changes.GetEntitySummary(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeData(w, summary)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	facts, err := s.changes.GetAllData(r.Context(), 0)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	metrics, err := s.rollup.Calculate(facts)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeData(w, metrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !s.manager.Initialized() {
		status = "starting"
	}
	s.writeData(w, map[string]string{"status": status})
}

// Envelope helpers

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
	} else {
		s.logger.Info("request rejected",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: sanitizeError(err)})
}

// mapErrorToHTTPStatus translates the error taxonomy to status codes.
func mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError returns a safe message for external clients. Internal
// details are logged, never exposed.
func sanitizeError(err error) string {
	switch {
	case err == nil:
		return "internal server error"
	case errors.IsNotFound(err):
		return "resource not found"
	case errors.IsInvalid(err):
		return "invalid request"
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") {
			return "request timeout"
		}
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}

// Query parameter helpers

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.WrapInvalid(errors.ErrInvalidData, "Server", "intParam",
			name+" must be a non-negative integer")
	}
	return v, nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.WrapInvalid(errors.ErrInvalidData, "Server", "int64Param",
			name+" must be a non-negative integer")
	}
	return v, nil
}
