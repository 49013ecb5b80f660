// Package server exposes the analyzer and the history store over HTTP for
// the dashboard front end.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/willibrandon/dexter/internal/app"
	"github.com/willibrandon/dexter/internal/config"
	"github.com/willibrandon/dexter/internal/deadlock"
	"github.com/willibrandon/dexter/internal/metrics"
	"github.com/willibrandon/dexter/internal/storage/sqlite"
)

// History is the read side of the analysis store.
type History interface {
	GetByHash(ctx context.Context, hash string) (*sqlite.StoredAnalysis, error)
	GetRecent(ctx context.Context, window time.Duration, limit int) ([]sqlite.AnalysisSummary, error)
	GetTableStats(ctx context.Context, window time.Duration, limit int) ([]sqlite.TableStats, error)
	GetQueryStats(ctx context.Context, window time.Duration, limit int) ([]sqlite.QueryStats, error)
	GetTimeline(ctx context.Context, window, bucket time.Duration) ([]sqlite.TimelinePoint, error)
	Count(ctx context.Context) (int64, error)
}

// Deps are the components the handlers use. History may be nil when storage
// is disabled; the history endpoints then answer 503.
type Deps struct {
	Service   *app.Service
	History   History
	Version   string
	Logger    *slog.Logger
	Connected func() bool
}

// Server is the HTTP API server.
type Server struct {
	config  config.ServerConfig
	deps    Deps
	log     *slog.Logger
	started time.Time

	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	running bool
}

// AnalyzeRequest is the JSON body of POST /api/deadlocks/analyze.
type AnalyzeRequest struct {
	EventID        string     `json:"event_id"`
	Text           string     `json:"text"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	Backend        string     `json:"backend,omitempty"`
	CriticalTables []string   `json:"critical_tables,omitempty"`
}

// AnalyzeResponse wraps an analysis with its cache status.
type AnalyzeResponse struct {
	Cached   bool                       `json:"cached"`
	Analysis *deadlock.DeadlockAnalysis `json:"analysis"`
}

// HealthResponse is the JSON response for /health endpoint.
type HealthResponse struct {
	Status        string            `json:"status"` // "healthy", "degraded"
	Version       string            `json:"version,omitempty"`
	ParserVersion string            `json:"parser_version"`
	Uptime        string            `json:"uptime"`
	Components    map[string]string `json:"components"`
	Analyses      *int64            `json:"analyses,omitempty"`
	// Metrics summarizes the last five minutes of analyzer activity.
	Metrics map[string]metrics.Summary `json:"metrics,omitempty"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer creates a new HTTP server.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{config: cfg, deps: deps, log: log, started: time.Now()}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/deadlocks/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /api/deadlocks", s.handleRecent)
	mux.HandleFunc("GET /api/deadlocks/stats/tables", s.handleTableStats)
	mux.HandleFunc("GET /api/deadlocks/stats/queries", s.handleQueryStats)
	mux.HandleFunc("GET /api/deadlocks/stats/timeline", s.handleTimeline)
	mux.HandleFunc("GET /api/deadlocks/{hash}", s.handleGet)
	return s.logRequests(mux)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	addr := s.config.Addr()
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.running = true
	s.log.Info("HTTP server listening", "addr", listener.Addr().String())

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, which differs from the configured one
// when port 0 was requested.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.config.Addr()
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.running = false
	s.log.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		Version:       s.deps.Version,
		ParserVersion: deadlock.ParserVersion,
		Uptime:        formatDuration(time.Since(s.started)),
		Components:    map[string]string{},
	}

	if s.deps.History == nil {
		resp.Components["storage"] = "disabled"
	} else if n, err := s.deps.History.Count(r.Context()); err != nil {
		resp.Components["storage"] = "unhealthy"
		resp.Status = "degraded"
	} else {
		resp.Components["storage"] = "healthy"
		resp.Analyses = &n
	}

	switch {
	case s.deps.Connected == nil:
		resp.Components["postgresql"] = "disabled"
	case s.deps.Connected():
		resp.Components["postgresql"] = "healthy"
	default:
		resp.Components["postgresql"] = "unhealthy"
		resp.Status = "degraded"
	}

	if s.deps.Service != nil {
		if c := s.deps.Service.Metrics(); c != nil {
			resp.Metrics = c.Snapshot(5 * time.Minute)
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var req AnalyzeRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/plain") {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeBodyError(w, err)
			return
		}
		req.Text = string(body)
		req.EventID = r.URL.Query().Get("event_id")
	} else {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			s.writeBodyError(w, err)
			return
		}
	}

	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	res := s.deps.Service.Analyze(r.Context(), deadlock.RawDeadlockMessage{
		EventID:        req.EventID,
		Timestamp:      req.Timestamp,
		Backend:        req.Backend,
		Text:           req.Text,
		CriticalTables: req.CriticalTables,
	})

	// Failed analyses are still a 200: the degraded result is the answer
	if res.Cached {
		w.Header().Set("X-Dexter-Cache", "hit")
	} else {
		w.Header().Set("X-Dexter-Cache", "miss")
	}
	s.writeJSON(w, http.StatusOK, AnalyzeResponse{Cached: res.Cached, Analysis: res.Analysis})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}

	stored, err := s.deps.History.GetByHash(r.Context(), r.PathValue("hash"))
	if errors.Is(err, sqlite.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}

	if r.URL.Query().Get("raw") == "1" {
		stored.RawText = deadlock.Redact(stored.RawText)
	} else {
		stored.RawText = ""
	}
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	window, limit, ok := s.listParams(w, r)
	if !ok {
		return
	}
	recent, err := s.deps.History.GetRecent(r.Context(), window, limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recent)
}

func (s *Server) handleTableStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	window, limit, ok := s.listParams(w, r)
	if !ok {
		return
	}
	stats, err := s.deps.History.GetTableStats(r.Context(), window, limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueryStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	window, limit, ok := s.listParams(w, r)
	if !ok {
		return
	}
	stats, err := s.deps.History.GetQueryStats(r.Context(), window, limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	window, _, ok := s.listParams(w, r)
	if !ok {
		return
	}
	bucket := time.Hour
	if v := r.URL.Query().Get("bucket"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < time.Minute || d > window {
			s.writeError(w, http.StatusBadRequest, "bucket must be between 1m and the window: "+v)
			return
		}
		bucket = d
	}
	if window/bucket > 10000 {
		s.writeError(w, http.StatusBadRequest, "too many buckets")
		return
	}
	points, err := s.deps.History.GetTimeline(r.Context(), window, bucket)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, points)
}

// listParams reads ?window=24h&limit=50.
func (s *Server) listParams(w http.ResponseWriter, r *http.Request) (time.Duration, int, bool) {
	window, limit := 24*time.Hour, 50

	q := r.URL.Query()
	if v := q.Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid window: "+v)
			return 0, 0, false
		}
		window = d
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return 0, 0, false
		}
		limit = n
	}
	return window, limit, true
}

func (s *Server) requireHistory(w http.ResponseWriter) bool {
	if s.deps.History == nil {
		s.writeError(w, http.StatusServiceUnavailable, "storage is disabled")
		return false
	}
	return true
}

func (s *Server) writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("request failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Error("error encoding JSON response", "error", err)
	}
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

// formatDuration formats a duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd%dh", days, hours)
}
