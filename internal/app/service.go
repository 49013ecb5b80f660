// Package app wires the analyzer to the history store and the optional
// catalog resolver. The CLI commands and the HTTP server both go through it.
package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/willibrandon/dexter/internal/deadlock"
	"github.com/willibrandon/dexter/internal/metrics"
	"github.com/willibrandon/dexter/internal/storage/sqlite"
)

// Store caches analyses by content hash.
type Store interface {
	Cached(ctx context.Context, hash string, criticalTables []string) (*deadlock.DeadlockAnalysis, error)
	Save(ctx context.Context, raw string, a *deadlock.DeadlockAnalysis, criticalTables []string) error
}

// RelationResolver fills in relation names for OIDs and returns an enriched
// copy together with the number of relations it resolved.
type RelationResolver func(ctx context.Context, a *deadlock.DeadlockAnalysis, criticalTables []string) (*deadlock.DeadlockAnalysis, int, error)

// Result is one analysis and whether it came from the cache.
type Result struct {
	Analysis *deadlock.DeadlockAnalysis
	Cached   bool
}

// Service analyzes deadlock reports, consulting and filling the cache.
type Service struct {
	analyzer *deadlock.Analyzer
	critical []string
	store    Store
	resolve  RelationResolver
	metrics  *metrics.Collector
	log      *slog.Logger
}

// NewService creates a Service. store and resolve may be nil.
func NewService(opts deadlock.Options, store Store, resolve RelationResolver, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if opts.Logger == nil {
		opts.Logger = log
	}
	return &Service{
		analyzer: deadlock.NewAnalyzer(opts),
		critical: opts.CriticalTables,
		store:    store,
		resolve:  resolve,
		log:      log,
	}
}

// SetMetrics records latency, cache hits and failures into c.
func (s *Service) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

// Metrics returns the collector set with SetMetrics, or nil.
func (s *Service) Metrics() *metrics.Collector {
	return s.metrics
}

// Analyze returns the analysis of msg. A cached analysis of the same text
// and critical-table list is returned when present. Store and resolver
// failures are logged and do not fail the call: the analysis itself is
// always returned.
func (s *Service) Analyze(ctx context.Context, msg deadlock.RawDeadlockMessage) Result {
	if strings.TrimSpace(msg.EventID) == "" {
		msg.EventID = uuid.NewString()
	}
	critical := s.criticalFor(msg)
	hash := deadlock.ContentHash(msg.Text)
	log := s.log.With("event_id", msg.EventID, "content_hash", hash)

	if s.store != nil {
		cached, err := s.store.Cached(ctx, hash, critical)
		switch {
		case err == nil:
			log.Debug("analysis cache hit")
			s.record(metrics.MetricCacheHit, 1)
			out := *cached
			out.EventID = msg.EventID
			return Result{Analysis: &out, Cached: true}
		case !errors.Is(err, sqlite.ErrNotFound):
			log.Warn("analysis cache lookup failed", "error", err)
		}
	}

	start := time.Now()
	a := s.analyzer.Analyze(msg)
	s.record(metrics.MetricAnalysisMs, float64(time.Since(start).Microseconds())/1000)
	if s.store != nil {
		s.record(metrics.MetricCacheHit, 0)
	}
	if a.Failed() {
		s.record(metrics.MetricFailure, 1)
		log.Error("deadlock analysis failed", "error", a.Error)
		return Result{Analysis: a}
	}
	s.record(metrics.MetricFailure, 0)

	if s.resolve != nil {
		resolved, n, err := s.resolve(ctx, a, critical)
		if err != nil {
			log.Warn("relation resolution failed", "error", err)
		} else {
			log.Debug("resolved relations", "count", n)
			a = resolved
		}
	}

	if s.store != nil {
		if err := s.store.Save(ctx, msg.Text, a, critical); err != nil {
			log.Warn("failed to store analysis", "error", err)
		}
	}

	log.Info("deadlock analyzed",
		"severity", a.Severity,
		"cycles", len(a.Cycles),
		"processes", len(a.Processes),
	)
	return Result{Analysis: a}
}

func (s *Service) record(name string, v float64) {
	if s.metrics != nil {
		s.metrics.Record(name, v)
	}
}

// criticalFor merges the configured critical tables with the message's own.
func (s *Service) criticalFor(msg deadlock.RawDeadlockMessage) []string {
	if len(msg.CriticalTables) == 0 {
		return s.critical
	}
	out := make([]string, 0, len(s.critical)+len(msg.CriticalTables))
	out = append(out, s.critical...)
	return append(out, msg.CriticalTables...)
}
