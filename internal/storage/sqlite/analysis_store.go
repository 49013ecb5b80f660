package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/willibrandon/dexter/internal/deadlock"
)

// ErrNotFound is returned when no analysis is stored under a hash.
var ErrNotFound = errors.New("analysis not found")

const timeLayout = "2006-01-02 15:04:05"

// StoredAnalysis is an analysis together with the report it came from.
type StoredAnalysis struct {
	ContentHash    string                     `json:"content_hash" yaml:"content_hash"`
	EventID        string                     `json:"event_id" yaml:"event_id"`
	DetectedAt     time.Time                  `json:"detected_at" yaml:"detected_at"`
	CreatedAt      time.Time                  `json:"created_at" yaml:"created_at"`
	CriticalTables []string                   `json:"critical_tables,omitempty" yaml:"critical_tables,omitempty"`
	ParserVersion  string                     `json:"parser_version" yaml:"parser_version"`
	RawText        string                     `json:"raw_text,omitempty" yaml:"raw_text,omitempty"`
	Analysis       *deadlock.DeadlockAnalysis `json:"analysis" yaml:"analysis"`
}

// AnalysisSummary is one row of the history listing.
type AnalysisSummary struct {
	ContentHash  string            `json:"content_hash" yaml:"content_hash"`
	EventID      string            `json:"event_id" yaml:"event_id"`
	DetectedAt   time.Time         `json:"detected_at" yaml:"detected_at"`
	Severity     deadlock.Severity `json:"severity" yaml:"severity"`
	ProcessCount int               `json:"process_count" yaml:"process_count"`
	CycleCount   int               `json:"cycle_count" yaml:"cycle_count"`
	Tables       []string          `json:"tables" yaml:"tables"`
}

// TableStats aggregates deadlocks per table.
type TableStats struct {
	TableName      string    `json:"table_name" yaml:"table_name"`
	DeadlockCount  int       `json:"deadlock_count" yaml:"deadlock_count"`
	LastOccurrence time.Time `json:"last_occurrence" yaml:"last_occurrence"`
	LockModes      []string  `json:"lock_modes" yaml:"lock_modes"`
}

// QueryStats aggregates deadlocks per statement fingerprint.
type QueryStats struct {
	Fingerprint     string    `json:"fingerprint" yaml:"fingerprint"`
	NormalizedQuery string    `json:"normalized_query" yaml:"normalized_query"`
	DeadlockCount   int       `json:"deadlock_count" yaml:"deadlock_count"`
	LastOccurrence  time.Time `json:"last_occurrence" yaml:"last_occurrence"`
}

// AnalysisStore persists analyses keyed by the content hash of the raw report.
type AnalysisStore struct {
	db  *DB
	now func() time.Time
}

// NewAnalysisStore creates a new AnalysisStore.
func NewAnalysisStore(db *DB) *AnalysisStore {
	return &AnalysisStore{db: db, now: time.Now}
}

// Save stores an analysis and its raw text, replacing any earlier analysis of
// the same report. Degraded analyses are rejected so they are never served
// from the cache.
func (s *AnalysisStore) Save(ctx context.Context, raw string, a *deadlock.DeadlockAnalysis, criticalTables []string) error {
	if a == nil || a.Failed() {
		return fmt.Errorf("refusing to store a failed analysis")
	}
	hash := a.ContentHash
	if hash == "" {
		hash = deadlock.ContentHash(raw)
	}

	blob, err := compressText(raw)
	if err != nil {
		return err
	}
	result, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}

	detectedAt := s.now()
	if a.DetectedAt != nil {
		detectedAt = *a.DetectedAt
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"analysis_tables", "analysis_queries"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE content_hash = ?", hash); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO analyses (
			content_hash, event_id, detected_at, created_at, severity, process_count,
			cycle_count, critical_tables, parser_version, raw_text, result_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			event_id = excluded.event_id,
			detected_at = excluded.detected_at,
			created_at = excluded.created_at,
			severity = excluded.severity,
			process_count = excluded.process_count,
			cycle_count = excluded.cycle_count,
			critical_tables = excluded.critical_tables,
			parser_version = excluded.parser_version,
			raw_text = excluded.raw_text,
			result_json = excluded.result_json
	`, hash, a.EventID, detectedAt.UTC().Format(timeLayout), s.now().UTC().Format(timeLayout),
		string(a.Severity), len(a.Processes), len(a.Cycles), criticalKey(criticalTables),
		a.Metadata.ParserVersion, blob, string(result))
	if err != nil {
		return err
	}

	for table, modes := range tableLockModes(a) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO analysis_tables (content_hash, table_name, lock_modes)
			VALUES (?, ?, ?)
		`, hash, table, strings.Join(modes, ","))
		if err != nil {
			return err
		}
	}

	for fp, normalized := range queryFingerprints(a) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO analysis_queries (content_hash, fingerprint, normalized_query)
			VALUES (?, ?, ?)
		`, hash, fp, normalized)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Cached returns the stored analysis for hash when it was produced by the
// current parser version with the same critical tables. Anything else is
// reported as ErrNotFound so the caller re-analyzes.
func (s *AnalysisStore) Cached(ctx context.Context, hash string, criticalTables []string) (*deadlock.DeadlockAnalysis, error) {
	var version, critical, result string
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT parser_version, critical_tables, result_json
		FROM analyses
		WHERE content_hash = ? OR content_hash LIKE ?
		ORDER BY content_hash = ? DESC, created_at DESC
		LIMIT 1
	`, hash, prefix, hash).Scan(&version, &critical, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if version != deadlock.ParserVersion || critical != criticalKey(criticalTables) {
		return nil, ErrNotFound
	}

	var a deadlock.DeadlockAnalysis
	if err := json.Unmarshal([]byte(result), &a); err != nil {
		return nil, fmt.Errorf("failed to decode analysis %s: %w", hash, err)
	}
	return &a, nil
}

// GetByHash returns a stored analysis with its raw text. A unique prefix of
// at least eight characters also matches; the newest match wins.
func (s *AnalysisStore) GetByHash(ctx context.Context, hash string) (*StoredAnalysis, error) {
	prefix := ""
	if len(hash) >= 8 {
		prefix = strings.ReplaceAll(strings.ReplaceAll(hash, "%", ""), "_", "") + "%"
	}
	var (
		stored                StoredAnalysis
		detectedAt, createdAt string
		critical, result      string
		blob                  []byte
	)
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT content_hash, event_id, detected_at, created_at, critical_tables,
			parser_version, raw_text, result_json
		FROM analyses
		WHERE content_hash = ? OR content_hash LIKE ?
		ORDER BY content_hash = ? DESC, created_at DESC
		LIMIT 1
	`, hash, prefix, hash).Scan(&stored.ContentHash, &stored.EventID, &detectedAt, &createdAt, &critical,
		&stored.ParserVersion, &blob, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	stored.DetectedAt = parseTime(detectedAt)
	stored.CreatedAt = parseTime(createdAt)
	stored.CriticalTables = splitKey(critical)

	if stored.RawText, err = decompressText(blob); err != nil {
		return nil, err
	}
	stored.Analysis = &deadlock.DeadlockAnalysis{}
	if err := json.Unmarshal([]byte(result), stored.Analysis); err != nil {
		return nil, fmt.Errorf("failed to decode analysis %s: %w", hash, err)
	}
	return &stored, nil
}

// GetRecent returns analyses detected within the window, newest first.
func (s *AnalysisStore) GetRecent(ctx context.Context, window time.Duration, limit int) ([]AnalysisSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := s.now().Add(-window).UTC().Format(timeLayout)

	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT
			a.content_hash,
			a.event_id,
			a.detected_at,
			a.severity,
			a.process_count,
			a.cycle_count,
			GROUP_CONCAT(t.table_name) as tables
		FROM analyses a
		LEFT JOIN analysis_tables t ON t.content_hash = a.content_hash
		WHERE a.detected_at >= ?
		GROUP BY a.content_hash
		ORDER BY a.detected_at DESC, a.content_hash
		LIMIT ?
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []AnalysisSummary
	for rows.Next() {
		var summary AnalysisSummary
		var detectedAt, severity string
		var tables sql.NullString

		err := rows.Scan(
			&summary.ContentHash,
			&summary.EventID,
			&detectedAt,
			&severity,
			&summary.ProcessCount,
			&summary.CycleCount,
			&tables,
		)
		if err != nil {
			return nil, err
		}

		summary.DetectedAt = parseTime(detectedAt)
		summary.Severity = deadlock.Severity(severity)
		if tables.Valid {
			summary.Tables = sortedUnique(strings.Split(tables.String, ","))
		}
		summaries = append(summaries, summary)
	}

	return summaries, rows.Err()
}

// TimelinePoint is the number of deadlocks detected in one bucket.
type TimelinePoint struct {
	Start time.Time `json:"start" yaml:"start"`
	Count int       `json:"count" yaml:"count"`
}

// GetTimeline counts analyses per bucket over the window, oldest first.
// Empty buckets are included so the series can be plotted directly.
func (s *AnalysisStore) GetTimeline(ctx context.Context, window, bucket time.Duration) ([]TimelinePoint, error) {
	if bucket <= 0 || window < bucket {
		return nil, fmt.Errorf("invalid timeline: window %v, bucket %v", window, bucket)
	}
	end := s.now().UTC().Truncate(bucket).Add(bucket)
	start := end.Add(-window).Truncate(bucket)
	n := int(end.Sub(start) / bucket)
	if n > 10000 {
		return nil, fmt.Errorf("timeline of %d buckets is too large", n)
	}

	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT detected_at FROM analyses WHERE detected_at >= ?`,
		start.Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := make([]TimelinePoint, n)
	for i := range points {
		points[i].Start = start.Add(time.Duration(i) * bucket)
	}
	for rows.Next() {
		var detectedAt string
		if err := rows.Scan(&detectedAt); err != nil {
			return nil, err
		}
		idx := int(parseTime(detectedAt).Sub(start) / bucket)
		if idx >= 0 && idx < n {
			points[idx].Count++
		}
	}
	return points, rows.Err()
}

// GetTableStats returns deadlock counts per table, most frequent first.
func (s *AnalysisStore) GetTableStats(ctx context.Context, window time.Duration, limit int) ([]TableStats, error) {
	if limit <= 0 {
		limit = 20
	}
	cutoff := s.now().Add(-window).UTC().Format(timeLayout)

	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT
			t.table_name,
			COUNT(*) as deadlock_count,
			MAX(a.detected_at) as last_occurrence,
			GROUP_CONCAT(t.lock_modes) as lock_modes
		FROM analysis_tables t
		JOIN analyses a ON a.content_hash = t.content_hash
		WHERE a.detected_at >= ?
		GROUP BY t.table_name
		ORDER BY deadlock_count DESC, t.table_name
		LIMIT ?
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []TableStats
	for rows.Next() {
		var stat TableStats
		var lastOccurrence string
		var modes sql.NullString

		if err := rows.Scan(&stat.TableName, &stat.DeadlockCount, &lastOccurrence, &modes); err != nil {
			return nil, err
		}
		stat.LastOccurrence = parseTime(lastOccurrence)
		if modes.Valid {
			stat.LockModes = sortedUnique(strings.Split(modes.String, ","))
		}
		stats = append(stats, stat)
	}

	return stats, rows.Err()
}

// GetQueryStats returns the statements most often involved in deadlocks.
func (s *AnalysisStore) GetQueryStats(ctx context.Context, window time.Duration, limit int) ([]QueryStats, error) {
	if limit <= 0 {
		limit = 20
	}
	cutoff := s.now().Add(-window).UTC().Format(timeLayout)

	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT
			q.fingerprint,
			MIN(q.normalized_query),
			COUNT(*) as deadlock_count,
			MAX(a.detected_at) as last_occurrence
		FROM analysis_queries q
		JOIN analyses a ON a.content_hash = q.content_hash
		WHERE a.detected_at >= ?
		GROUP BY q.fingerprint
		ORDER BY deadlock_count DESC, q.fingerprint
		LIMIT ?
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []QueryStats
	for rows.Next() {
		var stat QueryStats
		var lastOccurrence string
		if err := rows.Scan(&stat.Fingerprint, &stat.NormalizedQuery, &stat.DeadlockCount, &lastOccurrence); err != nil {
			return nil, err
		}
		stat.LastOccurrence = parseTime(lastOccurrence)
		stats = append(stats, stat)
	}

	return stats, rows.Err()
}

// Cleanup removes analyses detected before the retention period.
func (s *AnalysisStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UTC().Format(timeLayout)

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, table := range []string{"analysis_tables", "analysis_queries"} {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM `+table+`
			WHERE content_hash IN (
				SELECT content_hash FROM analyses WHERE detected_at < ?
			)
		`, cutoff)
		if err != nil {
			return 0, err
		}
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM analyses WHERE detected_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// Count returns the number of stored analyses.
func (s *AnalysisStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM analyses").Scan(&count)
	return count, err
}

// Reset deletes all history and log positions.
func (s *AnalysisStore) Reset(ctx context.Context) error {
	for _, table := range []string{"analysis_tables", "analysis_queries", "analyses", "log_positions"} {
		if _, err := s.db.conn.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// GetLogPositions returns all saved log file positions.
func (s *AnalysisStore) GetLogPositions(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.conn.QueryContext(ctx, "SELECT file_path, position FROM log_positions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make(map[string]int64)
	for rows.Next() {
		var filePath string
		var position int64
		if err := rows.Scan(&filePath, &position); err != nil {
			return nil, err
		}
		positions[filePath] = position
	}
	return positions, rows.Err()
}

// SaveLogPosition saves or updates a log file position.
func (s *AnalysisStore) SaveLogPosition(ctx context.Context, filePath string, position int64) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO log_positions (file_path, position, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(file_path) DO UPDATE SET
			position = excluded.position,
			updated_at = CURRENT_TIMESTAMP
	`, filePath, position)
	return err
}

// tableLockModes maps each named relation to the lock modes its locking
// processes were waiting for.
func tableLockModes(a *deadlock.DeadlockAnalysis) map[string][]string {
	out := make(map[string][]string)
	for _, rel := range a.Relations {
		if rel.Name == "" {
			continue
		}
		var modes []string
		for _, pid := range rel.LockingProcesses {
			if p, ok := a.Processes[pid]; ok && p.LockMode != nil {
				modes = append(modes, *p.LockMode)
			}
		}
		out[rel.QualifiedName()] = sortedUnique(modes)
	}
	return out
}

func queryFingerprints(a *deadlock.DeadlockAnalysis) map[string]string {
	out := make(map[string]string)
	for _, p := range a.Processes {
		if p.QueryFingerprint == nil || p.NormalizedQuery == nil {
			continue
		}
		out[*p.QueryFingerprint] = *p.NormalizedQuery
	}
	return out
}

// criticalKey is the canonical form of a critical-table list.
func criticalKey(tables []string) string {
	lowered := make([]string, 0, len(tables))
	for _, t := range tables {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(t)))
	}
	return strings.Join(sortedUnique(lowered), ",")
}

func splitKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, ",")
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// parseTime accepts both the stored layout and RFC3339, which the driver
// produces for DATETIME columns.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(timeLayout, s)
	}
	return t.UTC()
}
