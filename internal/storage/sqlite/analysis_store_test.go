package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/dexter/internal/deadlock"
)

const accountsReport = `ERROR:  deadlock detected
DETAIL:  Process 100 waits for ShareLock on transaction 5001; blocked by process 101.
Process 101 waits for ShareLock on transaction 5000; blocked by process 100.
Process 100: UPDATE accounts SET balance = balance - 10 WHERE id = 1
Process 101: UPDATE ledger SET amount = 10 WHERE id = 2
HINT:  See server log for query details.`

const ordersReport = `ERROR:  deadlock detected
DETAIL:  Process 200 waits for ShareLock on transaction 7001; blocked by process 201.
Process 201 waits for ShareLock on transaction 7000; blocked by process 200.
Process 200: UPDATE orders SET status = 'paid' WHERE id = 1
Process 201: UPDATE accounts SET balance = 0 WHERE id = 9`

func setupTestStore(t *testing.T) *AnalysisStore {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewAnalysisStore(db)
}

func analyzeAt(raw string, at time.Time) *deadlock.DeadlockAnalysis {
	return deadlock.NewAnalyzer(deadlock.DefaultOptions()).Analyze(deadlock.RawDeadlockMessage{
		EventID:   "evt-" + deadlock.ContentHash(raw)[:6],
		Text:      raw,
		Timestamp: &at,
	})
}

// TestAnalysisStore_SaveAndGet tests the round trip including the compressed raw text.
func TestAnalysisStore_SaveAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := analyzeAt(accountsReport, time.Now().Add(-time.Hour))
	require.False(t, a.Failed())
	require.NoError(t, store.Save(ctx, accountsReport, a, []string{"Ledger"}))

	stored, err := store.GetByHash(ctx, a.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, accountsReport, stored.RawText)
	assert.Equal(t, a.EventID, stored.EventID)
	assert.Equal(t, deadlock.ParserVersion, stored.ParserVersion)
	assert.Equal(t, []string{"ledger"}, stored.CriticalTables)
	assert.Equal(t, a.Severity, stored.Analysis.Severity)
	assert.Equal(t, a.Cycles, stored.Analysis.Cycles)
	assert.Equal(t, *a.Processes[100].Query, *stored.Analysis.Processes[100].Query)
	assert.WithinDuration(t, *a.DetectedAt, stored.DetectedAt, time.Second)

	byPrefix, err := store.GetByHash(ctx, a.ContentHash[:8])
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, byPrefix.ContentHash)

	_, err = store.GetByHash(ctx, a.ContentHash[:4])
	assert.True(t, errors.Is(err, ErrNotFound), "short prefixes must not match")

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Saving again replaces the row
	require.NoError(t, store.Save(ctx, accountsReport, a, nil))
	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

// TestAnalysisStore_Cached tests cache hits and the invalidation rules.
func TestAnalysisStore_Cached(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := analyzeAt(accountsReport, time.Now())
	require.NoError(t, store.Save(ctx, accountsReport, a, []string{"ledger", "accounts"}))

	got, err := store.Cached(ctx, a.ContentHash, []string{"accounts", "LEDGER"})
	require.NoError(t, err)
	assert.Equal(t, a.RecommendedFix, got.RecommendedFix)

	_, err = store.Cached(ctx, a.ContentHash, []string{"accounts"})
	assert.True(t, errors.Is(err, ErrNotFound), "different critical tables must miss")

	_, err = store.Cached(ctx, "0000000000000000", nil)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = store.GetByHash(ctx, "0000000000000000")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// TestAnalysisStore_RejectsFailed tests that degraded results are not stored.
func TestAnalysisStore_RejectsFailed(t *testing.T) {
	store := setupTestStore(t)
	failed := &deadlock.DeadlockAnalysis{Severity: deadlock.SeverityUnknown, Error: "boom"}

	assert.Error(t, store.Save(context.Background(), "x", failed, nil))
	assert.Error(t, store.Save(context.Background(), "x", nil, nil))
}

// TestAnalysisStore_Stats tests the history listing and the aggregates.
func TestAnalysisStore_Stats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := analyzeAt(accountsReport, now.Add(-2*time.Hour))
	second := analyzeAt(ordersReport, now.Add(-time.Hour))
	require.NoError(t, store.Save(ctx, accountsReport, first, nil))
	require.NoError(t, store.Save(ctx, ordersReport, second, nil))

	recent, err := store.GetRecent(ctx, 24*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, second.ContentHash, recent[0].ContentHash)
	assert.Equal(t, []string{"accounts", "orders"}, recent[0].Tables)
	assert.Equal(t, 2, recent[1].ProcessCount)
	assert.Equal(t, 1, recent[1].CycleCount)

	tables, err := store.GetTableStats(ctx, 24*time.Hour, 10)
	require.NoError(t, err)
	require.NotEmpty(t, tables)
	assert.Equal(t, "accounts", tables[0].TableName)
	assert.Equal(t, 2, tables[0].DeadlockCount)
	assert.Equal(t, []string{"ShareLock"}, tables[0].LockModes)

	queries, err := store.GetQueryStats(ctx, 24*time.Hour, 10)
	require.NoError(t, err)
	assert.Len(t, queries, 4)
	for _, q := range queries {
		assert.Equal(t, 1, q.DeadlockCount)
		assert.Len(t, q.Fingerprint, 16)
	}

	recent, err = store.GetRecent(ctx, 90*time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

// TestAnalysisStore_Cleanup tests retention.
func TestAnalysisStore_Cleanup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Save(ctx, accountsReport, analyzeAt(accountsReport, now.Add(-48*time.Hour)), nil))
	require.NoError(t, store.Save(ctx, ordersReport, analyzeAt(ordersReport, now), nil))

	deleted, err := store.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	tables, err := store.GetTableStats(ctx, 72*time.Hour, 10)
	require.NoError(t, err)
	for _, s := range tables {
		assert.Equal(t, 1, s.DeadlockCount, s.TableName)
	}
}

// TestAnalysisStore_LogPositions tests position upserts and Reset.
func TestAnalysisStore_LogPositions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveLogPosition(ctx, "/var/log/postgresql/a.log", 100))
	require.NoError(t, store.SaveLogPosition(ctx, "/var/log/postgresql/a.log", 250))
	require.NoError(t, store.SaveLogPosition(ctx, "/var/log/postgresql/b.json", 7))

	positions, err := store.GetLogPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		"/var/log/postgresql/a.log":  250,
		"/var/log/postgresql/b.json": 7,
	}, positions)

	require.NoError(t, store.Reset(ctx))
	positions, err = store.GetLogPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

// TestAnalysisStore_Timeline tests bucketing including empty buckets.
func TestAnalysisStore_Timeline(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Save(ctx, accountsReport, analyzeAt(accountsReport, now.Add(-30*time.Minute)), nil))
	require.NoError(t, store.Save(ctx, ordersReport, analyzeAt(ordersReport, now.Add(-90*time.Minute)), nil))

	points, err := store.GetTimeline(ctx, 3*time.Hour, time.Hour)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), points[0].Start)
	assert.Equal(t, []int{1, 1, 0}, []int{points[0].Count, points[1].Count, points[2].Count})

	_, err = store.GetTimeline(ctx, time.Hour, 0)
	assert.Error(t, err)
	_, err = store.GetTimeline(ctx, time.Minute, time.Hour)
	assert.Error(t, err)
}

// TestCompressText tests the zstd round trip.
func TestCompressText(t *testing.T) {
	blob, err := compressText(accountsReport)
	require.NoError(t, err)
	assert.NotEqual(t, []byte(accountsReport), blob)

	got, err := decompressText(blob)
	require.NoError(t, err)
	assert.Equal(t, accountsReport, got)

	_, err = decompressText([]byte("not zstd"))
	assert.Error(t, err)
}
