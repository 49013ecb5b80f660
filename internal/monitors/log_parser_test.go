package monitors

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/dexter/internal/config"
	"github.com/willibrandon/dexter/internal/deadlock"
)

const stderrLog = `2024-01-15 10:23:44.001 UTC [99] LOG:  checkpoint starting: time
2024-01-15 10:23:45.100 UTC [100] LOG:  process 100 detected deadlock while waiting for ShareLock on transaction 5001 after 1000.125 ms
2024-01-15 10:23:45.100 UTC [100] DETAIL:  Process holding the lock: 101. Wait queue: .
2024-01-15 10:23:45.123 UTC [100] ERROR:  deadlock detected
2024-01-15 10:23:45.123 UTC [100] DETAIL:  Process 100 waits for ShareLock on transaction 5001; blocked by process 101.
	Process 101 waits for ShareLock on transaction 5000; blocked by process 100.
	Process 100: UPDATE accounts SET balance = balance - 10 WHERE id = 1
	Process 101: UPDATE ledger SET amount = 10 WHERE id = 2
2024-01-15 10:23:45.123 UTC [100] HINT:  See server log for query details.
2024-01-15 10:23:45.123 UTC [100] CONTEXT:  while updating tuple (0,1) in relation "accounts"
2024-01-15 10:23:45.123 UTC [100] STATEMENT:  UPDATE accounts SET balance = balance - 10 WHERE id = 1
2024-01-15 10:23:46.000 UTC [99] LOG:  checkpoint complete
`

const secondDeadlock = `2024-01-15 11:00:00.000 UTC [200] ERROR:  deadlock detected
2024-01-15 11:00:00.000 UTC [200] DETAIL:  Process 200 waits for ShareLock on transaction 7001; blocked by process 201.
	Process 201 waits for ShareLock on transaction 7000; blocked by process 200.
	Process 200: UPDATE orders SET status = 'paid' WHERE id = 1
	Process 201: UPDATE payments SET state = 'done' WHERE order_id = 1
2024-01-15 11:00:00.000 UTC [200] HINT:  See server log for query details.
`

func writeLog(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func appendLog(t *testing.T, path, body string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(body)
	require.NoError(t, err)
}

func collect(t *testing.T, p LogParser) []Report {
	t.Helper()
	var reports []Report
	_, err := p.ParseNewEntries(context.Background(), func(r Report) error {
		reports = append(reports, r)
		return nil
	}, nil)
	require.NoError(t, err)
	return reports
}

// TestDeadlockParser_Stderr tests block collection from a stderr log.
func TestDeadlockParser_Stderr(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "postgresql-2024-01-15.log", stderrLog)

	p := NewDeadlockParser(dir, "postgresql-*.log")
	reports := collect(t, p)
	require.Len(t, reports, 1)

	r := reports[0]
	assert.Equal(t, path, r.File)
	assert.Equal(t, int64(strings.Index(stderrLog, "2024-01-15 10:23:45.100")), r.Offset)
	assert.Equal(t, "postgresql-2024-01-15.log:"+strconv.FormatInt(r.Offset, 10), r.Message.EventID)
	assert.Contains(t, r.Message.Text, "detected deadlock while waiting")
	assert.Contains(t, r.Message.Text, "STATEMENT:  UPDATE accounts")
	assert.NotContains(t, r.Message.Text, "checkpoint")
	assert.NotContains(t, r.Message.Text, "Process holding the lock")
	require.NotNil(t, r.Message.Timestamp)
	assert.Equal(t, 45, r.Message.Timestamp.Second())

	a := deadlock.NewAnalyzer(deadlock.DefaultOptions()).Analyze(r.Message)
	require.Len(t, a.Cycles, 1)
	assert.Equal(t, []int{100, 101}, a.Cycles[0].Processes)
	require.NotNil(t, a.VictimPID)
	assert.Equal(t, 100, *a.VictimPID)
	require.NotNil(t, a.DetectionTimeMs)
	assert.InDelta(t, 1000.125, *a.DetectionTimeMs, 0.001)

	assert.Equal(t, int64(len(stderrLog)), p.GetPositions()[path])
}

// TestDeadlockParser_Resume tests that positions skip already-seen reports.
func TestDeadlockParser_Resume(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "postgresql-a.log", stderrLog)

	p := NewDeadlockParser(dir, "postgresql-*.log")
	require.Len(t, collect(t, p), 1)
	assert.Empty(t, collect(t, p))

	appendLog(t, path, secondDeadlock)
	reports := collect(t, p)
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].Message.Text, "Process 200 waits")
	assert.Equal(t, int64(len(stderrLog)), reports[0].Offset)

	// A fresh parser restored from saved positions sees nothing new
	q := NewDeadlockParser(dir, "postgresql-*.log")
	q.SetPositions(p.GetPositions())
	assert.Empty(t, collect(t, q))

	q.ResetPositions()
	assert.Len(t, collect(t, q), 2)
}

// TestDeadlockParser_PartialLine tests that an unterminated last line is left for the next scan.
func TestDeadlockParser_PartialLine(t *testing.T) {
	dir := t.TempDir()
	partial := strings.TrimSuffix(secondDeadlock, "\n")
	path := writeLog(t, dir, "postgresql-a.log", partial)

	p := NewDeadlockParser(dir, "postgresql-*.log")
	reports := collect(t, p)
	require.Len(t, reports, 1)
	assert.NotContains(t, reports[0].Message.Text, "HINT")
	assert.Equal(t, int64(strings.LastIndex(partial, "\n")+1), p.GetPositions()[path])
}

// TestDeadlockParser_Truncated tests that a shrunken file is read from the start.
func TestDeadlockParser_Truncated(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "postgresql-a.log", secondDeadlock)

	p := NewDeadlockParser(dir, "postgresql-*.log")
	p.SetPositions(map[string]int64{filepath.Join(dir, "postgresql-a.log"): 1 << 20})
	assert.Len(t, collect(t, p), 1)
}

// TestDeadlockParser_EmitError tests that an emit error stops the scan and is retried later.
func TestDeadlockParser_EmitError(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "postgresql-a.log", stderrLog+secondDeadlock)
	boom := errors.New("queue full")

	p := NewDeadlockParser(dir, "postgresql-*.log")
	calls := 0
	n, err := p.ParseNewEntries(context.Background(), func(r Report) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	}, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(len(stderrLog)), p.GetPositions()[path])

	reports := collect(t, p)
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].Message.Text, "Process 200")
}

// TestJSONLogParser tests jsonlog entries rendered for the analyzer.
func TestJSONLogParser(t *testing.T) {
	dir := t.TempDir()
	body := `{"timestamp":"2024-01-15 10:23:45.100 UTC","pid":100,"error_severity":"LOG","message":"process 100 detected deadlock while waiting for ShareLock on transaction 5001 after 1000.125 ms","detail":"Process holding the lock: 101. Wait queue: ."}
not json
{"timestamp":"2024-01-15 10:23:45.123 UTC","pid":100,"error_severity":"ERROR","state_code":"40P01","message":"deadlock detected","detail":"Process 100 waits for ShareLock on transaction 5001; blocked by process 101.\nProcess 101 waits for ShareLock on transaction 5000; blocked by process 100.\nProcess 100: UPDATE accounts SET balance = 1 WHERE id = 1\nProcess 101: UPDATE ledger SET amount = 10 WHERE id = 2","hint":"See server log for query details.","context":"while updating tuple (0,1) in relation \"accounts\"","statement":"UPDATE accounts SET balance = 1 WHERE id = 1"}
{"timestamp":"2024-01-15 10:23:46.000 UTC","pid":99,"error_severity":"LOG","message":"checkpoint complete"}
`
	writeLog(t, dir, "postgresql-a.json", body)

	p := NewLogParser(LogFormatJSON, dir, "postgresql-*.log")
	reports := collect(t, p)
	require.Len(t, reports, 1)

	text := reports[0].Message.Text
	assert.True(t, strings.HasPrefix(text, "2024-01-15 10:23:45.123 UTC [100] LOG:  process 100 detected deadlock"))
	assert.Contains(t, text, "[100] ERROR:  deadlock detected")
	assert.Contains(t, text, "\n\tProcess 101 waits for")
	assert.Equal(t, int64(0), reports[0].Offset)

	a := deadlock.Analyze(text)
	require.Len(t, a.Cycles, 1)
	assert.ElementsMatch(t, []string{"accounts", "ledger"}, a.Tables())
	require.NotNil(t, a.VictimPID)
	assert.Equal(t, 100, *a.VictimPID)
}

// TestCSVLogParser tests csvlog records, including quoted newlines.
func TestCSVLogParser(t *testing.T) {
	dir := t.TempDir()
	row := func(sev, msg, detail, hint, where, query string) string {
		fields := make([]string, 23)
		fields[csvLogTime] = "2024-01-15 10:23:45.123 UTC"
		fields[csvProcessID] = "100"
		fields[csvErrorSeverity] = sev
		fields[csvMessage] = msg
		fields[csvDetail] = detail
		fields[csvHint] = hint
		fields[csvContext] = where
		fields[csvQuery] = query
		for i, f := range fields {
			fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
		}
		return strings.Join(fields, ",") + "\n"
	}

	body := row("LOG", "checkpoint starting", "", "", "", "") +
		row("ERROR", "deadlock detected",
			"Process 100 waits for ShareLock on transaction 5001; blocked by process 101.\nProcess 101 waits for ShareLock on transaction 5000; blocked by process 100.\nProcess 100: UPDATE accounts SET balance = 1 WHERE id = 1\nProcess 101: UPDATE ledger SET amount = 10 WHERE id = 2",
			"See server log for query details.", `while updating tuple (0,1) in relation "accounts"`, "UPDATE accounts SET balance = 1 WHERE id = 1")
	path := writeLog(t, dir, "postgresql-a.csv", body)

	p := NewLogParser(LogFormatCSV, dir, "postgresql-*")
	reports := collect(t, p)
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].Message.Text, `CONTEXT:  while updating tuple (0,1) in relation "accounts"`)

	a := deadlock.Analyze(reports[0].Message.Text)
	require.Len(t, a.Cycles, 1)
	assert.Equal(t, int64(len(body)), p.GetPositions()[path])
	assert.Empty(t, collect(t, p))
}

// TestResolveFormat tests format selection and pattern adjustment.
func TestResolveFormat(t *testing.T) {
	tests := []struct {
		name, pattern string
		want          LogFormat
		wantPattern   string
	}{
		{"auto", "postgresql-*", LogFormatStderr, "postgresql-*.log"},
		{"auto", "postgresql-*.json", LogFormatJSON, "postgresql-*.json"},
		{"auto", "postgresql-*.csv", LogFormatCSV, "postgresql-*.csv"},
		{"jsonlog", "postgresql-*.log", LogFormatJSON, "postgresql-*.json"},
		{"stderr", "postgresql-*.log", LogFormatStderr, "postgresql-*.log"},
		{"csvlog", "", LogFormatCSV, "postgresql-*.csv"},
	}

	for _, tt := range tests {
		got := ResolveFormat(tt.name, tt.pattern)
		if got != tt.want {
			t.Errorf("ResolveFormat(%q, %q) = %v, want %v", tt.name, tt.pattern, got, tt.want)
		}
		if p := patternFor(got, tt.pattern); p != tt.wantPattern {
			t.Errorf("patternFor(%v, %q) = %q, want %q", got, tt.pattern, p, tt.wantPattern)
		}
	}
}

// TestConvertLogFilenameToGlob tests log_filename conversion.
func TestConvertLogFilenameToGlob(t *testing.T) {
	assert.Equal(t, "postgresql-*.log", ConvertLogFilenameToGlob("postgresql-%Y-%m-%d_%H%M%S.log"))
	assert.Equal(t, "postgresql-*.log", ConvertLogFilenameToGlob("postgresql-%a.log"))
}

type memoryPositions struct {
	saved map[string]int64
}

func (m *memoryPositions) GetLogPositions(context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(m.saved))
	for k, v := range m.saved {
		out[k] = v
	}
	return out, nil
}

func (m *memoryPositions) SaveLogPosition(_ context.Context, path string, pos int64) error {
	m.saved[path] = pos
	return nil
}

// TestDeadlockMonitor tests position persistence through a PositionStore.
func TestDeadlockMonitor(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "postgresql-a.log", stderrLog)
	store := &memoryPositions{saved: map[string]int64{}}
	cfg := config.LogsConfig{Directory: dir, Pattern: "postgresql-*", Format: "auto", Concurrency: 1}

	m, err := NewDeadlockMonitor(context.Background(), cfg, store, nil)
	require.NoError(t, err)
	assert.Equal(t, LogFormatStderr, m.Format())

	var seen int
	n, err := m.ParseOnce(context.Background(), func(Report) error { seen++; return nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, seen)
	assert.Equal(t, int64(len(stderrLog)), store.saved[path])

	again, err := NewDeadlockMonitor(context.Background(), cfg, store, nil)
	require.NoError(t, err)
	n, err = again.ParseOnce(context.Background(), func(Report) error { return nil }, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = NewDeadlockMonitor(context.Background(), config.LogsConfig{}, store, nil)
	assert.Error(t, err)
}
