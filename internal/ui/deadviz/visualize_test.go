package deadviz

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/dexter/internal/deadlock"
)

const twoProcess = `2024-01-15 10:23:44.100 UTC [100] LOG:  process 100 detected deadlock while waiting for ShareLock on transaction 5001 after 1000.125 ms
2024-01-15 10:23:45.123 UTC [100] ERROR:  deadlock detected
2024-01-15 10:23:45.123 UTC [100] DETAIL:  Process 100 waits for ShareLock on transaction 5001; blocked by process 101.
	Process 101 waits for ShareLock on transaction 5000; blocked by process 100.
	Process 100: UPDATE accounts SET balance = balance - 10 WHERE id = 1
	Process 101: UPDATE ledger SET amount = 10 WHERE id = 2
2024-01-15 10:23:45.123 UTC [100] HINT:  See server log for query details.`

const threeProcess = `ERROR:  deadlock detected
DETAIL:  Process 200 waits for ShareLock on transaction 7001; blocked by process 201.
Process 201 waits for ShareLock on transaction 7002; blocked by process 202.
Process 202 waits for ShareLock on transaction 7000; blocked by process 200.
Process 200: UPDATE orders SET status = 'paid' WHERE id = 1
Process 201: UPDATE payments SET state = 'done' WHERE order_id = 1
Process 202: UPDATE invoices SET total = 5 WHERE order_id = 1`

func init() {
	color.NoColor = true
}

func render(t *testing.T, a *deadlock.DeadlockAnalysis, opts Options) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Visualize(&buf, a, opts))
	return buf.String()
}

// TestVisualize_TwoProcess tests the horizontal diagram and the backend tree.
func TestVisualize_TwoProcess(t *testing.T) {
	opts := deadlock.DefaultOptions()
	opts.CriticalTables = []string{"ledger"}
	a := deadlock.NewAnalyzer(opts).Analyze(deadlock.RawDeadlockMessage{EventID: "evt-1", Text: twoProcess})
	require.False(t, a.Failed())

	out := render(t, a, Options{SQLFormatter: strings.ToLower})

	assert.Contains(t, out, "Deadlock "+a.ContentHash)
	assert.Contains(t, out, "Event: evt-1")
	assert.Contains(t, out, "Resolved by: PID 100  victim ")
	assert.Contains(t, out, "1000.125 ms")
	assert.Contains(t, out, "Wait-For Cycles (1)")
	assert.Contains(t, out, "(deadlock)")
	assert.Contains(t, out, "PID 101")
	assert.Contains(t, out, "update accounts set balance")
	assert.Contains(t, out, "ledger")
	assert.Contains(t, out, " critical ")
	assert.Contains(t, out, "Recommended Fix:")
	assert.Less(t, strings.Index(out, "PID 100"), strings.Index(out, "PID 101"))
}

// TestVisualize_ThreeProcess tests the vertical cycle diagram.
func TestVisualize_ThreeProcess(t *testing.T) {
	a := deadlock.Analyze(threeProcess)
	out := render(t, a, Options{Width: 60})

	assert.Contains(t, out, "┌─▶ PID 200")
	assert.Contains(t, out, "│ ├▶ PID 201")
	assert.Contains(t, out, "│ └▶ PID 202")
	assert.Contains(t, out, "held by PID 200")
	assert.Contains(t, out, "(deadlock cycle)")

	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "  • ") || strings.HasPrefix(line, "    ") {
			assert.LessOrEqual(t, len([]rune(line)), 80, line)
		}
	}
}

// TestVisualize_Failed tests the degraded result.
func TestVisualize_Failed(t *testing.T) {
	a := &deadlock.DeadlockAnalysis{Severity: deadlock.SeverityUnknown, Error: "internal analyzer fault"}

	out := render(t, a, Options{})
	assert.Contains(t, out, "Analysis failed: internal analyzer fault")
	assert.Contains(t, out, " unknown ")
	assert.NotContains(t, out, "Backend Details")

	var buf bytes.Buffer
	assert.NoError(t, Visualize(&buf, nil, Options{}))
	assert.Zero(t, buf.Len())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

// TestVisualize_WriteError tests that write errors are returned.
func TestVisualize_WriteError(t *testing.T) {
	err := Visualize(failingWriter{}, deadlock.Analyze(threeProcess), Options{})
	assert.EqualError(t, err, "closed pipe")
}
