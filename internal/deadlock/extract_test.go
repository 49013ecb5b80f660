package deadlock

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExtract_TwoProcessReport tests segment splitting on a stderr log excerpt.
func TestExtract_TwoProcessReport(t *testing.T) {
	res := Extract(twoProcessReport)

	require.True(t, res.Recognized)
	require.Len(t, res.Segments, 4)

	pids := make([]int, 0, len(res.Segments))
	for _, seg := range res.Segments {
		pids = append(pids, seg.PID)
	}
	assert.Equal(t, []int{100, 101, 100, 101}, pids)

	wait := res.Segments[0].Fields
	require.NotNil(t, wait.LockMode)
	assert.Equal(t, "ShareLock", *wait.LockMode)
	assert.Equal(t, LockTypeTransaction, *wait.LockType)
	assert.Equal(t, "transaction 5001", *wait.LockTarget)
	assert.Equal(t, 101, *wait.BlockedBy)
	assert.Nil(t, wait.Query)

	query := res.Segments[3].Fields
	require.NotNil(t, query.Query)
	assert.Equal(t, "UPDATE ledger SET amount = 10 WHERE id = 2", *query.Query)
	assert.Nil(t, query.LockMode)
	assert.Nil(t, query.BlockedBy)
}

// TestExtract_Header tests victim, timestamp, context and statement capture.
func TestExtract_Header(t *testing.T) {
	res := Extract(twoProcessReport)
	h := res.Header

	require.NotNil(t, h.VictimPID)
	assert.Equal(t, 100, *h.VictimPID)
	require.NotNil(t, h.DetectedAt)
	assert.Equal(t, "2024-01-15T10:23:45.123Z", h.DetectedAt.Format("2006-01-02T15:04:05.000Z07:00"))
	require.NotNil(t, h.ContextRelation)
	assert.Equal(t, "accounts", *h.ContextRelation)
	require.NotNil(t, h.Statement)
	assert.True(t, strings.HasPrefix(*h.Statement, "UPDATE accounts"))
	assert.Nil(t, h.DetectionTimeMs)
}

// TestExtract_DetectionTime tests the deadlock_timeout LOG line.
func TestExtract_DetectionTime(t *testing.T) {
	raw := `LOG:  process 83853 detected deadlock while waiting for ShareLock on transaction 4370 after 1001.189 ms
ERROR:  deadlock detected
DETAIL:  Process 83853 waits for ShareLock on transaction 4370; blocked by process 83850.
Process 83850 waits for ShareLock on transaction 4371; blocked by process 83853.`

	res := Extract(raw)
	require.NotNil(t, res.Header.DetectionTimeMs)
	assert.InDelta(t, 1001.189, *res.Header.DetectionTimeMs, 0.0001)
	require.NotNil(t, res.Header.VictimPID)
	assert.Equal(t, 83853, *res.Header.VictimPID)
}

// TestExtract_Unrecognized tests inputs without a deadlock marker.
func TestExtract_Unrecognized(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"whitespace", "   \n\t"},
		{"plain text", "not a deadlock"},
		{"other error", "ERROR:  duplicate key value violates unique constraint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Extract(tt.raw)
			if res.Recognized {
				t.Errorf("Recognized = true for %q", tt.raw)
			}
			if len(res.Segments) != 0 {
				t.Errorf("got %d segments, want 0", len(res.Segments))
			}
			if len(res.Warnings) == 0 {
				t.Error("expected a warning")
			}
		})
	}
}

// TestExtract_InlineMessage tests reports flattened onto one line.
func TestExtract_InlineMessage(t *testing.T) {
	raw := "deadlock detected DETAIL: Process 1 waits for ShareLock on transaction 10; blocked by process 2. " +
		"Process 2 waits for ShareLock on transaction 11; blocked by process 1. HINT: See server log for query details."

	res := Extract(raw)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, 2, *res.Segments[0].Fields.BlockedBy)
	assert.Equal(t, 1, *res.Segments[1].Fields.BlockedBy)
	assert.NotContains(t, res.Segments[1].Text, "HINT")
	assert.Contains(t, strings.Join(res.Warnings, "\n"), "separate lines")
}

// TestParseLockTarget tests classification of lock targets.
func TestParseLockTarget(t *testing.T) {
	tests := []struct {
		target   string
		wantType string
		wantOID  uint32
	}{
		{"transaction 5001", LockTypeTransaction, 0},
		{"virtual transaction 4/1234", LockTypeVirtualXID, 0},
		{"relation 16384 of database 16385", LockTypeRelation, 16384},
		{"tuple (0,5) of relation 16390 of database 16385", LockTypeTuple, 16390},
		{"extension of relation 16400 of database 16385", LockTypeExtend, 16400},
		{"page 7 of relation 16401 of database 16385", LockTypePage, 16401},
		{"advisory lock [16385,0,42,1]", LockTypeAdvisory, 0},
		{"object 12 of class 1259 of database 16385", LockTypeObject, 0},
		{"speculative token 3 of transaction 900", LockTypeSpecToken, 0},
		{"something else entirely", LockTypeUnknown, 0},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got := parseLockTarget(tt.target)
			if got.Type != tt.wantType {
				t.Errorf("type = %q, want %q", got.Type, tt.wantType)
			}
			switch {
			case tt.wantOID == 0 && got.RelationOID != nil:
				t.Errorf("unexpected relation oid %d", *got.RelationOID)
			case tt.wantOID != 0 && (got.RelationOID == nil || *got.RelationOID != tt.wantOID):
				t.Errorf("relation oid = %v, want %d", got.RelationOID, tt.wantOID)
			}
		})
	}
}

// TestExtract_OptionalFields tests isolation level, wait events, start time and parameters.
func TestExtract_OptionalFields(t *testing.T) {
	raw := `ERROR:  deadlock detected
DETAIL:  Process 10 waits for ShareLock on transaction 1; blocked by process 11.
Process 11 waits for ShareLock on transaction 2; blocked by process 10.
Process 10: UPDATE t SET v = $1 WHERE id = $2
	parameters: $2 = '7', $1 = 'it''s'
	isolation level: serializable
	wait_event_type=Lock wait_event=transactionid
	xact_start=2024-01-15 10:23:40.5+00
Process 11: UPDATE t SET v = 0 WHERE id = 8`

	res := Extract(raw)
	require.Len(t, res.Segments, 4)

	f := res.Segments[2].Fields
	require.NotNil(t, f.Query)
	assert.Equal(t, "UPDATE t SET v = $1 WHERE id = $2", *f.Query)
	assert.Equal(t, []string{"it's", "7"}, f.Parameters)
	require.NotNil(t, f.IsolationLevel)
	assert.Equal(t, "SERIALIZABLE", *f.IsolationLevel)
	assert.Equal(t, "Lock", *f.WaitEventType)
	assert.Equal(t, "transactionid", *f.WaitEvent)
	require.NotNil(t, f.StartTime)
	assert.Equal(t, "2024-01-15 10:23:40.5+00", *f.StartTime)

	other := res.Segments[3].Fields
	assert.Nil(t, other.Parameters, "absent parameter list must stay nil")
	assert.Nil(t, other.IsolationLevel)
	assert.Nil(t, other.StartTime)
}

// TestExtract_HiddenQuery tests that placeholder query text counts as absent.
func TestExtract_HiddenQuery(t *testing.T) {
	raw := `ERROR:  deadlock detected
DETAIL:  Process 1 waits for ShareLock on transaction 10; blocked by process 2.
Process 2 waits for ShareLock on transaction 11; blocked by process 1.
Process 1: <insufficient privilege>
Process 2: <insufficient privilege>`

	res := Extract(raw)
	for _, seg := range res.Segments {
		assert.Nil(t, seg.Fields.Query, "segment for pid %d", seg.PID)
	}
}

// TestExtract_SegmentLimit tests truncation past the segment cap.
func TestExtract_SegmentLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString("ERROR:  deadlock detected\nDETAIL:  ")
	for pid := 1; pid <= 10; pid++ {
		next := pid%10 + 1
		fmt.Fprintf(&b, "Process %d waits for ShareLock on transaction 1; blocked by process %d.\n", pid, next)
	}

	res := extract(b.String(), DefaultMaxInputBytes, 4)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Segments, 4)
}

// TestExtract_InputLimit tests that oversized input is cut on a line boundary.
func TestExtract_InputLimit(t *testing.T) {
	raw := twoProcessReport + "\n" + strings.Repeat("x", 1024)
	res := extract(raw, len(twoProcessReport)+10, DefaultMaxSegments)

	assert.True(t, res.Truncated)
	assert.True(t, res.Recognized)
	assert.Len(t, res.Segments, 4)
}

// TestExtract_DuplicateFieldWarns tests the first-match-wins policy.
func TestExtract_DuplicateFieldWarns(t *testing.T) {
	raw := `ERROR:  deadlock detected
DETAIL:  Process 1 waits for ShareLock on transaction 10; blocked by process 2. isolation level read committed isolation level serializable
Process 2 waits for ShareLock on transaction 11; blocked by process 1.`

	res := Extract(raw)
	require.NotNil(t, res.Segments[0].Fields.IsolationLevel)
	assert.Equal(t, "READ COMMITTED", *res.Segments[0].Fields.IsolationLevel)
	assert.Contains(t, strings.Join(res.Warnings, "\n"), "isolation level")
}
