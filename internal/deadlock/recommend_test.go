package deadlock

import (
	"strings"
	"testing"
)

func recommendFor(t *testing.T, raw string) []string {
	t.Helper()
	ex := Extract(raw)
	records, _ := BuildTransactions(ex)
	g, _ := BuildGraph(records)
	res := FindCycles(g, DefaultMaxCycles)
	return Recommend(g, res.Cycles, ex.Header.SeqScans)
}

// TestRecommend tests which rule produces the recommended fix.
func TestRecommend(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		first string
		also  []string
	}{
		{
			name:  "opposite table order",
			raw:   twoProcessReport,
			first: "Access tables in a consistent order across transactions: accounts, then ledger",
		},
		{
			name: "same table rows",
			raw: `ERROR:  deadlock detected
DETAIL:  Process 1 waits for ShareLock on transaction 10; blocked by process 2.
Process 2 waits for ShareLock on transaction 11; blocked by process 1.
Process 1: UPDATE stock SET qty = qty - 1 WHERE sku = 'a'
Process 2: UPDATE stock SET qty = qty - 1 WHERE sku = 'b'`,
			first: "Rows of stock are locked in different orders",
		},
		{
			name:  "ddl against dml",
			raw:   relationReport,
			first: "Access tables in a consistent order across transactions: sessions, then users",
			also:  []string{"LOCK TABLE users IN ACCESS EXCLUSIVE MODE", "DDL on users"},
		},
		{
			name: "advisory",
			raw: `ERROR:  deadlock detected
DETAIL:  Process 1 waits for ExclusiveLock on advisory lock [16385,0,1,1]; blocked by process 2.
Process 2 waits for ExclusiveLock on advisory lock [16385,0,2,1]; blocked by process 1.
Process 1: SELECT pg_advisory_lock(2)
Process 2: SELECT pg_advisory_lock(1)`,
			first: "Advisory locks are taken in different orders",
		},
		{
			name: "serializable retries and seq scan",
			raw: `ERROR:  deadlock detected
DETAIL:  Process 1 waits for ShareLock on transaction 10; blocked by process 2.
Process 2 waits for ShareLock on transaction 11; blocked by process 1.
Process 1: <insufficient privilege>
	isolation level: serializable
Process 2: <insufficient privilege>
LOG:  duration: 1012.3 ms  plan:
	Update on events  (cost=0.00..35.50 rows=10 width=10)
	  ->  Seq Scan on events  (cost=0.00..35.50 rows=10 width=10)`,
			first: "Sequential scans on events",
			also:  []string{"SERIALIZABLE isolation"},
		},
		{
			name: "fallback",
			raw: `ERROR:  deadlock detected
DETAIL:  Process 1 waits for ShareLock on transaction 10; blocked by process 2.
Process 2 waits for ShareLock on transaction 11; blocked by process 1.`,
			first: FallbackRecommendation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := recommendFor(t, tt.raw)
			if len(recs) == 0 {
				t.Fatal("no recommendations")
			}
			if !strings.HasPrefix(recs[0], tt.first) {
				t.Errorf("first recommendation = %q, want prefix %q", recs[0], tt.first)
			}
			joined := strings.Join(recs, "\n")
			for _, want := range tt.also {
				if !strings.Contains(joined, want) {
					t.Errorf("recommendations %q missing %q", joined, want)
				}
			}
		})
	}
}

// TestRecommend_EmptyGraph tests that nothing is recommended without processes.
func TestRecommend_EmptyGraph(t *testing.T) {
	if recs := recommendFor(t, "not a deadlock"); recs != nil {
		t.Errorf("Recommend() = %v, want nil", recs)
	}
}
