package deadlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseStatement tests lock modes and tables inferred from statements.
func TestParseStatement(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		kind      string
		target    string
		tableMode LockMode
		tupleMode LockMode
		ddl       bool
		tables    []string
	}{
		{
			name:      "update",
			query:     "UPDATE accounts SET balance = balance - 10 WHERE id = 1",
			kind:      kindUpdate,
			target:    "accounts",
			tableMode: RowExclusiveLock,
			tupleMode: ExclusiveLock,
			tables:    []string{"accounts"},
		},
		{
			name:      "delete with schema",
			query:     "DELETE FROM billing.invoices WHERE id = 3",
			kind:      kindDelete,
			target:    "billing.invoices",
			tableMode: RowExclusiveLock,
			tupleMode: AccessExclusiveLock,
			tables:    []string{"billing.invoices"},
		},
		{
			name:      "select join",
			query:     "SELECT * FROM orders o JOIN customers c ON c.id = o.customer_id",
			kind:      kindSelect,
			target:    "customers",
			tableMode: AccessShareLock,
			tables:    []string{"customers", "orders"},
		},
		{
			name:      "select for update",
			query:     "SELECT * FROM jobs WHERE id = 1 FOR UPDATE",
			kind:      kindSelect,
			target:    "jobs",
			tableMode: RowShareLock,
			tupleMode: AccessExclusiveLock,
			tables:    []string{"jobs"},
		},
		{
			name:      "select for key share",
			query:     "SELECT 1 FROM ONLY parents x WHERE id = $1 FOR KEY SHARE OF x",
			kind:      kindSelect,
			target:    "parents",
			tableMode: RowShareLock,
			tupleMode: AccessShareLock,
			tables:    []string{"parents"},
		},
		{
			name:      "lock table",
			query:     "LOCK TABLE inventory IN SHARE ROW EXCLUSIVE MODE",
			kind:      kindLock,
			target:    "inventory",
			tableMode: ShareRowExclusiveLock,
			tables:    []string{"inventory"},
		},
		{
			name:      "create index concurrently",
			query:     "CREATE INDEX CONCURRENTLY idx_a ON events (a)",
			kind:      kindDDL,
			target:    "events",
			tableMode: ShareUpdateExclusiveLock,
			ddl:       true,
			tables:    []string{"events"},
		},
		{
			name:      "alter table",
			query:     "ALTER TABLE users ADD COLUMN nickname text",
			kind:      kindDDL,
			target:    "users",
			tableMode: AccessExclusiveLock,
			ddl:       true,
			tables:    []string{"users"},
		},
		{
			name:      "vacuum full",
			query:     "VACUUM (FULL) big_table",
			kind:      kindMaintenance,
			target:    "big_table",
			tableMode: AccessExclusiveLock,
			tables:    []string{"big_table"},
		},
		{
			name:      "cte names are not tables",
			query:     "WITH moved AS (DELETE FROM queue RETURNING *) INSERT INTO archive SELECT * FROM moved",
			kind:      kindInsert,
			target:    "archive",
			tableMode: RowExclusiveLock,
			tupleMode: ExclusiveLock,
			tables:    []string{"archive", "queue"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := parseStatement(tt.query)
			require.NoError(t, err)
			assert.True(t, info.Parsed)
			assert.Equal(t, tt.kind, info.Kind)
			assert.Equal(t, tt.target, info.Target)
			assert.Equal(t, tt.tableMode, info.TableMode)
			assert.Equal(t, tt.tupleMode, info.TupleMode)
			assert.Equal(t, tt.ddl, info.DDL)
			assert.Equal(t, tt.tables, info.Tables)
		})
	}
}

// TestParseStatement_Fallback tests truncated statements that do not parse.
func TestParseStatement_Fallback(t *testing.T) {
	info, err := parseStatement(`UPDATE "Orders" SET note = 'abc' WHERE id IN (SELECT id FROM order_items WHERE`)
	require.Error(t, err)
	assert.False(t, info.Parsed)
	assert.Equal(t, kindUpdate, info.Kind)
	assert.Equal(t, "Orders", info.Target)
	assert.Equal(t, []string{"Orders", "order_items"}, info.Tables)
	assert.Equal(t, RowExclusiveLock, info.TableMode)
}

// TestFingerprintQuery tests that literals do not change the fingerprint.
func TestFingerprintQuery(t *testing.T) {
	fp1, norm1, ok1 := fingerprintQuery("UPDATE accounts SET balance = 10 WHERE id = 1;")
	fp2, norm2, ok2 := fingerprintQuery("UPDATE accounts SET balance = 99 WHERE id = 2")
	require.True(t, ok1)
	require.True(t, ok2)

	assert.Equal(t, fp1, fp2)
	assert.Equal(t, norm1, norm2)
	assert.Len(t, fp1, 16)
	assert.NotContains(t, norm1, "10")

	fp3, _, _ := fingerprintQuery("UPDATE ledger SET amount = 10 WHERE id = 1")
	assert.NotEqual(t, fp1, fp3)

	_, _, ok := fingerprintQuery("   ")
	assert.False(t, ok)
}
