package db

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/willibrandon/dexter/internal/config"
	"github.com/willibrandon/dexter/internal/deadlock"
)

// TestResolveRelations_Postgres resolves OIDs against a real catalog.
func TestResolveRelations_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer container.Terminate(ctx)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port.Port())
	require.NoError(t, err)

	t.Setenv("PGPASSWORD", "test")
	cfg := config.ConnectionConfig{
		Enabled:      true,
		Host:         host,
		Port:         portNum,
		Database:     "testdb",
		User:         "test",
		SSLMode:      "disable",
		PoolMaxConns: 2,
	}

	pool, err := ConnectWithRetry(ctx, cfg, 3)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec(ctx, `
		CREATE SCHEMA billing;
		CREATE TABLE public.accounts (id int PRIMARY KEY, balance int);
		CREATE TABLE billing.ledger (id int PRIMARY KEY, amount int);`)
	require.NoError(t, err)

	var accountsOID, ledgerOID, dbOID uint32
	require.NoError(t, pool.QueryRow(ctx, "SELECT 'public.accounts'::regclass::oid").Scan(&accountsOID))
	require.NoError(t, pool.QueryRow(ctx, "SELECT 'billing.ledger'::regclass::oid").Scan(&ledgerOID))
	require.NoError(t, pool.QueryRow(ctx, "SELECT oid FROM pg_database WHERE datname = current_database()").Scan(&dbOID))

	report := fmt.Sprintf(`ERROR:  deadlock detected
DETAIL:  Process 100 waits for AccessExclusiveLock on relation %d of database %d; blocked by process 101.
Process 101 waits for AccessExclusiveLock on relation %d of database %d; blocked by process 100.`,
		ledgerOID, dbOID, accountsOID, dbOID)

	a := deadlock.Analyze(report)
	require.False(t, a.Failed())

	got, n, err := ResolveRelations(ctx, pool, a, []string{"ledger"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"public.accounts", "billing.ledger"}, got.Tables())

	logCfg, err := GetLoggingConfig(ctx, pool)
	require.NoError(t, err)
	assert.NotEmpty(t, logCfg.DataDirectory)
	assert.NotEmpty(t, logCfg.LogFilename)
}
