// Package db holds the optional PostgreSQL connection used to enrich
// analyses with catalog data.
package db

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/willibrandon/dexter/internal/config"
	"github.com/willibrandon/dexter/internal/logger"
)

// ConnString builds a postgres:// URL from cfg and password.
func ConnString(cfg config.ConnectionConfig, password string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, password),
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/" + cfg.Database,
	}

	q := url.Values{}
	q.Set("sslmode", cfg.SSLMode)
	// Add SSL certificate paths if configured
	if cfg.SSLRootCert != "" {
		q.Set("sslrootcert", cfg.SSLRootCert)
	}
	if cfg.SSLCert != "" {
		q.Set("sslcert", cfg.SSLCert)
	}
	if cfg.SSLKey != "" {
		q.Set("sslkey", cfg.SSLKey)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// NewConnectionPool creates a new PostgreSQL connection pool using the provided configuration
func NewConnectionPool(ctx context.Context, cfg config.ConnectionConfig) (*pgxpool.Pool, error) {
	logger.Debug("Creating new database connection pool",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
		"user", cfg.User,
		"sslmode", cfg.SSLMode,
	)

	// Get password using precedence: password_command > PGPASSWORD > interactive prompt
	password, err := GetPassword(cfg.PasswordCommand)
	if err != nil {
		logger.Error("Failed to retrieve password", "error", err)
		return nil, fmt.Errorf("failed to retrieve password: %w", err)
	}

	return newPool(ctx, cfg, ConnString(cfg, password))
}

func newPool(ctx context.Context, cfg config.ConnectionConfig, connString string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		logger.Error("Failed to parse connection string", "error", err)
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Configure connection pool
	if cfg.PoolMaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.PoolMaxConns)
	}
	poolConfig.MinConns = int32(cfg.PoolMinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "dexter"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("Failed to create connection pool",
			"host", cfg.Host,
			"port", cfg.Port,
			"error", err,
		)
		return nil, fmt.Errorf(
			"connection refused: ensure PostgreSQL is running on %s:%d (error: %w)",
			cfg.Host,
			cfg.Port,
			err,
		)
	}

	if err := ValidateConnection(ctx, pool); err != nil {
		logger.Error("Connection validation failed", "error", err)
		pool.Close()
		return nil, err
	}

	logger.Info("Database connection pool created",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
	)

	return pool, nil
}

// ValidateConnection validates the database connection by executing a version query
func ValidateConnection(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := GetServerVersion(ctx, pool)
	if err != nil {
		return fmt.Errorf("connection validation failed: %w", err)
	}
	return nil
}

// GetServerVersion retrieves the PostgreSQL server version
func GetServerVersion(ctx context.Context, pool *pgxpool.Pool) (string, error) {
	var version string
	if err := pool.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		return "", fmt.Errorf("failed to get server version: %w", err)
	}
	return version, nil
}
