package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/willibrandon/dexter/internal/config"
	"github.com/willibrandon/dexter/internal/logger"
)

// ReconnectionState tracks connection attempts
type ReconnectionState struct {
	Attempt     int           // Current attempt number (1-based)
	LastAttempt time.Time     // Timestamp of last attempt
	NextDelay   time.Duration // Delay until next attempt
	MaxAttempts int           // Maximum attempts before giving up
}

// NewReconnectionState creates a new reconnection state
func NewReconnectionState(maxAttempts int) *ReconnectionState {
	return &ReconnectionState{
		MaxAttempts: maxAttempts,
		NextDelay:   time.Second,
	}
}

// CalculateNextDelay calculates the next delay using exponential backoff
// Sequence: 1s, 2s, 4s, 8s, 16s, capped at 30s
func (r *ReconnectionState) CalculateNextDelay() time.Duration {
	if r.Attempt >= 5 {
		return 30 * time.Second
	}
	return time.Duration(1<<uint(r.Attempt)) * time.Second
}

// NextAttempt prepares for the next attempt and reports whether one is allowed.
func (r *ReconnectionState) NextAttempt() bool {
	r.Attempt++
	r.LastAttempt = time.Now()
	r.NextDelay = r.CalculateNextDelay()
	return r.Attempt <= r.MaxAttempts
}

// Reset resets the state after a successful connection
func (r *ReconnectionState) Reset() {
	r.Attempt = 0
	r.NextDelay = time.Second
}

// HasAttemptsRemaining returns true if more attempts are available
func (r *ReconnectionState) HasAttemptsRemaining() bool {
	return r.Attempt < r.MaxAttempts
}

// ConnectWithRetry creates a pool, retrying with backoff up to maxAttempts
// times. The password is resolved once so an interactive prompt is not
// repeated.
func ConnectWithRetry(ctx context.Context, cfg config.ConnectionConfig, maxAttempts int) (*pgxpool.Pool, error) {
	password, err := GetPassword(cfg.PasswordCommand)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve password: %w", err)
	}
	connString := ConnString(cfg, password)

	if maxAttempts < 1 {
		maxAttempts = 1
	}
	state := NewReconnectionState(maxAttempts)
	var lastErr error
	for state.NextAttempt() {
		if state.Attempt > 1 {
			logger.Debug("Waiting before connection attempt",
				"attempt", state.Attempt,
				"delay", state.NextDelay,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(state.NextDelay):
			}
		}

		pool, err := newPool(ctx, cfg, connString)
		if err == nil {
			state.Reset()
			return pool, nil
		}
		lastErr = err
		logger.Warn("Connection attempt failed",
			"attempt", state.Attempt,
			"max_attempts", state.MaxAttempts,
			"error", err,
		)
	}

	return nil, fmt.Errorf("maximum connection attempts (%d) exceeded: %w", maxAttempts, lastErr)
}
