package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/willibrandon/dexter/internal/app"
	"github.com/willibrandon/dexter/internal/config"
	"github.com/willibrandon/dexter/internal/db"
	"github.com/willibrandon/dexter/internal/deadlock"
	"github.com/willibrandon/dexter/internal/logger"
	"github.com/willibrandon/dexter/internal/storage/sqlite"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	configPath string
	debug      bool
	logStderr  bool
	noColor    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dexter",
		Short: "PostgreSQL deadlock analyzer",
		Long: `dexter parses PostgreSQL "deadlock detected" reports, rebuilds the
wait-for graph between the backends involved, and explains the cycle.

Commands:
  dexter analyze [file]        Analyze one report from a file or stdin
  dexter scan                  Scan PostgreSQL log files for deadlocks
  dexter history               Browse stored analyses and statistics
  dexter serve                 Run the HTTP analysis API`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/dexter/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logStderr, "log-stderr", false, "write logs to stderr instead of the log file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	// Add subcommands
	rootCmd.AddCommand(
		newAnalyzeCmd(),
		newScanCmd(),
		newHistoryCmd(),
		newServeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runtime holds the components shared by the subcommands.
type runtime struct {
	cfg     *config.Config
	log     *slog.Logger
	db      *sqlite.DB
	store   *sqlite.AnalysisStore
	pool    *pgxpool.Pool
	service *app.Service
}

// runtimeOptions selects the optional components a command needs.
type runtimeOptions struct {
	// connect opens the PostgreSQL pool when connection.enabled is set.
	connect bool
	// connectAttempts bounds ConnectWithRetry. Zero means a single attempt.
	connectAttempts int
	// critical adds critical tables on top of the configured ones.
	critical []string
	// noCache analyzes without consulting or filling the history store.
	noCache bool
}

// setup loads the configuration, initializes logging and opens the store and
// the optional database pool. The caller must call close.
func setup(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Debug = true
	}

	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	logOpts := logger.Options{Level: level, Path: cfg.LogFile}
	if logStderr {
		logOpts.Writer = os.Stderr
	}
	log, err := logger.InitLogger(logOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	rt := &runtime{cfg: cfg, log: log}

	if cfg.Storage.Enabled {
		path := cfg.Storage.ResolvedPath()
		rt.db, err = sqlite.Open(path)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to open history store %s: %w", path, err)
		}
		rt.store = sqlite.NewAnalysisStore(rt.db)
		log.Debug("history store opened", "path", path)
	}

	if opts.connect && cfg.Connection.Enabled {
		rt.pool, err = db.ConnectWithRetry(ctx, cfg.Connection, opts.connectAttempts)
		if err != nil {
			// Resolution is optional; analysis continues with raw OIDs
			fmt.Fprintln(os.Stderr, app.FormatConnectionError(err))
			fmt.Fprintln(os.Stderr)
			log.Warn("relation resolution disabled", "error", err)
			rt.pool = nil
		}
	}

	analyzerOpts := cfg.Analyzer.Options()
	analyzerOpts.CriticalTables = append(analyzerOpts.CriticalTables, opts.critical...)

	var store app.Store
	if rt.store != nil && !opts.noCache {
		store = rt.store
	}
	var resolve app.RelationResolver
	if rt.pool != nil {
		pool := rt.pool
		resolve = func(ctx context.Context, a *deadlock.DeadlockAnalysis, critical []string) (*deadlock.DeadlockAnalysis, int, error) {
			return db.ResolveRelations(ctx, pool, a, critical)
		}
	}
	rt.service = app.NewService(analyzerOpts, store, resolve, log)

	return rt, nil
}

// requireStore returns the history store or an error when storage is off.
func (rt *runtime) requireStore() (*sqlite.AnalysisStore, error) {
	if rt.store == nil {
		return nil, fmt.Errorf("history storage is disabled (storage.enabled: false)")
	}
	return rt.store, nil
}

func (rt *runtime) close() {
	if rt.pool != nil {
		rt.pool.Close()
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.log.Error("failed to close history store", "error", err)
		}
	}
	logger.Close()
}
