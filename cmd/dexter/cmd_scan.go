package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/willibrandon/dexter/internal/app"
	"github.com/willibrandon/dexter/internal/config"
	"github.com/willibrandon/dexter/internal/db"
	"github.com/willibrandon/dexter/internal/monitors"
)

// newScanCmd creates the scan subcommand.
func newScanCmd() *cobra.Command {
	var (
		dir        string
		pattern    string
		logFormat  string
		fromServer bool
		follow     bool
		reset      bool
		interval   time.Duration
		jsonLines  bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan PostgreSQL logs for deadlock reports",
		Long: `Scan PostgreSQL server logs for "deadlock detected" reports and analyze
each one. Read positions are stored in the history database, so a second
scan only picks up new reports.

The log directory comes from logs.directory, --dir, or, with --from-server,
from the server's own log_directory and log_filename settings.

Examples:
  dexter scan --dir /var/log/postgresql
  dexter scan --from-server --follow
  dexter scan --reset --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := setup(ctx, runtimeOptions{connect: true, connectAttempts: 3})
			if err != nil {
				return err
			}
			defer rt.close()

			logsCfg := rt.cfg.Logs
			if fromServer {
				if rt.pool == nil {
					return fmt.Errorf("--from-server needs a working connection (connection.enabled: true)")
				}
				lc, err := db.GetLoggingConfig(ctx, rt.pool)
				if err != nil {
					return fmt.Errorf("failed to read server logging settings: %w", err)
				}
				if !lc.LoggingCollector {
					return fmt.Errorf("logging_collector is off on the server; deadlock reports only reach its stderr")
				}
				logsCfg.Directory = lc.ResolvedDirectory()
				logsCfg.Pattern = monitors.ConvertLogFilenameToGlob(lc.LogFilename)
				logsCfg.Format = lc.Format()
				rt.log.Info("using server log settings",
					"directory", logsCfg.Directory, "pattern", logsCfg.Pattern, "format", logsCfg.Format)
			}
			applyScanFlags(&logsCfg, dir, pattern, logFormat)

			var positions monitors.PositionStore
			if rt.store != nil {
				positions = rt.store
			}
			monitor, err := monitors.NewDeadlockMonitor(ctx, logsCfg, positions, rt.log)
			if err != nil {
				return err
			}
			if reset {
				monitor.ResetPositions()
			}
			if interval > 0 {
				monitor.SetInterval(interval)
			}

			p := &reportPrinter{w: cmd.OutOrStdout(), jsonLines: jsonLines}
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(logsCfg.Concurrency)
			emit := func(r monitors.Report) error {
				g.Go(func() error {
					res := rt.service.Analyze(gctx, r.Message)
					return p.print(r, res)
				})
				return nil
			}

			if follow {
				fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (%s), Ctrl-C to stop\n", monitor.GetLogDirectory(), monitor.Format())
				err = monitor.Run(ctx, emit)
			} else {
				var progress monitors.ProgressFunc
				if !jsonLines {
					progress = func(current, total int) {
						fmt.Fprintf(cmd.ErrOrStderr(), "\rScanning file %d/%d", current, total)
						if current == total {
							fmt.Fprintln(cmd.ErrOrStderr())
						}
					}
				}
				_, err = monitor.ParseOnce(ctx, emit, progress)
			}
			if werr := g.Wait(); werr != nil && err == nil {
				err = werr
			}

			if !jsonLines {
				p.summary(cmd.ErrOrStderr())
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "log directory (overrides logs.directory)")
	cmd.Flags().StringVar(&pattern, "pattern", "", "log file glob (overrides logs.pattern)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "log format: auto, stderr, csvlog, jsonlog")
	cmd.Flags().BoolVar(&fromServer, "from-server", false, "read log location and format from the server settings")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep watching for new reports")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval with --follow (default 10s)")
	cmd.Flags().BoolVar(&reset, "reset", false, "rescan files from the beginning")
	cmd.Flags().BoolVar(&jsonLines, "json", false, "print one JSON object per report")
	return cmd
}

// applyScanFlags overrides the configured log settings with non-empty flags.
func applyScanFlags(cfg *config.LogsConfig, dir, pattern, format string) {
	if dir != "" {
		cfg.Directory = dir
	}
	if pattern != "" {
		cfg.Pattern = pattern
	}
	if format != "" {
		cfg.Format = format
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
}

// scanLine is the --json output for one report.
type scanLine struct {
	File        string   `json:"file"`
	Offset      int64    `json:"offset"`
	Cached      bool     `json:"cached"`
	ContentHash string   `json:"content_hash"`
	Severity    string   `json:"severity,omitempty"`
	Processes   int      `json:"processes"`
	Cycles      int      `json:"cycles"`
	Tables      []string `json:"tables,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// reportPrinter serializes output from concurrent analyses.
type reportPrinter struct {
	mu        sync.Mutex
	w         io.Writer
	jsonLines bool

	total, cached, failed int
}

func (p *reportPrinter) print(r monitors.Report, res app.Result) error {
	a := res.Analysis
	line := scanLine{
		File:        r.File,
		Offset:      r.Offset,
		Cached:      res.Cached,
		ContentHash: a.ContentHash,
		Severity:    string(a.Severity),
		Processes:   len(a.Processes),
		Cycles:      len(a.Cycles),
		Tables:      a.Tables(),
		Error:       a.Error,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.total++
	if res.Cached {
		p.cached++
	}
	if a.Failed() {
		p.failed++
	}

	if p.jsonLines {
		return json.NewEncoder(p.w).Encode(line)
	}

	if a.Failed() {
		_, err := fmt.Fprintf(p.w, "%s:%d  %s  %s\n", r.File, r.Offset, color.RedString("failed"), line.Error)
		return err
	}
	tables := strings.Join(line.Tables, ", ")
	if tables == "" {
		tables = "-"
	}
	_, err := fmt.Fprintf(p.w, "%s:%d  %s  %-8s  %d processes  %s\n",
		r.File, r.Offset, shortHash(a.ContentHash), line.Severity, line.Processes, tables)
	return err
}

func (p *reportPrinter) summary(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(w, "%s deadlock reports (%s cached, %s failed)\n",
		humanize.Comma(int64(p.total)), humanize.Comma(int64(p.cached)), humanize.Comma(int64(p.failed)))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
