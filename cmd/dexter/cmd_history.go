package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/guptarohit/asciigraph"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/willibrandon/dexter/internal/deadlock"
	"github.com/willibrandon/dexter/internal/storage/sqlite"
	"github.com/willibrandon/dexter/internal/ui/deadviz"
	"github.com/willibrandon/dexter/internal/ui/highlight"
)

// historyFlags are shared by the listing subcommands.
type historyFlags struct {
	window time.Duration
	limit  int
	output string
}

func (f *historyFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.window, "window", 7*24*time.Hour, "how far back to look")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 20, "maximum rows")
	cmd.Flags().StringVarP(&f.output, "output", "o", "text", "output format: text, json, yaml")
}

func (f *historyFlags) validate() error {
	if f.limit < 1 || f.limit > 1000 {
		return fmt.Errorf("--limit must be between 1 and 1000, got %d", f.limit)
	}
	if f.window <= 0 {
		return fmt.Errorf("--window must be positive")
	}
	return validateOutput(f.output)
}

// newHistoryCmd creates the history subcommand.
func newHistoryCmd() *cobra.Command {
	var f historyFlags

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse stored deadlock analyses",
		Long: `Browse the analyses kept in the history database.

Subcommands:
  dexter history                  List recent analyses
  dexter history show <hash>      Show one analysis
  dexter history tables           Deadlocks per table
  dexter history queries          Deadlocks per statement fingerprint
  dexter history trend            Deadlocks over time as a chart
  dexter history prune            Delete analyses past storage.retention`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.validate(); err != nil {
				return err
			}
			return withStore(cmd, func(store *sqlite.AnalysisStore) error {
				rows, err := store.GetRecent(cmd.Context(), f.window, f.limit)
				if err != nil {
					return err
				}
				if f.output != "text" {
					return writeStructured(cmd.OutOrStdout(), f.output, rows)
				}
				printRecent(cmd.OutOrStdout(), rows)
				return nil
			})
		},
	}
	f.register(cmd)

	cmd.AddCommand(
		newHistoryShowCmd(),
		newHistoryTablesCmd(),
		newHistoryQueriesCmd(),
		newHistoryTrendCmd(),
		newHistoryPruneCmd(),
	)
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	var (
		output  string
		showRaw bool
	)

	cmd := &cobra.Command{
		Use:   "show <hash>",
		Short: "Show a stored analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			return withStore(cmd, func(store *sqlite.AnalysisStore) error {
				stored, err := store.GetByHash(cmd.Context(), args[0])
				if errors.Is(err, sqlite.ErrNotFound) {
					return fmt.Errorf("no analysis with hash %s", args[0])
				}
				if err != nil {
					return err
				}
				if !showRaw {
					stored.RawText = ""
				}

				out := cmd.OutOrStdout()
				if output != "text" {
					return writeStructured(out, output, stored)
				}
				if err := deadviz.Visualize(out, stored.Analysis, deadviz.Options{
					Width:        terminalWidth(),
					SQLFormatter: highlight.SQL,
				}); err != nil {
					return err
				}
				fmt.Fprintf(out, "\nStored %s (parser %s)\n", humanize.Time(stored.CreatedAt), stored.ParserVersion)
				if showRaw {
					fmt.Fprintf(out, "\nRaw report:\n%s\n", stored.RawText)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json, yaml")
	cmd.Flags().BoolVar(&showRaw, "raw", false, "include the original report text")
	return cmd
}

func newHistoryTablesCmd() *cobra.Command {
	var (
		f     historyFlags
		chart bool
	)

	cmd := &cobra.Command{
		Use:   "tables",
		Short: "Show the tables involved in the most deadlocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.validate(); err != nil {
				return err
			}
			return withStore(cmd, func(store *sqlite.AnalysisStore) error {
				rows, err := store.GetTableStats(cmd.Context(), f.window, f.limit)
				if err != nil {
					return err
				}
				if f.output != "text" {
					return writeStructured(cmd.OutOrStdout(), f.output, rows)
				}
				if chart {
					out, err := renderTableChart(rows, int(terminalWidth()))
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), out)
					return nil
				}
				printTableStats(cmd.OutOrStdout(), rows)
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&chart, "chart", false, "draw a bar chart instead of a table")
	return cmd
}

func newHistoryQueriesCmd() *cobra.Command {
	var f historyFlags

	cmd := &cobra.Command{
		Use:   "queries",
		Short: "Show the statements involved in the most deadlocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.validate(); err != nil {
				return err
			}
			return withStore(cmd, func(store *sqlite.AnalysisStore) error {
				rows, err := store.GetQueryStats(cmd.Context(), f.window, f.limit)
				if err != nil {
					return err
				}
				if f.output != "text" {
					return writeStructured(cmd.OutOrStdout(), f.output, rows)
				}
				printQueryStats(cmd.OutOrStdout(), rows)
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newHistoryTrendCmd() *cobra.Command {
	var (
		window time.Duration
		bucket time.Duration
		height int
		output string
	)

	cmd := &cobra.Command{
		Use:   "trend",
		Short: "Chart deadlocks over time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			if bucket < time.Minute || bucket > window {
				return fmt.Errorf("--bucket must be between 1m and --window")
			}
			return withStore(cmd, func(store *sqlite.AnalysisStore) error {
				points, err := store.GetTimeline(cmd.Context(), window, bucket)
				if err != nil {
					return err
				}
				if output != "text" {
					return writeStructured(cmd.OutOrStdout(), output, points)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTrend(points, bucket, height, int(terminalWidth())-10))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 7*24*time.Hour, "how far back to look")
	cmd.Flags().DurationVar(&bucket, "bucket", 6*time.Hour, "bucket size")
	cmd.Flags().IntVar(&height, "height", 10, "chart height in rows")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json, yaml")
	return cmd
}

// renderTrend plots bucket counts with asciigraph.
func renderTrend(points []sqlite.TimelinePoint, bucket time.Duration, height, width int) string {
	if len(points) == 0 {
		return "No deadlocks recorded in this window."
	}
	data := make([]float64, len(points))
	total := 0
	for i, p := range points {
		data[i] = float64(p.Count)
		total += p.Count
	}

	opts := []asciigraph.Option{
		asciigraph.Height(max(height, 2)),
		asciigraph.LowerBound(0),
		asciigraph.Precision(0),
		asciigraph.Caption(fmt.Sprintf("%s deadlocks per %s, %s to %s",
			humanize.Comma(int64(total)), bucket,
			points[0].Start.Local().Format("Jan 2 15:04"),
			points[len(points)-1].Start.Add(bucket).Local().Format("Jan 2 15:04"))),
	}
	if width > 0 && len(data) > width {
		opts = append(opts, asciigraph.Width(width))
	}
	return asciigraph.Plot(data, opts...)
}

func newHistoryPruneCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete expired analyses",
		Long: `Delete analyses older than storage.retention. With --all, delete the
whole history including saved log positions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context(), runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.close()
			store, err := rt.requireStore()
			if err != nil {
				return err
			}

			if all {
				if err := store.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
				return nil
			}
			deleted, err := store.Cleanup(cmd.Context(), rt.cfg.Storage.Retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s analyses older than %s\n", humanize.Comma(deleted), rt.cfg.Storage.Retention)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete all history and log positions")
	return cmd
}

// withStore runs fn against the history store.
func withStore(cmd *cobra.Command, fn func(*sqlite.AnalysisStore) error) error {
	rt, err := setup(cmd.Context(), runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.close()
	store, err := rt.requireStore()
	if err != nil {
		return err
	}
	return fn(store)
}

func printRecent(w io.Writer, rows []sqlite.AnalysisSummary) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No deadlocks recorded in this window.")
		return
	}
	bold := color.New(color.Bold)
	bold.Fprintf(w, "%-12s  %-16s  %-8s  %5s  %6s  %s\n", "HASH", "DETECTED", "SEVERITY", "PROCS", "CYCLES", "TABLES")
	for _, r := range rows {
		fmt.Fprintf(w, "%-12s  %-16s  %s  %5d  %6d  %s\n",
			shortHash(r.ContentHash),
			humanize.Time(r.DetectedAt),
			severityCell(r.Severity),
			r.ProcessCount,
			r.CycleCount,
			strings.Join(r.Tables, ", "),
		)
	}
}

func printTableStats(w io.Writer, rows []sqlite.TableStats) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No deadlocks recorded in this window.")
		return
	}
	bold := color.New(color.Bold)
	bold.Fprintf(w, "%-32s  %9s  %-16s  %s\n", "TABLE", "DEADLOCKS", "LAST", "LOCK MODES")
	for _, r := range rows {
		fmt.Fprintf(w, "%-32s  %9s  %-16s  %s\n",
			r.TableName,
			humanize.Comma(int64(r.DeadlockCount)),
			humanize.Time(r.LastOccurrence),
			strings.Join(r.LockModes, ", "),
		)
	}
}

func printQueryStats(w io.Writer, rows []sqlite.QueryStats) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No deadlocks recorded in this window.")
		return
	}
	for i, r := range rows {
		if i > 0 {
			fmt.Fprintln(w)
		}
		color.New(color.Bold).Fprintf(w, "%s", r.Fingerprint)
		fmt.Fprintf(w, "  %s deadlocks, last %s\n", humanize.Comma(int64(r.DeadlockCount)), humanize.Time(r.LastOccurrence))
		fmt.Fprintf(w, "  %s\n", highlight.SQL(r.NormalizedQuery))
	}
}

// renderTableChart draws per-table counts as a horizontal pterm bar chart.
func renderTableChart(rows []sqlite.TableStats, width int) (string, error) {
	if len(rows) == 0 {
		return "No deadlocks recorded in this window.", nil
	}
	if color.NoColor {
		pterm.DisableColor()
		defer pterm.EnableColor()
	}

	const maxLabel = 24
	bars := make(pterm.Bars, 0, len(rows))
	for _, r := range rows {
		label := r.TableName
		if len(label) > maxLabel {
			label = label[:maxLabel-1] + "…"
		}
		bars = append(bars, pterm.Bar{Label: label, Value: r.DeadlockCount})
	}

	return pterm.DefaultBarChart.
		WithBars(bars).
		WithHorizontal(true).
		WithShowValue(true).
		WithWidth(max(width-maxLabel-15, 10)).
		Srender()
}

// severityCell pads before coloring so escape codes do not break alignment.
func severityCell(s deadlock.Severity) string {
	cell := fmt.Sprintf("%-8s", s)
	switch s {
	case deadlock.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint(cell)
	case deadlock.SeverityHigh:
		return color.RedString(cell)
	case deadlock.SeverityMedium:
		return color.YellowString(cell)
	case deadlock.SeverityLow:
		return color.GreenString(cell)
	}
	return cell
}
