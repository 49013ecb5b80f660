package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.design/x/clipboard"
	"golang.org/x/term"

	"github.com/willibrandon/dexter/internal/deadlock"
	"github.com/willibrandon/dexter/internal/ui/deadviz"
	"github.com/willibrandon/dexter/internal/ui/highlight"
)

// errAnalysisFailed makes the process exit non-zero after a failed analysis
// has been rendered.
var errAnalysisFailed = errors.New("deadlock analysis failed")

// newAnalyzeCmd creates the analyze subcommand.
func newAnalyzeCmd() *cobra.Command {
	var (
		output   string
		eventID  string
		critical []string
		width    uint
		formatQ  bool
		resolve  bool
		noCache  bool
		copyFix  bool
	)

	cmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Analyze a deadlock report",
		Long: `Analyze a single PostgreSQL deadlock report.

The report is read from the file argument, or from stdin when no file is
given or the file is "-". It may be a bare ERROR/DETAIL block, a full log
excerpt, or an exception message from an application.

Examples:
  dexter analyze deadlock.txt
  pbpaste | dexter analyze --output json
  dexter analyze --critical-table payments --resolve report.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}

			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			text, err := readReport(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}

			rt, err := setup(cmd.Context(), runtimeOptions{
				connect:         resolve,
				connectAttempts: 1,
				critical:        critical,
				noCache:         noCache,
			})
			if err != nil {
				return err
			}
			defer rt.close()

			now := time.Now()
			res := rt.service.Analyze(cmd.Context(), deadlock.RawDeadlockMessage{
				EventID:   eventID,
				Timestamp: &now,
				Backend:   "postgresql",
				Text:      text,
			})

			out := cmd.OutOrStdout()
			if output != "text" {
				if err := writeStructured(out, output, res.Analysis); err != nil {
					return err
				}
			} else {
				opts := deadviz.Options{Width: width}
				if formatQ {
					opts.SQLFormatter = highlight.FormatAndHighlightSQL
				} else {
					opts.SQLFormatter = highlight.SQL
				}
				if err := deadviz.Visualize(out, res.Analysis, opts); err != nil {
					return err
				}
				if res.Cached {
					fmt.Fprintln(cmd.ErrOrStderr(), "(cached analysis)")
				}
			}

			if res.Analysis.Failed() {
				return errAnalysisFailed
			}
			if copyFix {
				if err := clipboard.Init(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Clipboard unavailable: %v\n", err)
				} else {
					clipboard.Write(clipboard.FmtText, []byte(fixSummary(res.Analysis)))
					fmt.Fprintln(cmd.ErrOrStderr(), "Recommendation copied to clipboard")
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json, yaml")
	cmd.Flags().StringVar(&eventID, "event-id", "", "event id to attach (default: random UUID)")
	cmd.Flags().StringSliceVar(&critical, "critical-table", nil, "additional critical table (repeatable)")
	cmd.Flags().UintVar(&width, "width", terminalWidth(), "wrap width for recommendations")
	cmd.Flags().BoolVar(&formatQ, "format-sql", false, "pretty-print queries before highlighting")
	cmd.Flags().BoolVar(&resolve, "resolve", false, "resolve relation OIDs using the configured connection")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "skip the history cache")
	cmd.Flags().BoolVar(&copyFix, "copy", false, "copy the recommendation to the clipboard")
	return cmd
}

// readReport reads the report text from path, or from stdin for "-".
func readReport(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			fmt.Fprintln(os.Stderr, "Reading deadlock report from stdin (Ctrl-D to finish)...")
		}
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read report: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("empty deadlock report")
	}
	return string(data), nil
}

// terminalWidth returns the stdout width capped at 100, or 80 when stdout
// is not a terminal.
func terminalWidth() uint {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return uint(min(w, 100))
}

// fixSummary is the plain-text recommendation copied by --copy.
func fixSummary(a *deadlock.DeadlockAnalysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Deadlock %s (%s)", a.ContentHash, a.Severity)
	if tables := a.Tables(); len(tables) > 0 {
		fmt.Fprintf(&b, " on %s", strings.Join(tables, ", "))
	}
	b.WriteString("\n\n")
	b.WriteString(a.RecommendedFix)
	for _, r := range a.Recommendations {
		if r == a.RecommendedFix {
			continue
		}
		b.WriteString("\n- " + r)
	}
	return b.String()
}
