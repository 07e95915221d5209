// simulate.go implements the "labassist simulate" command, which replays a
// scenario file and writes a run report.
package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/chinanuj/AgenticLabAssistant/internal/cleanup"
	"github.com/chinanuj/AgenticLabAssistant/internal/log"
	"github.com/chinanuj/AgenticLabAssistant/internal/notify"
	"github.com/chinanuj/AgenticLabAssistant/internal/report"
	"github.com/chinanuj/AgenticLabAssistant/internal/simulate"
	"github.com/chinanuj/AgenticLabAssistant/internal/tui"
	"github.com/chinanuj/AgenticLabAssistant/internal/ui"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario.yaml>",
	Short: "Replay a scenario of booking requests",
	Long: `Replay the requests in a scenario file one at a time against the
scenario's resources, print each decision and the final schedule, and write
report.md into a new directory under .labassist/runs/.`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

var (
	tuiFlag      bool
	noReportFlag bool
)

func init() {
	simulateCmd.Flags().BoolVar(&tuiFlag, "tui", false, "Browse the result interactively when finished")
	simulateCmd.Flags().BoolVar(&noReportFlag, "no-report", false, "Skip writing report.md")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	sc, err := simulate.Load(args[0])
	if err != nil {
		return err
	}

	logger, err := log.NewLogger(root)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}

	started := time.Now()
	runsDir := cleanup.RunsDir(root)
	policy := cleanup.Policy{MaxAgeDays: cfg.Cleanup.MaxAgeDays, Keep: cfg.Cleanup.KeepRuns}
	if pruned, pruneErr := cleanup.Prune(runsDir, policy, started, false); pruneErr != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: cleanup failed: %v\n", pruneErr)
	} else if len(pruned) > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "Cleaned up %d old run(s)\n", len(pruned))
	}

	runDir, err := cleanup.NewRunDir(runsDir, sc.Name, started)
	if err != nil {
		return err
	}
	b, err := openRunBackends(runDir, cfg.Storage)
	if err != nil {
		return err
	}
	defer b.Close()

	out := cmd.OutOrStdout()
	progress := ui.NewProgress(out, sc.Name, len(sc.Requests))
	progress.Start()

	res, err := simulate.Run(cmd.Context(), sc, simulate.Options{
		Settings: cfg.Settings(),
		Ledger:   b.Ledger,
		Store:    b.Store,
		Notifier: notify.LogSink{Logger: logger},
		Logger:   logger,
		OnDecision: func(e simulate.Entry) {
			progress.Step(e)
			if Verbose() {
				writeCommitments(out, e)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}
	progress.Finish()
	fmt.Fprintln(out)
	ui.WriteSchedule(out, res.Resources, res.Schedule)

	if !noReportFlag {
		if _, err := report.GenerateReport(res, logger, runDir, time.Since(started)); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nReport: %s\n", filepath.Join(runDir, "report.md"))
	}

	if tuiFlag {
		return tui.Run(res, out)
	}
	return nil
}

func writeCommitments(w io.Writer, e simulate.Entry) {
	for _, c := range e.Decision.Commitments {
		fmt.Fprintf(w, "      %-10s %-9s %s\n", c.Kind, c.Status, c.Terms)
	}
}
