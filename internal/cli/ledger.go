// ledger.go implements the "labassist ledger" command for reading the
// commitment ledger.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chinanuj/AgenticLabAssistant/internal/cleanup"
	"github.com/chinanuj/AgenticLabAssistant/internal/ledger"
	"github.com/chinanuj/AgenticLabAssistant/internal/server"
	"github.com/chinanuj/AgenticLabAssistant/internal/ui"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger [participant]",
	Short: "Show recorded commitments",
	Long: `Print a participant's commitments, or every round when no participant
is given. Reads the project ledger by default, a simulation run's ledger with
--run, or a live server's with --addr.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLedger,
}

var runFlag string

func init() {
	ledgerCmd.Flags().StringVar(&runFlag, "run", "", "Read the ledger of this run (name under .labassist/runs, or \"latest\")")
}

func runLedger(cmd *cobra.Command, args []string) error {
	participant := ""
	if len(args) > 0 {
		participant = args[0]
	}
	out := cmd.OutOrStdout()

	if addrFlag != "" {
		resp, err := server.NewClient(addrFlag).Ledger(cmd.Context(), participant)
		if err != nil {
			return err
		}
		if participant == "" {
			ui.WriteRounds(out, resp.Rounds)
		} else {
			ui.WriteHistory(out, participant, resp.Commitments)
		}
		return nil
	}

	l, err := openLocalLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	if participant == "" {
		rounds, err := l.Rounds(cmd.Context())
		if err != nil {
			return err
		}
		ui.WriteRounds(out, rounds)
		return nil
	}
	history, err := l.History(cmd.Context(), participant)
	if err != nil {
		return err
	}
	ui.WriteHistory(out, participant, history)
	return nil
}

// openLocalLedger opens the sqlite ledger of a run or of the project.
func openLocalLedger() (*ledger.Ledger, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}

	var path string
	if runFlag != "" {
		runDir, err := findRun(root, runFlag)
		if err != nil {
			return nil, err
		}
		path = filepath.Join(runDir, "ledger.db")
	} else {
		cfg, err := loadConfig(root)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.Ledger != "sqlite" {
			return nil, fmt.Errorf("storage.ledger is %q; only a sqlite ledger outlives the process (use --addr for a running server)", cfg.Storage.Ledger)
		}
		path = resolve(root, cfg.Storage.LedgerPath)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no ledger at %s", path)
	}
	return openLedger(path, "sqlite")
}

// findRun resolves a run name, or "latest", to its directory.
func findRun(root, name string) (string, error) {
	runsDir := cleanup.RunsDir(root)
	if name != "latest" {
		dir := filepath.Join(runsDir, name)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return "", fmt.Errorf("run %q not found", name)
		}
		return dir, nil
	}
	runs, err := cleanup.List(runsDir)
	if err != nil || len(runs) == 0 {
		return "", fmt.Errorf("no runs found. Start one with: labassist simulate scenario.yaml")
	}
	return filepath.Join(runsDir, runs[len(runs)-1].Name), nil
}
