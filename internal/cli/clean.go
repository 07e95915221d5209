// clean.go implements the "labassist clean" command for manual run directory cleanup.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chinanuj/AgenticLabAssistant/internal/cleanup"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove old run directories",
	Long: `Remove old run directories from .labassist/runs/.

By default, applies the configured cleanup policy: runs older than
max_age_days are removed, then all but the keep_runs most recent.
Use --keep to keep only the N most recent runs instead.
Use --dry-run to preview what would be removed.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

var (
	keepFlag   int
	dryRunFlag bool
)

func init() {
	cleanCmd.Flags().IntVar(&keepFlag, "keep", 0, "Keep only the last N runs (0 = use the configured policy)")
	cleanCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Preview what would be removed without deleting")
}

func runClean(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}

	var policy cleanup.Policy
	if keepFlag > 0 {
		policy.Keep = keepFlag
	} else {
		cfg, cfgErr := loadConfig(root)
		if cfgErr != nil {
			return cfgErr
		}
		policy = cleanup.Policy{MaxAgeDays: cfg.Cleanup.MaxAgeDays, Keep: cfg.Cleanup.KeepRuns}
		if policy.MaxAgeDays <= 0 && policy.Keep <= 0 {
			policy.MaxAgeDays = 30
		}
	}

	pruned, err := cleanup.Prune(cleanup.RunsDir(root), policy, time.Now(), dryRunFlag)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(pruned) == 0 {
		fmt.Fprintln(out, "No runs to clean up.")
		return nil
	}

	verb := "Removed"
	if dryRunFlag {
		verb = "Would remove"
	}
	for _, name := range pruned {
		fmt.Fprintf(out, "  %s %s\n", verb, name)
	}
	fmt.Fprintf(out, "%s %d run(s).\n", verb, len(pruned))
	return nil
}
