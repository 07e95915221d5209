// report.go implements the "labassist report" command for showing run summaries.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report [run]",
	Short: "Show a simulation run's report",
	Long: `Print report.md from a simulation run: the most recent one by default,
or the named directory under .labassist/runs/.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func runReport(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	name := "latest"
	if len(args) > 0 {
		name = args[0]
	}
	runDir, err := findRun(root, name)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filepath.Join(runDir, "report.md"))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("run %s has no report (simulated with --no-report?)", filepath.Base(runDir))
		}
		return fmt.Errorf("reading report: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}
