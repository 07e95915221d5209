// init.go implements the "labassist init" command with optional --guided flag.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chinanuj/AgenticLabAssistant/internal/cleanup"
	"github.com/chinanuj/AgenticLabAssistant/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize labassist in the current project",
	Long: `Create the .labassist/ directory with a default config.yaml that
declares two labs, the tier order and the negotiation limits. Edit the file
to describe your own resources.`,
	RunE: runInit,
}

var (
	guidedFlag bool
	forceFlag  bool
)

func init() {
	initCmd.Flags().BoolVar(&guidedFlag, "guided", false, "Interactive prompts for configuration overrides")
	initCmd.Flags().BoolVar(&forceFlag, "force", false, "Overwrite an existing config without asking")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := projectRoot()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	in := bufio.NewReader(cmd.InOrStdin())

	// Check for existing .labassist/ directory.
	stateDir := filepath.Join(dir, ".labassist")
	if info, statErr := os.Stat(stateDir); statErr == nil && info.IsDir() && !forceFlag {
		fmt.Fprintln(out, "Warning: .labassist/ directory already exists.")
		fmt.Fprint(out, "Reinitialize? [y/N]: ")
		answer, _ := in.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	if mkErr := os.MkdirAll(cleanup.RunsDir(dir), 0755); mkErr != nil {
		return fmt.Errorf("creating directory: %w", mkErr)
	}

	if err := ensureGitignore(dir); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to set up .gitignore: %v\n", err)
	}

	cfg := config.DefaultConfig()
	if guidedFlag {
		guidedOverrides(cfg, in, out)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if writeErr := config.WriteConfig(dir, cfg); writeErr != nil {
		return fmt.Errorf("writing config: %w", writeErr)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "labassist initialized")
	for _, r := range cfg.Resources {
		fmt.Fprintf(out, "  %-8s %s (capacity %d)\n", r.ID, r.Name, r.Capacity)
	}
	fmt.Fprintln(out, "Configuration written to .labassist/config.yaml")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Edit .labassist/config.yaml to describe your labs")
	fmt.Fprintln(out, "  2. Run: labassist simulate scenario.yaml")
	return nil
}

// guidedOverrides prompts for the settings people change most often. An
// empty or unparseable answer keeps the default.
func guidedOverrides(cfg *config.Config, in *bufio.Reader, out io.Writer) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "--- Guided Configuration ---")

	if tz := prompt(in, out, "Timezone", cfg.Timezone); tz != "" {
		cfg.Timezone = tz
	}
	if s := prompt(in, out, "Round timeout", cfg.Negotiation.RoundTimeout.String()); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.Negotiation.RoundTimeout = d
		}
	}
	if s := prompt(in, out, "Max counter-proposals per round", strconv.Itoa(cfg.Negotiation.MaxCounters)); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.Negotiation.MaxCounters = n
		}
	}
	if s := prompt(in, out, "Tier order (comma separated)", strings.Join(cfg.Tiers, ",")); s != "" {
		var tiers []string
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tiers = append(tiers, t)
			}
		}
		cfg.Tiers = tiers
	}
	if addr := prompt(in, out, "Server address", cfg.Server.Addr); addr != "" {
		cfg.Server.Addr = addr
	}

	fmt.Fprintln(out, "--- End Guided Configuration ---")
	fmt.Fprintln(out)
}

func prompt(in *bufio.Reader, out io.Writer, label, def string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, def)
	answer, err := in.ReadString('\n')
	if err != nil && answer == "" {
		return ""
	}
	return strings.TrimSpace(answer)
}

// ensureGitignore creates or appends to .gitignore with the runtime files
// that should never be committed. It only adds entries that are missing.
func ensureGitignore(dir string) error {
	gitignorePath := filepath.Join(dir, ".gitignore")

	// config.yaml IS committed.
	requiredEntries := []string{
		".labassist/log.jsonl",
		".labassist/*.db",
		".labassist/runs/",
	}

	existing := ""
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existing = string(data)
	}

	var missing []string
	for _, entry := range requiredEntries {
		if !strings.Contains(existing, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var toAppend strings.Builder
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		toAppend.WriteString("\n")
	}
	if existing != "" {
		toAppend.WriteString("\n# Added by labassist init\n")
	}
	for _, entry := range missing {
		toAppend.WriteString(entry + "\n")
	}

	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening .gitignore: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(toAppend.String()); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}
	return nil
}
