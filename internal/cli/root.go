// Package cli defines Cobra command definitions for the labassist CLI.
// This file contains the root command, version flag, and help output.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chinanuj/AgenticLabAssistant/internal/config"
)

var (
	verbose bool
	dirFlag string
	version = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "labassist",
	Short: "Multi-agent booking negotiation for shared labs",
	Long: `labassist books shared lab resources. Each resource is owned by an
agent; a coordinator routes requests to them and, when slots collide,
runs a bounded negotiation round that may shift or relocate bookings.
Every proposal and concession is kept in an append-only ledger.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Verbose returns true if --verbose flag is set.
func Verbose() bool {
	return verbose
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Print ledger commitments under each decision")
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", "", "Project directory (default: current directory)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(headcountCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(cleanCmd)
}

// projectRoot returns --dir or the working directory.
func projectRoot() (string, error) {
	if dirFlag != "" {
		return filepath.Abs(dirFlag)
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return dir, nil
}

// loadConfig reads and validates the project config. A project that was
// never initialized is an error.
func loadConfig(root string) (*config.Config, error) {
	if _, err := os.Stat(filepath.Join(root, ".labassist")); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".labassist/ not found. Run 'labassist init' first")
	}
	cfg, err := config.ReadConfig(root)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
