// submit.go implements the commands that talk to a running "labassist serve":
// submit, schedule, cancel and headcount.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/chinanuj/AgenticLabAssistant/internal/config"
	"github.com/chinanuj/AgenticLabAssistant/internal/server"
	"github.com/chinanuj/AgenticLabAssistant/internal/ui"
)

var submitCmd = &cobra.Command{
	Use:   "submit <request>",
	Short: "Send a booking request to a running server",
	Long: `Send a free-text request to the server and print its decision. The
request is a YAML mapping, for example:

  labassist submit --as alice '{lab: AI Lab, date: 2025-10-07, from: "10:00", to: "11:00", students: 20}'`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the server's current schedule",
	Args:  cobra.NoArgs,
	RunE:  runSchedule,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <resource> <booking>",
	Short: "Cancel a booking on a running server",
	Args:  cobra.ExactArgs(2),
	RunE:  runCancel,
}

var headcountCmd = &cobra.Command{
	Use:   "headcount <resource> <booking> <n>",
	Short: "Change how many people a booking brings",
	Args:  cobra.ExactArgs(3),
	RunE:  runHeadcount,
}

var (
	addrFlag    string
	asFlag      string
	timeoutFlag time.Duration
)

func init() {
	for _, c := range []*cobra.Command{submitCmd, scheduleCmd, cancelCmd, headcountCmd, ledgerCmd} {
		c.Flags().StringVar(&addrFlag, "addr", "", "Server address (default: server.addr from config)")
	}
	for _, c := range []*cobra.Command{submitCmd, scheduleCmd, cancelCmd, headcountCmd} {
		c.Flags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "Give up after this long")
	}
	submitCmd.Flags().StringVar(&asFlag, "as", "", "Requester id, when the request text names none")
}

// serverAddr returns --addr, then the configured address, then the default.
func serverAddr() string {
	if addrFlag != "" {
		return addrFlag
	}
	if root, err := projectRoot(); err == nil {
		if cfg, err := config.ReadConfig(root); err == nil && cfg.Server.Addr != "" {
			return cfg.Server.Addr
		}
	}
	return config.DefaultConfig().Server.Addr
}

func contextWithTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeoutFlag <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeoutFlag)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, cancel := contextWithTimeout(cmd)
	defer cancel()

	d, err := server.NewClient(serverAddr()).SubmitText(ctx, args[0], asFlag)
	if err != nil {
		return err
	}
	ui.WriteDecision(cmd.OutOrStdout(), d)
	return nil
}

func runSchedule(cmd *cobra.Command, args []string) error {
	ctx, cancel := contextWithTimeout(cmd)
	defer cancel()

	sched, err := server.NewClient(serverAddr()).Schedule(ctx)
	if err != nil {
		return err
	}
	ui.WriteSchedule(cmd.OutOrStdout(), sched.Resources, sched.Bookings)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := contextWithTimeout(cmd)
	defer cancel()

	if err := server.NewClient(serverAddr()).Cancel(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s on %s\n", args[1], args[0])
	return nil
}

func runHeadcount(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("headcount %q is not a number", args[2])
	}
	ctx, cancel := contextWithTimeout(cmd)
	defer cancel()

	if err := server.NewClient(serverAddr()).UpdateHeadcount(ctx, args[0], args[1], n); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated %s on %s to %d\n", args[1], args[0], n)
	return nil
}
