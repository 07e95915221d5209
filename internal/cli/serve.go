// serve.go implements the "labassist serve" command, which runs the
// coordinator behind the HTTP API until interrupted.
package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chinanuj/AgenticLabAssistant/internal/agent"
	"github.com/chinanuj/AgenticLabAssistant/internal/config"
	"github.com/chinanuj/AgenticLabAssistant/internal/coordinator"
	"github.com/chinanuj/AgenticLabAssistant/internal/intent"
	"github.com/chinanuj/AgenticLabAssistant/internal/log"
	"github.com/chinanuj/AgenticLabAssistant/internal/notify"
	"github.com/chinanuj/AgenticLabAssistant/internal/server"
	"github.com/chinanuj/AgenticLabAssistant/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the booking coordinator as an HTTP service",
	Long: `Start one agent per configured resource, restore committed bookings
from the booking store, and accept requests over HTTP. Stop with Ctrl-C.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveAddrFlag string

func init() {
	serveCmd.Flags().StringVar(&serveAddrFlag, "addr", "", "Listen address (default: server.addr from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	logger, err := log.NewLogger(root)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, root, cfg.Storage)
	if err != nil {
		return err
	}
	defer b.Close()

	coord, shutdown, err := newServiceCoordinator(ctx, cfg, b, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	addr := serveAddrFlag
	if addr == "" {
		addr = cfg.Server.Addr
	}
	srv, err := server.NewServer(addr, coord)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %d resource(s) on http://%s\n", len(coord.Resources()), srv.Addr())

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down")
		return srv.Stop()
	case err := <-errCh:
		return err
	}
}

// newServiceCoordinator starts an agent per configured resource, seeded with
// the bookings already in the store, and wires the coordinator to the
// project's ledger, store and event log. The returned func stops the agents.
func newServiceCoordinator(ctx context.Context, cfg *config.Config, b *backends, logger *log.Logger) (*coordinator.Coordinator, func(), error) {
	descs, err := cfg.Descriptions()
	if err != nil {
		return nil, nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	records, err := b.Store.List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading bookings: %w", err)
	}
	existing := store.Bindings(records)

	settings := cfg.Settings()
	agentCtx, cancel := context.WithCancel(ctx)
	agents := make([]coordinator.ResourceAgent, 0, len(descs))
	started := make([]*agent.Agent, 0, len(descs))
	for _, d := range descs {
		a := agent.New(d,
			agent.WithMaxShift(settings.Negotiation.MaxShift),
			agent.WithLogger(logger),
			agent.WithBindings(existing[d.ID]...),
		)
		a.Start(agentCtx)
		agents = append(agents, a)
		started = append(started, a)
	}
	shutdown := func() {
		for _, a := range started {
			a.Stop()
		}
		cancel()
	}

	coord := coordinator.New(settings, agents,
		coordinator.WithLedger(b.Ledger),
		coordinator.WithStore(b.Store),
		coordinator.WithLogger(logger),
		coordinator.WithNotifier(notify.LogSink{Logger: logger}),
		coordinator.WithExtractor(intent.YAMLExtractor{Location: loc}),
	)
	return coord, shutdown, nil
}
