package simulate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/agent"
	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/config"
	"github.com/chinanuj/AgenticLabAssistant/internal/coordinator"
	"github.com/chinanuj/AgenticLabAssistant/internal/ledger"
	"github.com/chinanuj/AgenticLabAssistant/internal/log"
	"github.com/chinanuj/AgenticLabAssistant/internal/notify"
	"github.com/chinanuj/AgenticLabAssistant/internal/store"
)

// stepInterval is how far the simulated clock advances between requests.
const stepInterval = time.Minute

// Options configures a replay. Zero values give an in-memory run with
// default settings.
type Options struct {
	Settings coordinator.Settings
	Ledger   *ledger.Ledger
	Store    store.BookingStore
	Notifier notify.Notifier
	Logger   *log.Logger
	// OnDecision, if set, is called after each step in order.
	OnDecision func(Entry)
}

// Entry pairs a step with the decision it produced.
type Entry struct {
	Index     int
	Step      Step
	Requester string
	Tier      booking.Tier
	Decision  coordinator.Decision
}

// Result is everything a replay produced.
type Result struct {
	Name      string
	Start     time.Time
	Entries   []Entry
	Resources []agent.Description
	Schedule  map[string][]booking.Binding
	Rounds    []ledger.Round
}

// Counts returns how many steps were granted, negotiated and denied.
func (r *Result) Counts() (granted, negotiated, denied int) {
	for _, e := range r.Entries {
		switch e.Decision.Kind {
		case coordinator.Granted:
			granted++
		case coordinator.Negotiated:
			negotiated++
		default:
			denied++
		}
	}
	return granted, negotiated, denied
}

// clock is the simulated time source shared by the coordinator, engine and
// extractor. It only moves when the runner advances it.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Run replays sc through a fresh coordinator, one request at a time in file
// order. Two runs of the same scenario produce equal results.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	settings := opts.Settings
	if settings.QueryTimeout <= 0 && settings.Negotiation.RoundTimeout <= 0 {
		settings = coordinator.DefaultSettings()
	}

	cfg := config.Config{Resources: sc.Resources}
	descs, err := cfg.Descriptions()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	agents := make([]coordinator.ResourceAgent, 0, len(descs))
	for _, d := range descs {
		a := agent.New(d, agent.WithMaxShift(settings.Negotiation.MaxShift), agent.WithLogger(opts.Logger))
		a.Start(runCtx)
		defer a.Stop()
		agents = append(agents, a)
	}

	clk := &clock{now: sc.Start}
	coordOpts := []coordinator.Option{
		coordinator.WithClock(clk.Now),
		coordinator.WithLogger(opts.Logger),
	}
	if opts.Ledger != nil {
		coordOpts = append(coordOpts, coordinator.WithLedger(opts.Ledger))
	}
	if opts.Store != nil {
		coordOpts = append(coordOpts, coordinator.WithStore(opts.Store))
	}
	if opts.Notifier != nil {
		coordOpts = append(coordOpts, coordinator.WithNotifier(opts.Notifier))
	}
	coord := coordinator.New(settings, agents, coordOpts...)

	logStarted(opts.Logger, sc)

	res := &Result{Name: sc.Name, Start: sc.Start}
	for i, st := range sc.Requests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		at := sc.Start.Add(time.Duration(i) * stepInterval)
		clk.set(at)

		e := Entry{Index: i + 1, Step: st, Requester: st.Requester}
		if st.IsText() {
			e.Decision = coord.HandleText(ctx, st.Text, st.Requester)
			e.Tier = tierOf(e.Decision)
		} else {
			req := st.Request(at)
			e.Tier = req.Tier
			e.Decision = coord.Handle(ctx, req)
		}
		res.Entries = append(res.Entries, e)
		if opts.OnDecision != nil {
			opts.OnDecision(e)
		}
	}
	clk.set(sc.Start.Add(time.Duration(len(sc.Requests)) * stepInterval))

	res.Resources = coord.Resources()
	res.Schedule, err = coord.Schedule(ctx, time.Time{}, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("reading final schedule: %w", err)
	}
	res.Rounds, err = coord.Ledger().Rounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading rounds: %w", err)
	}

	logComplete(opts.Logger, res)
	return res, nil
}

// tierOf recovers the tier the extractor assigned to a text step from the
// binding it produced. Denied text steps report no tier.
func tierOf(d coordinator.Decision) booking.Tier {
	if !d.OK() {
		return booking.TierOther
	}
	for _, ch := range d.Changes {
		for _, b := range ch.Results() {
			if b.ID == d.RequestID {
				return b.Request.Tier
			}
		}
	}
	return booking.TierOther
}

func logStarted(l *log.Logger, sc *Scenario) {
	if l == nil {
		return
	}
	_ = l.Append(log.LogEvent{
		Time:  sc.Start,
		Event: log.EventSimulationStarted,
		Total: len(sc.Requests),
		Data:  map[string]interface{}{"scenario": sc.Name, "resources": len(sc.Resources)},
	})
}

func logComplete(l *log.Logger, r *Result) {
	if l == nil {
		return
	}
	granted, negotiated, denied := r.Counts()
	_ = l.Append(log.LogEvent{
		Time:      r.Start.Add(time.Duration(len(r.Entries)) * stepInterval),
		Event:     log.EventSimulationComplete,
		Completed: granted + negotiated,
		Total:     len(r.Entries),
		Data: map[string]interface{}{
			"scenario":   r.Name,
			"granted":    granted,
			"negotiated": negotiated,
			"denied":     denied,
			"rounds":     len(r.Rounds),
		},
	})
}
