// Package negotiate drives negotiation rounds between a newcomer request and
// the resource agents whose bookings stand in its way. Lower-priority parties
// are asked to cede ground first; every proposal exchanged is recorded in the
// commitment ledger.
package negotiate

import (
	"context"
	"sort"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/agent"
	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/ledger"
	"github.com/chinanuj/AgenticLabAssistant/internal/log"
	"github.com/chinanuj/AgenticLabAssistant/internal/priority"
)

// Negotiator is the part of a resource agent a round talks to.
type Negotiator interface {
	ID() string
	Describe() agent.Description
	Propose(ctx context.Context, p agent.Proposal) (agent.Response, error)
}

// Contest is one resource on which the newcomer collides with incumbents.
type Contest struct {
	Party      Negotiator
	Incumbents []booking.Binding
}

// Round names every party of one negotiation up front.
type Round struct {
	ID       string
	Newcomer booking.Request
	Contests []Contest
}

// Settings is the immutable engine configuration.
type Settings struct {
	RoundTimeout  time.Duration
	MaxCounters   int
	MaxShift      time.Duration
	DebtWindow    time.Duration
	MaxDebtCredit int
	Order         priority.Order
}

// DefaultSettings returns the stock negotiation settings.
func DefaultSettings() Settings {
	return Settings{
		RoundTimeout:  5 * time.Second,
		MaxCounters:   3,
		MaxShift:      agent.DefaultMaxShift,
		DebtWindow:    7 * 24 * time.Hour,
		MaxDebtCredit: 3,
		Order:         priority.DefaultOrder(),
	}
}

// Result is what a round produced. When Outcome is Allocated, Changes must
// be applied and the Final commitments settled with Finalize.
type Result struct {
	RoundID      string
	Outcome      ledger.Outcome
	Slot         booking.TimeSlot
	Changes      []booking.Change
	Final        []ledger.Commitment
	Commitments  []ledger.Commitment
	Participants []string
	Contested    []booking.TimeSlot
	Trace        []State
	Reason       string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the event log.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the clock used for commitment timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs negotiation rounds. It holds no per-round state and may run
// independent rounds concurrently.
type Engine struct {
	settings Settings
	ledger   *ledger.Ledger
	logger   *log.Logger
	now      func() time.Time
}

// NewEngine creates an engine recording into l.
func NewEngine(settings Settings, l *ledger.Ledger, opts ...Option) *Engine {
	def := DefaultSettings()
	if settings.RoundTimeout <= 0 {
		settings.RoundTimeout = def.RoundTimeout
	}
	if settings.MaxCounters <= 0 {
		settings.MaxCounters = def.MaxCounters
	}
	if settings.MaxShift <= 0 {
		settings.MaxShift = def.MaxShift
	}
	if len(settings.Order) == 0 {
		settings.Order = def.Order
	}
	if l == nil {
		l = ledger.New(nil)
	}
	e := &Engine{settings: settings, ledger: l, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settings returns the engine configuration.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Run negotiates one round. It never returns an error: failures resolve to
// a Denied or TimedOut result.
func (e *Engine) Run(ctx context.Context, r Round) Result {
	contests := append([]Contest(nil), r.Contests...)
	sort.SliceStable(contests, func(i, j int) bool {
		return contests[i].Party.ID() < contests[j].Party.ID()
	})
	r.Contests = contests

	ctx, cancel := context.WithTimeout(ctx, e.settings.RoundTimeout)
	defer cancel()

	s := newSession(e, r)
	s.open()
	s.negotiate(ctx)
	return s.result()
}

// Finalize settles an allocated round once the coordinator has tried to
// apply it: the final commitments become Accepted when applyErr is nil and
// Rejected otherwise. It records the round and returns its outcome.
func (e *Engine) Finalize(ctx context.Context, res Result, applyErr error) (ledger.Outcome, error) {
	status, reason := ledger.StatusAccepted, ""
	if applyErr != nil {
		status, reason = ledger.StatusRejected, "apply failed: "+applyErr.Error()
	}
	now := e.now()

	latest := make(map[string]ledger.Commitment, len(res.Commitments))
	for _, c := range res.Commitments {
		latest[c.ID] = c
	}
	for _, c := range res.Final {
		settled := c.Resolve(status, reason, now)
		if err := e.ledger.Record(ctx, settled); err != nil {
			return ledger.OutcomeDenied, err
		}
		e.logCommitment(settled)
		latest[c.ID] = settled
	}

	all := make([]ledger.Commitment, 0, len(res.Commitments))
	for _, c := range res.Commitments {
		all = append(all, latest[c.ID])
	}
	outcome := ledger.OutcomeOf(all, false)
	err := e.ledger.RecordRound(ctx, ledger.Round{
		ID:           res.RoundID,
		Participants: res.Participants,
		Contested:    res.Contested,
		Outcome:      outcome,
		ResolvedAt:   now,
	})
	e.logResolved(res.RoundID, outcome, reason)
	return outcome, err
}

// credits computes the debt credit of every requester in the round as of the
// newcomer's submission.
func (e *Engine) credits(ctx context.Context, requesters []string, asOf time.Time) priority.Credits {
	if e.settings.MaxDebtCredit <= 0 || e.settings.DebtWindow <= 0 {
		return nil
	}
	var all []priority.Concession
	for _, id := range requesters {
		cs, err := e.ledger.Concessions(ctx, id)
		if err != nil {
			continue
		}
		all = append(all, cs...)
	}
	return priority.DebtCredits(all, asOf, e.settings.DebtWindow, e.settings.MaxDebtCredit)
}

func (e *Engine) shiftFor(req booking.Request) time.Duration {
	if req.Flexibility > 0 {
		return req.Flexibility
	}
	return e.settings.MaxShift
}

func (e *Engine) logCommitment(c ledger.Commitment) {
	if e.logger == nil {
		return
	}
	_ = e.logger.Append(log.LogEvent{
		Event:        log.EventCommitmentRecorded,
		RoundID:      c.RoundID,
		CommitmentID: c.ID,
		ChangeID:     c.ChangeID,
		ResourceID:   c.ResourceID,
		RequesterID:  c.ProposerID,
		Kind:         string(c.Kind),
		Status:       string(c.Status),
		Reason:       c.Reason,
	})
}

func (e *Engine) logResolved(roundID string, outcome ledger.Outcome, reason string) {
	if e.logger == nil {
		return
	}
	_ = e.logger.Append(log.LogEvent{
		Event:   log.EventRoundResolved,
		RoundID: roundID,
		Status:  string(outcome),
		Reason:  reason,
	})
}
