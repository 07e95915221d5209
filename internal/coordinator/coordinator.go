package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chinanuj/AgenticLabAssistant/internal/agent"
	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/intent"
	"github.com/chinanuj/AgenticLabAssistant/internal/ledger"
	"github.com/chinanuj/AgenticLabAssistant/internal/log"
	"github.com/chinanuj/AgenticLabAssistant/internal/negotiate"
	"github.com/chinanuj/AgenticLabAssistant/internal/notify"
	"github.com/chinanuj/AgenticLabAssistant/internal/store"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLedger sets the commitment ledger. The default is in-memory.
func WithLedger(l *ledger.Ledger) Option {
	return func(c *Coordinator) { c.ledger = l }
}

// WithStore sets where committed bookings are persisted.
func WithStore(s store.BookingStore) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithNotifier sets who hears about decisions.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithExtractor sets the parser used by HandleText.
func WithExtractor(x intent.Extractor) Option {
	return func(c *Coordinator) { c.extractor = x }
}

// WithLogger sets the event log.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock sets the clock for submissions, commitments and claims.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator routes requests to resource agents.
type Coordinator struct {
	settings  Settings
	agents    map[string]ResourceAgent
	order     []string
	ledger    *ledger.Ledger
	engine    *negotiate.Engine
	store     store.BookingStore
	notifier  notify.Notifier
	extractor intent.Extractor
	logger    *log.Logger
	now       func() time.Time
	claims    *claims
	rounds    atomic.Uint64
	cycles    atomic.Uint64
}

// New creates a coordinator over agents. Agents with a duplicate ID are
// ignored after the first.
func New(settings Settings, agents []ResourceAgent, opts ...Option) *Coordinator {
	if settings.QueryTimeout <= 0 {
		settings.QueryTimeout = DefaultSettings().QueryTimeout
	}
	c := &Coordinator{
		settings: settings,
		agents:   make(map[string]ResourceAgent, len(agents)),
		now:      time.Now,
	}
	for _, a := range agents {
		if _, dup := c.agents[a.ID()]; dup {
			continue
		}
		c.agents[a.ID()] = a
		c.order = append(c.order, a.ID())
	}
	sort.Strings(c.order)

	for _, opt := range opts {
		opt(c)
	}
	if c.ledger == nil {
		c.ledger = ledger.New(nil)
	}
	// Round ids continue after those already in a persisted ledger.
	if rounds, err := c.ledger.Rounds(context.Background()); err == nil {
		c.rounds.Store(uint64(len(rounds)))
	}
	if c.store == nil {
		c.store = store.NewMemoryStore()
	}
	if c.notifier == nil {
		c.notifier = notify.Discard{}
	}
	if c.extractor == nil {
		c.extractor = intent.YAMLExtractor{Now: c.now}
	}
	c.engine = negotiate.NewEngine(settings.Negotiation, c.ledger,
		negotiate.WithLogger(c.logger), negotiate.WithClock(c.now))
	c.claims = newClaims(c.now)
	return c
}

// Ledger returns the commitment ledger.
func (c *Coordinator) Ledger() *ledger.Ledger {
	return c.ledger
}

// Resources describes every registered resource in id order.
func (c *Coordinator) Resources() []agent.Description {
	out := make([]agent.Description, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.agents[id].Describe())
	}
	return out
}

// Claims lists the resources currently held by in-flight requests.
func (c *Coordinator) Claims() []Claim {
	return c.claims.snapshot()
}

func (c *Coordinator) nextRoundID() string {
	return fmt.Sprintf("r-%04d", c.rounds.Add(1))
}

func (c *Coordinator) owner(id string) string {
	return id + "#" + strconv.FormatUint(c.cycles.Add(1), 10)
}

// Handle resolves one request. It never fails: every outcome, including
// internal failures, is a Decision.
func (c *Coordinator) Handle(ctx context.Context, req booking.Request) Decision {
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = c.now()
	}
	c.logReceived(req)
	d := c.handle(ctx, req)
	c.publish(ctx, req, d)
	return d
}

// HandleText parses text into a request and handles it. requester fills in
// the requester when the text names none.
func (c *Coordinator) HandleText(ctx context.Context, text, requester string) Decision {
	req, err := c.extractor.Extract(ctx, text)
	if err != nil {
		if !errors.Is(err, booking.ErrParse) {
			err = fmt.Errorf("%w: %v", booking.ErrParse, err)
		}
		d := deny(booking.Request{}, err)
		c.publish(ctx, booking.Request{RequesterID: requester}, d)
		return d
	}
	if req.RequesterID == "" {
		req.RequesterID = requester
		if req.Tier == booking.TierOther {
			req.Tier = intent.TierFromRequester(requester)
		}
	}
	if req.ID == "" && req.RequesterID != "" {
		req.ID = booking.DeriveID("request", req.RequesterID, strings.TrimSpace(text))
	}
	return c.Handle(ctx, req)
}

func deny(req booking.Request, err error) Decision {
	return Decision{
		Kind:      Denied,
		RequestID: req.ID,
		Reason:    booking.KindOf(err),
		Detail:    err.Error(),
	}
}

func (c *Coordinator) handle(ctx context.Context, req booking.Request) Decision {
	if err := req.Validate(); err != nil {
		return deny(req, err)
	}

	candidates := c.match(req.Criteria)
	if len(candidates) == 0 {
		return deny(req, fmt.Errorf("%w: nothing matches %s", booking.ErrNoCandidate, describeCriteria(req.Criteria)))
	}
	ids := make([]string, len(candidates))
	for i, a := range candidates {
		ids[i] = a.ID()
	}

	owner := c.owner(req.ID)
	if err := c.claims.acquire(ctx, owner, ids); err != nil {
		return deny(req, fmt.Errorf("%w: waiting for %s: %v", booking.ErrNegotiationTimeout, strings.Join(ids, ", "), err))
	}
	defer c.claims.release(owner, ids)

	replies := c.query(ctx, req, candidates)
	if len(replies) == 0 {
		return deny(req, fmt.Errorf("%w: no resource agent answered within %s", booking.ErrNoCandidate, c.settings.QueryTimeout))
	}

	var free, conflicting []agent.QueryResult
	overCapacity, outsideHours := 0, 0
	for _, r := range replies {
		switch r.Status {
		case agent.Free:
			free = append(free, r)
		case agent.Conflicting:
			conflicting = append(conflicting, r)
		case agent.OverCapacity:
			overCapacity++
		case agent.OutsideHours:
			outsideHours++
		}
	}

	var d Decision
	switch {
	case len(free) > 0:
		sort.SliceStable(free, func(i, j int) bool {
			if !free[i].Slot.End.Equal(free[j].Slot.End) {
				return free[i].Slot.End.Before(free[j].Slot.End)
			}
			return free[i].ResourceID < free[j].ResourceID
		})
		d = c.grant(ctx, req, free[0].Slot)
	case len(conflicting) > 0:
		d = c.negotiate(ctx, req, conflicting)
	case outsideHours > 0 && overCapacity == 0:
		d = deny(req, fmt.Errorf("%w: no candidate is open %s", booking.ErrOutsideHours, req.SlotOn("").String()))
	default:
		d = deny(req, fmt.Errorf("%w: no candidate holds %d", booking.ErrCapacityExceeded, req.Headcount()))
	}
	d.Replies = replies
	return d
}

// match returns the candidate agents in id order.
func (c *Coordinator) match(criteria booking.Criteria) []ResourceAgent {
	var out []ResourceAgent
	for _, id := range c.order {
		if c.agents[id].Describe().Admits(criteria) {
			out = append(out, c.agents[id])
		}
	}
	return out
}

func describeCriteria(cr booking.Criteria) string {
	if cr.ResourceName != "" {
		return fmt.Sprintf("resource %q", cr.ResourceName)
	}
	return fmt.Sprintf("equipment [%s]", strings.Join(cr.Equipment, ", "))
}

// query asks every candidate in parallel. Agents that fail or miss the
// query timeout are left out of the replies.
func (c *Coordinator) query(ctx context.Context, req booking.Request, candidates []ResourceAgent) []agent.QueryResult {
	ctx, cancel := context.WithTimeout(ctx, c.settings.QueryTimeout)
	defer cancel()

	results := make([]agent.QueryResult, len(candidates))
	answered := make([]bool, len(candidates))
	var g errgroup.Group
	for i, a := range candidates {
		g.Go(func() error {
			res, err := a.Query(ctx, req)
			if err != nil {
				c.logUnavailable(req, a.ID(), err)
				return nil
			}
			results[i], answered[i] = res, true
			return nil
		})
	}
	_ = g.Wait()

	var out []agent.QueryResult
	for i, ok := range answered {
		if ok {
			out = append(out, results[i])
		}
	}
	return out
}

// grant books a free slot without negotiating and records the trivial
// commitment and direct round.
func (c *Coordinator) grant(ctx context.Context, req booking.Request, slot booking.TimeSlot) Decision {
	roundID := c.nextRoundID()
	change := booking.Change{
		ID:         booking.DeriveID(roundID, "direct"),
		ResourceID: slot.ResourceID,
		Ops:        []booking.Op{{Kind: booking.OpAdd, Binding: booking.NewBinding(req, slot)}},
	}
	applyErr := c.agents[slot.ResourceID].Apply(context.WithoutCancel(ctx), change)

	now := c.now()
	status, outcome, reason := ledger.StatusAccepted, ledger.OutcomeAllocated, ""
	if applyErr != nil {
		status, outcome, reason = ledger.StatusRejected, ledger.OutcomeDenied, applyErr.Error()
	}
	commitment := ledger.Commitment{
		ID:             booking.DeriveID(roundID, "commitment", "direct"),
		RoundID:        roundID,
		Kind:           ledger.KindDirect,
		ProposerID:     req.RequesterID,
		CounterpartyID: slot.ResourceID,
		ResourceID:     slot.ResourceID,
		ChangeID:       change.ID,
		Terms:          change.Describe(),
		Status:         status,
		Reason:         reason,
		CreatedAt:      now,
		ResolvedAt:     now,
	}
	wctx := context.WithoutCancel(ctx)
	if err := c.ledger.Record(wctx, commitment); err != nil {
		c.logLedgerFailed(roundID, err)
	}
	if err := c.ledger.RecordRound(wctx, ledger.Round{
		ID:           roundID,
		Participants: []string{req.RequesterID},
		Contested:    []booking.TimeSlot{slot},
		Outcome:      outcome,
		Direct:       true,
		ResolvedAt:   now,
	}); err != nil {
		c.logLedgerFailed(roundID, err)
	}

	if applyErr != nil {
		d := deny(req, fmt.Errorf("%w: %v", booking.ErrApplyFailure, applyErr))
		d.RoundID = roundID
		d.Commitments = []ledger.Commitment{commitment}
		return d
	}
	return Decision{
		Kind:        Granted,
		RequestID:   req.ID,
		Slot:        slot,
		RoundID:     roundID,
		Commitments: []ledger.Commitment{commitment},
		Changes:     []booking.Change{change},
	}
}

// negotiate opens a round over the conflicting resources and applies an
// allocation all-or-nothing.
func (c *Coordinator) negotiate(ctx context.Context, req booking.Request, conflicting []agent.QueryResult) Decision {
	roundID := c.nextRoundID()
	contests := make([]negotiate.Contest, 0, len(conflicting))
	for _, r := range conflicting {
		contests = append(contests, negotiate.Contest{Party: c.agents[r.ResourceID], Incumbents: r.Conflicts})
	}
	res := c.engine.Run(ctx, negotiate.Round{ID: roundID, Newcomer: req, Contests: contests})

	d := Decision{Kind: Denied, RequestID: req.ID, RoundID: roundID, Detail: res.Reason}
	switch res.Outcome {
	case ledger.OutcomeAllocated:
		applyErr := c.applyAll(ctx, res.Changes)
		if _, err := c.engine.Finalize(context.WithoutCancel(ctx), res, applyErr); err != nil {
			c.logLedgerFailed(roundID, err)
		}
		d.Commitments = c.roundCommitments(ctx, roundID)
		if applyErr != nil {
			d.Reason = booking.KindApplyFailure
			d.Detail = applyErr.Error()
			return d
		}
		d.Kind = Negotiated
		d.Slot = res.Slot
		d.Changes = res.Changes
		d.Detail = ""
	case ledger.OutcomeTimedOut:
		d.Reason = booking.KindNegotiationTimeout
		d.Commitments = c.roundCommitments(ctx, roundID)
	default:
		d.Reason = booking.KindNegotiationDenied
		d.Commitments = c.roundCommitments(ctx, roundID)
	}
	return d
}

// applyAll applies changes in order. On the first failure every change
// already applied is reverted, newest first.
func (c *Coordinator) applyAll(ctx context.Context, changes []booking.Change) error {
	// A decided allocation is applied in full even if the caller gives up.
	ctx = context.WithoutCancel(ctx)
	var applied []booking.Change
	for _, ch := range changes {
		var err error
		a, ok := c.agents[ch.ResourceID]
		if !ok {
			err = fmt.Errorf("coordinator: no agent for resource %s", ch.ResourceID)
		} else {
			err = a.Apply(ctx, ch)
		}
		if err == nil {
			applied = append(applied, ch)
			continue
		}

		for i := len(applied) - 1; i >= 0; i-- {
			done := applied[i]
			if rerr := c.agents[done.ResourceID].Revert(ctx, done.ID); rerr != nil {
				c.logRevertFailed(done, rerr)
			}
		}
		return fmt.Errorf("%w: %s: %v", booking.ErrApplyFailure, ch.ResourceID, err)
	}
	return nil
}

func (c *Coordinator) roundCommitments(ctx context.Context, roundID string) []ledger.Commitment {
	entries, err := c.ledger.RoundCommitments(context.WithoutCancel(ctx), roundID)
	if err != nil {
		c.logLedgerFailed(roundID, err)
		return nil
	}
	return ledger.Latest(entries)
}

// publish persists a successful decision's bookings and notifies listeners.
func (c *Coordinator) publish(ctx context.Context, req booking.Request, d Decision) {
	if d.OK() {
		records := store.RecordsFor(d.Changes, d.RoundID)
		if err := c.store.Save(context.WithoutCancel(ctx), records); err != nil {
			c.logPersistFailed(d.RequestID, err)
		}
	}
	c.notifier.Notify(notify.Event{
		Kind:        notify.Kind(d.Kind),
		RequestID:   d.RequestID,
		RequesterID: req.RequesterID,
		RoundID:     d.RoundID,
		Slot:        d.Slot,
		Reason:      d.Reason,
		Detail:      d.Detail,
		At:          c.now(),
	})
}

// Cancel removes a booking from a resource.
func (c *Coordinator) Cancel(ctx context.Context, resourceID, bindingID string) error {
	a, ok := c.agents[resourceID]
	if !ok {
		return fmt.Errorf("coordinator: %w: resource %s", booking.ErrNoCandidate, resourceID)
	}
	owner := c.owner("cancel:" + bindingID)
	if err := c.claims.acquire(ctx, owner, []string{resourceID}); err != nil {
		return err
	}
	defer c.claims.release(owner, []string{resourceID})

	if err := a.Cancel(ctx, bindingID); err != nil {
		return err
	}
	if err := c.store.Delete(context.WithoutCancel(ctx), bindingID); err != nil {
		c.logPersistFailed(bindingID, err)
	}
	c.notifier.Notify(notify.Event{
		Kind:      notify.KindCancelled,
		RequestID: bindingID,
		Slot:      booking.TimeSlot{ResourceID: resourceID},
		At:        c.now(),
	})
	return nil
}

// UpdateHeadcount changes how many people a booking brings.
func (c *Coordinator) UpdateHeadcount(ctx context.Context, resourceID, bindingID string, n int) error {
	a, ok := c.agents[resourceID]
	if !ok {
		return fmt.Errorf("coordinator: %w: resource %s", booking.ErrNoCandidate, resourceID)
	}
	owner := c.owner("headcount:" + bindingID)
	if err := c.claims.acquire(ctx, owner, []string{resourceID}); err != nil {
		return err
	}
	defer c.claims.release(owner, []string{resourceID})

	if err := a.UpdateHeadcount(ctx, bindingID, n); err != nil {
		return err
	}
	bindings, err := a.Snapshot(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	for _, b := range bindings {
		if b.ID != bindingID {
			continue
		}
		rec := store.FromBinding(b, booking.DeriveID("headcount", bindingID, strconv.Itoa(n)), "")
		if err := c.store.Save(context.WithoutCancel(ctx), []store.Record{rec}); err != nil {
			c.logPersistFailed(bindingID, err)
		}
		c.notifier.Notify(notify.Event{
			Kind:        notify.KindUpdated,
			RequestID:   bindingID,
			RequesterID: b.Request.RequesterID,
			Slot:        b.Slot,
			At:          c.now(),
		})
	}
	return nil
}

// Schedule returns every resource's bindings that overlap [from, to).
// A zero bound leaves that side open.
func (c *Coordinator) Schedule(ctx context.Context, from, to time.Time) (map[string][]booking.Binding, error) {
	var mu sync.Mutex
	out := make(map[string][]booking.Binding, len(c.order))
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range c.order {
		a := c.agents[id]
		g.Go(func() error {
			bindings, err := a.Snapshot(gctx)
			if err != nil {
				return fmt.Errorf("snapshot %s: %w", id, err)
			}
			kept := make([]booking.Binding, 0, len(bindings))
			for _, b := range bindings {
				if !from.IsZero() && !b.Slot.End.After(from) {
					continue
				}
				if !to.IsZero() && !b.Slot.Start.Before(to) {
					continue
				}
				kept = append(kept, b)
			}
			mu.Lock()
			out[id] = kept
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) logReceived(req booking.Request) {
	if c.logger == nil {
		return
	}
	_ = c.logger.Append(log.LogEvent{
		Event:       log.EventRequestReceived,
		RequestID:   req.ID,
		RequesterID: req.RequesterID,
		Slot:        req.SlotOn("").String(),
		Data: map[string]interface{}{
			"tier":      req.Tier.String(),
			"headcount": req.Headcount(),
		},
	})
}

func (c *Coordinator) logUnavailable(req booking.Request, resourceID string, err error) {
	if c.logger == nil {
		return
	}
	_ = c.logger.Append(log.LogEvent{
		Event:      log.EventStateChanged,
		RequestID:  req.ID,
		ResourceID: resourceID,
		Status:     "unavailable",
		Error:      err.Error(),
	})
}

func (c *Coordinator) logRevertFailed(ch booking.Change, err error) {
	if c.logger == nil {
		return
	}
	_ = c.logger.Append(log.LogEvent{
		Event:      log.EventApplyFailed,
		ResourceID: ch.ResourceID,
		ChangeID:   ch.ID,
		Reason:     "revert",
		Error:      err.Error(),
	})
}

func (c *Coordinator) logLedgerFailed(roundID string, err error) {
	if c.logger == nil {
		return
	}
	_ = c.logger.Append(log.LogEvent{
		Event:   log.EventPersistFailed,
		RoundID: roundID,
		Reason:  "ledger",
		Error:   err.Error(),
	})
}

func (c *Coordinator) logPersistFailed(id string, err error) {
	if c.logger == nil {
		return
	}
	_ = c.logger.Append(log.LogEvent{
		Event:     log.EventPersistFailed,
		RequestID: id,
		Reason:    "store",
		Error:     err.Error(),
	})
}
