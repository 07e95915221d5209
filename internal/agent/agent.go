// Package agent implements the resource agent: a sequential actor that owns
// one resource's schedule. All operations are messages processed one at a
// time by the agent's goroutine, so the schedule has a single writer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/log"
)

// DefaultMaxShift bounds how far a booking may be moved when a request
// does not state its own flexibility.
const DefaultMaxShift = 4 * time.Hour

// ErrStopped is returned by operations on an agent that is not running.
var ErrStopped = errors.New("agent: stopped")

// Availability is the outcome of a Query.
type Availability string

const (
	Free         Availability = "Free"
	Conflicting  Availability = "Conflicting"
	OverCapacity Availability = "OverCapacity"
	OutsideHours Availability = "OutsideHours"
)

// QueryResult is an agent's reply to an availability query.
type QueryResult struct {
	ResourceID string            `json:"resource_id"`
	Status     Availability      `json:"status"`
	Slot       booking.TimeSlot  `json:"slot"`
	Conflicts  []booking.Binding `json:"conflicts,omitempty"`
}

// Proposal is a change submitted for evaluation. Reserve holds bindings
// that are not on the schedule yet but must stay clear.
type Proposal struct {
	Change  booking.Change
	Reserve []booking.Binding
}

// Verdict is the agent's answer to a proposal.
type Verdict string

const (
	Accept  Verdict = "Accept"
	Reject  Verdict = "Reject"
	Counter Verdict = "Counter"
)

// Response carries a verdict. Alternative is set for Counter.
type Response struct {
	Verdict     Verdict
	Reason      string
	Alternative booking.Change
}

// Hooks let tests interfere with an agent. Both run on the agent goroutine.
type Hooks struct {
	// BeforePropose runs with the caller's context before evaluation.
	BeforePropose func(ctx context.Context, p Proposal)
	// BeforeApply may fail an apply before anything is mutated.
	BeforeApply func(c booking.Change) error
}

// Option configures an Agent.
type Option func(*Agent)

// WithMaxShift sets the displacement bound for bookings without their own.
func WithMaxShift(d time.Duration) Option {
	return func(a *Agent) { a.maxShift = d }
}

// WithLogger sets the event log.
func WithLogger(l *log.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithHooks installs test hooks.
func WithHooks(h Hooks) Option {
	return func(a *Agent) { a.hooks = h }
}

// WithMailbox sets the mailbox buffer size.
func WithMailbox(n int) Option {
	return func(a *Agent) { a.mailboxSize = n }
}

// WithBindings seeds the schedule before the agent starts.
func WithBindings(bs ...booking.Binding) Option {
	return func(a *Agent) { a.state.bindings = append(a.state.bindings, bs...) }
}

// state is owned by the agent goroutine once Start is called.
type state struct {
	bindings []booking.Binding
	applied  map[string][]booking.Op // change id -> inverse ops
}

type call struct {
	fn func(*state)
}

// Agent is a resource agent.
type Agent struct {
	desc        Description
	maxShift    time.Duration
	logger      *log.Logger
	hooks       Hooks
	mailboxSize int

	mailbox  chan call
	quit     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	state    state
}

// New creates an agent for desc. Call Start before use.
func New(desc Description, opts ...Option) *Agent {
	a := &Agent{
		desc:        desc,
		maxShift:    DefaultMaxShift,
		mailboxSize: 64,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		state: state{
			applied: make(map[string][]booking.Op),
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	for i := range a.state.bindings {
		a.state.bindings[i].Slot.ResourceID = desc.ID
	}
	sortBindings(a.state.bindings)
	a.mailbox = make(chan call, a.mailboxSize)
	return a
}

// Start launches the agent goroutine. It stops when ctx is done or Stop is called.
func (a *Agent) Start(ctx context.Context) {
	go a.loop(ctx)
}

// Stop shuts the agent down and waits for the goroutine to exit. It is safe
// to call more than once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.quit) })
	<-a.done
}

func (a *Agent) loop(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case c := <-a.mailbox:
			c.fn(&a.state)
		case <-ctx.Done():
			return
		case <-a.quit:
			return
		}
	}
}

// do runs fn on the agent goroutine and waits for it. fn is skipped if the
// caller gave up before the agent reached it. Once fn has started the caller
// waits for its result, so a mutation is never reported as a failure.
func (a *Agent) do(ctx context.Context, fn func(*state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var claim atomic.Int32 // 0 queued, 1 running, 2 abandoned
	result := make(chan error, 1)
	c := call{fn: func(s *state) {
		if ctx.Err() != nil || !claim.CompareAndSwap(0, 1) {
			return
		}
		result <- fn(s)
	}}

	select {
	case a.mailbox <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.quit:
		return ErrStopped
	case <-a.done:
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		if claim.CompareAndSwap(0, 2) {
			return ctx.Err()
		}
	case <-a.done:
		if claim.CompareAndSwap(0, 2) {
			return ErrStopped
		}
	}
	// fn already started; its result is on the way.
	return <-result
}

// ID returns the resource id.
func (a *Agent) ID() string { return a.desc.ID }

// Describe returns the static description.
func (a *Agent) Describe() Description { return a.desc }

func (a *Agent) shiftFor(b booking.Binding) time.Duration {
	if b.Request.Flexibility > 0 {
		return b.Request.Flexibility
	}
	return a.maxShift
}

// Query reports whether req fits the resource at its requested time.
func (a *Agent) Query(ctx context.Context, req booking.Request) (QueryResult, error) {
	slot := req.SlotOn(a.desc.ID)
	res := QueryResult{ResourceID: a.desc.ID, Slot: slot}
	err := a.do(ctx, func(s *state) error {
		switch {
		case a.desc.Capacity > 0 && req.Headcount() > a.desc.Capacity:
			res.Status = OverCapacity
		case !a.desc.InHours(slot):
			res.Status = OutsideHours
		default:
			res.Conflicts = conflicts(s.bindings, slot, req.ID)
			res.Status = Free
			if len(res.Conflicts) > 0 {
				res.Status = Conflicting
			}
		}
		return nil
	})
	return res, err
}

// Propose evaluates a change without applying it.
func (a *Agent) Propose(ctx context.Context, p Proposal) (Response, error) {
	var resp Response
	err := a.do(ctx, func(s *state) error {
		if a.hooks.BeforePropose != nil {
			a.hooks.BeforePropose(ctx, p)
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		resp = a.evaluate(s.bindings, p)
		return nil
	})
	return resp, err
}

func (a *Agent) evaluate(current []booking.Binding, p Proposal) Response {
	if p.Change.ResourceID != "" && p.Change.ResourceID != a.desc.ID {
		return Response{Verdict: Reject, Reason: fmt.Sprintf("change targets %s", p.Change.ResourceID)}
	}
	results, err := applyOps(current, p.Change.Ops)
	if err != nil {
		return Response{Verdict: Reject, Reason: err.Error()}
	}
	for _, b := range p.Change.Results() {
		if n := b.Request.Headcount(); a.desc.Capacity > 0 && n > a.desc.Capacity {
			return Response{Verdict: Reject, Reason: fmt.Sprintf("%s needs %d seats, capacity %d", b.ID, n, a.desc.Capacity)}
		}
	}

	schedule := withReserve(results, p.Reserve)
	if validate(a.desc, schedule) == nil {
		return Response{Verdict: Accept}
	}

	// Counter by moving the first offending op to the nearest free slot.
	for i, op := range p.Change.Ops {
		if op.Kind == booking.OpRemove {
			continue
		}
		b := op.Result()
		if a.desc.InHours(b.Slot) && len(conflicts(schedule, b.Slot, b.ID)) == 0 {
			continue
		}
		others := make([]booking.Binding, 0, len(schedule))
		for _, o := range schedule {
			if o.ID != b.ID {
				others = append(others, o)
			}
		}
		alt, ok := nearestFree(a.desc, others, b.Slot, b.Request.Start, a.shiftFor(b))
		if !ok {
			return Response{Verdict: Reject, Reason: fmt.Sprintf("no free slot for %s within %s", b.ID, a.shiftFor(b))}
		}
		counter := p.Change
		counter.Ops = append([]booking.Op(nil), p.Change.Ops...)
		if op.Kind == booking.OpMove {
			counter.Ops[i].To = alt
		} else {
			counter.Ops[i].Binding = op.Binding.Moved(alt)
		}
		next, err := applyOps(current, counter.Ops)
		if err != nil || validate(a.desc, withReserve(next, p.Reserve)) != nil {
			return Response{Verdict: Reject, Reason: fmt.Sprintf("no consistent alternative for %s", b.ID)}
		}
		return Response{Verdict: Counter, Reason: fmt.Sprintf("%s is taken, %s is free", b.Slot, alt), Alternative: counter}
	}
	return Response{Verdict: Reject, Reason: "schedule would conflict"}
}

// withReserve adds reserved bindings that the schedule does not already hold.
func withReserve(bs []booking.Binding, reserve []booking.Binding) []booking.Binding {
	out := cloneBindings(bs)
	for _, r := range reserve {
		if indexOf(out, r.ID) < 0 {
			out = append(out, r)
		}
	}
	return out
}

// Apply commits a change. Re-applying an applied change id is a no-op.
func (a *Agent) Apply(ctx context.Context, c booking.Change) error {
	return a.do(ctx, func(s *state) error {
		if _, ok := s.applied[c.ID]; ok {
			return nil
		}
		next, err := applyOps(s.bindings, c.Ops)
		if err != nil {
			return fmt.Errorf("agent: %s: %w", a.desc.ID, err)
		}
		if err := validate(a.desc, next); err != nil {
			return fmt.Errorf("agent: %s: %w", a.desc.ID, err)
		}
		if a.hooks.BeforeApply != nil {
			if err := a.hooks.BeforeApply(c); err != nil {
				a.logApplyFailed(c, err)
				return fmt.Errorf("agent: %s: %w: %v", a.desc.ID, booking.ErrApplyFailure, err)
			}
		}
		s.applied[c.ID] = inverse(s.bindings, c.Ops)
		s.bindings = next
		return nil
	})
}

// inverse returns ops that undo ops when applied after them.
func inverse(before []booking.Binding, ops []booking.Op) []booking.Op {
	var undo []booking.Op
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		switch op.Kind {
		case booking.OpAdd:
			undo = append(undo, booking.Op{Kind: booking.OpRemove, Binding: op.Binding})
		case booking.OpMove:
			prev := op.Binding
			if j := indexOf(before, op.Binding.ID); j >= 0 {
				prev = before[j]
			}
			undo = append(undo, booking.Op{Kind: booking.OpMove, Binding: op.Result(), To: prev.Slot})
		case booking.OpRemove:
			prev := op.Binding
			if j := indexOf(before, op.Binding.ID); j >= 0 {
				prev = before[j]
			}
			undo = append(undo, booking.Op{Kind: booking.OpAdd, Binding: prev})
		}
	}
	return undo
}

// Revert undoes an applied change. Reverting a change that is not applied
// is a no-op.
func (a *Agent) Revert(ctx context.Context, changeID string) error {
	return a.do(ctx, func(s *state) error {
		undo, ok := s.applied[changeID]
		if !ok {
			return nil
		}
		next, err := applyOps(s.bindings, undo)
		if err != nil {
			return fmt.Errorf("agent: %s: revert %s: %w", a.desc.ID, changeID, err)
		}
		s.bindings = next
		delete(s.applied, changeID)
		return nil
	})
}

// Cancel removes a binding.
func (a *Agent) Cancel(ctx context.Context, bindingID string) error {
	return a.do(ctx, func(s *state) error {
		i := indexOf(s.bindings, bindingID)
		if i < 0 {
			return fmt.Errorf("agent: %s: %w: %s", a.desc.ID, booking.ErrUnknownBinding, bindingID)
		}
		s.bindings = append(s.bindings[:i:i], s.bindings[i+1:]...)
		return nil
	})
}

// UpdateHeadcount changes a binding's headcount after a capacity check.
func (a *Agent) UpdateHeadcount(ctx context.Context, bindingID string, n int) error {
	return a.do(ctx, func(s *state) error {
		i := indexOf(s.bindings, bindingID)
		if i < 0 {
			return fmt.Errorf("agent: %s: %w: %s", a.desc.ID, booking.ErrUnknownBinding, bindingID)
		}
		if n <= 0 {
			return fmt.Errorf("agent: %s: %w: headcount %d", a.desc.ID, booking.ErrInvalidRequest, n)
		}
		if a.desc.Capacity > 0 && n > a.desc.Capacity {
			return fmt.Errorf("agent: %s: %w: %d > %d", a.desc.ID, booking.ErrCapacityExceeded, n, a.desc.Capacity)
		}
		next := cloneBindings(s.bindings)
		next[i].Request.Criteria.Headcount = n
		s.bindings = next
		return nil
	})
}

// Snapshot returns a copy of the schedule in start order.
func (a *Agent) Snapshot(ctx context.Context) ([]booking.Binding, error) {
	var out []booking.Binding
	err := a.do(ctx, func(s *state) error {
		out = cloneBindings(s.bindings)
		return nil
	})
	return out, err
}

func (a *Agent) logApplyFailed(c booking.Change, err error) {
	if a.logger == nil {
		return
	}
	_ = a.logger.Append(log.LogEvent{
		Event:      log.EventApplyFailed,
		ResourceID: a.desc.ID,
		ChangeID:   c.ID,
		Error:      err.Error(),
	})
}
