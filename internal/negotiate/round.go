package negotiate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/agent"
	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/ledger"
	"github.com/chinanuj/AgenticLabAssistant/internal/log"
	"github.com/chinanuj/AgenticLabAssistant/internal/priority"
)

// errTimedOut marks a round that ran out of time.
var errTimedOut = errors.New("negotiate: round timed out")

// concession is an accepted, not yet settled adjustment on one resource.
// A relocation also carries the op that lands the booking on target.
type concession struct {
	op         booking.Op
	target     string
	targetOp   booking.Op
	commitment ledger.Commitment
}

// session is the state of one running round. It is confined to the
// goroutine that calls Engine.Run.
type session struct {
	e     *Engine
	r     Round
	sm    *StateMachine
	seq   int
	index map[string]int
	log   []ledger.Commitment // latest status per commitment, first-seen order

	pending  map[string][]concession
	closed   map[string]bool
	counters map[string]int

	outcome  ledger.Outcome
	reason   string
	slot     booking.TimeSlot
	changes  []booking.Change
	final    []ledger.Commitment
	timedOut bool
}

func newSession(e *Engine, r Round) *session {
	return &session{
		e:        e,
		r:        r,
		sm:       NewStateMachine(),
		index:    make(map[string]int),
		pending:  make(map[string][]concession),
		closed:   make(map[string]bool),
		counters: make(map[string]int),
		outcome:  ledger.OutcomeDenied,
	}
}

func (s *session) participants() []string {
	seen := map[string]bool{s.r.Newcomer.RequesterID: true}
	out := []string{s.r.Newcomer.RequesterID}
	for _, c := range s.r.Contests {
		for _, b := range c.Incumbents {
			if !seen[b.Request.RequesterID] {
				seen[b.Request.RequesterID] = true
				out = append(out, b.Request.RequesterID)
			}
		}
	}
	return out
}

func (s *session) contested() []booking.TimeSlot {
	var out []booking.TimeSlot
	for _, c := range s.r.Contests {
		out = append(out, s.r.Newcomer.SlotOn(c.Party.ID()))
		for _, b := range c.Incumbents {
			out = append(out, b.Slot)
		}
	}
	return out
}

func (s *session) open() {
	if s.e.logger == nil {
		return
	}
	_ = s.e.logger.Append(log.LogEvent{
		Event:        log.EventRoundOpened,
		RoundID:      s.r.ID,
		RequestID:    s.r.Newcomer.ID,
		RequesterID:  s.r.Newcomer.RequesterID,
		Participants: s.participants(),
	})
}

func (s *session) transition(to State) {
	_ = s.sm.Transition(to)
}

func (s *session) nextID(kind string) string {
	s.seq++
	return booking.DeriveID(s.r.ID, kind, fmt.Sprint(s.seq))
}

// record appends c to the ledger and the session view. Ledger write failures
// cannot be undone by the round, so they are logged and the round goes on.
func (s *session) record(ctx context.Context, c ledger.Commitment) ledger.Commitment {
	if err := s.e.ledger.Record(context.WithoutCancel(ctx), c); err != nil && s.e.logger != nil {
		_ = s.e.logger.Append(log.LogEvent{
			Event:        log.EventCommitmentRecorded,
			RoundID:      c.RoundID,
			CommitmentID: c.ID,
			Error:        err.Error(),
		})
	} else {
		s.e.logCommitment(c)
	}
	if i, ok := s.index[c.ID]; ok {
		s.log[i] = c
	} else {
		s.index[c.ID] = len(s.log)
		s.log = append(s.log, c)
	}
	return c
}

func (s *session) resolve(ctx context.Context, c ledger.Commitment, status ledger.Status, reason string) ledger.Commitment {
	return s.record(ctx, c.Resolve(status, reason, s.e.now()))
}

func (s *session) contest(resourceID string) (Contest, bool) {
	for _, c := range s.r.Contests {
		if c.Party.ID() == resourceID {
			return c, true
		}
	}
	return Contest{}, false
}

func (s *session) newcomerBinding(resourceID string) booking.Binding {
	return booking.NewBinding(s.r.Newcomer, s.r.Newcomer.SlotOn(resourceID))
}

// negotiate walks the parties lowest priority first. Parties that outrank
// the newcomer never cede, so the walk stops at the newcomer.
func (s *session) negotiate(ctx context.Context) {
	type seat struct {
		resourceID string
		binding    booking.Binding
	}
	seats := make(map[string]seat)
	parties := []priority.Party{priority.PartyOf(s.r.Newcomer)}
	for _, c := range s.r.Contests {
		for _, b := range c.Incumbents {
			if _, dup := seats[b.ID]; dup {
				continue
			}
			seats[b.ID] = seat{c.Party.ID(), b}
			p := priority.PartyOf(b.Request)
			p.ID = b.ID
			parties = append(parties, p)
		}
	}
	if len(seats) == 0 {
		s.reason = "no contested bookings"
		s.finish(ctx, nil)
		return
	}

	credits := s.e.credits(ctx, s.participants(), s.r.Newcomer.SubmittedAt)
	order := priority.Lowest(parties, s.e.settings.Order, credits)

	// A resource holding any incumbent that outranks the newcomer cannot be
	// cleared by concessions.
	blocked := make(map[string]bool)
	passedNewcomer := false
	for _, p := range order {
		if p.ID == s.r.Newcomer.ID {
			passedNewcomer = true
			continue
		}
		if passedNewcomer {
			blocked[seats[p.ID].resourceID] = true
		}
	}
	remaining := make(map[string]int)
	for _, st := range seats {
		remaining[st.resourceID]++
	}

	for _, p := range order {
		if ctx.Err() != nil {
			s.finish(ctx, errTimedOut)
			return
		}
		if p.ID == s.r.Newcomer.ID {
			err := s.newcomerCedes(ctx)
			s.finish(ctx, err)
			return
		}
		st := seats[p.ID]
		if blocked[st.resourceID] || s.closed[st.resourceID] {
			continue
		}
		ok, err := s.incumbentCedes(ctx, st.resourceID, st.binding)
		if err != nil {
			s.finish(ctx, err)
			return
		}
		if !ok {
			s.close(ctx, st.resourceID, fmt.Sprintf("%s would not cede", st.binding.ID))
			continue
		}
		remaining[st.resourceID]--
		if remaining[st.resourceID] == 0 {
			done, err := s.allocate(ctx, st.resourceID)
			if err != nil || done {
				s.finish(ctx, err)
				return
			}
		}
	}
	s.finish(ctx, nil)
}

// pendingOps returns the ops of the concessions already accepted on
// resourceID, which every later change there must carry.
func (s *session) pendingOps(resourceID string) []booking.Op {
	var ops []booking.Op
	for _, c := range s.pending[resourceID] {
		ops = append(ops, c.op)
	}
	return ops
}

// close gives up on a resource and expires its pending concessions.
func (s *session) close(ctx context.Context, resourceID, reason string) {
	s.closed[resourceID] = true
	for _, c := range s.pending[resourceID] {
		s.resolve(ctx, c.commitment, ledger.StatusExpired, reason)
	}
	delete(s.pending, resourceID)
}

// proposal is one offer made on behalf of a ceding party.
type proposal struct {
	kind         ledger.Kind
	party        string // party whose counter budget is spent
	proposer     string
	counterparty string
	to           Negotiator
	offer        agent.Proposal
	// acceptable vets an agent's counter against the party's constraints.
	acceptable func(booking.Change) bool
}

// exchange makes one offer and follows it through at most one counter.
// It returns the accepted commitment and change, or ok=false on rejection.
func (s *session) exchange(ctx context.Context, p proposal) (ledger.Commitment, booking.Change, bool, error) {
	p.offer.Change.ID = s.nextID("change")
	c := s.record(ctx, ledger.Commitment{
		ID:             s.nextID("commitment"),
		RoundID:        s.r.ID,
		Kind:           p.kind,
		ProposerID:     p.proposer,
		CounterpartyID: p.counterparty,
		ResourceID:     p.to.ID(),
		ChangeID:       p.offer.Change.ID,
		Terms:          p.offer.Change.Describe(),
		Status:         ledger.StatusProposed,
		CreatedAt:      s.e.now(),
	})
	s.transition(StateProposing)

	resp, err := p.to.Propose(ctx, p.offer)
	if err != nil {
		if ctx.Err() != nil {
			return c, booking.Change{}, false, errTimedOut
		}
		s.transition(StateRejected)
		s.resolve(ctx, c, ledger.StatusRejected, err.Error())
		return c, booking.Change{}, false, nil
	}

	switch resp.Verdict {
	case agent.Accept:
		s.transition(StateAccepted)
		return c, p.offer.Change, true, nil

	case agent.Counter:
		s.transition(StateCounterProposing)
		s.resolve(ctx, c, ledger.StatusRejected, "countered: "+resp.Reason)
		s.counters[p.party]++
		alt := resp.Alternative
		alt.ID = s.nextID("change")
		cc := s.record(ctx, ledger.Commitment{
			ID:             s.nextID("commitment"),
			RoundID:        s.r.ID,
			Kind:           ledger.KindCounter,
			ProposerID:     p.proposer,
			CounterpartyID: p.counterparty,
			ResourceID:     p.to.ID(),
			ChangeID:       alt.ID,
			Terms:          alt.Describe(),
			Status:         ledger.StatusProposed,
			CreatedAt:      s.e.now(),
		})
		if s.counters[p.party] > s.e.settings.MaxCounters {
			s.transition(StateRejected)
			s.resolve(ctx, cc, ledger.StatusRejected, "counter limit reached")
			return cc, booking.Change{}, false, nil
		}
		if p.acceptable != nil && !p.acceptable(alt) {
			s.transition(StateRejected)
			s.resolve(ctx, cc, ledger.StatusRejected, "counter exceeds the party's constraints")
			return cc, booking.Change{}, false, nil
		}
		s.transition(StateAccepted)
		return cc, alt, true, nil

	default:
		s.transition(StateRejected)
		s.resolve(ctx, c, ledger.StatusRejected, resp.Reason)
		return c, booking.Change{}, false, nil
	}
}

// keepsOthers reports whether alt changes only the binding with id moving,
// and leaves it within shift of origin.
func keepsOthers(offer, alt booking.Change, moving string, origin time.Time, shift time.Duration) bool {
	if len(offer.Ops) != len(alt.Ops) {
		return false
	}
	for i := range offer.Ops {
		got := alt.Ops[i].Result()
		if alt.Ops[i].Binding.ID == moving {
			d := got.Slot.Start.Sub(origin)
			if d < 0 {
				d = -d
			}
			if d > shift {
				return false
			}
			continue
		}
		if got.Slot != offer.Ops[i].Result().Slot || alt.Ops[i].Kind != offer.Ops[i].Kind {
			return false
		}
	}
	return true
}

// shiftCandidates returns slots of dur ending at before or starting at
// after, nearest to from first, ties to the earlier slot, within shift of
// origin.
func shiftCandidates(resourceID string, dur time.Duration, before, after, from, origin time.Time, shift time.Duration) []booking.TimeSlot {
	all := []booking.TimeSlot{
		{ResourceID: resourceID, Start: before.Add(-dur), End: before},
		{ResourceID: resourceID, Start: after, End: after.Add(dur)},
	}
	var out []booking.TimeSlot
	for _, c := range all {
		d := c.Start.Sub(origin)
		if d < 0 {
			d = -d
		}
		if d <= shift {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := out[i].Start.Sub(from), out[j].Start.Sub(from)
		if di < 0 {
			di = -di
		}
		if dj < 0 {
			dj = -dj
		}
		if di != dj {
			return di < dj
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// incumbentCedes asks an incumbent to move out of the newcomer's way on its
// own resource, or failing that, onto another contested resource.
func (s *session) incumbentCedes(ctx context.Context, resourceID string, b booking.Binding) (bool, error) {
	contest, _ := s.contest(resourceID)
	want := s.r.Newcomer.SlotOn(resourceID)
	shift := s.e.shiftFor(b.Request)
	reserve := []booking.Binding{s.newcomerBinding(resourceID)}

	for _, slot := range shiftCandidates(resourceID, b.Slot.Duration(), want.Start, want.End, b.Slot.Start, b.Request.Start, shift) {
		if s.counters[b.ID] > s.e.settings.MaxCounters {
			return false, nil
		}
		change := booking.Change{ResourceID: resourceID, Ops: append(s.pendingOps(resourceID),
			booking.Op{Kind: booking.OpMove, Binding: b, To: slot})}
		offer := agent.Proposal{Change: change, Reserve: reserve}
		c, accepted, ok, err := s.exchange(ctx, proposal{
			kind:         ledger.KindConcession,
			party:        b.ID,
			proposer:     b.Request.RequesterID,
			counterparty: s.r.Newcomer.RequesterID,
			to:           contest.Party,
			offer:        offer,
			acceptable: func(alt booking.Change) bool {
				return keepsOthers(change, alt, b.ID, b.Request.Start, shift)
			},
		})
		if err != nil {
			return false, err
		}
		if ok {
			op := accepted.Ops[len(accepted.Ops)-1]
			s.pending[resourceID] = append(s.pending[resourceID], concession{op: op, commitment: c})
			return true, nil
		}
	}

	// Relocate to another contested resource that suits the booking.
	for _, other := range s.r.Contests {
		target := other.Party.ID()
		desc := other.Party.Describe()
		if target == resourceID || s.closed[target] || len(s.pending[target]) > 0 || !desc.Admits(b.Request.Criteria) {
			continue
		}
		if desc.Capacity > 0 && b.Request.Headcount() > desc.Capacity {
			continue
		}
		if s.counters[b.ID] > s.e.settings.MaxCounters {
			return false, nil
		}
		landed := b.Moved(b.Slot.On(target))
		change := booking.Change{ResourceID: target, Ops: []booking.Op{{Kind: booking.OpAdd, Binding: landed}}}
		c, accepted, ok, err := s.exchange(ctx, proposal{
			kind:         ledger.KindRelocation,
			party:        b.ID,
			proposer:     b.Request.RequesterID,
			counterparty: s.r.Newcomer.RequesterID,
			to:           other.Party,
			offer:        agent.Proposal{Change: change},
			acceptable: func(alt booking.Change) bool {
				return keepsOthers(change, alt, b.ID, b.Request.Start, shift)
			},
		})
		if err != nil {
			return false, err
		}
		if ok {
			// The target now hosts a relocated booking; the newcomer will
			// not land there in this round.
			s.close(ctx, target, fmt.Sprintf("%s relocated onto %s", b.ID, target))
			s.pending[resourceID] = append(s.pending[resourceID], concession{
				op:         booking.Op{Kind: booking.OpRemove, Binding: b},
				target:     target,
				targetOp:   accepted.Ops[len(accepted.Ops)-1],
				commitment: c,
			})
			return true, nil
		}
	}
	return false, nil
}

// allocate proposes the newcomer's booking on a cleared resource.
func (s *session) allocate(ctx context.Context, resourceID string) (bool, error) {
	contest, _ := s.contest(resourceID)
	nb := s.newcomerBinding(resourceID)
	change := booking.Change{ResourceID: resourceID, Ops: append(s.pendingOps(resourceID),
		booking.Op{Kind: booking.OpAdd, Binding: nb})}

	c, accepted, ok, err := s.exchange(ctx, proposal{
		kind:         ledger.KindAllocation,
		party:        s.r.Newcomer.ID,
		proposer:     s.r.Newcomer.RequesterID,
		counterparty: resourceID,
		to:           contest.Party,
		offer:        agent.Proposal{Change: change},
		acceptable: func(alt booking.Change) bool {
			// The newcomer keeps its requested slot on this path.
			return keepsOthers(change, alt, nb.ID, s.r.Newcomer.Start, 0)
		},
	})
	if err != nil {
		return false, err
	}
	if !ok {
		s.close(ctx, resourceID, "allocation refused")
		return false, nil
	}
	s.settle(resourceID, accepted, c)
	return true, nil
}

// newcomerCedes offers to move the newcomer's own slot past the incumbents
// on each contested resource in turn.
func (s *session) newcomerCedes(ctx context.Context) error {
	n := s.r.Newcomer
	shift := s.e.shiftFor(n)
	for _, contest := range s.r.Contests {
		resourceID := contest.Party.ID()
		if len(contest.Incumbents) == 0 {
			continue
		}
		before, after := contest.Incumbents[0].Slot.Start, contest.Incumbents[0].Slot.End
		for _, b := range contest.Incumbents[1:] {
			if b.Slot.Start.Before(before) {
				before = b.Slot.Start
			}
			if b.Slot.End.After(after) {
				after = b.Slot.End
			}
		}
		for _, slot := range shiftCandidates(resourceID, n.End.Sub(n.Start), before, after, n.Start, n.Start, shift) {
			if s.counters[n.ID] > s.e.settings.MaxCounters {
				return nil
			}
			moved := booking.NewBinding(n, slot)
			change := booking.Change{ResourceID: resourceID, Ops: []booking.Op{{Kind: booking.OpAdd, Binding: moved}}}
			c, accepted, ok, err := s.exchange(ctx, proposal{
				kind:         ledger.KindConcession,
				party:        n.ID,
				proposer:     n.RequesterID,
				counterparty: contest.Incumbents[0].Request.RequesterID,
				to:           contest.Party,
				offer:        agent.Proposal{Change: change},
				acceptable: func(alt booking.Change) bool {
					return keepsOthers(change, alt, n.ID, n.Start, shift)
				},
			})
			if err != nil {
				return err
			}
			if ok {
				// Concessions by others on this resource are no longer needed.
				for _, p := range s.pending[resourceID] {
					s.resolve(ctx, p.commitment, ledger.StatusExpired, "newcomer moved instead")
				}
				delete(s.pending, resourceID)
				s.settle(resourceID, accepted, c)
				return nil
			}
		}
	}
	return nil
}

// settle fixes the round's allocation on resourceID. The accepted change and
// its concessions become the final commitments, still Proposed until the
// coordinator applies them.
func (s *session) settle(resourceID string, accepted booking.Change, c ledger.Commitment) {
	s.outcome = ledger.OutcomeAllocated
	s.changes = []booking.Change{accepted}
	for _, op := range accepted.Ops {
		if op.Kind == booking.OpAdd && op.Binding.ID == s.r.Newcomer.ID {
			s.slot = op.Binding.Slot
		}
	}

	targets := make(map[string][]booking.Op)
	for _, p := range s.pending[resourceID] {
		s.final = append(s.final, p.commitment)
		if p.target != "" {
			targets[p.target] = append(targets[p.target], p.targetOp)
		}
	}
	s.final = append(s.final, c)
	for target, ops := range targets {
		s.changes = append(s.changes, booking.Change{
			ID:         booking.DeriveID(s.r.ID, "apply", target),
			ResourceID: target,
			Ops:        ops,
		})
	}
	sort.SliceStable(s.changes, func(i, j int) bool {
		return s.changes[i].ResourceID < s.changes[j].ResourceID
	})
	delete(s.pending, resourceID)
}

// finish resolves the round. Anything still pending that is not part of the
// final allocation expires.
func (s *session) finish(ctx context.Context, err error) {
	if errors.Is(err, errTimedOut) || (err == nil && ctx.Err() != nil && s.outcome != ledger.OutcomeAllocated) {
		s.timedOut = true
		s.outcome = ledger.OutcomeTimedOut
		s.changes = nil
		s.final = nil
		s.reason = fmt.Sprintf("round exceeded %s", s.e.settings.RoundTimeout)
	}

	keep := make(map[string]bool)
	for _, c := range s.final {
		keep[c.ID] = true
	}
	for _, c := range append([]ledger.Commitment(nil), s.log...) {
		if c.Status == ledger.StatusProposed && !keep[c.ID] {
			reason := "round resolved"
			if s.timedOut {
				reason = "round timed out"
			}
			s.resolve(ctx, c, ledger.StatusExpired, reason)
		}
	}
	s.pending = map[string][]concession{}
	s.transition(StateResolved)

	if s.outcome == ledger.OutcomeAllocated {
		return
	}
	if s.reason == "" {
		s.reason = "no party could cede enough ground"
	}
	outcome := ledger.OutcomeOf(s.log, s.timedOut)
	s.outcome = outcome
	if err := s.e.ledger.RecordRound(context.WithoutCancel(ctx), ledger.Round{
		ID:           s.r.ID,
		Participants: s.participants(),
		Contested:    s.contested(),
		Outcome:      outcome,
		ResolvedAt:   s.e.now(),
	}); err != nil && s.e.logger != nil {
		_ = s.e.logger.Append(log.LogEvent{Event: log.EventRoundResolved, RoundID: s.r.ID, Error: err.Error()})
	}
	s.e.logResolved(s.r.ID, outcome, s.reason)
}

func (s *session) result() Result {
	return Result{
		RoundID:      s.r.ID,
		Outcome:      s.outcome,
		Slot:         s.slot,
		Changes:      s.changes,
		Final:        s.final,
		Commitments:  append([]ledger.Commitment(nil), s.log...),
		Participants: s.participants(),
		Contested:    s.contested(),
		Trace:        s.sm.Trace(),
		Reason:       s.reason,
	}
}
