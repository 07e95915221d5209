package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/agent"
	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/ledger"
	"github.com/chinanuj/AgenticLabAssistant/internal/log"
	"github.com/chinanuj/AgenticLabAssistant/internal/notify"
	"github.com/chinanuj/AgenticLabAssistant/internal/store"
	"github.com/chinanuj/AgenticLabAssistant/internal/testutil"
)

var (
	at  = testutil.At
	req = testutil.Request
)

func lab(id string, capacity int) agent.Description {
	return agent.Description{ID: id, Name: id, Capacity: capacity}
}

func newCoordinator(t *testing.T, settings Settings, agents ...ResourceAgent) (*Coordinator, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return New(settings, agents, WithStore(s), WithClock(testutil.Clock("08:00"))), s
}

func slotIs(s booking.TimeSlot, resourceID, from, to string) bool {
	return s.ResourceID == resourceID && s.Start.Equal(at(from)) && s.End.Equal(at(to))
}

func TestScenarioALowerTierShifts(t *testing.T) {
	ctx := context.Background()
	r := testutil.StartAgent(t, lab("R", 30))
	c, st := newCoordinator(t, DefaultSettings(), r)

	a := req("A", booking.TierBTech, "10:00", "11:00", 20)
	if d := c.Handle(ctx, a); d.Kind != Granted {
		t.Fatalf("A: %s %s %s", d.Kind, d.Reason, d.Detail)
	}

	b := req("B", booking.TierPhD, "10:30", "11:30", 25)
	b.SubmittedAt = at("08:05")
	d := c.Handle(ctx, b)
	if d.Kind != Negotiated {
		t.Fatalf("B: %s %s %s", d.Kind, d.Reason, d.Detail)
	}
	if !slotIs(d.Slot, "R", "10:30", "11:30") {
		t.Errorf("B slot = %s", d.Slot)
	}
	if d.RoundID == "" || len(d.Commitments) == 0 {
		t.Fatalf("expected a recorded round, got %+v", d)
	}
	accepted := 0
	for _, cm := range d.Commitments {
		if cm.Status == ledger.StatusProposed {
			t.Errorf("commitment %s left Proposed", cm.ID)
		}
		if cm.Status == ledger.StatusAccepted {
			accepted++
		}
	}
	if accepted == 0 {
		t.Error("no Accepted commitment in an allocated round")
	}

	sched, err := c.Schedule(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	got := sched["R"]
	if len(got) != 2 || got[0].ID != "A" || !slotIs(got[0].Slot, "R", "09:30", "10:30") || got[1].ID != "B" {
		t.Errorf("schedule = %+v", got)
	}

	recs, _ := st.List(ctx)
	if len(recs) != 2 || recs[0].BookingID != "A" || !recs[0].Start.Equal(at("09:30")) {
		t.Errorf("persisted = %+v", recs)
	}

	round, ok, _ := c.Ledger().Round(ctx, d.RoundID)
	if !ok || round.Outcome != ledger.OutcomeAllocated || round.Direct {
		t.Errorf("round = %+v", round)
	}
}

func TestScenarioBDisjointResourcesGrantDirectly(t *testing.T) {
	ctx := context.Background()
	l1 := testutil.StartAgent(t, lab("lab-1", 30))
	l2 := testutil.StartAgent(t, lab("lab-2", 30))
	c, _ := newCoordinator(t, DefaultSettings(), l1, l2)

	a := req("A", booking.TierBTech, "10:00", "11:00", 10)
	a.Criteria.ResourceName = "lab-1"
	b := req("B", booking.TierBTech, "10:00", "11:00", 10)
	b.Criteria.ResourceName = "lab-2"

	var wg sync.WaitGroup
	decisions := make([]Decision, 2)
	for i, r := range []booking.Request{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decisions[i] = c.Handle(ctx, r)
		}()
	}
	wg.Wait()

	for i, d := range decisions {
		if d.Kind != Granted {
			t.Errorf("decision %d = %s %s", i, d.Kind, d.Detail)
		}
	}
	rounds, _ := c.Ledger().Rounds(ctx)
	if len(rounds) != 2 {
		t.Fatalf("rounds = %d, want 2", len(rounds))
	}
	for _, r := range rounds {
		if !r.Direct {
			t.Errorf("round %s was negotiated", r.ID)
		}
	}
}

func TestScenarioCOverCapacity(t *testing.T) {
	ctx := context.Background()
	r := testutil.StartAgent(t, lab("R", 30))
	c, _ := newCoordinator(t, DefaultSettings(), r)

	d := c.Handle(ctx, req("A", booking.TierPhD, "10:00", "11:00", 40))
	if d.Kind != Denied || d.Reason != booking.KindCapacityExceeded {
		t.Fatalf("decision = %s %s", d.Kind, d.Reason)
	}
	if d.RoundID != "" {
		t.Errorf("round %s opened for an over-capacity request", d.RoundID)
	}
	rounds, _ := c.Ledger().Rounds(ctx)
	history, _ := c.Ledger().History(ctx, "A")
	if len(rounds) != 0 || len(history) != 0 {
		t.Errorf("ledger has %d rounds and %d commitments", len(rounds), len(history))
	}
}

func TestScenarioDRoundTimeout(t *testing.T) {
	ctx := context.Background()
	a := req("A", booking.TierBTech, "10:00", "11:00", 10)
	r := testutil.StartAgent(t, lab("R", 30),
		agent.WithBindings(testutil.Bound(a, "R")),
		agent.WithHooks(agent.Hooks{BeforePropose: func(ctx context.Context, _ agent.Proposal) { <-ctx.Done() }}),
	)
	settings := DefaultSettings()
	settings.Negotiation.RoundTimeout = 30 * time.Millisecond
	c, st := newCoordinator(t, settings, r)

	d := c.Handle(ctx, req("B", booking.TierPhD, "10:30", "11:30", 10))
	if d.Kind != Denied || d.Reason != booking.KindNegotiationTimeout {
		t.Fatalf("decision = %s %s %s", d.Kind, d.Reason, d.Detail)
	}
	round, ok, _ := c.Ledger().Round(ctx, d.RoundID)
	if !ok || round.Outcome != ledger.OutcomeTimedOut {
		t.Errorf("round = %+v", round)
	}

	snap, _ := r.Snapshot(ctx)
	if len(snap) != 1 || snap[0].ID != "A" || !slotIs(snap[0].Slot, "R", "10:00", "11:00") {
		t.Errorf("schedule changed: %+v", snap)
	}
	if recs, _ := st.List(ctx); len(recs) != 0 {
		t.Errorf("persisted %d records for a timed-out round", len(recs))
	}
}

func TestApplyFailureIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	a := req("A", booking.TierBTech, "10:00", "11:00", 10)
	a.Flexibility = 10 * time.Minute
	cc := req("C", booking.TierPhD, "11:00", "12:00", 10)
	cc.SubmittedAt = at("07:00")

	l1 := testutil.StartAgent(t, lab("lab-1", 30), agent.WithBindings(testutil.Bound(a, "lab-1")))
	l2 := testutil.StartAgent(t, lab("lab-2", 30),
		agent.WithBindings(testutil.Bound(cc, "lab-2")),
		agent.WithHooks(agent.Hooks{BeforeApply: func(booking.Change) error { return errors.New("disk full") }}),
	)
	c, st := newCoordinator(t, DefaultSettings(), l1, l2)

	b := req("B", booking.TierPhD, "10:30", "11:30", 10)
	b.SubmittedAt = at("08:05")
	d := c.Handle(ctx, b)
	if d.Kind != Denied || d.Reason != booking.KindApplyFailure {
		t.Fatalf("decision = %s %s %s", d.Kind, d.Reason, d.Detail)
	}

	s1, _ := l1.Snapshot(ctx)
	if len(s1) != 1 || s1[0].ID != "A" || !slotIs(s1[0].Slot, "lab-1", "10:00", "11:00") {
		t.Errorf("lab-1 not restored: %+v", s1)
	}
	s2, _ := l2.Snapshot(ctx)
	if len(s2) != 1 || s2[0].ID != "C" {
		t.Errorf("lab-2 changed: %+v", s2)
	}

	round, ok, _ := c.Ledger().Round(ctx, d.RoundID)
	if !ok || round.Outcome != ledger.OutcomeDenied {
		t.Errorf("round = %+v", round)
	}
	for _, cm := range d.Commitments {
		if cm.Status == ledger.StatusAccepted || cm.Status == ledger.StatusProposed {
			t.Errorf("commitment %s (%s) is %s after a failed apply", cm.ID, cm.Kind, cm.Status)
		}
	}
	if recs, _ := st.List(ctx); len(recs) != 0 {
		t.Errorf("persisted %d records after a failed apply", len(recs))
	}
}

func TestDirectApplyFailure(t *testing.T) {
	ctx := context.Background()
	r := testutil.StartAgent(t, lab("R", 30),
		agent.WithHooks(agent.Hooks{BeforeApply: func(booking.Change) error { return errors.New("offline") }}))
	c, _ := newCoordinator(t, DefaultSettings(), r)

	d := c.Handle(ctx, req("A", booking.TierPhD, "10:00", "11:00", 5))
	if d.Kind != Denied || d.Reason != booking.KindApplyFailure {
		t.Fatalf("decision = %s %s", d.Kind, d.Reason)
	}
	if len(d.Commitments) != 1 || d.Commitments[0].Status != ledger.StatusRejected {
		t.Errorf("commitments = %+v", d.Commitments)
	}
}

// cancelOnApply returns a hook that cancels the request context while the
// agent is applying.
func cancelOnApply(cancel context.CancelFunc) agent.Option {
	return agent.WithHooks(agent.Hooks{BeforeApply: func(booking.Change) error {
		cancel()
		return nil
	}})
}

func TestCancelDuringDirectApplyKeepsDecisionConsistent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := testutil.StartAgent(t, lab("R", 30), cancelOnApply(cancel))
	c, st := newCoordinator(t, DefaultSettings(), r)

	d := c.Handle(ctx, req("A", booking.TierPhD, "10:00", "11:00", 5))
	if d.Kind != Granted {
		t.Fatalf("decision = %s %s %s", d.Kind, d.Reason, d.Detail)
	}
	bg := context.Background()
	snap, err := r.Snapshot(bg)
	if err != nil || len(snap) != 1 || snap[0].ID != "A" {
		t.Errorf("schedule = %+v, %v", snap, err)
	}
	if recs, _ := st.List(bg); len(recs) != 1 || recs[0].BookingID != "A" {
		t.Errorf("persisted = %+v", recs)
	}
	if len(d.Commitments) != 1 || d.Commitments[0].Status != ledger.StatusAccepted {
		t.Errorf("commitments = %+v", d.Commitments)
	}
}

func TestCancelDuringNegotiatedApplyKeepsDecisionConsistent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := req("A", booking.TierBTech, "10:00", "11:00", 20)
	r := testutil.StartAgent(t, lab("R", 30),
		agent.WithBindings(testutil.Bound(a, "R")),
		cancelOnApply(cancel),
	)
	c, st := newCoordinator(t, DefaultSettings(), r)

	b := req("B", booking.TierPhD, "10:30", "11:30", 25)
	b.SubmittedAt = at("08:05")
	d := c.Handle(ctx, b)
	if d.Kind != Negotiated {
		t.Fatalf("decision = %s %s %s", d.Kind, d.Reason, d.Detail)
	}
	bg := context.Background()
	snap, err := r.Snapshot(bg)
	if err != nil || len(snap) != 2 || !slotIs(snap[0].Slot, "R", "09:30", "10:30") || snap[1].ID != "B" {
		t.Errorf("schedule = %+v, %v", snap, err)
	}
	if recs, _ := st.List(bg); len(recs) != 2 {
		t.Errorf("persisted = %+v", recs)
	}
	round, ok, _ := c.Ledger().Round(bg, d.RoundID)
	if !ok || round.Outcome != ledger.OutcomeAllocated {
		t.Errorf("round = %+v", round)
	}
}

func TestDenials(t *testing.T) {
	ctx := context.Background()
	open := lab("R", 30)
	open.Opens, open.Closes = 8*time.Hour, 18*time.Hour
	r := testutil.StartAgent(t, open)
	c, _ := newCoordinator(t, DefaultSettings(), r)

	invalid := req("X", booking.TierPhD, "11:00", "10:00", 5)
	named := req("Y", booking.TierPhD, "10:00", "11:00", 5)
	named.Criteria.ResourceName = "Physics Lab"
	equipped := req("Z", booking.TierPhD, "10:00", "11:00", 5)
	equipped.Criteria.Equipment = []string{"laser"}
	late := req("W", booking.TierPhD, "19:00", "20:00", 5)

	tests := []struct {
		name string
		req  booking.Request
		want booking.ErrorKind
	}{
		{"end before start", invalid, booking.KindInvalidRequest},
		{"unknown resource", named, booking.KindNoCandidate},
		{"missing equipment", equipped, booking.KindNoCandidate},
		{"outside hours", late, booking.KindOutsideHours},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Handle(ctx, tt.req)
			if d.Kind != Denied || d.Reason != tt.want {
				t.Errorf("decision = %s %s (%s), want Denied %s", d.Kind, d.Reason, d.Detail, tt.want)
			}
		})
	}
}

func TestHandleText(t *testing.T) {
	ctx := context.Background()
	r := testutil.StartAgent(t, agent.Description{ID: "lab-1", Name: "AI Lab", Capacity: 30})
	c, _ := newCoordinator(t, DefaultSettings(), r)

	d := c.HandleText(ctx, "{lab: AI Lab, date: 2025-10-07, from: '10:00', to: '11:00', students: 12}", "p21cs001@uni.edu")
	if d.Kind != Granted || !slotIs(d.Slot, "lab-1", "10:00", "11:00") {
		t.Fatalf("decision = %s %s %s", d.Kind, d.Slot, d.Detail)
	}
	snap, _ := r.Snapshot(ctx)
	if len(snap) != 1 || snap[0].Request.Tier != booking.TierPhD || snap[0].Request.RequesterID != "p21cs001@uni.edu" {
		t.Errorf("booked = %+v", snap)
	}

	d = c.HandleText(ctx, "please book something nice", "bob")
	if d.Kind != Denied || d.Reason != booking.KindParseFailure {
		t.Errorf("decision = %s %s", d.Kind, d.Reason)
	}
}

func TestCancelAndUpdateHeadcount(t *testing.T) {
	ctx := context.Background()
	r := testutil.StartAgent(t, lab("R", 30))
	bus := notify.NewBus()
	events := bus.Subscribe()
	st := store.NewMemoryStore()
	c := New(DefaultSettings(), []ResourceAgent{r}, WithStore(st), WithNotifier(bus), WithClock(testutil.Clock("08:00")))

	if d := c.Handle(ctx, req("A", booking.TierBTech, "10:00", "11:00", 10)); d.Kind != Granted {
		t.Fatalf("grant: %s", d.Detail)
	}
	if err := c.UpdateHeadcount(ctx, "R", "A", 40); !errors.Is(err, booking.ErrCapacityExceeded) {
		t.Errorf("UpdateHeadcount(40) = %v", err)
	}
	if err := c.UpdateHeadcount(ctx, "R", "A", 25); err != nil {
		t.Fatalf("UpdateHeadcount(25): %v", err)
	}
	recs, _ := st.List(ctx)
	if len(recs) != 1 || recs[0].Headcount != 25 {
		t.Errorf("persisted = %+v", recs)
	}

	if err := c.Cancel(ctx, "R", "A"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := c.Cancel(ctx, "R", "A"); !errors.Is(err, booking.ErrUnknownBinding) {
		t.Errorf("second Cancel = %v", err)
	}
	if err := c.Cancel(ctx, "nope", "A"); err == nil {
		t.Error("cancel on unknown resource succeeded")
	}
	if recs, _ := st.List(ctx); len(recs) != 0 {
		t.Errorf("records after cancel = %+v", recs)
	}

	var kinds []notify.Kind
	for len(events) > 0 {
		kinds = append(kinds, (<-events).Kind)
	}
	want := []notify.Kind{notify.KindGranted, notify.KindUpdated, notify.KindCancelled}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

func TestScheduleWindow(t *testing.T) {
	ctx := context.Background()
	r := testutil.StartAgent(t, lab("R", 30),
		agent.WithBindings(
			testutil.Bound(req("A", booking.TierBTech, "08:00", "09:00", 5), "R"),
			testutil.Bound(req("B", booking.TierBTech, "12:00", "13:00", 5), "R"),
		))
	c, _ := newCoordinator(t, DefaultSettings(), r)

	sched, err := c.Schedule(ctx, at("09:00"), at("12:30"))
	if err != nil {
		t.Fatal(err)
	}
	if got := sched["R"]; len(got) != 1 || got[0].ID != "B" {
		t.Errorf("window = %+v", got)
	}
}

func runScenarioA(t *testing.T) []Decision {
	ctx := context.Background()
	r := testutil.StartAgent(t, lab("R", 30))
	c, _ := newCoordinator(t, DefaultSettings(), r)
	b := req("B", booking.TierPhD, "10:30", "11:30", 25)
	b.SubmittedAt = at("08:05")
	return []Decision{
		c.Handle(ctx, req("A", booking.TierBTech, "10:00", "11:00", 20)),
		c.Handle(ctx, b),
	}
}

func TestDeterministicReplay(t *testing.T) {
	first, second := runScenarioA(t), runScenarioA(t)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("replays differ:\n%+v\n%+v", first, second)
	}
}

func TestConcurrentRequestsNeverDoubleBook(t *testing.T) {
	ctx := context.Background()
	l1 := testutil.StartAgent(t, lab("lab-1", 30))
	l2 := testutil.StartAgent(t, lab("lab-2", 30))
	settings := DefaultSettings()
	settings.Negotiation.MaxShift = time.Hour
	c, _ := newCoordinator(t, settings, l1, l2)

	rng := rand.New(rand.NewSource(7))
	tiers := booking.AllTiers()
	var reqs []booking.Request
	for i := 0; i < 24; i++ {
		start := 8*60 + rng.Intn(16)*30
		r := booking.Request{
			ID:          fmt.Sprintf("q%02d", i),
			RequesterID: fmt.Sprintf("u%d", i%5),
			Tier:        tiers[rng.Intn(len(tiers))],
			Criteria:    booking.Criteria{Headcount: 1 + rng.Intn(20)},
			Start:       at("00:00").Add(time.Duration(start) * time.Minute),
			End:         at("00:00").Add(time.Duration(start+60) * time.Minute),
			SubmittedAt: at("08:00").Add(time.Duration(i) * time.Second),
		}
		reqs = append(reqs, r)
	}

	var wg sync.WaitGroup
	for _, r := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Handle(ctx, r)
		}()
	}
	wg.Wait()

	sched, err := c.Schedule(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for id, bs := range sched {
		for i := range bs {
			if seen[bs[i].ID] {
				t.Errorf("%s booked twice", bs[i].ID)
			}
			seen[bs[i].ID] = true
			for j := i + 1; j < len(bs); j++ {
				if bs[i].Slot.Overlaps(bs[j].Slot) {
					t.Errorf("%s: %s overlaps %s", id, bs[i].Slot, bs[j].Slot)
				}
			}
		}
	}
	if len(c.Claims()) != 0 {
		t.Errorf("claims left held: %+v", c.Claims())
	}
}

func TestClaimsSerializeSharedResources(t *testing.T) {
	cl := newClaims(time.Now)
	ctx := context.Background()
	if err := cl.acquire(ctx, "one", []string{"b", "a"}); err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := cl.acquire(short, "two", []string{"c", "b"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("acquire while held = %v", err)
	}
	for _, h := range cl.snapshot() {
		if h.HeldBy == "two" {
			t.Errorf("partial claim left behind: %+v", h)
		}
	}

	got := make(chan error, 1)
	go func() { got <- cl.acquire(ctx, "two", []string{"b"}) }()
	cl.release("one", []string{"a", "b"})
	select {
	case err := <-got:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
	if s := cl.snapshot(); len(s) != 1 || s[0].HeldBy != "two" {
		t.Errorf("claims = %+v", s)
	}
}

func TestRoundIDsContinueAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(nil)

	first := New(DefaultSettings(), []ResourceAgent{testutil.StartAgent(t, lab("R", 30))},
		WithLedger(l), WithClock(testutil.Clock("08:00")))
	if d := first.Handle(ctx, req("A", booking.TierBTech, "10:00", "11:00", 5)); d.RoundID != "r-0001" {
		t.Fatalf("first round = %q", d.RoundID)
	}

	second := New(DefaultSettings(), []ResourceAgent{testutil.StartAgent(t, lab("R", 30))},
		WithLedger(l), WithClock(testutil.Clock("08:00")))
	d := second.Handle(ctx, req("B", booking.TierBTech, "12:00", "13:00", 5))
	if d.Kind != Granted || d.RoundID != "r-0002" {
		t.Errorf("after restart: %s round %q", d.Kind, d.RoundID)
	}
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) Save(context.Context, []store.Record) error {
	return errors.New("disk full")
}

func TestFailuresAreLogged(t *testing.T) {
	ctx := context.Background()
	logger, err := log.NewLogger(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	down := agent.New(lab("lab-1", 30))
	down.Start(ctx)
	down.Stop()
	up := testutil.StartAgent(t, lab("lab-2", 30))
	c := New(DefaultSettings(), []ResourceAgent{down, up},
		WithStore(failingStore{store.NewMemoryStore()}),
		WithLogger(logger),
		WithClock(testutil.Clock("08:00")))

	d := c.Handle(ctx, req("A", booking.TierPhD, "10:00", "11:00", 5))
	if d.Kind != Granted || d.Slot.ResourceID != "lab-2" {
		t.Fatalf("decision = %s on %s", d.Kind, d.Slot.ResourceID)
	}

	events, err := logger.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	changed := log.Filter(events, log.EventStateChanged)
	if len(changed) != 1 || changed[0].ResourceID != "lab-1" || changed[0].Status != "unavailable" {
		t.Errorf("state_changed = %+v", changed)
	}
	failed := log.Filter(events, log.EventPersistFailed)
	if len(failed) != 1 || failed[0].RequestID != "A" || failed[0].Reason != "store" || failed[0].Error != "disk full" {
		t.Errorf("persist_failed = %+v", failed)
	}
}
