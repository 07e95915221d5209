package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
)

func at(hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", "2025-10-07 "+hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func request(id string, tier booking.Tier, from, to string, headcount int) booking.Request {
	return booking.Request{
		ID:          id,
		RequesterID: id,
		Tier:        tier,
		Criteria:    booking.Criteria{Headcount: headcount},
		Start:       at(from),
		End:         at(to),
		SubmittedAt: at("08:00"),
	}
}

func started(t *testing.T, desc Description, opts ...Option) *Agent {
	t.Helper()
	a := New(desc, opts...)
	a.Start(context.Background())
	t.Cleanup(a.Stop)
	return a
}

func lab() Description {
	return Description{ID: "lab-1", Name: "AI Lab", Capacity: 30, Equipment: []string{"gpu"}}
}

func addChange(id string, req booking.Request) booking.Change {
	b := booking.NewBinding(req, req.SlotOn("lab-1"))
	return booking.Change{ID: id, ResourceID: "lab-1", Ops: []booking.Op{{Kind: booking.OpAdd, Binding: b}}}
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	existing := request("a", booking.TierBTech, "10:00", "11:00", 20)
	a := started(t, lab(), WithBindings(booking.NewBinding(existing, existing.SlotOn("lab-1"))))

	tests := []struct {
		name string
		req  booking.Request
		want Availability
	}{
		{"free", request("b", booking.TierPhD, "11:00", "12:00", 10), Free},
		{"conflicting", request("b", booking.TierPhD, "10:30", "11:30", 25), Conflicting},
		{"over capacity", request("b", booking.TierPhD, "13:00", "14:00", 31), OverCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.Query(ctx, tt.req)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if res.Status != tt.want {
				t.Errorf("Status = %s, want %s", res.Status, tt.want)
			}
			if tt.want == Conflicting && (len(res.Conflicts) != 1 || res.Conflicts[0].ID != "a") {
				t.Errorf("Conflicts = %+v", res.Conflicts)
			}
		})
	}
}

func TestQueryOutsideHours(t *testing.T) {
	desc := lab()
	desc.Opens = 9 * time.Hour
	desc.Closes = 17 * time.Hour
	a := started(t, desc)

	res, err := a.Query(context.Background(), request("b", booking.TierPhD, "16:30", "17:30", 5))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Status != OutsideHours {
		t.Errorf("Status = %s, want OutsideHours", res.Status)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := started(t, lab())
	c := addChange("ch-1", request("a", booking.TierBTech, "10:00", "11:00", 20))

	for i := 0; i < 3; i++ {
		if err := a.Apply(ctx, c); err != nil {
			t.Fatalf("Apply #%d: %v", i, err)
		}
	}
	snap, err := a.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 1 {
		t.Errorf("len(schedule) = %d, want 1", len(snap))
	}
}

func TestApplyRejectsConflictAndCapacity(t *testing.T) {
	ctx := context.Background()
	a := started(t, lab())
	if err := a.Apply(ctx, addChange("ch-1", request("a", booking.TierBTech, "10:00", "11:00", 20))); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	err := a.Apply(ctx, addChange("ch-2", request("b", booking.TierPhD, "10:30", "11:30", 25)))
	if !errors.Is(err, booking.ErrConflict) {
		t.Errorf("overlapping apply: got %v, want ErrConflict", err)
	}
	err = a.Apply(ctx, addChange("ch-3", request("c", booking.TierPhD, "12:00", "13:00", 40)))
	if !errors.Is(err, booking.ErrCapacityExceeded) {
		t.Errorf("oversized apply: got %v, want ErrCapacityExceeded", err)
	}

	snap, _ := a.Snapshot(ctx)
	if len(snap) != 1 {
		t.Errorf("failed applies mutated state: %+v", snap)
	}
}

func TestApplyHookFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	a := started(t, lab(), WithHooks(Hooks{
		BeforeApply: func(booking.Change) error { return errors.New("disk full") },
	}))

	err := a.Apply(ctx, addChange("ch-1", request("a", booking.TierBTech, "10:00", "11:00", 20)))
	if !errors.Is(err, booking.ErrApplyFailure) {
		t.Fatalf("got %v, want ErrApplyFailure", err)
	}
	snap, _ := a.Snapshot(ctx)
	if len(snap) != 0 {
		t.Errorf("schedule = %+v, want empty", snap)
	}
}

func TestRevertRestoresPriorBindings(t *testing.T) {
	ctx := context.Background()
	inc := request("a", booking.TierBTech, "10:00", "11:00", 20)
	incBinding := booking.NewBinding(inc, inc.SlotOn("lab-1"))
	a := started(t, lab(), WithBindings(incBinding))

	newcomer := request("b", booking.TierPhD, "10:30", "11:30", 25)
	c := booking.Change{ID: "ch-1", ResourceID: "lab-1", Ops: []booking.Op{
		{Kind: booking.OpMove, Binding: incBinding, To: booking.TimeSlot{ResourceID: "lab-1", Start: at("09:30"), End: at("10:30")}},
		{Kind: booking.OpAdd, Binding: booking.NewBinding(newcomer, newcomer.SlotOn("lab-1"))},
	}}
	if err := a.Apply(ctx, c); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := a.Revert(ctx, "ch-1"); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if err := a.Revert(ctx, "ch-1"); err != nil {
		t.Fatalf("second Revert: %v", err)
	}

	snap, _ := a.Snapshot(ctx)
	if len(snap) != 1 || snap[0].Slot != incBinding.Slot {
		t.Errorf("schedule after revert = %+v, want original binding", snap)
	}
}

func TestProposeVerdicts(t *testing.T) {
	ctx := context.Background()
	inc := request("a", booking.TierBTech, "10:00", "11:00", 20)
	incBinding := booking.NewBinding(inc, inc.SlotOn("lab-1"))
	blocker := request("x", booking.TierPhD, "09:00", "10:00", 5)
	newcomer := request("b", booking.TierPhD, "10:30", "11:30", 25)
	reserve := []booking.Binding{booking.NewBinding(newcomer, newcomer.SlotOn("lab-1"))}

	t.Run("accept", func(t *testing.T) {
		a := started(t, lab(), WithBindings(incBinding))
		resp, err := a.Propose(ctx, Proposal{
			Change: booking.Change{ID: "p1", ResourceID: "lab-1", Ops: []booking.Op{
				{Kind: booking.OpMove, Binding: incBinding, To: booking.TimeSlot{ResourceID: "lab-1", Start: at("09:30"), End: at("10:30")}},
			}},
			Reserve: reserve,
		})
		if err != nil {
			t.Fatalf("Propose: %v", err)
		}
		if resp.Verdict != Accept {
			t.Errorf("Verdict = %s (%s), want Accept", resp.Verdict, resp.Reason)
		}
	})

	t.Run("counter", func(t *testing.T) {
		a := started(t, lab(), WithBindings(incBinding, booking.NewBinding(blocker, blocker.SlotOn("lab-1"))))
		resp, err := a.Propose(ctx, Proposal{
			Change: booking.Change{ID: "p1", ResourceID: "lab-1", Ops: []booking.Op{
				{Kind: booking.OpMove, Binding: incBinding, To: booking.TimeSlot{ResourceID: "lab-1", Start: at("09:30"), End: at("10:30")}},
			}},
			Reserve: reserve,
		})
		if err != nil {
			t.Fatalf("Propose: %v", err)
		}
		if resp.Verdict != Counter {
			t.Fatalf("Verdict = %s (%s), want Counter", resp.Verdict, resp.Reason)
		}
		to := resp.Alternative.Ops[0].To
		if !to.Start.Equal(at("08:00")) {
			t.Errorf("counter slot = %s, want start 08:00", to)
		}
	})

	t.Run("reject beyond shift", func(t *testing.T) {
		a := started(t, lab(), WithMaxShift(30*time.Minute),
			WithBindings(incBinding, booking.NewBinding(blocker, blocker.SlotOn("lab-1"))))
		resp, err := a.Propose(ctx, Proposal{
			Change: booking.Change{ID: "p1", ResourceID: "lab-1", Ops: []booking.Op{
				{Kind: booking.OpMove, Binding: incBinding, To: booking.TimeSlot{ResourceID: "lab-1", Start: at("09:30"), End: at("10:30")}},
			}},
			Reserve: reserve,
		})
		if err != nil {
			t.Fatalf("Propose: %v", err)
		}
		if resp.Verdict != Reject {
			t.Errorf("Verdict = %s, want Reject", resp.Verdict)
		}
	})

	t.Run("propose never mutates", func(t *testing.T) {
		a := started(t, lab(), WithBindings(incBinding))
		_, _ = a.Propose(ctx, Proposal{Change: addChange("p1", request("c", booking.TierPhD, "12:00", "13:00", 5))})
		snap, _ := a.Snapshot(ctx)
		if len(snap) != 1 {
			t.Errorf("schedule = %+v, want unchanged", snap)
		}
	})
}

func TestCancelAndUpdateHeadcount(t *testing.T) {
	ctx := context.Background()
	inc := request("a", booking.TierBTech, "10:00", "11:00", 20)
	a := started(t, lab(), WithBindings(booking.NewBinding(inc, inc.SlotOn("lab-1"))))

	if err := a.UpdateHeadcount(ctx, "a", 31); !errors.Is(err, booking.ErrCapacityExceeded) {
		t.Errorf("UpdateHeadcount over capacity: got %v", err)
	}
	if err := a.UpdateHeadcount(ctx, "a", 28); err != nil {
		t.Fatalf("UpdateHeadcount: %v", err)
	}
	snap, _ := a.Snapshot(ctx)
	if snap[0].Request.Headcount() != 28 {
		t.Errorf("headcount = %d, want 28", snap[0].Request.Headcount())
	}

	if err := a.Cancel(ctx, "missing"); !errors.Is(err, booking.ErrUnknownBinding) {
		t.Errorf("Cancel missing: got %v", err)
	}
	if err := a.Cancel(ctx, "a"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	snap, _ = a.Snapshot(ctx)
	if len(snap) != 0 {
		t.Errorf("schedule = %+v, want empty", snap)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	inc := request("a", booking.TierBTech, "10:00", "11:00", 20)
	a := started(t, lab(), WithBindings(booking.NewBinding(inc, inc.SlotOn("lab-1"))))

	snap, _ := a.Snapshot(ctx)
	snap[0].Slot.Start = at("01:00")
	again, _ := a.Snapshot(ctx)
	if !again[0].Slot.Start.Equal(at("10:00")) {
		t.Errorf("snapshot leaked internal state")
	}
}

func TestStoppedAgent(t *testing.T) {
	a := New(lab())
	a.Start(context.Background())
	a.Stop()
	if _, err := a.Snapshot(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("got %v, want ErrStopped", err)
	}
}

func TestAgentStoppedByContext(t *testing.T) {
	a := New(lab(), WithMailbox(1))
	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	cancel()
	<-a.done

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := a.Snapshot(context.Background())
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrStopped) {
				t.Errorf("got %v, want ErrStopped", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("call on a stopped agent did not return")
		}
	}
}

func TestConcurrentStop(t *testing.T) {
	a := New(lab())
	a.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Stop()
		}()
	}
	wg.Wait()
	a.Stop()
}

func TestApplyCompletesWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := started(t, lab(), WithHooks(Hooks{
		BeforeApply: func(booking.Change) error {
			cancel()
			return nil
		},
	}))

	if err := a.Apply(ctx, addChange("c1", request("a", booking.TierBTech, "10:00", "11:00", 5))); err != nil {
		t.Fatalf("Apply reported %v for a change it made", err)
	}
	snap, err := a.Snapshot(context.Background())
	if err != nil || len(snap) != 1 || snap[0].ID != "a" {
		t.Errorf("schedule = %+v, %v", snap, err)
	}

	// A call whose context is already done never reaches the agent.
	if err := a.Apply(ctx, addChange("c2", request("b", booking.TierBTech, "12:00", "13:00", 5))); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if snap, _ := a.Snapshot(context.Background()); len(snap) != 1 {
		t.Errorf("schedule = %+v, want one binding", snap)
	}
}

func TestNoDoubleBookingUnderConcurrentApply(t *testing.T) {
	ctx := context.Background()
	a := started(t, lab())
	rng := rand.New(rand.NewSource(42))

	var changes []booking.Change
	for i := 0; i < 200; i++ {
		start := at("08:00").Add(time.Duration(rng.Intn(20)) * 30 * time.Minute)
		req := booking.Request{
			ID:          fmt.Sprintf("req-%d", i),
			RequesterID: fmt.Sprintf("user-%d", i),
			Start:       start,
			End:         start.Add(time.Duration(1+rng.Intn(3)) * 30 * time.Minute),
			Criteria:    booking.Criteria{Headcount: 1 + rng.Intn(35)},
		}
		changes = append(changes, addChange(fmt.Sprintf("ch-%d", i), req))
	}

	var wg sync.WaitGroup
	for _, c := range changes {
		wg.Add(1)
		go func(c booking.Change) {
			defer wg.Done()
			_ = a.Apply(ctx, c)
		}(c)
	}
	wg.Wait()

	snap, err := a.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) == 0 {
		t.Fatal("expected some bindings to be applied")
	}
	for i := range snap {
		if snap[i].Request.Headcount() > 30 {
			t.Errorf("%s exceeds capacity", snap[i].ID)
		}
		for j := i + 1; j < len(snap); j++ {
			if snap[i].Slot.Overlaps(snap[j].Slot) {
				t.Errorf("double booking: %s and %s", snap[i].Slot, snap[j].Slot)
			}
		}
	}
}

func TestCallerTimeoutDoesNotLeaveProposalState(t *testing.T) {
	release := make(chan struct{})
	a := started(t, lab(), WithHooks(Hooks{
		BeforePropose: func(ctx context.Context, _ Proposal) {
			select {
			case <-ctx.Done():
			case <-release:
			}
		},
	}))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Propose(ctx, Proposal{Change: addChange("p1", request("a", booking.TierBTech, "10:00", "11:00", 5))})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}

	snap, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("schedule = %+v, want empty", snap)
	}
}
