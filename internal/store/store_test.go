package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
)

var t0 = time.Date(2025, 10, 7, 10, 0, 0, 0, time.UTC)

func exercise(t *testing.T, s BookingStore) {
	t.Helper()
	ctx := context.Background()

	first := []Record{
		{BookingID: "b", ResourceID: "lab-1", RequesterID: "bob", Tier: "PhD", Start: t0, End: t0.Add(time.Hour), Headcount: 25, ChangeID: "c1"},
		{BookingID: "a", ResourceID: "lab-1", RequesterID: "alice", Tier: "BTech", Start: t0.Add(-time.Hour), End: t0, Headcount: 20, ChangeID: "c1"},
	}
	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}

	moved := first[1]
	moved.Start, moved.End, moved.ChangeID = t0.Add(2*time.Hour), t0.Add(3*time.Hour), "c2"
	if err := s.Save(ctx, []Record{moved}); err != nil {
		t.Fatalf("Save upsert: %v", err)
	}

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(List) = %d, want 2", len(got))
	}
	if got[0].BookingID != "a" || got[0].ChangeID != "c2" || !got[0].Start.Equal(moved.Start) {
		t.Errorf("upserted record = %+v", got[0])
	}

	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _ = s.List(ctx)
	if len(got) != 1 {
		t.Errorf("len(List) after delete = %d, want 1", len(got))
	}
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "bookings.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	exercise(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("LABASSIST_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("LABASSIST_TEST_POSTGRES not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	defer s.Close()
	for _, id := range []string{"a", "b"} {
		_ = s.Delete(ctx, id)
	}
	exercise(t, s)
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mongo", ""); err == nil {
		t.Error("expected an error for an unknown driver")
	}
}

func TestRecordsFor(t *testing.T) {
	inc := booking.Request{ID: "a", RequesterID: "alice", Tier: booking.TierBTech, Start: t0, End: t0.Add(time.Hour)}
	inc.Criteria.Headcount = 20
	newcomer := booking.Request{ID: "b", RequesterID: "bob", Tier: booking.TierPhD, Start: t0.Add(30 * time.Minute), End: t0.Add(90 * time.Minute)}

	change := booking.Change{ID: "c1", ResourceID: "lab-1", Ops: []booking.Op{
		{Kind: booking.OpMove, Binding: booking.NewBinding(inc, inc.SlotOn("lab-1")), To: booking.TimeSlot{ResourceID: "lab-1", Start: t0.Add(-30 * time.Minute), End: t0.Add(30 * time.Minute)}},
		{Kind: booking.OpAdd, Binding: booking.NewBinding(newcomer, newcomer.SlotOn("lab-1"))},
	}}

	recs := RecordsFor([]booking.Change{change}, "r-0001")
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2", len(recs))
	}
	if recs[0].BookingID != "a" || !recs[0].Start.Equal(t0.Add(-30*time.Minute)) || recs[0].Tier != "BTech" {
		t.Errorf("moved record = %+v", recs[0])
	}
	if recs[1].Headcount != 1 || recs[1].RoundID != "r-0001" {
		t.Errorf("added record = %+v", recs[1])
	}
}

func TestRecordBindings(t *testing.T) {
	recs := []Record{
		{BookingID: "a", ResourceID: "lab-1", RequesterID: "alice", Tier: "BTech", Start: t0, End: t0.Add(time.Hour), Headcount: 20},
		{BookingID: "b", ResourceID: "lab-2", RequesterID: "bob", Tier: "PhD", Start: t0, End: t0.Add(time.Hour)},
	}
	got := Bindings(recs)
	if len(got["lab-1"]) != 1 || len(got["lab-2"]) != 1 {
		t.Fatalf("grouped = %v", got)
	}
	a := got["lab-1"][0]
	if a.ID != "a" || a.Request.Tier != booking.TierBTech || a.Request.Headcount() != 20 {
		t.Errorf("binding = %+v", a)
	}
	if a.Slot.ResourceID != "lab-1" || !a.Slot.Start.Equal(t0) {
		t.Errorf("slot = %+v", a.Slot)
	}
	if got["lab-2"][0].Request.Headcount() != 1 {
		t.Errorf("zero headcount restored as %d", got["lab-2"][0].Request.Headcount())
	}
}
