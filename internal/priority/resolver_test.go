package priority

import (
	"testing"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
)

var base = time.Date(2025, 10, 7, 8, 0, 0, 0, time.UTC)

func ids(parties []Party) []string {
	out := make([]string, len(parties))
	for i, p := range parties {
		out[i] = p.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRankTierOrder(t *testing.T) {
	parties := []Party{
		{ID: "other", RequesterID: "o", Tier: booking.TierOther, SubmittedAt: base},
		{ID: "mtech", RequesterID: "m", Tier: booking.TierMTech, SubmittedAt: base},
		{ID: "phd", RequesterID: "p", Tier: booking.TierPhD, SubmittedAt: base},
		{ID: "student", RequesterID: "s", Tier: booking.TierStudent, SubmittedAt: base},
		{ID: "btech", RequesterID: "b", Tier: booking.TierBTech, SubmittedAt: base},
	}

	got := ids(Rank(parties, DefaultOrder(), nil))
	want := []string{"phd", "btech", "mtech", "student", "other"}
	if !equal(got, want) {
		t.Errorf("Rank = %v, want %v", got, want)
	}
}

func TestRankTieBreaks(t *testing.T) {
	parties := []Party{
		{ID: "late", RequesterID: "a", Tier: booking.TierBTech, SubmittedAt: base.Add(time.Minute)},
		{ID: "early-z", RequesterID: "z", Tier: booking.TierBTech, SubmittedAt: base},
		{ID: "early-b", RequesterID: "b", Tier: booking.TierBTech, SubmittedAt: base},
	}

	got := ids(Rank(parties, DefaultOrder(), nil))
	want := []string{"early-b", "early-z", "late"}
	if !equal(got, want) {
		t.Errorf("Rank = %v, want %v", got, want)
	}
}

func TestRankIsDeterministicAndPure(t *testing.T) {
	parties := []Party{
		{ID: "x", RequesterID: "x", Tier: booking.TierStudent, SubmittedAt: base},
		{ID: "y", RequesterID: "y", Tier: booking.TierPhD, SubmittedAt: base},
		{ID: "w", RequesterID: "w", Tier: booking.TierStudent, SubmittedAt: base.Add(-time.Hour)},
	}
	before := ids(parties)

	first := ids(Rank(parties, DefaultOrder(), Credits{"x": 1}))
	for i := 0; i < 50; i++ {
		if got := ids(Rank(parties, DefaultOrder(), Credits{"x": 1})); !equal(got, first) {
			t.Fatalf("run %d: Rank = %v, want %v", i, got, first)
		}
	}
	if !equal(ids(parties), before) {
		t.Errorf("Rank mutated its input: %v", ids(parties))
	}
}

func TestCreditNeverCrossesTiers(t *testing.T) {
	parties := []Party{
		{ID: "phd", RequesterID: "p", Tier: booking.TierPhD, SubmittedAt: base.Add(time.Hour)},
		{ID: "student", RequesterID: "s", Tier: booking.TierStudent, SubmittedAt: base},
	}
	got := ids(Rank(parties, DefaultOrder(), Credits{"s": 100}))
	if got[0] != "phd" {
		t.Errorf("credit lifted a lower tier: %v", got)
	}
}

func TestCreditBreaksTiesWithinTier(t *testing.T) {
	parties := []Party{
		{ID: "early", RequesterID: "a", Tier: booking.TierMTech, SubmittedAt: base},
		{ID: "ceded", RequesterID: "b", Tier: booking.TierMTech, SubmittedAt: base.Add(time.Hour)},
	}
	got := ids(Rank(parties, DefaultOrder(), Credits{"b": 1}))
	if got[0] != "ceded" {
		t.Errorf("Rank = %v, want the party with credit first", got)
	}
}

func TestLowestReversesRank(t *testing.T) {
	parties := []Party{
		{ID: "phd", RequesterID: "p", Tier: booking.TierPhD, SubmittedAt: base},
		{ID: "btech", RequesterID: "b", Tier: booking.TierBTech, SubmittedAt: base},
	}
	got := ids(Lowest(parties, DefaultOrder(), nil))
	if !equal(got, []string{"btech", "phd"}) {
		t.Errorf("Lowest = %v", got)
	}
}

func TestParseOrderIsTotal(t *testing.T) {
	order := ParseOrder([]string{"Student", "PhD", "phd"})
	if len(order) != 5 {
		t.Fatalf("len(order) = %d, want 5", len(order))
	}
	if order[0] != booking.TierStudent || order[1] != booking.TierPhD {
		t.Errorf("order = %v", order)
	}
}

func TestDebtCredits(t *testing.T) {
	asOf := base
	concessions := []Concession{
		{RequesterID: "a", ResolvedAt: asOf.Add(-time.Hour)},
		{RequesterID: "a", ResolvedAt: asOf.Add(-2 * time.Hour)},
		{RequesterID: "a", ResolvedAt: asOf.Add(-3 * time.Hour)},
		{RequesterID: "a", ResolvedAt: asOf.Add(-4 * time.Hour)},
		{RequesterID: "b", ResolvedAt: asOf.Add(-48 * time.Hour)}, // outside window
		{RequesterID: "c", ResolvedAt: asOf.Add(time.Hour)},       // after asOf
	}

	credits := DebtCredits(concessions, asOf, 24*time.Hour, 3)
	if credits["a"] != 3 {
		t.Errorf("credits[a] = %d, want 3 (capped)", credits["a"])
	}
	if credits["b"] != 0 {
		t.Errorf("credits[b] = %d, want 0", credits["b"])
	}
	if credits["c"] != 0 {
		t.Errorf("credits[c] = %d, want 0", credits["c"])
	}

	if got := DebtCredits(concessions, asOf, 24*time.Hour, 0); len(got) != 0 {
		t.Errorf("max=0 should disable credits, got %v", got)
	}
}
