// Package priority ranks competing requesters. Ranking is a pure function of
// its inputs: tier order, a bounded debt credit, submission time and
// requester ID, in that order.
package priority

import (
	"sort"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
)

// Party is one side of a contest, as seen by the resolver.
type Party struct {
	ID          string // party identity inside a round (binding or request ID)
	RequesterID string
	Tier        booking.Tier
	SubmittedAt time.Time
}

// PartyOf builds the resolver view of a request.
func PartyOf(req booking.Request) Party {
	return Party{
		ID:          req.ID,
		RequesterID: req.RequesterID,
		Tier:        req.Tier,
		SubmittedAt: req.SubmittedAt,
	}
}

// Order is a total order over tiers, highest priority first.
type Order []booking.Tier

// DefaultOrder is PhD > BTech > MTech > Student > Other.
func DefaultOrder() Order {
	return Order(booking.AllTiers())
}

// ParseOrder builds an Order from tier names. Tiers missing from names are
// appended in default order so the result is always total.
func ParseOrder(names []string) Order {
	seen := make(map[booking.Tier]bool)
	var order Order
	for _, n := range names {
		t := booking.ParseTier(n)
		if seen[t] {
			continue
		}
		seen[t] = true
		order = append(order, t)
	}
	for _, t := range booking.AllTiers() {
		if !seen[t] {
			order = append(order, t)
		}
	}
	return order
}

// position returns the tier's index; unknown tiers sort last.
func (o Order) position(t booking.Tier) int {
	for i, ot := range o {
		if ot == t {
			return i
		}
	}
	return len(o)
}

// Credits maps requester IDs to their debt credit.
type Credits map[string]int

// Rank returns parties ordered highest priority first. The input slice is
// not modified.
func Rank(parties []Party, order Order, credits Credits) []Party {
	if len(order) == 0 {
		order = DefaultOrder()
	}
	ranked := make([]Party, len(parties))
	copy(ranked, parties)
	sort.SliceStable(ranked, func(i, j int) bool {
		return Less(ranked[i], ranked[j], order, credits)
	})
	return ranked
}

// Lowest returns parties ordered lowest priority first: the order in which
// parties are asked to cede ground.
func Lowest(parties []Party, order Order, credits Credits) []Party {
	ranked := Rank(parties, order, credits)
	for i, j := 0, len(ranked)-1; i < j; i, j = i+1, j-1 {
		ranked[i], ranked[j] = ranked[j], ranked[i]
	}
	return ranked
}

// Less reports whether a outranks b.
func Less(a, b Party, order Order, credits Credits) bool {
	pa, pb := order.position(a.Tier), order.position(b.Tier)
	if pa != pb {
		return pa < pb
	}
	ca, cb := credits[a.RequesterID], credits[b.RequesterID]
	if ca != cb {
		return ca > cb
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	if a.RequesterID != b.RequesterID {
		return a.RequesterID < b.RequesterID
	}
	return a.ID < b.ID
}
