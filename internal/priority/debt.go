package priority

import "time"

// Concession is one accepted commitment in which a requester ceded ground.
type Concession struct {
	RequesterID string
	ResolvedAt  time.Time
}

// DebtCredits counts each requester's concessions resolved within window
// before asOf, capped at max. Concessions after asOf are ignored so the
// result depends only on the inputs, never on the wall clock.
func DebtCredits(concessions []Concession, asOf time.Time, window time.Duration, max int) Credits {
	credits := make(Credits)
	if max <= 0 || window <= 0 {
		return credits
	}
	from := asOf.Add(-window)
	for _, c := range concessions {
		if c.ResolvedAt.After(asOf) || c.ResolvedAt.Before(from) {
			continue
		}
		if credits[c.RequesterID] < max {
			credits[c.RequesterID]++
		}
	}
	return credits
}
