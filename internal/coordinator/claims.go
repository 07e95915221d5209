package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"
)

// claim is an exclusive hold on a resource for one request cycle.
type claim struct {
	Claim
	released chan struct{}
}

// claims serializes request cycles that share a resource. Cycles on
// disjoint resources proceed concurrently.
type claims struct {
	mu   sync.Mutex
	held map[string]*claim // resource id -> claim
	now  func() time.Time
}

func newClaims(now func() time.Time) *claims {
	return &claims{held: make(map[string]*claim), now: now}
}

// acquire takes every resource for owner, in sorted order so that two
// cycles never wait on each other. It blocks until all are held or ctx is
// done, in which case nothing stays held.
func (c *claims) acquire(ctx context.Context, owner string, resourceIDs []string) error {
	ids := append([]string(nil), resourceIDs...)
	sort.Strings(ids)

	var taken []string
	for _, id := range ids {
		if err := c.take(ctx, owner, id); err != nil {
			c.release(owner, taken)
			return err
		}
		taken = append(taken, id)
	}
	return nil
}

func (c *claims) take(ctx context.Context, owner, id string) error {
	for {
		c.mu.Lock()
		existing, held := c.held[id]
		if !held {
			c.held[id] = &claim{
				Claim:    Claim{ResourceID: id, HeldBy: owner, AcquiredAt: c.now()},
				released: make(chan struct{}),
			}
			c.mu.Unlock()
			return nil
		}
		if existing.HeldBy == owner {
			c.mu.Unlock()
			return nil
		}
		wait := existing.released
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// release drops the owner's claims on resourceIDs.
func (c *claims) release(owner string, resourceIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range resourceIDs {
		if existing, held := c.held[id]; held && existing.HeldBy == owner {
			delete(c.held, id)
			close(existing.released)
		}
	}
}

// snapshot lists current claims by resource id.
func (c *claims) snapshot() []Claim {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Claim, 0, len(c.held))
	for _, cl := range c.held {
		out = append(out, cl.Claim)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}
