// Package ledger is the append-only record of negotiation history. Entries
// are never edited: a commitment is appended once as Proposed and once more
// when it reaches a terminal status.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/priority"
)

var (
	// ErrTerminal is returned when recording against a commitment that
	// already reached a terminal status.
	ErrTerminal = errors.New("ledger: commitment already terminal")
	// ErrDuplicate is returned when a commitment is proposed twice or a
	// round outcome is recorded twice.
	ErrDuplicate = errors.New("ledger: duplicate entry")
	// ErrNotProposed is returned when a terminal status is recorded for a
	// commitment that was never proposed.
	ErrNotProposed = errors.New("ledger: commitment was never proposed")
)

// Status is a commitment's lifecycle state.
type Status string

const (
	StatusProposed Status = "Proposed"
	StatusAccepted Status = "Accepted"
	StatusRejected Status = "Rejected"
	StatusExpired  Status = "Expired"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusExpired
}

// Kind says what a commitment's terms do.
type Kind string

const (
	// KindDirect is the trivial commitment recorded for a direct grant.
	KindDirect Kind = "direct"
	// KindConcession moves the proposer's own slot out of the way.
	KindConcession Kind = "concession"
	// KindCounter is an agent's alternative to a concession.
	KindCounter Kind = "counter"
	// KindRelocation moves the proposer's booking to another resource.
	KindRelocation Kind = "relocation"
	// KindAllocation places the newcomer once the way is clear.
	KindAllocation Kind = "allocation"
)

// Ceded reports whether an accepted commitment of this kind means the
// proposer gave ground.
func (k Kind) Ceded() bool {
	return k == KindConcession || k == KindCounter || k == KindRelocation
}

// Commitment is one proposal exchanged within a round.
type Commitment struct {
	ID             string    `json:"id"`
	RoundID        string    `json:"round_id"`
	Kind           Kind      `json:"kind"`
	ProposerID     string    `json:"proposer_id"`
	CounterpartyID string    `json:"counterparty_id"`
	ResourceID     string    `json:"resource_id"`
	ChangeID       string    `json:"change_id,omitempty"`
	Terms          string    `json:"terms"`
	Status         Status    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`
}

// Resolve returns a copy of c carrying a terminal status.
func (c Commitment) Resolve(status Status, reason string, at time.Time) Commitment {
	c.Status = status
	c.Reason = reason
	c.ResolvedAt = at
	return c
}

// Outcome is how a round ended.
type Outcome string

const (
	OutcomeAllocated Outcome = "Allocated"
	OutcomeDenied    Outcome = "Denied"
	OutcomeTimedOut  Outcome = "TimedOut"
)

// Round is the recorded result of one negotiation episode. Direct rounds
// hold the single trivial commitment of a grant made without negotiating.
type Round struct {
	ID           string             `json:"id"`
	Participants []string           `json:"participants"`
	Contested    []booking.TimeSlot `json:"contested"`
	Outcome      Outcome            `json:"outcome"`
	Direct       bool               `json:"direct,omitempty"`
	ResolvedAt   time.Time          `json:"resolved_at"`
}

// OutcomeOf derives a round outcome from its commitments, each taken at its
// latest status.
func OutcomeOf(commitments []Commitment, timedOut bool) Outcome {
	for _, c := range commitments {
		if c.Status == StatusAccepted {
			return OutcomeAllocated
		}
	}
	if timedOut {
		return OutcomeTimedOut
	}
	return OutcomeDenied
}

// Latest collapses an append-ordered entry list to one entry per commitment
// id, keeping each id's last status and its first position.
func Latest(entries []Commitment) []Commitment {
	index := make(map[string]int)
	var out []Commitment
	for _, e := range entries {
		if i, ok := index[e.ID]; ok {
			out[i] = e
			continue
		}
		index[e.ID] = len(out)
		out = append(out, e)
	}
	return out
}

// Store persists ledger entries. Implementations only ever append.
type Store interface {
	AppendCommitment(ctx context.Context, c Commitment) error
	AppendRound(ctx context.Context, r Round) error
	// Entries returns every entry for a commitment id in append order.
	Entries(ctx context.Context, commitmentID string) ([]Commitment, error)
	History(ctx context.Context, participantID string) ([]Commitment, error)
	RoundCommitments(ctx context.Context, roundID string) ([]Commitment, error)
	Round(ctx context.Context, roundID string) (Round, bool, error)
	Rounds(ctx context.Context) ([]Round, error)
	Close() error
}

// Ledger enforces the append-only lifecycle on top of a Store. It is safe
// for concurrent use by independent rounds.
type Ledger struct {
	mu    sync.Mutex
	store Store
}

// New wraps store. A nil store selects an in-memory one.
func New(store Store) *Ledger {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Ledger{store: store}
}

// Record appends one commitment entry.
func (l *Ledger) Record(ctx context.Context, c Commitment) error {
	if c.ID == "" || c.RoundID == "" {
		return fmt.Errorf("ledger: commitment needs id and round id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.store.Entries(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("ledger: reading %s: %w", c.ID, err)
	}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		if last.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, c.ID, last.Status)
		}
		if c.Status == StatusProposed {
			return fmt.Errorf("%w: %s already proposed", ErrDuplicate, c.ID)
		}
		if last.RoundID != c.RoundID {
			return fmt.Errorf("ledger: %s belongs to round %s, not %s", c.ID, last.RoundID, c.RoundID)
		}
	} else if c.Status != StatusProposed && c.Kind != KindDirect {
		return fmt.Errorf("%w: %s", ErrNotProposed, c.ID)
	}

	if err := l.store.AppendCommitment(ctx, c); err != nil {
		return fmt.Errorf("ledger: appending %s: %w", c.ID, err)
	}
	return nil
}

// RecordRound appends a round outcome. Each round is recorded once.
func (l *Ledger) RecordRound(ctx context.Context, r Round) error {
	if r.ID == "" {
		return fmt.Errorf("ledger: round needs an id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, found, err := l.store.Round(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("ledger: reading round %s: %w", r.ID, err)
	}
	if found {
		return fmt.Errorf("%w: round %s", ErrDuplicate, r.ID)
	}
	if err := l.store.AppendRound(ctx, r); err != nil {
		return fmt.Errorf("ledger: appending round %s: %w", r.ID, err)
	}
	return nil
}

// History returns every entry naming participantID as proposer or
// counterparty, in append order.
func (l *Ledger) History(ctx context.Context, participantID string) ([]Commitment, error) {
	return l.store.History(ctx, participantID)
}

// Status returns the latest status of a commitment.
func (l *Ledger) Status(ctx context.Context, commitmentID string) (Status, bool, error) {
	entries, err := l.store.Entries(ctx, commitmentID)
	if err != nil || len(entries) == 0 {
		return "", false, err
	}
	return entries[len(entries)-1].Status, true, nil
}

// Round returns a recorded round.
func (l *Ledger) Round(ctx context.Context, roundID string) (Round, bool, error) {
	return l.store.Round(ctx, roundID)
}

// Rounds returns every recorded round in append order.
func (l *Ledger) Rounds(ctx context.Context) ([]Round, error) {
	return l.store.Rounds(ctx)
}

// RoundCommitments returns every entry of a round in append order.
func (l *Ledger) RoundCommitments(ctx context.Context, roundID string) ([]Commitment, error) {
	return l.store.RoundCommitments(ctx, roundID)
}

// Concessions returns the accepted commitments in which requesterID ceded
// ground, in the shape the priority resolver consumes.
func (l *Ledger) Concessions(ctx context.Context, requesterID string) ([]priority.Concession, error) {
	entries, err := l.store.History(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	var out []priority.Concession
	for _, e := range entries {
		if e.Status != StatusAccepted || e.ProposerID != requesterID || !e.Kind.Ceded() {
			continue
		}
		out = append(out, priority.Concession{RequesterID: requesterID, ResolvedAt: e.ResolvedAt})
	}
	return out, nil
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
