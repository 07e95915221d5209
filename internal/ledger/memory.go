package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps ledger entries in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	commitments []Commitment
	rounds      []Round
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendCommitment(_ context.Context, c Commitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitments = append(m.commitments, c)
	return nil
}

func (m *MemoryStore) AppendRound(_ context.Context, r Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Participants = append([]string(nil), r.Participants...)
	m.rounds = append(m.rounds, r)
	return nil
}

func (m *MemoryStore) Entries(_ context.Context, commitmentID string) ([]Commitment, error) {
	return m.filter(func(c Commitment) bool { return c.ID == commitmentID }), nil
}

func (m *MemoryStore) History(_ context.Context, participantID string) ([]Commitment, error) {
	return m.filter(func(c Commitment) bool {
		return c.ProposerID == participantID || c.CounterpartyID == participantID
	}), nil
}

func (m *MemoryStore) RoundCommitments(_ context.Context, roundID string) ([]Commitment, error) {
	return m.filter(func(c Commitment) bool { return c.RoundID == roundID }), nil
}

func (m *MemoryStore) Round(_ context.Context, roundID string) (Round, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rounds {
		if r.ID == roundID {
			return r, true, nil
		}
	}
	return Round{}, false, nil
}

func (m *MemoryStore) Rounds(_ context.Context) ([]Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Round(nil), m.rounds...), nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) filter(keep func(Commitment) bool) []Commitment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Commitment
	for _, c := range m.commitments {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
