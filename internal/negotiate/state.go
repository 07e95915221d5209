package negotiate

import (
	"fmt"
	"sync"
)

// State is a negotiation round's protocol state.
type State string

const (
	StateOpened           State = "Opened"
	StateProposing        State = "Proposing"
	StateAccepted         State = "Accepted"
	StateRejected         State = "Rejected"
	StateCounterProposing State = "CounterProposing"
	StateResolved         State = "Resolved"
)

var validTransitions = map[State][]State{
	StateOpened:           {StateProposing, StateResolved},
	StateProposing:        {StateAccepted, StateRejected, StateCounterProposing, StateResolved},
	StateCounterProposing: {StateAccepted, StateRejected, StateResolved},
	StateAccepted:         {StateProposing, StateResolved},
	StateRejected:         {StateProposing, StateResolved},
	StateResolved:         {},
}

// StateMachine tracks one round's protocol state and the path it took.
type StateMachine struct {
	mu      sync.RWMutex
	current State
	trace   []State
}

// NewStateMachine creates a StateMachine in Opened state.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateOpened, trace: []State{StateOpened}}
}

// Current returns the current state.
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Transition attempts to move to a new state.
func (sm *StateMachine) Transition(to State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, allowed := range validTransitions[sm.current] {
		if allowed == to {
			sm.current = to
			sm.trace = append(sm.trace, to)
			return nil
		}
	}
	return fmt.Errorf("invalid transition: %s -> %s", sm.current, to)
}

// IsTerminal returns true once the round is resolved.
func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current == StateResolved
}

// Trace returns every state visited, in order.
func (sm *StateMachine) Trace() []State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return append([]State(nil), sm.trace...)
}
