package diagnosis

import (
	"context"
	"sync"
)

// State is one stage of an execution's lifecycle.
type State string

const (
	StateInitializing   State = "INITIALIZING"
	StateAIFetching     State = "AI_FETCHING"
	StateAnalyzing      State = "ANALYZING"
	StateCompleted      State = "COMPLETED"
	StateFailed         State = "FAILED"
	StateTimeout        State = "TIMEOUT"
	StatePartialSuccess State = "PARTIAL_SUCCESS"
)

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout, StatePartialSuccess:
		return true
	}
	return false
}

// transitions is the strict whitelist. Anything not listed here fails with
// InvalidTransitionError and leaves the state untouched.
var transitions = map[State][]State{
	StateInitializing: {StateAIFetching},
	StateAIFetching:   {StateAnalyzing, StateFailed, StateTimeout, StatePartialSuccess},
	StateAnalyzing:    {StateCompleted, StateFailed, StateTimeout, StatePartialSuccess},
}

func transitionAllowed(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine is the authoritative lifecycle for one execution. Transitions are
// linearized under the mutex and persisted before the in-memory state moves,
// so the repository and the machine never disagree. Every write into a
// terminal state flips should_stop_polling in the same repository update.
type Machine struct {
	executionID string
	repo        Repository

	mu    sync.Mutex
	state State
}

// NewMachine seeds a machine at INITIALIZING for a freshly created execution.
func NewMachine(executionID string, repo Repository) *Machine {
	return &Machine{executionID: executionID, repo: repo, state: StateInitializing}
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine to the requested state if the whitelist
// permits it. The repository write carries the state and the stop-polling
// flag as one atomic unit.
func (m *Machine) Transition(ctx context.Context, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !transitionAllowed(m.state, to) {
		return &InvalidTransitionError{From: m.state, To: to}
	}
	if err := m.repo.UpdateExecutionState(ctx, m.executionID, to, to.Terminal()); err != nil {
		return err
	}
	m.state = to
	return nil
}
