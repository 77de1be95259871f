package diagnosis

import (
	"sync"
	"time"
)

// TimeoutManager owns one countdown per in-flight execution. Starting a
// second timer for the same execution replaces the first; cancelling an
// already-cancelled or already-fired timer is a no-op. The on-timeout
// callback may race with a completing dispatcher; the state machine's
// whitelist resolves that race, so callbacks must tolerate losing it.
type TimeoutManager struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewTimeoutManager() *TimeoutManager {
	return &TimeoutManager{timers: make(map[string]*time.Timer)}
}

// StartTimer arms (or re-arms) the countdown for an execution.
func (m *TimeoutManager) StartTimer(executionID string, d time.Duration, onTimeout func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.timers[executionID]; ok {
		prev.Stop()
	}
	m.timers[executionID] = time.AfterFunc(d, func() {
		m.mu.Lock()
		delete(m.timers, executionID)
		m.mu.Unlock()
		onTimeout()
	})
}

// CancelTimer stops the countdown for an execution. Idempotent.
func (m *TimeoutManager) CancelTimer(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[executionID]; ok {
		t.Stop()
		delete(m.timers, executionID)
	}
}

// Active reports whether a timer is currently armed for the execution.
func (m *TimeoutManager) Active(executionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[executionID]
	return ok
}
