// Package network tracks connectivity for the replication engine.
package network

import "sync"

// Monitor holds the current connectivity state and reports edges.
//
// Transitions are coalesced: the channel holds at most one value, the most
// recent state. A consumer that falls behind sees the latest edge, never a
// stale one.
type Monitor struct {
	mu          sync.Mutex
	online      bool
	transitions chan bool
}

// NewMonitor creates a monitor in the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online:      online,
		transitions: make(chan bool, 1),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity change. Setting the current state again
// is not a transition.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online

	select {
	case <-m.transitions:
	default:
	}
	m.transitions <- online
}

// Transitions delivers the new state after every edge.
func (m *Monitor) Transitions() <-chan bool {
	return m.transitions
}
