package dkg

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of one DKG session.
type State uint8

const (
	// Initializing: the session exists but the protocol has not started.
	Initializing State = iota
	// Contributing: participants are distributing key shares.
	Contributing
	// Complaining: participants exchange complaints about bad shares.
	Complaining
	// Succeeded: the session produced a key set and shares.
	Succeeded
	// Failed: the session timed out or collected enough failure reports.
	Failed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Contributing:
		return "Contributing"
	case Complaining:
		return "Complaining"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// Manager holds the session state behind a lock; Session embeds it.
type Manager struct {
	mu    sync.Mutex
	state State
}

// GetState returns the current state.
func (m *Manager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState transitions unconditionally; transition legality is checked by
// the callers that know the protocol step they are performing.
func (m *Manager) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// InvalidStateTransitionError signals a protocol step attempted from the
// wrong state.
type InvalidStateTransitionError struct {
	From State
	To   State
}

func (e InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid DKG state transition %s -> %s", e.From, e.To)
}

// NewInvalidStateTransitionError builds the error.
func NewInvalidStateTransitionError(from, to State) InvalidStateTransitionError {
	return InvalidStateTransitionError{From: from, To: to}
}
