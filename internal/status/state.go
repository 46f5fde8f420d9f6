package status

import (
	"fmt"
	"sync"

	"github.com/matheus3301/campus/internal/bus"
)

// State represents the live connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

// Event is a connection lifecycle input fed to the state machine.
type Event string

const (
	EventConnect      Event = "connect"
	EventOpen         Event = "open"
	EventClose        Event = "close"
	EventError        Event = "error"
	EventAuthRejected Event = "auth_rejected"
	EventRetry        Event = "retry"
)

// Next is the single transition function for the connection lifecycle.
// retry reports whether a retry policy is configured; it only matters for
// EventError. An invalid (state, event) pair returns the unchanged state and an error.
func Next(from State, evt Event, retry bool) (State, error) {
	switch from {
	case Disconnected:
		if evt == EventConnect {
			return Connecting, nil
		}
	case Connecting, Connected:
		switch evt {
		case EventOpen:
			if from == Connecting {
				return Connected, nil
			}
		case EventClose, EventAuthRejected:
			return Disconnected, nil
		case EventError:
			if retry {
				return Reconnecting, nil
			}
			return Disconnected, nil
		}
	case Reconnecting:
		switch evt {
		case EventRetry:
			return Connecting, nil
		case EventClose:
			return Disconnected, nil
		}
	}
	return from, fmt.Errorf("invalid transition: %s on %s", evt, from)
}

// Machine owns the current connection state and publishes every change.
type Machine struct {
	mu      sync.RWMutex
	current State
	retry   bool
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus, retry bool) *Machine {
	return &Machine{
		current: Disconnected,
		retry:   retry,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Retry reports whether transport errors lead to Reconnecting.
func (m *Machine) Retry() bool {
	return m.retry
}

// Fire applies evt to the current state. Returns the new state, or an error
// if the event is not valid in the current state.
func (m *Machine) Fire(evt Event) (State, error) {
	m.mu.Lock()
	from := m.current
	to, err := Next(from, evt, m.retry)
	if err != nil {
		m.mu.Unlock()
		return from, err
	}
	m.current = to
	m.mu.Unlock()

	m.bus.Emit(bus.KindStateChanged, StatusChange{From: from, To: to, Event: evt})
	return to, nil
}

// StatusChange is the payload for conn.state_changed events.
type StatusChange struct {
	From  State
	To    State
	Event Event
}
