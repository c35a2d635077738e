package lifecycle

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/zapdesk/zapdesk/internal/bus"
)

// State represents an outbound message delivery state.
type State string

const (
	Pending   State = "pending"
	Sent      State = "sent"
	Delivered State = "delivered"
	Read      State = "read"
	Failed    State = "failed"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Pending:   {Sent, Failed},
	Sent:      {Delivered, Read, Failed},
	Delivered: {Read},
	Read:      {},
	Failed:    {Pending},
}

// CanTransition reports whether moving from one state to another is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Machine tracks and enforces delivery state transitions for one outbound
// message.
type Machine struct {
	mu      sync.RWMutex
	localID string
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine for the given placeholder id, starting
// in Pending state.
func NewMachine(localID string, b *bus.Bus) *Machine {
	return &Machine{
		localID: localID,
		current: Pending,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.current, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "lifecycle.changed",
			Timestamp: time.Now(),
			Payload: StateChange{
				LocalID: m.localID,
				From:    from,
				To:      to,
			},
		})
	}
	return nil
}

// StateChange is the payload for lifecycle change events.
type StateChange struct {
	LocalID string
	From    State
	To      State
}
