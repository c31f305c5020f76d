// Package fsm implements the hierarchical per-session state machine. States
// are flat strings following the parent_child convention (for example
// processing_recording); the transition table is fixed per strategy and
// combines a universal set (expiry, reset, error) with strategy-specific
// transitions.
package fsm

import (
	"fmt"
	"strings"
)

// State is a session lifecycle state, possibly a parent_child path.
type State string

// Event names a transition trigger. Events mirror the action kinds that
// drive session lifecycle.
type Event string

// InProcessing reports whether s is the processing state or any of its
// substates.
func (s State) InProcessing() bool {
	return s == StateProcessing || strings.HasPrefix(string(s), string(StateProcessing)+"_")
}

// Transition maps (From, Event) to a destination state.
type Transition struct {
	From  State
	Event Event
	To    State
}

// Machine is one session's state machine. It is owned by the coordinator
// effect for that session and must not be shared across goroutines.
type Machine struct {
	strategy Strategy
	current  State
	// index is keyed "from|event" for O(1) transition lookup.
	index map[string]State
	// universal maps events legal from any state.
	universal map[Event]State
}

// New builds a machine for the given strategy, starting in idle.
func New(strategy Strategy) (*Machine, error) {
	table, ok := strategyTables[strategy]
	if !ok {
		return nil, fmt.Errorf("fsm: unknown strategy %q", strategy)
	}

	m := &Machine{
		strategy:  strategy,
		current:   StateIdle,
		index:     make(map[string]State, len(table)),
		universal: make(map[Event]State, len(universalTransitions)),
	}
	for _, t := range table {
		m.index[transitionKey(t.From, t.Event)] = t.To
	}
	for ev, to := range universalTransitions {
		m.universal[ev] = to
	}
	return m, nil
}

func transitionKey(from State, ev Event) string {
	return string(from) + "|" + string(ev)
}

// Strategy returns the strategy the machine was built for.
func (m *Machine) Strategy() Strategy {
	return m.strategy
}

// State returns the current state.
func (m *Machine) State() State {
	return m.current
}

// InProcessing reports whether the machine is in processing or any substate.
func (m *Machine) InProcessing() bool {
	return m.current.InProcessing()
}

// target resolves the destination for ev from the current state, strategy
// table first, then the universal set.
func (m *Machine) target(ev Event) (State, bool) {
	if to, ok := m.index[transitionKey(m.current, ev)]; ok {
		return to, true
	}
	if to, ok := m.universal[ev]; ok {
		return to, true
	}
	return "", false
}

// May reports whether ev is a legal transition from the current state.
func (m *Machine) May(ev Event) bool {
	_, ok := m.target(ev)
	return ok
}

// Trigger attempts the transition and reports whether the state changed.
// An illegal event is a no-op returning false; so is a legal self-loop.
func (m *Machine) Trigger(ev Event) bool {
	to, ok := m.target(ev)
	if !ok || to == m.current {
		return false
	}
	m.current = to
	return true
}
