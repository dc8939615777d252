package player

import (
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a playback session.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateIdle
	StatePlaying
	StateSeeking
	StateClosed
	StateErrored
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateInitializing:  "initializing",
	StateIdle:          "idle",
	StatePlaying:       "playing",
	StateSeeking:       "seeking",
	StateClosed:        "closed",
	StateErrored:       "errored",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// allowedTransitions is the lifecycle allow-list. Closed is terminal.
var allowedTransitions = map[State]map[State]bool{
	StateUninitialized: {StateInitializing: true, StateClosed: true, StateErrored: true},
	StateInitializing:  {StateIdle: true, StateErrored: true, StateClosed: true},
	StateIdle:          {StatePlaying: true, StateSeeking: true, StateClosed: true, StateErrored: true},
	StatePlaying:       {StateIdle: true, StateSeeking: true, StateClosed: true, StateErrored: true},
	StateSeeking:       {StateSeeking: true, StateIdle: true, StatePlaying: true, StateClosed: true, StateErrored: true},
	StateErrored:       {StateClosed: true},
	StateClosed:        {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	return allowedTransitions[from][to]
}

// StateMachine enforces the lifecycle allow-list and runs entry handlers.
// Not thread-safe: owned by the player loop.
type StateMachine struct {
	state   State
	onEnter map[State][]func(from State)
}

// NewStateMachine returns a machine in StateUninitialized.
func NewStateMachine() *StateMachine {
	return &StateMachine{onEnter: make(map[State][]func(State))}
}

// State returns the current state.
func (m *StateMachine) State() State {
	return m.state
}

// OnEnter registers fn to run each time the machine enters s.
func (m *StateMachine) OnEnter(s State, fn func(from State)) {
	m.onEnter[s] = append(m.onEnter[s], fn)
}

// Transition moves to the given state and runs its entry handlers. A
// transition outside the allow-list leaves the state unchanged and returns a
// *TransitionError.
func (m *StateMachine) Transition(to State) error {
	from := m.state
	if !CanTransition(from, to) {
		logrus.Warnf("StateMachine: ignoring invalid transition %s -> %s", from, to)
		return &TransitionError{From: from, To: to}
	}
	m.state = to
	logrus.Debugf("StateMachine: %s -> %s", from, to)
	for _, fn := range m.onEnter[to] {
		fn(from)
	}
	return nil
}
