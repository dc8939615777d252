package player

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_Lifecycle(t *testing.T) {
	// GIVEN a fresh machine
	m := NewStateMachine()
	require.Equal(t, StateUninitialized, m.State())

	// WHEN walking a normal session
	for _, s := range []State{StateInitializing, StateIdle, StateSeeking, StateSeeking, StatePlaying, StateIdle, StateClosed} {
		require.NoError(t, m.Transition(s), "-> %s", s)
	}

	// THEN the session ends closed
	assert.Equal(t, StateClosed, m.State())
}

func TestStateMachine_RejectsTransitionsOutsideAllowList(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{StateUninitialized, StatePlaying},
		{StateInitializing, StateSeeking},
		{StateIdle, StateInitializing},
		{StateErrored, StatePlaying},
		{StateErrored, StateIdle},
		{StateClosed, StateIdle},
		{StateClosed, StateClosed},
		{StatePlaying, StatePlaying},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			m := &StateMachine{state: tt.from, onEnter: make(map[State][]func(State))}

			err := m.Transition(tt.to)

			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.from, te.From)
			assert.Equal(t, tt.to, te.To)
			assert.Equal(t, tt.from, m.State(), "state must not change")
		})
	}
}

func TestStateMachine_OnEnterRunsWithPreviousState(t *testing.T) {
	m := NewStateMachine()
	var entered []State
	m.OnEnter(StateClosed, func(from State) { entered = append(entered, from) })

	require.NoError(t, m.Transition(StateInitializing))
	require.NoError(t, m.Transition(StateErrored))
	require.NoError(t, m.Transition(StateClosed))
	_ = m.Transition(StateClosed)

	assert.Equal(t, []State{StateErrored}, entered, "handler runs once, on the valid entry")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "seeking", StateSeeking.String())
	assert.Equal(t, "unknown", State(42).String())
}
