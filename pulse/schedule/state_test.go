package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/automaton/errors"
)

func TestExecutionState_TransitionClearsInfo(t *testing.T) {
	now := time.Now()
	s := NewExecutionState(now)

	require.NoError(t, s.Transition(StateTriggered, now))
	s.Triggering = &TriggeringInfo{TriggerID: "t"}

	require.NoError(t, s.Transition(StatePreparing, now))
	s.Prepared = &PreparedInfo{ScheduleID: "s"}
	assert.NotNil(t, s.Triggering)

	require.NoError(t, s.Transition(StatePrepared, now))
	require.NoError(t, s.Transition(StateExecuting, now))
	assert.NotNil(t, s.Prepared)

	later := now.Add(time.Minute)
	require.NoError(t, s.Transition(StatePaused, later))
	assert.Nil(t, s.Triggering)
	assert.Nil(t, s.Prepared)
	assert.Equal(t, later, s.StateChanged)
}

func TestExecutionState_ReprepareDropsPreparedInfo(t *testing.T) {
	now := time.Now()
	s := ExecutionState{State: StateExecuting, Triggering: &TriggeringInfo{}, Prepared: &PreparedInfo{}}

	require.NoError(t, s.Transition(StateTriggered, now))
	assert.NotNil(t, s.Triggering)
	assert.Nil(t, s.Prepared)
}

func TestExecutionState_IllegalTransition(t *testing.T) {
	tests := []struct{ from, to State }{
		{StateIdle, StateExecuting},
		{StateIdle, StatePaused},
		{StatePaused, StateTriggered},
		{StateFinished, StateTriggered},
		{StateTriggered, StateExecuting},
	}

	for _, tt := range tests {
		s := ExecutionState{State: tt.from}
		err := s.Transition(tt.to, time.Now())
		assert.True(t, errors.Is(err, ErrIllegalTransition), "%s -> %s", tt.from, tt.to)
		assert.Equal(t, tt.from, s.State)
	}
}

func TestExecutionState_InterruptionReturnsToIdle(t *testing.T) {
	for _, from := range []State{StatePreparing, StatePrepared, StateExecuting} {
		assert.True(t, CanTransition(from, StateIdle), from)
		assert.True(t, from.Active())
	}
	assert.False(t, StateTriggered.Active())
}
