package schedule

import (
	"encoding/json"
	"time"

	"github.com/teranos/automaton/errors"
)

// State is a schedule's position in the execution cycle
type State string

const (
	StateIdle      State = "idle"
	StateTriggered State = "triggered"
	StatePreparing State = "preparing"
	StatePrepared  State = "prepared"
	StateExecuting State = "executing"
	StatePaused    State = "paused"
	StateFinished  State = "finished"
)

// ErrIllegalTransition is returned for a transition the state machine does not allow
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	StateIdle:      {StateTriggered, StateFinished},
	StateTriggered: {StatePreparing, StateIdle, StateFinished},
	StatePreparing: {StatePrepared, StatePaused, StateIdle, StateFinished},
	StatePrepared:  {StateExecuting, StatePreparing, StateTriggered, StatePaused, StateIdle, StateFinished},
	StateExecuting: {StatePrepared, StatePreparing, StateTriggered, StatePaused, StateIdle, StateFinished},
	StatePaused:    {StateIdle, StateFinished},
	StateFinished:  {StateIdle},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether the state is part of an in-flight execution attempt
func (s State) Active() bool {
	return s == StatePreparing || s == StatePrepared || s == StateExecuting
}

// TriggeringInfo records which trigger fired and on what event
type TriggeringInfo struct {
	TriggerID   string          `json:"trigger_id"`
	TriggerType TriggerType     `json:"trigger_type"`
	Goal        float64         `json:"goal"`
	Event       Event           `json:"event"`
	Context     json.RawMessage `json:"context,omitempty"`
	Date        time.Time       `json:"date"`
}

// ExperimentResult is the outcome of experiment evaluation for one execution
type ExperimentResult struct {
	ChannelID string          `json:"channel_id,omitempty"`
	ContactID string          `json:"contact_id,omitempty"`
	IsMatch   bool            `json:"is_match"` // true: holdout, display is skipped
	Results   json.RawMessage `json:"results,omitempty"`
}

// PreparedInfo is populated while a schedule is being prepared or executed
type PreparedInfo struct {
	ScheduleID       string            `json:"schedule_id"`
	ProductID        string            `json:"product_id,omitempty"`
	Campaigns        json.RawMessage   `json:"campaigns,omitempty"`
	ContactID        string            `json:"contact_id,omitempty"`
	Experiment       *ExperimentResult `json:"experiment,omitempty"`
	ReportingContext json.RawMessage   `json:"reporting_context,omitempty"`
	TriggerSessionID string            `json:"trigger_session_id"`
	PreparedAt       time.Time         `json:"prepared_at"`
}

// ExecutionState is the mutable run state of a schedule.
type ExecutionState struct {
	State        State           `json:"state"`
	StateChanged time.Time       `json:"state_changed"`
	Count        int             `json:"count"`
	Triggering   *TriggeringInfo `json:"triggering,omitempty"`
	Prepared     *PreparedInfo   `json:"prepared,omitempty"`
}

// NewExecutionState returns the state of a freshly stored schedule
func NewExecutionState(now time.Time) ExecutionState {
	return ExecutionState{State: StateIdle, StateChanged: now}
}

// Transition moves to the next state, keeping the info invariants:
// Triggering is cleared on idle, paused and finished, and Prepared is cleared
// outside preparing, prepared and executing.
func (e *ExecutionState) Transition(to State, now time.Time) error {
	if e.State == to {
		return nil
	}
	if !CanTransition(e.State, to) {
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", e.State, to)
	}

	e.State = to
	e.StateChanged = now

	switch to {
	case StateIdle, StatePaused, StateFinished:
		e.Triggering = nil
	}
	if !to.Active() {
		e.Prepared = nil
	}
	return nil
}
