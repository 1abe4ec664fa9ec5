package types

import (
	"time"

	"cloud.google.com/go/civil"
)

// CurrentStateVersion is stored alongside the state record so that a future
// change to its shape can be detected.
const CurrentStateVersion = 1

// SwitchState is the last known state of the controlled load.
type SwitchState string

const (
	SwitchOn  SwitchState = "on"
	SwitchOff SwitchState = "off"
)

// Trigger is an action emitted by the trigger evaluator.
type Trigger struct {
	Action SwitchState `json:"action"`

	// Retry is set when the action catches up on a poll that was missed at the
	// scheduled hour.
	Retry bool `json:"retry"`
}

// Label returns the trigger_attempts key for t.
func (t Trigger) Label() string {
	if t.Retry {
		return "retry_" + string(t.Action)
	}
	return string(t.Action)
}

// LastTrigger records the most recently applied Trigger.
type LastTrigger struct {
	Time   time.Time   `json:"time"`
	Action SwitchState `json:"action"`
	Retry  bool        `json:"retry"`
}

// PersistedState is the single durable record read and written on every poll.
type PersistedState struct {
	Date               civil.Date     `json:"date"`
	Prices             []PricePoint   `json:"prices"`
	Schedule           *Schedule      `json:"schedule,omitempty"`
	LastScheduleUpdate *time.Time     `json:"last_schedule_update,omitempty"`
	TriggerAttempts    map[string]int `json:"trigger_attempts"`
	CurrentState       SwitchState    `json:"current_state"`
	LastTrigger        *LastTrigger   `json:"last_trigger,omitempty"`
}

// NewPersistedState returns the state used the first time the system runs.
func NewPersistedState() PersistedState {
	return PersistedState{
		TriggerAttempts: map[string]int{},
		CurrentState:    SwitchOn,
	}
}

// State returns the current switch state, defaulting to on for records that
// never stored one.
func (s PersistedState) State() SwitchState {
	if s.CurrentState == "" {
		return SwitchOn
	}
	return s.CurrentState
}

// Series returns the stored prices as a PriceSeries.
func (s PersistedState) Series() PriceSeries {
	return PriceSeries{Date: s.Date, Points: s.Prices}
}

// IsStale reports whether the stored date is strictly before today.
func (s PersistedState) IsStale(today civil.Date) bool {
	return s.Date.Before(today)
}

// Refresh replaces the day's prices and schedule and resets trigger
// bookkeeping. CurrentState and LastTrigger are kept since the physical switch
// does not change just because a new day started.
func (s *PersistedState) Refresh(series PriceSeries, schedule *Schedule, now time.Time) {
	s.Date = series.Date
	s.Prices = series.Points
	s.Schedule = schedule
	s.LastScheduleUpdate = nil
	if schedule != nil {
		s.LastScheduleUpdate = &now
	}
	s.TriggerAttempts = map[string]int{}
	s.CurrentState = s.State()
}
