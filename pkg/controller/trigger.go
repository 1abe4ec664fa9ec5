package controller

import (
	"time"

	"github.com/raterudder/solarcurtail/pkg/types"
)

// EvaluateTrigger maps the schedule, the current switch state and the current
// hour to an action. Rules are checked in order and the first match wins:
//
//  1. currentHour == off time: off
//  2. currentHour == on time: on
//  3. off time < currentHour < on time and the switch is on: off (retry)
//  4. currentHour > on time and the switch is off: on (retry)
//
// The exact hour rules ignore the switch state, so polling several times
// during the off or on hour emits the same action every time.
func EvaluateTrigger(schedule *types.Schedule, current types.SwitchState, currentHour time.Time) *types.Trigger {
	if schedule == nil {
		return nil
	}
	off, on := schedule.OffTime, schedule.OnTime
	switch {
	case currentHour.Equal(off):
		return &types.Trigger{Action: types.SwitchOff}
	case currentHour.Equal(on):
		return &types.Trigger{Action: types.SwitchOn}
	case currentHour.After(off) && currentHour.Before(on) && current == types.SwitchOn:
		return &types.Trigger{Action: types.SwitchOff, Retry: true}
	case currentHour.After(on) && current == types.SwitchOff:
		return &types.Trigger{Action: types.SwitchOn, Retry: true}
	}
	return nil
}

// RecordAttempt counts trigger against its label and sets LastTrigger to now
// without touching the switch state. It is used when the switch could not be
// driven, so the retry rules fire again on the next poll.
func RecordAttempt(state *types.PersistedState, trigger types.Trigger, now time.Time) {
	if state.TriggerAttempts == nil {
		state.TriggerAttempts = map[string]int{}
	}
	state.TriggerAttempts[trigger.Label()]++
	state.LastTrigger = &types.LastTrigger{
		Time:   now,
		Action: trigger.Action,
		Retry:  trigger.Retry,
	}
}

// ApplyTrigger records a trigger whose action reached the switch: the attempt
// is recorded and the switch state is updated.
func ApplyTrigger(state *types.PersistedState, trigger types.Trigger, now time.Time) {
	RecordAttempt(state, trigger, now)
	state.CurrentState = trigger.Action
}
