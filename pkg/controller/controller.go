package controller

import (
	"context"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"
	"github.com/raterudder/solarcurtail/pkg/log"
	"github.com/raterudder/solarcurtail/pkg/types"
	"github.com/shopspring/decimal"
)

// Controller decides when the switch should be off for the day and which
// action, if any, a poll should take.
type Controller struct {
	// threshold is the price, in currency per MWh, below which producing is a
	// loss.
	threshold decimal.Decimal
	location  *time.Location
}

// NewController creates a new Controller evaluating prices against threshold
// with hours and dates interpreted in loc.
func NewController(threshold decimal.Decimal, loc *time.Location) *Controller {
	if loc == nil {
		loc = time.Local
	}
	return &Controller{
		threshold: threshold,
		location:  loc,
	}
}

// Threshold returns the configured price threshold.
func (c *Controller) Threshold() decimal.Decimal {
	return c.threshold
}

// Location returns the configured local time zone.
func (c *Controller) Location() *time.Location {
	return c.location
}

// Today returns the local calendar date of now.
func (c *Controller) Today(now time.Time) civil.Date {
	return civil.DateOf(now.In(c.location))
}

// CurrentHour truncates now down to the start of its local hour. It subtracts
// the wall clock minutes instead of rebuilding the time with time.Date so the
// repeated hour on a daylight saving fall-back day stays unambiguous.
func (c *Controller) CurrentHour(now time.Time) time.Time {
	now = now.In(c.location)
	return now.Add(-(time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second +
		time.Duration(now.Nanosecond())))
}

// Evaluate returns the trigger for state at now, or nil if nothing should
// happen.
func (c *Controller) Evaluate(ctx context.Context, state types.PersistedState, now time.Time) *types.Trigger {
	currentHour := c.CurrentHour(now)
	trigger := EvaluateTrigger(state.Schedule, state.State(), currentHour)
	if trigger == nil {
		log.Ctx(ctx).DebugContext(
			ctx,
			"no trigger for current hour",
			slog.Time("currentHour", currentHour),
			slog.String("currentState", string(state.State())),
			slog.Bool("hasSchedule", state.Schedule != nil),
		)
		return nil
	}
	if trigger.Retry {
		scheduled := state.Schedule.OffTime
		if trigger.Action == types.SwitchOn {
			scheduled = state.Schedule.OnTime
		}
		log.Ctx(ctx).InfoContext(
			ctx,
			"retrying missed trigger",
			slog.String("action", string(trigger.Action)),
			slog.Time("currentHour", currentHour),
			slog.Time("scheduled", scheduled),
		)
	}
	return trigger
}
