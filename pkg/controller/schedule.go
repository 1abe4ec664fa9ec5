package controller

import (
	"context"
	"log/slog"

	"github.com/raterudder/solarcurtail/pkg/log"
	"github.com/raterudder/solarcurtail/pkg/types"
)

// DeriveSchedule turns the best off period of series into a Schedule. It
// returns nil when there is no beneficial period.
func (c *Controller) DeriveSchedule(ctx context.Context, series types.PriceSeries) *types.Schedule {
	period, ok := c.FindBestOffPeriod(ctx, series)
	if !ok {
		log.Ctx(ctx).InfoContext(ctx, "no off period scheduled", slog.String("date", series.Date.String()))
		return nil
	}
	schedule := &types.Schedule{
		OffTime:         period.Start.In(c.location),
		OnTime:          period.End.In(c.location),
		FinancialImpact: period.FinancialImpact,
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"derived schedule",
		slog.String("date", series.Date.String()),
		slog.Time("offTime", schedule.OffTime),
		slog.Time("onTime", schedule.OnTime),
		slog.String("financialImpact", schedule.FinancialImpact.String()),
	)
	return schedule
}
