package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/raterudder/solarcurtail/pkg/log"
	"github.com/raterudder/solarcurtail/pkg/types"
	"github.com/shopspring/decimal"
)

// pointResult is the outcome of validating a single price point. A non-empty
// skip means the point is left out of the optimization.
type pointResult struct {
	point types.PricePoint
	skip  string
}

// checkPoints validates every point of the series and returns the usable ones.
// A bad point never aborts the optimization, it is logged and dropped.
func (c *Controller) checkPoints(ctx context.Context, points []types.PricePoint) []types.PricePoint {
	results := make([]pointResult, 0, len(points))
	var last time.Time
	for _, p := range points {
		r := pointResult{point: p}
		local := p.Time.In(c.location)
		switch {
		case p.Time.IsZero():
			r.skip = "missing timestamp"
		case local.Minute() != 0 || local.Second() != 0 || local.Nanosecond() != 0:
			r.skip = "timestamp not aligned to the hour"
		case !last.IsZero() && !p.Time.After(last):
			r.skip = "timestamp not after previous point"
		default:
			last = p.Time
		}
		results = append(results, r)
	}

	usable := make([]types.PricePoint, 0, len(results))
	for _, r := range results {
		if r.skip != "" {
			log.Ctx(ctx).WarnContext(
				ctx,
				"skipping price point",
				slog.Time("time", r.point.Time),
				slog.String("price", r.point.Price.String()),
				slog.String("reason", r.skip),
			)
			continue
		}
		usable = append(usable, r.point)
	}
	return usable
}

// FinancialImpact sums (threshold - price) over every point whose time falls
// in [start, end).
func FinancialImpact(points []types.PricePoint, start, end time.Time, threshold decimal.Decimal) decimal.Decimal {
	impact := decimal.Zero
	for _, p := range points {
		if p.Time.Before(start) || !p.Time.Before(end) {
			continue
		}
		impact = impact.Add(threshold.Sub(p.Price))
	}
	return impact
}

// FindBestOffPeriod evaluates every contiguous window of the series and
// returns the one with the largest financial impact. Ties go to the earliest
// start and then the shortest window. It returns false when the series is
// empty or no window has a positive impact.
func (c *Controller) FindBestOffPeriod(ctx context.Context, series types.PriceSeries) (types.Period, bool) {
	points := c.checkPoints(ctx, series.Points)
	n := len(points)
	if n == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no usable prices to optimize", slog.Int("points", len(series.Points)))
		return types.Period{}, false
	}

	var best types.Period
	found := false
	for i := 0; i < n; i++ {
		sum := decimal.Zero
		for j := i + 1; j <= n; j++ {
			sum = sum.Add(points[j-1].Price)
			start := points[i].Time
			end := points[j-1].Time.Add(time.Hour)
			impact := FinancialImpact(points, start, end, c.threshold)
			// strictly greater keeps the first maximum in enumeration order
			if found && !impact.GreaterThan(best.FinancialImpact) {
				continue
			}
			best = types.Period{
				Start:           start,
				End:             end,
				Hours:           j - i,
				AveragePrice:    sum.Div(decimal.NewFromInt(int64(j - i))),
				FinancialImpact: impact,
			}
			found = true
		}
	}

	if !best.FinancialImpact.IsPositive() {
		log.Ctx(ctx).DebugContext(
			ctx,
			"no beneficial off period",
			slog.String("bestImpact", best.FinancialImpact.String()),
			slog.String("threshold", c.threshold.String()),
		)
		return types.Period{}, false
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"found best off period",
		slog.Time("start", best.Start),
		slog.Time("end", best.End),
		slog.Int("hours", best.Hours),
		slog.String("averagePrice", best.AveragePrice.String()),
		slog.String("financialImpact", best.FinancialImpact.String()),
	)
	return best, true
}
