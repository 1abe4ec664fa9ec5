// Command plan fetches one day of day-ahead prices and prints the best window
// to switch off, without touching the stored state or the switch.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/civil"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarcurtail/pkg/controller"
	"github.com/raterudder/solarcurtail/pkg/log"
	"github.com/raterudder/solarcurtail/pkg/market"
	"github.com/raterudder/solarcurtail/pkg/types"
	"github.com/shopspring/decimal"
)

type plan struct {
	Date     civil.Date         `json:"date"`
	Area     string             `json:"area"`
	Prices   []types.PricePoint `json:"prices"`
	Schedule *types.Schedule    `json:"schedule"`
	Hours    int                `json:"hours,omitempty"`
	Average  *decimal.Decimal   `json:"average_price,omitempty"`
}

func main() {
	m := market.Configured()

	date := lflag.String("date", "", "Delivery date to plan (YYYY-MM-DD), defaults to today in --timezone")
	area := lflag.String("area", "EE", "Day-ahead delivery area to fetch prices for")
	timezone := lflag.String("timezone", "Europe/Tallinn", "Time zone the schedule is evaluated in")
	threshold := lflag.String("threshold", "7", "Price per MWh below which the load is better off")

	lflag.Configure()

	ctx := context.Background()

	loc, err := time.LoadLocation(*timezone)
	if err != nil {
		fatal(ctx, fmt.Errorf("failed to load timezone (%s): %w", *timezone, err))
	}
	t, err := decimal.NewFromString(*threshold)
	if err != nil {
		fatal(ctx, fmt.Errorf("invalid threshold (%s): %w", *threshold, err))
	}
	c := controller.NewController(t, loc)

	day := c.Today(time.Now())
	if *date != "" {
		day, err = civil.ParseDate(*date)
		if err != nil {
			fatal(ctx, fmt.Errorf("invalid date (%s): %w", *date, err))
		}
	}

	series, err := m.GetDayAheadPrices(ctx, day, *area)
	if err != nil {
		fatal(ctx, fmt.Errorf("failed to fetch prices: %w", err))
	}
	series = series.In(loc)

	out := plan{
		Date:   day,
		Area:   *area,
		Prices: series.Points,
	}
	out.Schedule = c.DeriveSchedule(ctx, series)
	if period, ok := c.FindBestOffPeriod(ctx, series); ok {
		out.Hours = period.Hours
		out.Average = &period.AveragePrice
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fatal(ctx, err)
	}
}

func fatal(ctx context.Context, err error) {
	log.Ctx(ctx).ErrorContext(ctx, "plan failed", "error", err)
	os.Exit(1)
}
