package types

import (
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// PricePoint is the day-ahead price for the hour starting at Time.
type PricePoint struct {
	Time time.Time

	// Price is in currency per MWh and may be negative.
	Price decimal.Decimal
}

// pricePointJSON is the persisted shape of a PricePoint. Price is written as a
// bare JSON number rather than decimal's default quoted string.
type pricePointJSON struct {
	Datetime time.Time   `json:"datetime"`
	Price    json.Number `json:"price"`
}

// MarshalJSON implements json.Marshaler.
func (p PricePoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(pricePointJSON{
		Datetime: p.Time,
		Price:    json.Number(p.Price.String()),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *PricePoint) UnmarshalJSON(b []byte) error {
	var raw pricePointJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	price, err := decimal.NewFromString(raw.Price.String())
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", raw.Price, err)
	}
	p.Time = raw.Datetime
	p.Price = price
	return nil
}

// PriceSeries is the ordered list of hourly prices for a single local day. It
// normally holds 24 points but 23 or 25 on daylight saving transition days.
type PriceSeries struct {
	Date   civil.Date
	Points []PricePoint
}

// In returns a copy of the series with every timestamp expressed in loc.
func (s PriceSeries) In(loc *time.Location) PriceSeries {
	points := make([]PricePoint, len(s.Points))
	for i, p := range s.Points {
		points[i] = PricePoint{Time: p.Time.In(loc), Price: p.Price}
	}
	return PriceSeries{Date: s.Date, Points: points}
}
