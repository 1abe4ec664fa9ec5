package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Period is a candidate window [Start, End) during which the switch would be
// off.
type Period struct {
	Start time.Time
	End   time.Time

	// Hours is the number of price points covered. It is less than End-Start
	// when the window spans points that were skipped or missing.
	Hours int

	AveragePrice    decimal.Decimal
	FinancialImpact decimal.Decimal
}

// Schedule is the off/on plan derived from the best Period of the day.
type Schedule struct {
	OffTime time.Time
	OnTime  time.Time

	// FinancialImpact is positive when switching off avoids a loss.
	FinancialImpact decimal.Decimal
}

type scheduleJSON struct {
	OffTime         time.Time   `json:"off_time"`
	OnTime          time.Time   `json:"on_time"`
	FinancialImpact json.Number `json:"financial_impact"`
}

// MarshalJSON implements json.Marshaler.
func (s Schedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(scheduleJSON{
		OffTime:         s.OffTime,
		OnTime:          s.OnTime,
		FinancialImpact: json.Number(s.FinancialImpact.String()),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Schedule) UnmarshalJSON(b []byte) error {
	var raw scheduleJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	impact, err := decimal.NewFromString(raw.FinancialImpact.String())
	if err != nil {
		return fmt.Errorf("invalid financial_impact %q: %w", raw.FinancialImpact, err)
	}
	s.OffTime = raw.OffTime
	s.OnTime = raw.OnTime
	s.FinancialImpact = impact
	return nil
}
