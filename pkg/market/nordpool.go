package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"cloud.google.com/go/civil"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarcurtail/pkg/common"
	"github.com/raterudder/solarcurtail/pkg/log"
	"github.com/raterudder/solarcurtail/pkg/types"
	"github.com/shopspring/decimal"
)

// NordPool implements Provider using the Nord Pool data portal DayAheadPrices
// API.
type NordPool struct {
	apiURL   string
	currency string
	client   *http.Client
}

// configuredNordPool sets up flags for Nord Pool and returns the instance.
func configuredNordPool() *NordPool {
	n := &NordPool{
		client: common.HTTPClient(10 * time.Second),
	}
	apiURL := lflag.String("nordpool-api-url", "https://dataportal-api.nordpoolgroup.com/api/DayAheadPrices", "URL for the Nord Pool DayAheadPrices API")
	currency := lflag.String("nordpool-currency", "EUR", "Currency to request prices in")

	lflag.Do(func() {
		n.apiURL = *apiURL
		n.currency = *currency
	})

	return n
}

func (n *NordPool) setTimeout(timeout time.Duration) {
	n.client = common.HTTPClient(timeout)
}

// Validate ensures the configuration is valid.
func (n *NordPool) Validate() error {
	if n.apiURL == "" {
		return fmt.Errorf("nordpool-api-url is required")
	}
	if _, err := url.Parse(n.apiURL); err != nil {
		return fmt.Errorf("failed to parse nordpool url (%s): %w", n.apiURL, err)
	}
	if n.currency == "" {
		return fmt.Errorf("nordpool-currency is required")
	}
	return nil
}

type nordPoolEntry struct {
	DeliveryStart string                 `json:"deliveryStart"`
	DeliveryEnd   string                 `json:"deliveryEnd"`
	EntryPerArea  map[string]json.Number `json:"entryPerArea"`
}

type nordPoolResponse struct {
	DeliveryDateCET  string          `json:"deliveryDateCET"`
	MultiAreaEntries []nordPoolEntry `json:"multiAreaEntries"`
}

// GetDayAheadPrices fetches the prices for date and area. Entries shorter than
// an hour are averaged into hourly points. An entry that cannot be parsed is
// logged and skipped rather than failing the whole day.
func (n *NordPool) GetDayAheadPrices(ctx context.Context, date civil.Date, area string) (types.PriceSeries, error) {
	u, err := url.Parse(n.apiURL)
	if err != nil {
		return types.PriceSeries{}, fmt.Errorf("invalid api url: %w", err)
	}
	q := u.Query()
	q.Set("date", date.String())
	q.Set("market", "DayAhead")
	q.Set("deliveryArea", area)
	q.Set("currency", n.currency)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return types.PriceSeries{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	log.Ctx(ctx).DebugContext(ctx, "fetching prices from nordpool", slog.String("url", u.String()))
	resp, err := n.client.Do(req)
	if err != nil {
		return types.PriceSeries{}, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	// nord pool answers 204 until the auction results are published
	if resp.StatusCode == http.StatusNoContent {
		return types.PriceSeries{}, fmt.Errorf("nordpool %s %s: %w", area, date, ErrNoPrices)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.PriceSeries{}, fmt.Errorf("nordpool api returned status %d: %s", resp.StatusCode, body)
	}

	var data nordPoolResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return types.PriceSeries{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if data.MultiAreaEntries == nil {
		return types.PriceSeries{}, fmt.Errorf("nordpool response missing multiAreaEntries")
	}

	points := hourlyPoints(ctx, data.MultiAreaEntries, area)
	if len(points) == 0 {
		return types.PriceSeries{}, fmt.Errorf("nordpool %s %s: %w", area, date, ErrNoPrices)
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"fetched nordpool prices",
		slog.String("date", date.String()),
		slog.String("area", area),
		slog.Int("entries", len(data.MultiAreaEntries)),
		slog.Int("hours", len(points)),
	)
	return types.PriceSeries{Date: date, Points: points}, nil
}

// hourlyPoints groups entries by the hour they start in and averages each
// group.
func hourlyPoints(ctx context.Context, entries []nordPoolEntry, area string) []types.PricePoint {
	type hourlyData struct {
		start time.Time
		sum   decimal.Decimal
		count int64
	}
	hours := make(map[int64]*hourlyData)

	for _, e := range entries {
		start, err := time.Parse(time.RFC3339, e.DeliveryStart)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse nordpool deliveryStart", slog.String("value", e.DeliveryStart), slog.Any("error", err))
			continue
		}
		raw, ok := e.EntryPerArea[area]
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "nordpool entry missing area", slog.String("area", area), slog.String("deliveryStart", e.DeliveryStart))
			continue
		}
		price, err := decimal.NewFromString(raw.String())
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse nordpool price", slog.String("value", raw.String()), slog.Any("error", err))
			continue
		}

		// areas served by nord pool all have whole hour offsets so truncating
		// the absolute time lands on the local hour
		hourStart := start.Truncate(time.Hour)
		key := hourStart.Unix()
		if _, exists := hours[key]; !exists {
			hours[key] = &hourlyData{start: hourStart}
		}
		h := hours[key]
		h.sum = h.sum.Add(price)
		h.count++
	}

	points := make([]types.PricePoint, 0, len(hours))
	for _, h := range hours {
		points = append(points, types.PricePoint{
			Time:  h.start,
			Price: h.sum.Div(decimal.NewFromInt(h.count)),
		})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Time.Before(points[j].Time)
	})
	return points
}
