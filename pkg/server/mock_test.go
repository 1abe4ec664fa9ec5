package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/raterudder/solarcurtail/pkg/controller"
	"github.com/raterudder/solarcurtail/pkg/storage"
	"github.com/raterudder/solarcurtail/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMarket struct {
	mock.Mock
}

func (m *mockMarket) GetDayAheadPrices(ctx context.Context, date civil.Date, area string) (types.PriceSeries, error) {
	args := m.Called(ctx, date, area)
	return args.Get(0).(types.PriceSeries), args.Error(1)
}

type mockSwitch struct {
	mock.Mock
}

func (m *mockSwitch) SetState(ctx context.Context, state types.SwitchState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

// memoryStorage keeps the state in memory and records every save.
type memoryStorage struct {
	mu    sync.Mutex
	state *types.PersistedState
	saves int
}

func (m *memoryStorage) GetState(ctx context.Context) (types.PersistedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return types.PersistedState{}, storage.ErrStateNotFound
	}
	return *m.state, nil
}

func (m *memoryStorage) SetState(ctx context.Context, state types.PersistedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// copy the attempts map so later mutations by the caller are not shared
	attempts := make(map[string]int, len(state.TriggerAttempts))
	for k, v := range state.TriggerAttempts {
		attempts[k] = v
	}
	state.TriggerAttempts = attempts
	m.state = &state
	m.saves++
	return nil
}

func (m *memoryStorage) Close() error {
	return nil
}

func tallinn(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Tallinn")
	require.NoError(t, err)
	return loc
}

// testClock is a settable clock for Server.now.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestServer(t *testing.T, m *mockMarket, s storage.Database, a *mockSwitch, clock *testClock) *Server {
	t.Helper()
	return &Server{
		market:     m,
		storage:    s,
		actuator:   a,
		controller: controller.NewController(decimal.NewFromInt(7), tallinn(t)),
		area:       "EE",
		now:        clock.Now,
	}
}

// cheapSeries returns prices of 10 except 2 for hours 2, 3 and 4.
func cheapSeries(loc *time.Location, date civil.Date) types.PriceSeries {
	start := date.In(loc)
	points := make([]types.PricePoint, 24)
	for i := range points {
		price := decimal.NewFromInt(10)
		if i >= 2 && i <= 4 {
			price = decimal.NewFromInt(2)
		}
		// the market hands back UTC instants
		points[i] = types.PricePoint{Time: start.Add(time.Duration(i) * time.Hour).UTC(), Price: price}
	}
	return types.PriceSeries{Date: date, Points: points}
}

func expensiveSeries(loc *time.Location, date civil.Date) types.PriceSeries {
	series := cheapSeries(loc, date)
	for i := range series.Points {
		series.Points[i].Price = decimal.NewFromInt(50)
	}
	return series
}
