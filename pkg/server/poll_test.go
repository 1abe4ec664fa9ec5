package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/raterudder/solarcurtail/pkg/market"
	"github.com/raterudder/solarcurtail/pkg/storage"
	"github.com/raterudder/solarcurtail/pkg/storage/storagemock"
	"github.com/raterudder/solarcurtail/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	yesterday = civil.Date{Year: 2025, Month: time.January, Day: 14}
	today     = civil.Date{Year: 2025, Month: time.January, Day: 15}
)

// storedState returns the state as it would be after a refresh on date with
// the cheap series.
func storedState(loc *time.Location, date civil.Date, current types.SwitchState) types.PersistedState {
	start := date.In(loc)
	state := types.NewPersistedState()
	state.CurrentState = current
	state.Refresh(cheapSeries(loc, date).In(loc), &types.Schedule{
		OffTime:         start.Add(2 * time.Hour),
		OnTime:          start.Add(5 * time.Hour),
		FinancialImpact: decimal.NewFromInt(15),
	}, start)
	return state
}

func TestPoll(t *testing.T) {
	loc := tallinn(t)
	at := func(hour, minute int) time.Time {
		return time.Date(2025, time.January, 15, hour, minute, 0, 0, loc)
	}

	t.Run("First Poll Refreshes And Triggers Off", func(t *testing.T) {
		mm := &mockMarket{}
		ma := &mockSwitch{}
		store := &memoryStorage{}
		clock := &testClock{now: at(2, 10)}
		srv := newTestServer(t, mm, store, ma, clock)

		mm.On("GetDayAheadPrices", mock.Anything, today, "EE").Return(cheapSeries(loc, today), nil).Once()
		ma.On("SetState", mock.Anything, types.SwitchOff).Return(nil).Once()

		res := srv.Poll(context.Background())
		require.NotNil(t, res.Action)
		assert.Equal(t, types.Trigger{Action: types.SwitchOff}, *res.Action)
		assert.Equal(t, "Action triggered: off", res.Message)
		assert.False(t, res.Retry)

		require.NotNil(t, store.state)
		assert.Equal(t, 2, store.saves)
		assert.Equal(t, today, store.state.Date)
		assert.Len(t, store.state.Prices, 24)
		require.NotNil(t, store.state.Schedule)
		assert.True(t, store.state.Schedule.OffTime.Equal(at(2, 0)))
		assert.True(t, store.state.Schedule.OnTime.Equal(at(5, 0)))
		assert.True(t, decimal.NewFromInt(15).Equal(store.state.Schedule.FinancialImpact))
		assert.Equal(t, types.SwitchOff, store.state.CurrentState)
		assert.Equal(t, map[string]int{"off": 1}, store.state.TriggerAttempts)
		require.NotNil(t, store.state.LastTrigger)
		assert.True(t, store.state.LastTrigger.Time.Equal(at(2, 10)))

		mm.AssertExpectations(t)
		ma.AssertExpectations(t)
	})

	t.Run("Fresh State Skips Fetch", func(t *testing.T) {
		mm := &mockMarket{}
		ma := &mockSwitch{}
		state := storedState(loc, today, types.SwitchOn)
		store := &memoryStorage{state: &state}
		clock := &testClock{now: at(3, 30)}
		srv := newTestServer(t, mm, store, ma, clock)

		ma.On("SetState", mock.Anything, types.SwitchOff).Return(nil).Once()

		res := srv.Poll(context.Background())
		require.NotNil(t, res.Action)
		assert.Equal(t, types.Trigger{Action: types.SwitchOff, Retry: true}, *res.Action)
		assert.True(t, res.Retry)
		assert.Equal(t, map[string]int{"retry_off": 1}, store.state.TriggerAttempts)
		assert.Equal(t, 1, store.saves)

		mm.AssertNotCalled(t, "GetDayAheadPrices", mock.Anything, mock.Anything, mock.Anything)
		ma.AssertExpectations(t)
	})

	t.Run("No Trigger Outside Window", func(t *testing.T) {
		mm := &mockMarket{}
		ma := &mockSwitch{}
		state := storedState(loc, today, types.SwitchOn)
		store := &memoryStorage{state: &state}
		clock := &testClock{now: at(12, 0)}
		srv := newTestServer(t, mm, store, ma, clock)

		res := srv.Poll(context.Background())
		assert.Nil(t, res.Action)
		assert.Equal(t, "No scheduled actions to trigger", res.Message)
		assert.False(t, res.Retry)
		assert.Equal(t, 0, store.saves)
		ma.AssertNotCalled(t, "SetState", mock.Anything, mock.Anything)
	})

	t.Run("Repeated Polls In Off Hour", func(t *testing.T) {
		mm := &mockMarket{}
		ma := &mockSwitch{}
		state := storedState(loc, today, types.SwitchOn)
		store := &memoryStorage{state: &state}
		clock := &testClock{now: at(2, 0)}
		srv := newTestServer(t, mm, store, ma, clock)

		ma.On("SetState", mock.Anything, types.SwitchOff).Return(nil).Twice()

		first := srv.Poll(context.Background())
		clock.Set(at(2, 45))
		second := srv.Poll(context.Background())

		require.NotNil(t, first.Action)
		require.NotNil(t, second.Action)
		assert.Equal(t, *first.Action, *second.Action)
		assert.Equal(t, map[string]int{"off": 2}, store.state.TriggerAttempts)
		ma.AssertExpectations(t)
	})

	t.Run("Full Day", func(t *testing.T) {
		mm := &mockMarket{}
		ma := &mockSwitch{}
		store := &memoryStorage{}
		clock := &testClock{now: at(0, 5)}
		srv := newTestServer(t, mm, store, ma, clock)

		mm.On("GetDayAheadPrices", mock.Anything, today, "EE").Return(cheapSeries(loc, today), nil).Once()
		ma.On("SetState", mock.Anything, types.SwitchOff).Return(nil).Once()
		ma.On("SetState", mock.Anything, types.SwitchOn).Return(nil).Once()

		var actions []*types.Trigger
		for hour := 0; hour < 24; hour++ {
			clock.Set(at(hour, 5))
			actions = append(actions, srv.Poll(context.Background()).Action)
		}
		for hour, action := range actions {
			switch hour {
			case 2:
				assert.Equal(t, &types.Trigger{Action: types.SwitchOff}, action)
			case 5:
				assert.Equal(t, &types.Trigger{Action: types.SwitchOn}, action)
			default:
				assert.Nil(t, action, "hour %d", hour)
			}
		}
		assert.Equal(t, map[string]int{"off": 1, "on": 1}, store.state.TriggerAttempts)
		assert.Equal(t, types.SwitchOn, store.state.CurrentState)
		mm.AssertExpectations(t)
		ma.AssertExpectations(t)
	})

	t.Run("Stale State Fetch Failure Keeps Old Schedule", func(t *testing.T) {
		mm := &mockMarket{}
		ma := &mockSwitch{}
		state := storedState(loc, yesterday, types.SwitchOff)
		store := &memoryStorage{state: &state}
		clock := &testClock{now: at(2, 10)}
		srv := newTestServer(t, mm, store, ma, clock)

		mm.On("GetDayAheadPrices", mock.Anything, today, "EE").Return(types.PriceSeries{}, errors.New("connection refused")).Once()
		ma.On("SetState", mock.Anything, types.SwitchOn).Return(nil).Once()

		res := srv.Poll(context.Background())
		require.NotNil(t, res.Action)
		assert.Equal(t, types.Trigger{Action: types.SwitchOn, Retry: true}, *res.Action)
		assert.Equal(t, yesterday, store.state.Date)
		assert.Equal(t, map[string]int{"retry_on": 1}, store.state.TriggerAttempts)
		assert.Equal(t, 1, store.saves)
		mm.AssertExpectations(t)
		ma.AssertExpectations(t)
	})

	t.Run("Stale State Refresh Keeps Switch State", func(t *testing.T) {
		mm := &mockMarket{}
		ma := &mockSwitch{}
		state := storedState(loc, yesterday, types.SwitchOn)
		state.TriggerAttempts["off"] = 3
		store := &memoryStorage{state: &state}
		clock := &testClock{now: at(1, 0)}
		srv := newTestServer(t, mm, store, ma, clock)

		mm.On("GetDayAheadPrices", mock.Anything, today, "EE").Return(cheapSeries(loc, today), nil).Once()

		res := srv.Poll(context.Background())
		assert.Nil(t, res.Action)
		assert.Equal(t, today, store.state.Date)
		assert.Empty(t, store.state.TriggerAttempts)
		assert.Equal(t, types.SwitchOn, store.state.CurrentState)
		require.NotNil(t, store.state.LastScheduleUpdate)
		assert.True(t, store.state.LastScheduleUpdate.Equal(at(1, 0)))
		mm.AssertExpectations(t)
	})

	t.Run("No Data Available", func(t *testing.T) {
		mm := &mockMarket{}
		ma := &mockSwitch{}
		store := &memoryStorage{}
		clock := &testClock{now: at(2, 10)}
		srv := newTestServer(t, mm, store, ma, clock)

		mm.On("GetDayAheadPrices", mock.Anything, today, "EE").Return(types.PriceSeries{}, market.ErrNoPrices).Once()

		res := srv.Poll(context.Background())
		assert.Nil(t, res.Action)
		assert.Equal(t, "No price data available", res.Message)
		assert.Nil(t, store.state)
		ma.AssertNotCalled(t, "SetState", mock.Anything, mock.Anything)
	})

	t.Run("No Beneficial Period", func(t *testing.T) {
		mm := &mockMarket{}
		ma := &mockSwitch{}
		store := &memoryStorage{}
		clock := &testClock{now: at(2, 10)}
		srv := newTestServer(t, mm, store, ma, clock)

		mm.On("GetDayAheadPrices", mock.Anything, today, "EE").Return(expensiveSeries(loc, today), nil).Once()

		res := srv.Poll(context.Background())
		assert.Nil(t, res.Action)
		assert.Equal(t, "No scheduled actions to trigger", res.Message)
		require.NotNil(t, store.state)
		assert.Nil(t, store.state.Schedule)
		assert.Nil(t, store.state.LastScheduleUpdate)
		assert.Len(t, store.state.Prices, 24)
		assert.Equal(t, types.SwitchOn, store.state.CurrentState)
	})

	t.Run("Malformed State Treated As Absent", func(t *testing.T) {
		mm := &mockMarket{}
		ma := &mockSwitch{}
		ms := &storagemock.MockDatabase{}
		clock := &testClock{now: at(2, 10)}
		srv := newTestServer(t, mm, ms, ma, clock)

		ms.On("GetState", mock.Anything).Return(types.PersistedState{}, fmt.Errorf("decode: %w", storage.ErrMalformedState)).Once()
		ms.On("SetState", mock.Anything, mock.MatchedBy(func(s types.PersistedState) bool {
			return s.Date == today
		})).Return(nil).Twice()
		mm.On("GetDayAheadPrices", mock.Anything, today, "EE").Return(cheapSeries(loc, today), nil).Once()
		ma.On("SetState", mock.Anything, types.SwitchOff).Return(nil).Once()

		res := srv.Poll(context.Background())
		require.NotNil(t, res.Action)
		assert.Equal(t, types.SwitchOff, res.Action.Action)
		ms.AssertExpectations(t)
		mm.AssertExpectations(t)
		ma.AssertExpectations(t)
	})

	t.Run("Save Failure Still Returns Result", func(t *testing.T) {
		mm := &mockMarket{}
		ma := &mockSwitch{}
		ms := &storagemock.MockDatabase{}
		clock := &testClock{now: at(3, 0)}
		srv := newTestServer(t, mm, ms, ma, clock)

		ms.On("GetState", mock.Anything).Return(storedState(loc, today, types.SwitchOn), nil).Once()
		ms.On("SetState", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()
		ma.On("SetState", mock.Anything, types.SwitchOff).Return(nil).Once()

		res := srv.Poll(context.Background())
		require.NotNil(t, res.Action)
		assert.Equal(t, types.Trigger{Action: types.SwitchOff, Retry: true}, *res.Action)
		assert.Equal(t, "Action triggered: off", res.Message)
		ms.AssertExpectations(t)
	})

	t.Run("Actuator Failure Is Reported", func(t *testing.T) {
		mm := &mockMarket{}
		ma := &mockSwitch{}
		state := storedState(loc, today, types.SwitchOn)
		store := &memoryStorage{state: &state}
		clock := &testClock{now: at(2, 0)}
		srv := newTestServer(t, mm, store, ma, clock)

		ma.On("SetState", mock.Anything, types.SwitchOff).Return(errors.New("relay offline")).Once()
		ma.On("SetState", mock.Anything, types.SwitchOff).Return(nil).Once()

		res := srv.Poll(context.Background())
		require.NotNil(t, res.Action)
		assert.Equal(t, types.Trigger{Action: types.SwitchOff}, *res.Action)
		assert.Equal(t, "Action triggered: off (actuator error: relay offline)", res.Message)
		assert.Equal(t, types.SwitchOn, store.state.CurrentState)
		assert.Equal(t, map[string]int{"off": 1}, store.state.TriggerAttempts)
		require.NotNil(t, store.state.LastTrigger)
		assert.Equal(t, types.SwitchOff, store.state.LastTrigger.Action)

		// the relay never switched off so the next poll retries
		clock.Set(at(3, 5))
		res = srv.Poll(context.Background())
		require.NotNil(t, res.Action)
		assert.Equal(t, types.Trigger{Action: types.SwitchOff, Retry: true}, *res.Action)
		assert.True(t, res.Retry)
		assert.Equal(t, "Action triggered: off", res.Message)
		assert.Equal(t, types.SwitchOff, store.state.CurrentState)
		assert.Equal(t, map[string]int{"off": 1, "retry_off": 1}, store.state.TriggerAttempts)
		ma.AssertExpectations(t)
	})

	t.Run("Failed On Is Retried", func(t *testing.T) {
		mm := &mockMarket{}
		ma := &mockSwitch{}
		state := storedState(loc, today, types.SwitchOff)
		store := &memoryStorage{state: &state}
		clock := &testClock{now: at(5, 0)}
		srv := newTestServer(t, mm, store, ma, clock)

		ma.On("SetState", mock.Anything, types.SwitchOn).Return(errors.New("relay offline")).Once()
		ma.On("SetState", mock.Anything, types.SwitchOn).Return(nil).Once()

		res := srv.Poll(context.Background())
		require.NotNil(t, res.Action)
		assert.Equal(t, types.Trigger{Action: types.SwitchOn}, *res.Action)
		assert.Equal(t, types.SwitchOff, store.state.CurrentState)

		clock.Set(at(6, 5))
		res = srv.Poll(context.Background())
		require.NotNil(t, res.Action)
		assert.Equal(t, types.Trigger{Action: types.SwitchOn, Retry: true}, *res.Action)
		assert.Equal(t, types.SwitchOn, store.state.CurrentState)
		assert.Equal(t, map[string]int{"on": 1, "retry_on": 1}, store.state.TriggerAttempts)
		ma.AssertExpectations(t)
	})
}

func TestHandlePoll(t *testing.T) {
	loc := tallinn(t)

	t.Run("Success", func(t *testing.T) {
		mm := &mockMarket{}
		ma := &mockSwitch{}
		state := storedState(loc, today, types.SwitchOn)
		store := &memoryStorage{state: &state}
		clock := &testClock{now: time.Date(2025, time.January, 15, 4, 20, 0, 0, loc)}
		srv := newTestServer(t, mm, store, ma, clock)
		ma.On("SetState", mock.Anything, types.SwitchOff).Return(nil).Once()

		for _, req := range []*http.Request{
			httptest.NewRequest(http.MethodPost, "/api/poll", nil),
			httptest.NewRequest(http.MethodGet, "/check-prices", nil),
		} {
			w := httptest.NewRecorder()
			srv.setupHandler().ServeHTTP(w, req)
			require.Equal(t, http.StatusOK, w.Code, req.URL.Path)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "success", body["status"])
			if req.URL.Path == "/api/poll" {
				assert.Equal(t, map[string]any{"action": "off", "retry": true}, body["action"])
				assert.Equal(t, true, body["retry"])
				assert.Equal(t, "Action triggered: off", body["message"])
			} else {
				// already off so the retry rule no longer matches
				assert.Nil(t, body["action"])
				assert.Equal(t, false, body["retry"])
				assert.Equal(t, "No scheduled actions to trigger", body["message"])
			}
		}
		ma.AssertExpectations(t)
	})

	t.Run("Method Not Allowed", func(t *testing.T) {
		srv := newTestServer(t, &mockMarket{}, &memoryStorage{}, &mockSwitch{}, &testClock{now: time.Now()})
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/poll", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("Panic Returns Error", func(t *testing.T) {
		ms := &storagemock.MockDatabase{}
		ms.On("GetState", mock.Anything).Panic("storage exploded")
		srv := newTestServer(t, &mockMarket{}, ms, &mockSwitch{}, &testClock{now: time.Now()})

		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/poll", nil))
		require.Equal(t, http.StatusInternalServerError, w.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "error", body["status"])
		assert.Equal(t, "storage exploded", body["message"])

		// the poll lock must have been released
		assert.True(t, srv.pollMu.TryLock())
	})
}

func TestHandleStatus(t *testing.T) {
	loc := tallinn(t)

	t.Run("With State", func(t *testing.T) {
		state := storedState(loc, today, types.SwitchOff)
		srv := newTestServer(t, &mockMarket{}, &memoryStorage{state: &state}, &mockSwitch{}, &testClock{now: time.Now()})

		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Status string               `json:"status"`
			Data   types.PersistedState `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "success", body.Status)
		assert.Equal(t, today, body.Data.Date)
		assert.Equal(t, types.SwitchOff, body.Data.CurrentState)
		require.NotNil(t, body.Data.Schedule)
		assert.True(t, body.Data.Schedule.OffTime.Equal(time.Date(2025, time.January, 15, 2, 0, 0, 0, loc)))
	})

	t.Run("Without State", func(t *testing.T) {
		srv := newTestServer(t, &mockMarket{}, &memoryStorage{}, &mockSwitch{}, &testClock{now: time.Now()})

		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"success","data":{}}`, w.Body.String())
	})
}
