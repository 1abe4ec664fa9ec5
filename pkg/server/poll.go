package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/raterudder/solarcurtail/pkg/controller"
	"github.com/raterudder/solarcurtail/pkg/log"
	"github.com/raterudder/solarcurtail/pkg/metrics"
	"github.com/raterudder/solarcurtail/pkg/storage"
	"github.com/raterudder/solarcurtail/pkg/types"
)

// PollResult is the outcome of a single poll.
type PollResult struct {
	Action  *types.Trigger
	Message string
	Retry   bool
}

type pollResponse struct {
	Status  string         `json:"status"`
	Action  *types.Trigger `json:"action"`
	Message string         `json:"message"`
	Retry   bool           `json:"retry"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	ctx := log.WithAttrs(r.Context(), slog.String("pollID", uuid.NewString()))
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.Ctx(ctx).ErrorContext(ctx, "poll failed", slog.Any("panic", rec))
			metrics.ObservePoll(metrics.PollError, time.Since(start))
			writeJSONError(w, fmt.Sprint(rec), http.StatusInternalServerError)
		}
	}()

	res := s.Poll(ctx)
	metrics.ObservePoll(metrics.PollSuccess, time.Since(start))
	writeJSON(w, pollResponse{
		Status:  "success",
		Action:  res.Action,
		Message: res.Message,
		Retry:   res.Retry,
	}, http.StatusOK)
}

// Poll refreshes the day's schedule if the stored one is missing or from an
// earlier day, then evaluates and applies the trigger for the current hour.
// Every failure inside is handled locally so Poll itself never fails.
func (s *Server) Poll(ctx context.Context) PollResult {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	now := s.now().In(s.controller.Location())

	state, ok := s.loadState(ctx)
	if !ok || state.IsStale(s.controller.Today(now)) {
		state, ok = s.refresh(ctx, state, ok, now)
	}
	if !ok {
		return PollResult{Message: "No price data available"}
	}
	metrics.SetState(state)

	trigger := s.controller.Evaluate(ctx, state, now)
	if trigger == nil {
		return PollResult{Message: "No scheduled actions to trigger"}
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"triggering action",
		slog.String("action", string(trigger.Action)),
		slog.Bool("retry", trigger.Retry),
	)
	message := fmt.Sprintf("Action triggered: %s", trigger.Action)
	if err := s.actuator.SetState(ctx, trigger.Action); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set switch state", slog.String("action", string(trigger.Action)), slog.Any("error", err))
		message = fmt.Sprintf("%s (actuator error: %v)", message, err)
		// the switch kept its previous state so the retry rules can fire again
		controller.RecordAttempt(&state, *trigger, now)
	} else {
		controller.ApplyTrigger(&state, *trigger, now)
	}
	metrics.IncTrigger(*trigger)
	metrics.SetState(state)
	s.saveState(ctx, state)

	return PollResult{
		Action:  trigger,
		Message: message,
		Retry:   trigger.Retry,
	}
}

// loadState returns the stored state. A missing or unreadable state is
// reported as absent so that the next refresh starts over.
func (s *Server) loadState(ctx context.Context) (types.PersistedState, bool) {
	state, err := s.storage.GetState(ctx)
	switch {
	case err == nil:
		return state, true
	case errors.Is(err, storage.ErrStateNotFound):
		log.Ctx(ctx).DebugContext(ctx, "no stored state")
	case errors.Is(err, storage.ErrMalformedState):
		log.Ctx(ctx).WarnContext(ctx, "ignoring malformed stored state", slog.Any("error", err))
	default:
		log.Ctx(ctx).ErrorContext(ctx, "failed to load state", slog.Any("error", err))
	}
	return types.PersistedState{}, false
}

// refresh fetches today's prices and derives a new schedule. If the fetch
// fails the previous state, if any, is returned unchanged.
func (s *Server) refresh(ctx context.Context, prev types.PersistedState, havePrev bool, now time.Time) (types.PersistedState, bool) {
	today := s.controller.Today(now)
	log.Ctx(ctx).InfoContext(ctx, "fetching new price data", slog.String("date", today.String()), slog.String("area", s.area))

	series, err := s.market.GetDayAheadPrices(ctx, today, s.area)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch prices, keeping stored state", slog.Any("error", err), slog.Bool("haveStored", havePrev))
		metrics.IncRefresh(metrics.RefreshUpstreamError)
		return prev, havePrev
	}
	series = series.In(s.controller.Location())

	schedule := s.controller.DeriveSchedule(ctx, series)
	if schedule != nil {
		metrics.IncRefresh(metrics.RefreshScheduled)
	} else {
		metrics.IncRefresh(metrics.RefreshNoSchedule)
	}

	state := prev
	if !havePrev {
		state = types.NewPersistedState()
	}
	state.Refresh(series, schedule, now)
	s.saveState(ctx, state)
	return state, true
}

func (s *Server) saveState(ctx context.Context, state types.PersistedState) {
	if err := s.storage.SetState(ctx, state); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save state", slog.Any("error", err))
		metrics.IncStateSaveError()
	}
}

type statusResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state, ok := s.loadState(ctx)
	if !ok {
		writeJSON(w, statusResponse{Status: "success", Data: struct{}{}}, http.StatusOK)
		return
	}
	writeJSON(w, statusResponse{Status: "success", Data: state}, http.StatusOK)
}
