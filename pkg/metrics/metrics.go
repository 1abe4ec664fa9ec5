package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raterudder/solarcurtail/pkg/types"
)

const metricPrefix = "solarcurtail_"

// Poll results.
const (
	PollSuccess = "success"
	PollError   = "error"
)

// Refresh results.
const (
	RefreshScheduled     = "scheduled"
	RefreshNoSchedule    = "no_schedule"
	RefreshUpstreamError = "upstream_error"
)

var (
	registerOnce sync.Once

	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "polls_total",
			Help: "Total polls by result",
		},
		[]string{"result"},
	)
	pollLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    metricPrefix + "poll_latency_seconds",
			Help:    "Poll latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)
	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "refresh_total",
			Help: "Total price refreshes by result",
		},
		[]string{"result"},
	)
	triggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "triggers_total",
			Help: "Total triggers applied by label",
		},
		[]string{"label"},
	)
	stateSaveErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: metricPrefix + "state_save_errors_total",
			Help: "Total failed writes of the persisted state",
		},
	)
	switchState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: metricPrefix + "switch_on",
			Help: "1 when the switch was last set on, 0 when off",
		},
	)
	scheduleImpact = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: metricPrefix + "schedule_financial_impact",
			Help: "Financial impact of the current schedule, 0 when there is none",
		},
	)
)

// Register registers all collectors with the default registry. It is safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			pollsTotal,
			pollLatency,
			refreshTotal,
			triggersTotal,
			stateSaveErrors,
			switchState,
			scheduleImpact,
		)
	})
}

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// ObservePoll records a finished poll.
func ObservePoll(result string, d time.Duration) {
	pollsTotal.WithLabelValues(result).Inc()
	pollLatency.WithLabelValues(result).Observe(d.Seconds())
}

// IncRefresh records a price refresh attempt.
func IncRefresh(result string) {
	refreshTotal.WithLabelValues(result).Inc()
}

// IncTrigger records an applied trigger.
func IncTrigger(t types.Trigger) {
	triggersTotal.WithLabelValues(t.Label()).Inc()
}

// IncStateSaveError records a failed state write.
func IncStateSaveError() {
	stateSaveErrors.Inc()
}

// SetState records the persisted switch state and schedule.
func SetState(state types.PersistedState) {
	if state.State() == types.SwitchOn {
		switchState.Set(1)
	} else {
		switchState.Set(0)
	}
	if state.Schedule != nil {
		scheduleImpact.Set(state.Schedule.FinancialImpact.InexactFloat64())
	} else {
		scheduleImpact.Set(0)
	}
}
