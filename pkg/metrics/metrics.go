package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Target-state fetch metrics
	FetchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_target_state_fetch_attempts_total",
			Help: "Total number of target-state fetch attempts by outcome (changed, not_modified, error)",
		},
		[]string{"outcome"},
	)

	FetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_target_state_fetch_duration_seconds",
			Help:    "Target-state fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PollCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_poll_cycles_total",
			Help: "Total number of completed poll cycles",
		},
	)

	PollFailureStreak = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_poll_failure_streak",
			Help: "Current run of consecutive poll fetch failures",
		},
	)

	// Reconciliation metrics
	StepsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_steps_executed_total",
			Help: "Total number of reconciliation steps executed by action",
		},
		[]string{"action"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_reconciliation_duration_seconds",
			Help:    "Duration of one plan/execute reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DependentDevicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_dependent_devices_total",
			Help: "Number of dependent device rows currently held",
		},
	)

	// Hook delivery metrics
	HookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_hook_deliveries_total",
			Help: "Total number of outbound hook deliveries by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	HookRateLimitDelays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_hook_rate_limit_delays_total",
			Help: "Total number of hook deliveries delayed by the per-device rate limit",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_api_requests_total",
			Help: "Total number of local API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(FetchAttemptsTotal)
	prometheus.MustRegister(FetchDuration)
	prometheus.MustRegister(PollCyclesTotal)
	prometheus.MustRegister(PollFailureStreak)
	prometheus.MustRegister(StepsExecutedTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(DependentDevicesTotal)
	prometheus.MustRegister(HookDeliveriesTotal)
	prometheus.MustRegister(HookRateLimitDelays)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
