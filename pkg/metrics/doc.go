/*
Package metrics provides Prometheus metrics for fleetd.

Collectors are package-level and registered in init; the /metrics
endpoint is mounted on the local HTTP surface via Handler().

Metric Groups

Target-state fetch:
  - fleetd_target_state_fetch_attempts_total{outcome}: changed,
    not_modified or error per attempt
  - fleetd_target_state_fetch_duration_seconds
  - fleetd_poll_cycles_total
  - fleetd_poll_failure_streak: consecutive fetch failures driving the
    exponential backoff

Reconciliation:
  - fleetd_steps_executed_total{action}
  - fleetd_reconciliation_duration_seconds
  - fleetd_dependent_devices_total

Hook delivery:
  - fleetd_hook_deliveries_total{kind,outcome}: kind is update or
    delete; outcome is acknowledged, accepted, rejected or error
  - fleetd_hook_rate_limit_delays_total

Local API:
  - fleetd_api_requests_total{method,status}

Timer is a small helper for observing durations into histograms:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
*/
package metrics
