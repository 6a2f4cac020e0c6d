/*
Package metrics provides Prometheus metrics and health reporting for the cidx
server.

All metrics are defined as package-level collectors, registered against the
default registry at init, and exposed through Handler() on the operational
API. Components update their own collectors directly:

	metrics.QueueDepth.Set(float64(depth))
	metrics.CallbackDeliveries.WithLabelValues("completed").Inc()

	timer := metrics.NewTimer()
	// ... run a recovery phase ...
	timer.ObserveDurationVec(metrics.RecoveryPhaseDuration, "locks")

The health checker aggregates per-component health plus the set of resources
marked unavailable by degraded mode. Degraded resources lower the reported
status to "degraded" without disabling anything globally.
*/
package metrics
