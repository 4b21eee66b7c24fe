/*
Package metrics provides Prometheus instrumentation and health reporting for
the lookout server.

All collectors are registered with the default Prometheus registry at package
init and exposed through Handler, which the API router mounts at /metrics.

# Metrics

Connection state:

	lookout_connections_active{transport}         gauge, refreshed by Collector
	lookout_groups_active                         gauge, refreshed by Collector
	lookout_connections_rejected_total{reason}

Event flow:

	lookout_events_ingested_total{result}         stored, rejected, failed
	lookout_events_dispatched_total{level}
	lookout_deliveries_total{result}              delivered, failed, dropped, filtered
	lookout_delivery_duration_seconds

HTTP API:

	lookout_api_requests_total{method,status}
	lookout_api_request_duration_seconds{method}

# Collector

Gauges derived from hub state are sampled rather than updated inline. A
Collector polls a StatsSource (the hub) on an interval:

	collector := metrics.NewCollector(h, 15*time.Second)
	collector.Start()
	defer collector.Stop()

# Health

HealthChecker aggregates named component states into the payloads served on
/health, /ready and /live. Components listed as critical at construction make
the readiness probe fail when they report unhealthy; other components only
degrade the overall status.

	checker := metrics.NewHealthChecker(version, "storage", "hub")
	checker.Update("storage", true, "")
	http.HandleFunc("/ready", checker.ReadyHandler())

Timer is a small helper for observing durations into histograms.
*/
package metrics
