package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Hub metrics
	ConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lookout_connections_active",
			Help: "Number of live subscriber connections by transport",
		},
		[]string{"transport"},
	)

	GroupsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lookout_groups_active",
			Help: "Number of applications with at least one live subscriber",
		},
	)

	ConnectionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_connections_rejected_total",
			Help: "Total number of refused connection handshakes by reason",
		},
		[]string{"reason"},
	)

	// Dispatch metrics
	EventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_events_dispatched_total",
			Help: "Total number of persisted events dispatched by level",
		},
		[]string{"level"},
	)

	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_deliveries_total",
			Help: "Total number of per-subscriber deliveries by result",
		},
		[]string{"result"},
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lookout_delivery_duration_seconds",
			Help:    "Time taken to push one event to one subscriber",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Ingestion metrics
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_events_ingested_total",
			Help: "Total number of events persisted by the ingestion path by result",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lookout_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lookout_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// Delivery results
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
	ResultFiltered  = "filtered"
)

func init() {
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(GroupsActive)
	prometheus.MustRegister(ConnectionsRejected)
	prometheus.MustRegister(EventsDispatched)
	prometheus.MustRegister(Deliveries)
	prometheus.MustRegister(DeliveryDuration)
	prometheus.MustRegister(EventsIngested)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
