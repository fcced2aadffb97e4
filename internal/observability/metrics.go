package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate on the local API.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Rate limit denials on the refresh endpoint. Watch for: a stuck tap loop on the watch side.
	RateLimitDeniedTotal prometheus.Counter

	// OpenWeatherMap API call rate. Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency per request. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for weather API. Watch for: high retries = unstable upstream.
	WeatherAPIRetriesTotal prometheus.Counter

	// Upstream circuit breaker state (0 closed, 1 half-open, 2 open).
	WeatherAPICircuitState prometheus.Gauge

	// Producer observation lookups by source (cache, upstream, coalesced, error).
	ObservationLookupsTotal *prometheus.CounterVec

	// Consumer refresh attempts by result. Watch for: no_endpoint = phone not paired/reachable.
	SyncRefreshTotal *prometheus.CounterVec

	// Producer data-item publishes by trigger and result.
	SyncPublishTotal *prometheus.CounterVec

	// Consumer data items received by result.
	SyncReceivedTotal *prometheus.CounterVec

	// Slot writes by result (success, encode_error, write_error).
	StoreWritesTotal *prometheus.CounterVec

	// Slot reads by result (hit, miss, read_error, decode_error).
	StoreReadsTotal *prometheus.CounterVec

	// Age of the record at the last successful write. Watch for: > 3h means the watch shows no weather.
	StoreRecordAgeSeconds prometheus.Gauge
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
	)
	WeatherAPICircuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weatherApiCircuitState",
			Help: "Weather API circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
	)
	ObservationLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observationLookupsTotal",
			Help: "Producer observation lookups by source",
		},
		[]string{"source"},
	)
	SyncRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncRefreshTotal",
			Help: "Consumer refresh requests by result",
		},
		[]string{"result"},
	)
	SyncPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncPublishTotal",
			Help: "Producer weather data item publishes by trigger and result",
		},
		[]string{"trigger", "result"},
	)
	SyncReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncReceivedTotal",
			Help: "Consumer weather data items received by result",
		},
		[]string{"result"},
	)
	StoreWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeWritesTotal",
			Help: "Weather slot writes by result",
		},
		[]string{"result"},
	)
	StoreReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeReadsTotal",
			Help: "Weather slot reads by result",
		},
		[]string{"result"},
	)
	StoreRecordAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storeRecordAgeSeconds",
			Help: "Age of the weather record at its last successful write",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight, RateLimitDeniedTotal,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal, WeatherAPICircuitState,
		ObservationLookupsTotal,
		SyncRefreshTotal, SyncPublishTotal, SyncReceivedTotal,
		StoreWritesTotal, StoreReadsTotal, StoreRecordAgeSeconds,
	)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
