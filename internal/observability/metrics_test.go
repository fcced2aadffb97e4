package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies that label dimensions match usage across the
// client, service, store, coordinator and http packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/weather", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("POST", "/weather/refresh").Observe(0.01)
	WeatherAPICallsTotal.WithLabelValues("success").Inc()
	WeatherAPIDuration.WithLabelValues("success").Observe(0.1)
	ObservationLookupsTotal.WithLabelValues("cache").Inc()
	SyncRefreshTotal.WithLabelValues("sent").Inc()
	SyncPublishTotal.WithLabelValues("request", "success").Inc()
	SyncReceivedTotal.WithLabelValues("stored").Inc()
	StoreWritesTotal.WithLabelValues("success").Inc()
	StoreReadsTotal.WithLabelValues("miss").Inc()
	StoreRecordAgeSeconds.Set(12)
	WeatherAPICircuitState.Set(0)
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	SyncRefreshTotal.WithLabelValues("sent").Inc()

	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "syncRefreshTotal") {
		t.Error("MetricsHandler response should contain syncRefreshTotal")
	}
}
