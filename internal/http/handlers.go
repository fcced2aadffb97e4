package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-sync/internal/coordinator"
	"github.com/kjstillabower/weather-sync/internal/lifecycle"
	"github.com/kjstillabower/weather-sync/internal/models"
)

// RecordReader returns the record currently held in the weather slot.
type RecordReader interface {
	Get(ctx context.Context) models.Record
}

// Refresher asks a producer for new weather.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Publisher pushes the producer's current weather to consumers.
type Publisher interface {
	Publish(ctx context.Context, trigger string) error
}

// HealthConfig holds the node identity and backend checks reported by /health.
type HealthConfig struct {
	Role      string
	NodeID    string
	StartTime time.Time
	// StorePing, when set, is called to check slot backend reachability.
	// Used when the backend is memcached or redis.
	StorePing func() error
}

// Handler holds dependencies for HTTP handlers. Consumer-side fields are nil
// on a producer-only node and vice versa.
type Handler struct {
	records          RecordReader
	refresher        Refresher
	publisher        Publisher
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	records RecordReader,
	refresher Refresher,
	publisher Publisher,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		records:      records,
		refresher:    refresher,
		publisher:    publisher,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// weatherResponse is the JSON view of the stored record. Temperatures are
// null when unset.
type weatherResponse struct {
	ConditionID     int      `json:"conditionId"`
	HighTemperature *float64 `json:"highTemperature"`
	LowTemperature  *float64 `json:"lowTemperature"`
	ResourceName    string   `json:"resourceName"`
	ObservedAt      string   `json:"observedAt,omitempty"`
	HasData         bool     `json:"hasData"`
	Stale           bool     `json:"stale"`
	AgeSeconds      int64    `json:"ageSeconds"`
}

func newWeatherResponse(rec models.Record, now time.Time) weatherResponse {
	resp := weatherResponse{
		ConditionID:  rec.ConditionID,
		ResourceName: rec.ResourceName,
		HasData:      rec.HasData(),
		Stale:        rec.IsStaleAt(now),
		AgeSeconds:   int64(rec.Age(now).Seconds()),
	}
	if rec.HighTemperature != models.UnsetTemperature {
		v := rec.HighTemperature
		resp.HighTemperature = &v
	}
	if rec.LowTemperature != models.UnsetTemperature {
		v := rec.LowTemperature
		resp.LowTemperature = &v
	}
	if !rec.ObservedAt.IsZero() {
		resp.ObservedAt = rec.ObservedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// GetWeather handles GET /weather.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		writeError(w, r, http.StatusNotFound, "NOT_CONSUMER", "this node does not store weather")
		return
	}
	rec := h.records.Get(r.Context())
	writeJSON(w, http.StatusOK, newWeatherResponse(rec, time.Now()))
}

// PostRefresh handles POST /weather/refresh: the tap-to-refresh action.
func (h *Handler) PostRefresh(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		writeError(w, r, http.StatusNotFound, "NOT_CONSUMER", "this node does not request weather")
		return
	}
	if err := h.refresher.Refresh(r.Context()); err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

// PostPublish handles POST /weather/publish.
func (h *Handler) PostPublish(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		writeError(w, r, http.StatusNotFound, "NOT_PRODUCER", "this node does not publish weather")
		return
	}
	if err := h.publisher.Publish(r.Context(), coordinator.TriggerManual); err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "weather-sync",
		"version":   "dev",
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.healthConfig != nil {
		resp["role"] = h.healthConfig.Role
		resp["nodeId"] = h.healthConfig.NodeID
		if !h.healthConfig.StartTime.IsZero() {
			resp["uptimeSeconds"] = int64(time.Since(h.healthConfig.StartTime).Seconds())
		}
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates, in order: shutting-down, starting, store
// backend reachability. Record freshness is reported in checks but never
// fails the node, since a watch with stale weather is still serving.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := make(map[string]string)
	if h.records != nil {
		rec := h.records.Get(ctx)
		switch {
		case !rec.HasData():
			checks["weather"] = "empty"
		case rec.IsStale():
			checks["weather"] = "stale"
		default:
			checks["weather"] = "fresh"
		}
	}

	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}
	if !lifecycle.IsReady() {
		return healthResult{"starting", http.StatusServiceUnavailable, "startup", checks}
	}
	if h.healthConfig != nil && h.healthConfig.StorePing != nil {
		if err := h.healthConfig.StorePing(); err != nil {
			checks["store"] = "unhealthy"
			return healthResult{"degraded", http.StatusServiceUnavailable, "store_unreachable", checks}
		}
		checks["store"] = "healthy"
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		corrID = v
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeSyncError maps coordinator failures to 503 responses.
func writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNoEndpoint):
		writeError(w, r, http.StatusServiceUnavailable, "NO_ENDPOINT", "No device can refresh weather")
	case errors.Is(err, coordinator.ErrTransport):
		writeError(w, r, http.StatusServiceUnavailable, "TRANSPORT_UNAVAILABLE", "Unable to reach paired device")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Request timed out")
	default:
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "Weather sync failed")
	}
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("sync error", zap.Error(err))
	}
}
