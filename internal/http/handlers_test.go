package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-sync/internal/coordinator"
	"github.com/kjstillabower/weather-sync/internal/lifecycle"
	"github.com/kjstillabower/weather-sync/internal/models"
	"github.com/kjstillabower/weather-sync/internal/store"
	"github.com/kjstillabower/weather-sync/internal/transport"
)

type fakeRecords struct {
	rec models.Record
}

func (f *fakeRecords) Get(context.Context) models.Record { return f.rec }

type fakeRefresher struct {
	err         error
	calls       int
	hadDeadline bool
}

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	f.calls++
	_, f.hadDeadline = ctx.Deadline()
	return f.err
}

type fakePublisher struct {
	err      error
	triggers []string
}

func (f *fakePublisher) Publish(_ context.Context, trigger string) error {
	f.triggers = append(f.triggers, trigger)
	return f.err
}

// running sets the process phase to running for the duration of the test.
func running(t *testing.T) {
	t.Helper()
	lifecycle.SetPhase(lifecycle.PhaseRunning)
	t.Cleanup(func() { lifecycle.SetPhase(lifecycle.PhaseStarting) })
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func decodeWeather(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

// TestHandler_GetWeather_Fresh verifies the JSON view of a fresh record.
func TestHandler_GetWeather_Fresh(t *testing.T) {
	rec := models.Record{
		ConditionID: 800, HighTemperature: 25, LowTemperature: 15,
		ResourceName: "clear", ObservedAt: time.Now().Add(-10 * time.Minute),
	}
	handler := NewHandler(&fakeRecords{rec: rec}, nil, nil, nil, zap.NewNop())

	req := httptest.NewRequest("GET", "/weather", nil)
	w := httptest.NewRecorder()
	handler.GetWeather(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	body := decodeWeather(t, w)
	if body["conditionId"] != float64(800) || body["resourceName"] != "clear" {
		t.Errorf("body = %v", body)
	}
	if body["highTemperature"] != float64(25) || body["lowTemperature"] != float64(15) {
		t.Errorf("temperatures = %v/%v, want 25/15", body["highTemperature"], body["lowTemperature"])
	}
	if body["hasData"] != true || body["stale"] != false {
		t.Errorf("hasData=%v stale=%v, want true/false", body["hasData"], body["stale"])
	}
	if age, _ := body["ageSeconds"].(float64); age < 599 || age > 660 {
		t.Errorf("ageSeconds = %v, want about 600", body["ageSeconds"])
	}
}

// TestHandler_GetWeather_EmptyAndStale covers records the watch must not
// display as current weather.
func TestHandler_GetWeather_EmptyAndStale(t *testing.T) {
	tests := []struct {
		name        string
		rec         models.Record
		wantHasData bool
		wantStale   bool
		wantNullHi  bool
	}{
		{
			name:        "empty",
			rec:         models.EmptyRecord(),
			wantHasData: false,
			wantStale:   false,
			wantNullHi:  true,
		},
		{
			name: "stale",
			rec: models.Record{
				ConditionID: 500, HighTemperature: 12, LowTemperature: 8,
				ResourceName: "rain", ObservedAt: time.Now().Add(-4 * time.Hour),
			},
			wantHasData: true,
			wantStale:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(&fakeRecords{rec: tt.rec}, nil, nil, nil, zap.NewNop())
			w := httptest.NewRecorder()
			handler.GetWeather(w, httptest.NewRequest("GET", "/weather", nil))

			body := decodeWeather(t, w)
			if body["hasData"] != tt.wantHasData {
				t.Errorf("hasData = %v, want %v", body["hasData"], tt.wantHasData)
			}
			if body["stale"] != tt.wantStale {
				t.Errorf("stale = %v, want %v", body["stale"], tt.wantStale)
			}
			if got := body["highTemperature"] == nil; got != tt.wantNullHi {
				t.Errorf("highTemperature = %v, want null %v", body["highTemperature"], tt.wantNullHi)
			}
		})
	}
}

func TestHandler_RoleMismatch_NotFound(t *testing.T) {
	handler := NewHandler(nil, nil, nil, nil, zap.NewNop())
	tests := []struct {
		name   string
		serve  http.HandlerFunc
		method string
		path   string
		code   string
	}{
		{"weather on producer", handler.GetWeather, "GET", "/weather", "NOT_CONSUMER"},
		{"refresh on producer", handler.PostRefresh, "POST", "/weather/refresh", "NOT_CONSUMER"},
		{"publish on consumer", handler.PostPublish, "POST", "/weather/publish", "NOT_PRODUCER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.serve(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != http.StatusNotFound {
				t.Fatalf("status = %d, want 404", w.Code)
			}
			var body errorBody
			_ = json.NewDecoder(w.Body).Decode(&body)
			if body.Error.Code != tt.code {
				t.Errorf("error.code = %q, want %q", body.Error.Code, tt.code)
			}
		})
	}
}

func TestHandler_PostRefresh(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"sent", nil, http.StatusAccepted, ""},
		{"no endpoint", fmt.Errorf("%w: weather_refresh", coordinator.ErrNoEndpoint), http.StatusServiceUnavailable, "NO_ENDPOINT"},
		{"transport", fmt.Errorf("%w: send: %w", coordinator.ErrTransport, transport.ErrUnreachable), http.StatusServiceUnavailable, "TRANSPORT_UNAVAILABLE"},
		{"other", errors.New("boom"), http.StatusServiceUnavailable, "UNAVAILABLE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refresher := &fakeRefresher{err: tt.err}
			handler := NewHandler(&fakeRecords{}, refresher, nil, nil, zap.NewNop())

			w := httptest.NewRecorder()
			handler.PostRefresh(w, httptest.NewRequest("POST", "/weather/refresh", nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if refresher.calls != 1 {
				t.Errorf("Refresh calls = %d, want 1", refresher.calls)
			}
			if tt.wantCode == "" {
				return
			}
			var body errorBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if body.Error.Code != tt.wantCode {
				t.Errorf("error.code = %q, want %q", body.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestHandler_PostPublish(t *testing.T) {
	publisher := &fakePublisher{}
	handler := NewHandler(nil, nil, publisher, nil, zap.NewNop())

	w := httptest.NewRecorder()
	handler.PostPublish(w, httptest.NewRequest("POST", "/weather/publish", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(publisher.triggers) != 1 || publisher.triggers[0] != coordinator.TriggerManual {
		t.Errorf("triggers = %v, want [manual]", publisher.triggers)
	}

	publisher.err = fmt.Errorf("%w: publish: offline", coordinator.ErrTransport)
	w = httptest.NewRecorder()
	handler.PostPublish(w, httptest.NewRequest("POST", "/weather/publish", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestHandler_GetHealth(t *testing.T) {
	fresh := models.NewRecord(800, 25, 15, "clear")
	pingErr := errors.New("connection refused")
	tests := []struct {
		name        string
		phase       lifecycle.Phase
		rec         models.Record
		ping        func() error
		wantStatus  int
		wantState   string
		wantWeather string
		wantStore   string
	}{
		{"starting", lifecycle.PhaseStarting, fresh, nil, http.StatusServiceUnavailable, "starting", "fresh", ""},
		{"shutting down", lifecycle.PhaseDraining, fresh, nil, http.StatusServiceUnavailable, "shutting-down", "fresh", ""},
		{"healthy", lifecycle.PhaseRunning, fresh, func() error { return nil }, http.StatusOK, "healthy", "fresh", "healthy"},
		{"empty record still healthy", lifecycle.PhaseRunning, models.EmptyRecord(), nil, http.StatusOK, "healthy", "empty", ""},
		{"store unreachable", lifecycle.PhaseRunning, fresh, func() error { return pingErr }, http.StatusServiceUnavailable, "degraded", "fresh", "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lifecycle.SetPhase(tt.phase)
			defer lifecycle.SetPhase(lifecycle.PhaseStarting)

			cfg := &HealthConfig{Role: "consumer", NodeID: "watch", StartTime: time.Now(), StorePing: tt.ping}
			handler := NewHandler(&fakeRecords{rec: tt.rec}, nil, nil, cfg, zap.NewNop())

			w := httptest.NewRecorder()
			handler.GetHealth(w, httptest.NewRequest("GET", "/health", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body struct {
				Status string            `json:"status"`
				Role   string            `json:"role"`
				NodeID string            `json:"nodeId"`
				Checks map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode health: %v", err)
			}
			if body.Status != tt.wantState {
				t.Errorf("status = %q, want %q", body.Status, tt.wantState)
			}
			if body.Role != "consumer" || body.NodeID != "watch" {
				t.Errorf("role/nodeId = %q/%q", body.Role, body.NodeID)
			}
			if body.Checks["weather"] != tt.wantWeather {
				t.Errorf("checks.weather = %q, want %q", body.Checks["weather"], tt.wantWeather)
			}
			if body.Checks["store"] != tt.wantStore {
				t.Errorf("checks.store = %q, want %q", body.Checks["store"], tt.wantStore)
			}
		})
	}
}

// TestHandler_GetHealth_LogsTransition verifies one log line per status change.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	running(t)
	core, logs := observer.New(zap.DebugLevel)
	var pingErr error
	cfg := &HealthConfig{StorePing: func() error { return pingErr }}
	handler := NewHandler(nil, nil, &fakePublisher{}, cfg, zap.New(core))
	req := httptest.NewRequest("GET", "/health", nil)

	handler.GetHealth(httptest.NewRecorder(), req)
	if logs.Len() != 0 {
		t.Fatalf("first call logged %d entries, want 0", logs.Len())
	}

	pingErr = errors.New("down")
	handler.GetHealth(httptest.NewRecorder(), req)
	handler.GetHealth(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "store_unreachable" {
		t.Errorf("transition fields = %v", fields)
	}
}

// TestRouter_RefreshEndToEnd taps refresh on a watch node and reads back the
// record the phone published in response.
func TestRouter_RefreshEndToEnd(t *testing.T) {
	running(t)
	ctx := context.Background()
	logger := zap.NewNop()

	hub := transport.NewHub()
	phone := hub.Join("phone", "Phone", true)
	watch := hub.Join("watch", "Watch", true)

	want := models.NewRecord(800, 25, 15, "clear")
	server := coordinator.NewServer(phone, coordinator.SourceFunc(func(context.Context) (models.Record, error) {
		return want, nil
	}), logger)
	if err := server.Start(ctx); err != nil {
		t.Fatalf("server Start() error = %v", err)
	}
	defer server.Stop()

	st := store.New(store.NewMemoryBackend(), "", logger)
	receiver := coordinator.NewReceiver(watch, st, logger)
	if err := receiver.Start(ctx); err != nil {
		t.Fatalf("receiver Start() error = %v", err)
	}
	defer receiver.Stop()
	refresher := coordinator.NewRefresher(watch, st, time.Second, logger)

	router := NewRouter(NewHandler(st, refresher, nil, nil, logger), logger, nil, time.Second)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/weather", nil))
	if body := decodeWeather(t, w); body["hasData"] != false {
		t.Fatalf("before refresh hasData = %v, want false", body["hasData"])
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/weather/refresh", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("refresh status = %d, want 202", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/weather", nil))
	body := decodeWeather(t, w)
	if body["hasData"] != true || body["resourceName"] != "clear" || body["conditionId"] != float64(800) {
		t.Errorf("after refresh body = %v", body)
	}
}

func TestRouter_RefreshWithoutProducer(t *testing.T) {
	running(t)
	logger := zap.NewNop()
	watch := transport.NewHub().Join("watch", "Watch", true)
	st := store.New(store.NewMemoryBackend(), "", logger)
	router := NewRouter(NewHandler(st, coordinator.NewRefresher(watch, st, time.Second, logger), nil, nil, logger), logger, nil, time.Second)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/weather/refresh", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var body errorBody
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Error.Code != "NO_ENDPOINT" {
		t.Errorf("error.code = %q, want NO_ENDPOINT", body.Error.Code)
	}
	if body.Error.RequestID == "" || body.Error.RequestID != w.Header().Get("X-Correlation-ID") {
		t.Errorf("requestId = %q, want correlation id %q", body.Error.RequestID, w.Header().Get("X-Correlation-ID"))
	}
}
