package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-sync/internal/observability"
)

// NewRouter wires the handler routes and middleware. The refresh and publish
// actions share limiter and requestTimeout; reads are not limited.
func NewRouter(h *Handler, logger *zap.Logger, limiter *rate.Limiter, requestTimeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())
	router.HandleFunc("/weather", h.GetWeather).Methods(http.MethodGet)

	actions := router.PathPrefix("/weather").Methods(http.MethodPost).Subrouter()
	actions.Use(RateLimitMiddleware(limiter))
	if requestTimeout > 0 {
		actions.Use(TimeoutMiddleware(requestTimeout))
	}
	actions.HandleFunc("/refresh", h.PostRefresh)
	actions.HandleFunc("/publish", h.PostPublish)
	return router
}
