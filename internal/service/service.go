package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-sync/internal/cache"
	"github.com/kjstillabower/weather-sync/internal/client"
	"github.com/kjstillabower/weather-sync/internal/models"
	"github.com/kjstillabower/weather-sync/internal/observability"
)

const defaultCoalesceTimeout = 10 * time.Second

// ObservationService is the producer's source of the current weather record
// for one configured location: cache-aside over the upstream client, with
// concurrent misses coalesced into a single upstream call.
type ObservationService struct {
	client    client.WeatherClient
	cache     cache.Cache
	location  string
	ttl       time.Duration
	coalescer *requestCoalescer
	logger    *zap.Logger
}

// NewObservationService creates an ObservationService for location. ttl is
// the cache lifetime of a fetched record; coalesceTimeout bounds how long a
// caller waits on a shared upstream fetch (0 uses the default).
func NewObservationService(c client.WeatherClient, ca cache.Cache, location string, ttl, coalesceTimeout time.Duration, logger *zap.Logger) *ObservationService {
	if coalesceTimeout <= 0 {
		coalesceTimeout = defaultCoalesceTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObservationService{
		client:    c,
		cache:     ca,
		location:  normalizeLocation(location),
		ttl:       ttl,
		coalescer: newRequestCoalescer(coalesceTimeout),
		logger:    logger.With(zap.String("component", "observation")),
	}
}

// loggerFromContext extracts a request-scoped zap.Logger from ctx if present.
func loggerFromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return fallback
}

// Location returns the normalized location this service observes.
func (s *ObservationService) Location() string {
	return s.location
}

// Current returns the current record for the configured location. Cache
// errors are non-fatal; upstream errors are returned with an empty record.
func (s *ObservationService) Current(ctx context.Context) (models.Record, error) {
	key := s.location
	start := time.Now()
	logger := loggerFromContext(ctx, s.logger)

	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		logger.Warn("observation cache get failed", zap.String("location", key), zap.Error(err))
	} else if ok {
		observability.ObservationLookupsTotal.WithLabelValues("cache").Inc()
		logger.Debug("observation served", zap.String("location", key), zap.Bool("cached", true))
		return cached, nil
	}

	rec, shared, err := s.coalescer.GetOrDo(ctx, key, func() (models.Record, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.coalescer.timeout)
		defer cancel()
		rec, err := s.client.GetCurrentWeather(fetchCtx, key)
		if err != nil {
			return rec, err
		}
		if err := s.cache.Set(fetchCtx, key, rec, s.ttl); err != nil {
			logger.Warn("observation cache set failed", zap.String("location", key), zap.Error(err))
		}
		return rec, nil
	})
	if err != nil {
		observability.ObservationLookupsTotal.WithLabelValues("error").Inc()
		logger.Warn("observation fetch failed",
			zap.String("location", key),
			zap.String("error_category", string(client.CategorizeError(err))),
			zap.Error(err))
		return models.EmptyRecord(), fmt.Errorf("fetch weather for %s: %w", key, err)
	}
	if shared {
		observability.ObservationLookupsTotal.WithLabelValues("coalesced").Inc()
		return rec, nil
	}

	observability.ObservationLookupsTotal.WithLabelValues("upstream").Inc()
	logger.Debug("observation served",
		zap.String("location", key),
		zap.Bool("cached", false),
		zap.Duration("duration", time.Since(start)),
		zap.Stringer("record", rec))
	return rec, nil
}

// Warm fetches the current record once so the first publish is served from
// cache.
func (s *ObservationService) Warm(ctx context.Context) error {
	start := time.Now()
	if _, err := s.Current(ctx); err != nil {
		return fmt.Errorf("warm observation cache: %w", err)
	}
	s.logger.Info("observation cache warmed", zap.String("location", s.location), zap.Duration("duration", time.Since(start)))
	return nil
}

// normalizeLocation trims whitespace and lowercases location for use as a cache key.
func normalizeLocation(location string) string {
	return strings.ToLower(strings.TrimSpace(location))
}
