package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-sync/internal/cache"
	"github.com/kjstillabower/weather-sync/internal/client"
	"github.com/kjstillabower/weather-sync/internal/config"
	"github.com/kjstillabower/weather-sync/internal/coordinator"
	httphandler "github.com/kjstillabower/weather-sync/internal/http"
	"github.com/kjstillabower/weather-sync/internal/lifecycle"
	"github.com/kjstillabower/weather-sync/internal/models"
	"github.com/kjstillabower/weather-sync/internal/observability"
	"github.com/kjstillabower/weather-sync/internal/scheduler"
	"github.com/kjstillabower/weather-sync/internal/service"
	"github.com/kjstillabower/weather-sync/internal/store"
	"github.com/kjstillabower/weather-sync/internal/transport"
)

func main() {
	lifecycle.SetPhase(lifecycle.PhaseStarting)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.NodeID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("node starting", zap.String("role", cfg.Role), zap.String("transport", cfg.TransportBackend), zap.String("store", cfg.StoreBackend))

	producerT, consumerT, err := newTransports(cfg, logger)
	if err != nil {
		logger.Fatal("transport", zap.Error(err))
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 2*cfg.SyncConnectTimeout)
	defer startCancel()

	sched := scheduler.New(cfg.SyncConnectTimeout+cfg.WeatherAPITimeout, logger)
	healthConfig := &httphandler.HealthConfig{
		Role:      cfg.Role,
		NodeID:    cfg.NodeID,
		StartTime: time.Now(),
	}
	var closers []observability.Closer

	var server *coordinator.Server
	if cfg.RunsProducer() {
		weatherClient, err := client.NewOpenWeatherClientWithRetry(
			cfg.WeatherAPIKey,
			cfg.WeatherAPIURL,
			cfg.WeatherAPITimeout,
			cfg.RetryAttempts,
			cfg.RetryBaseDelay,
			cfg.RetryMaxDelay,
		)
		if err != nil {
			logger.Fatal("weather client", zap.Error(err))
		}
		weatherClient.SetBreaker(cfg.BreakerFailures, cfg.BreakerCooldown)
		logger.Info("circuit breaker enabled", zap.Uint32("failures", cfg.BreakerFailures), zap.Duration("cooldown", cfg.BreakerCooldown))

		observations := service.NewObservationService(weatherClient, cache.NewInMemoryCache(), cfg.WeatherLocation, cfg.CacheTTL, cfg.CoalesceTimeout, logger)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		if err := observations.Warm(warmCtx); err != nil {
			logger.Warn("initial weather fetch failed", zap.String("location", observations.Location()), zap.Error(err))
		}
		warmCancel()

		server = coordinator.NewServer(producerT, observations, logger)
		if err := server.Start(startCtx); err != nil {
			logger.Fatal("weather server", zap.Error(err))
		}
		if err := sched.Add("publish-weather", cfg.PublishInterval, func(ctx context.Context) error {
			return server.Publish(ctx, coordinator.TriggerSchedule)
		}); err != nil {
			logger.Fatal("schedule publish", zap.Error(err))
		}
	}

	var (
		st        *store.Store
		receiver  *coordinator.Receiver
		refresher *coordinator.Refresher
	)
	if cfg.RunsConsumer() {
		backend, closer, ping, err := newBackend(cfg)
		if err != nil {
			logger.Fatal("store backend", zap.Error(err))
		}
		if closer != nil {
			closers = append(closers, observability.Closer{Name: cfg.StoreBackend, Closer: closer})
		}
		healthConfig.StorePing = ping

		st = store.New(backend, cfg.StoreSlotKey, logger)
		st.OnChange(func(rec models.Record) {
			logger.Info("weather updated", zap.Stringer("record", rec), zap.Bool("has_data", rec.HasData()))
		})

		receiver = coordinator.NewReceiver(consumerT, st, logger)
		if err := receiver.Start(startCtx); err != nil {
			logger.Fatal("weather receiver", zap.Error(err))
		}
		refresher = coordinator.NewRefresher(consumerT, st, cfg.SyncConnectTimeout, logger)
		if attempted, err := refresher.EnsureFresh(startCtx); attempted && err != nil {
			logger.Warn("startup refresh failed", zap.Error(err))
		}
		if err := sched.Add("check-weather", cfg.CheckInterval, func(ctx context.Context) error {
			_, err := refresher.EnsureFresh(ctx)
			return err
		}); err != nil {
			logger.Fatal("schedule check", zap.Error(err))
		}
	}
	startCancel()
	sched.Start()

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(recordReader(st), refresherOrNil(refresher), publisherOrNil(server), healthConfig, logger)
	router := httphandler.NewRouter(handler, logger, limiter, cfg.RequestTimeout)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	lifecycle.SetPhase(lifecycle.PhaseRunning)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	sched.Stop()
	if receiver != nil {
		receiver.Stop()
	}
	if server != nil {
		server.Stop()
	}

	logger.Info("shutdown complete")
	if err := observability.Shutdown(logger, closers...); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
}

// newTransports returns the producer and consumer transports. A node running
// both roles gets two endpoints, since a node never discovers itself or
// receives its own data items.
func newTransports(cfg *config.Config, logger *zap.Logger) (producer, consumer transport.Transport, err error) {
	producerID, consumerID := cfg.NodeID, cfg.NodeID
	if cfg.Role == config.RoleBoth {
		producerID, consumerID = cfg.NodeID+"-producer", cfg.NodeID+"-consumer"
	}

	if cfg.TransportBackend == "memory" {
		hub := transport.NewHub()
		return hub.Join(producerID, cfg.NodeName+" (producer)", cfg.NodeNearby),
			hub.Join(consumerID, cfg.NodeName+" (consumer)", cfg.NodeNearby), nil
	}

	mqttConfig := func(id string) transport.MQTTConfig {
		return transport.MQTTConfig{
			Broker:          cfg.MQTTBroker,
			NodeID:          id,
			DisplayName:     cfg.NodeName,
			Nearby:          cfg.NodeNearby,
			Username:        cfg.MQTTUsername,
			Password:        cfg.MQTTPassword,
			TopicPrefix:     cfg.MQTTTopicPrefix,
			QoS:             byte(cfg.MQTTQoS),
			ConnectTimeout:  cfg.SyncConnectTimeout,
			DiscoveryWindow: cfg.MQTTDiscoveryWindow,
		}
	}
	if cfg.RunsProducer() {
		if producer, err = transport.NewMQTTTransport(mqttConfig(producerID), logger); err != nil {
			return nil, nil, err
		}
	}
	if cfg.RunsConsumer() {
		if consumer, err = transport.NewMQTTTransport(mqttConfig(consumerID), logger); err != nil {
			return nil, nil, err
		}
	}
	return producer, consumer, nil
}

// newBackend opens the slot backend. closer and ping are nil for local backends.
func newBackend(cfg *config.Config) (store.Backend, io.Closer, func() error, error) {
	switch cfg.StoreBackend {
	case "file":
		b, err := store.NewFileBackend(cfg.StoreFileDir)
		return b, nil, nil, err
	case "memcached":
		b, err := store.NewMemcachedBackend(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, nil, err
		}
		return b, b, b.Ping, nil
	case "redis":
		b := store.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		return b, b, b.Ping, nil
	default:
		return store.NewMemoryBackend(), nil, nil, nil
	}
}

// The helpers below keep typed nil pointers out of the handler's interfaces.

func recordReader(st *store.Store) httphandler.RecordReader {
	if st == nil {
		return nil
	}
	return st
}

func refresherOrNil(r *coordinator.Refresher) httphandler.Refresher {
	if r == nil {
		return nil
	}
	return r
}

func publisherOrNil(s *coordinator.Server) httphandler.Publisher {
	if s == nil {
		return nil
	}
	return s
}
