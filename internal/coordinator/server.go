package coordinator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-sync/internal/models"
	"github.com/kjstillabower/weather-sync/internal/observability"
	"github.com/kjstillabower/weather-sync/internal/transport"
)

// Publish triggers, used as metric labels.
const (
	TriggerRequest  = "request"
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Server answers refresh requests by publishing the current record.
type Server struct {
	transport transport.Transport
	source    Source
	logger    *zap.Logger

	mu      sync.Mutex
	release func()
	cancel  func()
}

func NewServer(t transport.Transport, src Source, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		transport: t,
		source:    src,
		logger:    logger.With(zap.String("component", "server")),
	}
}

// Start registers the refresh handler, connects and advertises the refresh
// capability. Calling Start twice is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.release != nil {
		return nil
	}

	cancel := s.transport.OnMessage(PathRefresh, s.handleRefresh)
	release, err := s.transport.Acquire(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: server connect: %w", ErrTransport, err)
	}
	if err := s.transport.Advertise(ctx, CapabilityRefresh); err != nil {
		cancel()
		release()
		return fmt.Errorf("%w: advertise %s: %w", ErrTransport, CapabilityRefresh, err)
	}
	s.cancel, s.release = cancel, release
	s.logger.Info("serving weather refresh requests", zap.String("node_id", s.transport.NodeID()))
	return nil
}

// Stop unregisters the handler and releases the connection.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.release == nil {
		return
	}
	s.cancel()
	s.release()
	s.cancel, s.release = nil, nil
}

func (s *Server) handleRefresh(ctx context.Context, from string, _ []byte) {
	s.logger.Info("weather refresh request received", zap.String("from", from))
	_ = s.Publish(ctx, TriggerRequest)
}

// Publish sends the source's current record to every consumer. When the
// source fails nothing is published, so consumers keep their last record.
// A record that cannot be encoded is replaced by the empty record.
func (s *Server) Publish(ctx context.Context, trigger string) error {
	rec, err := s.source.Current(ctx)
	if err != nil {
		observability.SyncPublishTotal.WithLabelValues(trigger, "source_error").Inc()
		s.logger.Warn("weather not published", zap.String("trigger", trigger), zap.Error(err))
		return fmt.Errorf("publish: current weather: %w", err)
	}

	data, err := rec.Marshal()
	if err != nil {
		s.logger.Warn("publishing empty weather record", zap.Stringer("record", rec), zap.Error(err))
		data, _ = models.EmptyRecord().Marshal()
	}

	err = transport.WithConnection(ctx, s.transport, func(ctx context.Context) error {
		return s.transport.PublishDataItem(ctx, PathWeather, data)
	})
	if err != nil {
		observability.SyncPublishTotal.WithLabelValues(trigger, "transport_error").Inc()
		s.logger.Error("weather publish failed", zap.String("trigger", trigger), zap.Error(err))
		return fmt.Errorf("%w: publish %s: %w", ErrTransport, PathWeather, err)
	}

	observability.SyncPublishTotal.WithLabelValues(trigger, "success").Inc()
	s.logger.Info("weather published", zap.String("trigger", trigger), zap.Stringer("record", rec))
	return nil
}
