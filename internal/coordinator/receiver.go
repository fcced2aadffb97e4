package coordinator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-sync/internal/observability"
	"github.com/kjstillabower/weather-sync/internal/store"
	"github.com/kjstillabower/weather-sync/internal/transport"
)

// Receiver stores every weather data item published by a peer.
type Receiver struct {
	transport transport.Transport
	store     *store.Store
	logger    *zap.Logger

	mu      sync.Mutex
	release func()
	cancel  func()
}

func NewReceiver(t transport.Transport, st *store.Store, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		transport: t,
		store:     st,
		logger:    logger.With(zap.String("component", "receiver")),
	}
}

// Start subscribes to weather data items and holds a connection open so
// they are delivered. Calling Start twice is a no-op.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.release != nil {
		return nil
	}

	cancel := r.transport.OnDataItemChanged(PathWeather, r.handle)
	release, err := r.transport.Acquire(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: receiver connect: %w", ErrTransport, err)
	}
	r.cancel, r.release = cancel, release
	r.logger.Info("receiving weather data items", zap.String("path", PathWeather))
	return nil
}

// Stop unsubscribes and releases the connection.
func (r *Receiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.release == nil {
		return
	}
	r.cancel()
	r.release()
	r.cancel, r.release = nil, nil
}

func (r *Receiver) handle(ctx context.Context, payload []byte) {
	if err := r.store.PutPayload(ctx, payload); err != nil {
		observability.SyncReceivedTotal.WithLabelValues("store_error").Inc()
		r.logger.Error("weather data item not stored", zap.Error(err))
		return
	}
	observability.SyncReceivedTotal.WithLabelValues("stored").Inc()
}
