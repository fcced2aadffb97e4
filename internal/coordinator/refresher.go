package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-sync/internal/observability"
	"github.com/kjstillabower/weather-sync/internal/store"
	"github.com/kjstillabower/weather-sync/internal/transport"
)

// State is the Refresher's progress through one attempt.
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateRequesting
)

func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StateRequesting:
		return "requesting"
	default:
		return "idle"
	}
}

// Refresher asks a capable peer to publish fresh weather. Attempts are
// fire-and-forget: success means the request was sent, not that data arrived.
type Refresher struct {
	transport      transport.Transport
	store          *store.Store
	connectTimeout time.Duration
	logger         *zap.Logger
	state          atomic.Int32
}

// NewRefresher creates a Refresher. st may be nil when EnsureFresh is not used.
func NewRefresher(t transport.Transport, st *store.Store, connectTimeout time.Duration, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		transport:      t,
		store:          st,
		connectTimeout: connectTimeout,
		logger:         logger.With(zap.String("component", "refresher")),
	}
}

// State reports the phase of the most recent attempt. With concurrent
// attempts it reflects whichever moved last.
func (r *Refresher) State() State {
	return State(r.state.Load())
}

// Refresh discovers a capable endpoint and sends it one refresh request.
// Errors wrap ErrTransport or ErrNoEndpoint. There is no retry.
func (r *Refresher) Refresh(ctx context.Context) error {
	if r.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.connectTimeout)
		defer cancel()
	}
	defer r.state.Store(int32(StateIdle))

	err := transport.WithConnection(ctx, r.transport, r.refresh)
	if err == nil {
		observability.SyncRefreshTotal.WithLabelValues("sent").Inc()
		return nil
	}
	if errors.Is(err, ErrNoEndpoint) {
		observability.SyncRefreshTotal.WithLabelValues("no_endpoint").Inc()
		r.logger.Warn("weather refresh skipped", zap.Error(err))
		return err
	}
	if !errors.Is(err, ErrTransport) {
		err = fmt.Errorf("%w: connect: %w", ErrTransport, err)
	}
	observability.SyncRefreshTotal.WithLabelValues("transport_error").Inc()
	r.logger.Error("weather refresh failed", zap.Error(err))
	return err
}

func (r *Refresher) refresh(ctx context.Context) error {
	r.state.Store(int32(StateDiscovering))
	eps, err := r.transport.Discover(ctx, CapabilityRefresh)
	if err != nil {
		return fmt.Errorf("%w: discover %s: %w", ErrTransport, CapabilityRefresh, err)
	}

	ep, ok := SelectEndpoint(eps)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoEndpoint, CapabilityRefresh)
	}

	r.state.Store(int32(StateRequesting))
	if err := r.transport.SendMessage(ctx, ep.ID, PathRefresh, nil); err != nil {
		return fmt.Errorf("%w: send %s to %s: %w", ErrTransport, PathRefresh, ep.ID, err)
	}
	r.logger.Info("weather refresh requested", zap.String("endpoint", ep.ID), zap.Bool("nearby", ep.Nearby))
	return nil
}

// EnsureFresh requests a refresh when the stored record is missing or
// stale. It reports whether a refresh was attempted.
func (r *Refresher) EnsureFresh(ctx context.Context) (bool, error) {
	rec := r.store.Get(ctx)
	if rec.HasData() && !rec.IsStale() {
		return false, nil
	}
	r.logger.Debug("weather record needs refresh", zap.Bool("has_data", rec.HasData()), zap.Stringer("record", rec))
	return true, r.Refresh(ctx)
}
