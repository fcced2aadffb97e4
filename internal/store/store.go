package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-sync/internal/models"
	"github.com/kjstillabower/weather-sync/internal/observability"
)

// DefaultSlotKey names the slot holding the latest weather payload.
const DefaultSlotKey = "key_preferences_weather"

// Listener is called with the record written by a successful Put.
type Listener func(models.Record)

// Store persists the most recent weather record in a single backend slot
// and notifies listeners when the slot is overwritten.
// Get never fails: anything unreadable is reported as models.EmptyRecord.
type Store struct {
	backend Backend
	key     string
	logger  *zap.Logger

	// mu serializes slot reads and writes.
	mu sync.Mutex

	listenersMu sync.Mutex
	listeners   map[uint64]Listener
	nextID      uint64
}

// New creates a Store over backend. An empty key uses DefaultSlotKey.
func New(backend Backend, key string, logger *zap.Logger) *Store {
	if key == "" {
		key = DefaultSlotKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend:   backend,
		key:       key,
		logger:    logger.With(zap.String("component", "store")),
		listeners: make(map[uint64]Listener),
	}
}

// Put encodes rec and overwrites the slot. On failure the previous value is
// kept and no listener is called. Exactly one notification follows each
// successful write.
func (s *Store) Put(ctx context.Context, rec models.Record) error {
	data, err := rec.Marshal()
	if err != nil {
		observability.StoreWritesTotal.WithLabelValues("encode_error").Inc()
		s.logger.Warn("weather record not stored", zap.Stringer("record", rec), zap.Error(err))
		return fmt.Errorf("store put: %w", err)
	}

	s.mu.Lock()
	err = s.backend.Write(ctx, s.key, data)
	s.mu.Unlock()
	if err != nil {
		observability.StoreWritesTotal.WithLabelValues("write_error").Inc()
		s.logger.Error("weather slot write failed", zap.String("key", s.key), zap.Error(err))
		return fmt.Errorf("store put: write %s: %w", s.key, err)
	}

	observability.StoreWritesTotal.WithLabelValues("success").Inc()
	observability.StoreRecordAgeSeconds.Set(rec.Age(time.Now()).Seconds())
	s.logger.Debug("weather slot updated", zap.Stringer("record", rec), zap.Bool("has_data", rec.HasData()))
	s.notify(rec)
	return nil
}

// PutPayload decodes a payload received from a peer and stores it.
// Undecodable payloads are stored as an empty record, matching what Get
// would report for them.
func (s *Store) PutPayload(ctx context.Context, payload []byte) error {
	rec, err := models.Unmarshal(payload)
	if err != nil {
		s.logger.Warn("undecodable weather payload", zap.Int("bytes", len(payload)), zap.Error(err))
	}
	return s.Put(ctx, rec)
}

// Get returns the stored record, or an empty record if the slot is absent,
// unreadable or undecodable.
func (s *Store) Get(ctx context.Context) models.Record {
	s.mu.Lock()
	data, ok, err := s.backend.Read(ctx, s.key)
	s.mu.Unlock()

	switch {
	case err != nil:
		observability.StoreReadsTotal.WithLabelValues("read_error").Inc()
		s.logger.Warn("weather slot read failed", zap.String("key", s.key), zap.Error(err))
		return models.EmptyRecord()
	case !ok:
		observability.StoreReadsTotal.WithLabelValues("miss").Inc()
		return models.EmptyRecord()
	}

	rec, err := models.Unmarshal(data)
	if err != nil {
		observability.StoreReadsTotal.WithLabelValues("decode_error").Inc()
		s.logger.Warn("weather slot holds undecodable payload", zap.String("key", s.key), zap.Error(err))
		return models.EmptyRecord()
	}
	observability.StoreReadsTotal.WithLabelValues("hit").Inc()
	return rec
}

// OnChange registers fn for every successful Put. The returned func
// unregisters it. Listeners run on the writer's goroutine after the write.
func (s *Store) OnChange(fn Listener) (cancel func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// Subscribe returns a channel fed by OnChange. When the channel is full the
// oldest pending record is dropped. Sequential Puts arrive in write order;
// concurrent Puts may be delivered out of order, so use Get for the current
// value. The channel is never closed; stop reading after calling cancel.
func (s *Store) Subscribe(buffer int) (<-chan models.Record, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan models.Record, buffer)
	cancel := s.OnChange(func(rec models.Record) {
		for {
			select {
			case ch <- rec:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	})
	return ch, cancel
}

func (s *Store) notify(rec models.Record) {
	s.listenersMu.Lock()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(rec)
	}
}
