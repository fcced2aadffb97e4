package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestInFlightTracker_Count(t *testing.T) {
	var tracker InFlightTracker
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Increment()
		}()
	}
	wg.Wait()
	if got := tracker.Count(); got != 50 {
		t.Fatalf("Count() = %d, want 50", got)
	}
	for i := 0; i < 50; i++ {
		tracker.Decrement()
	}
	if got := tracker.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestInFlightTracker_WaitForZero(t *testing.T) {
	tests := []struct {
		name      string
		pending   int
		releaseIn time.Duration
		timeout   time.Duration
		wantErr   error
	}{
		{"idle returns immediately", 0, 0, time.Millisecond, nil},
		{"drains", 1, 10 * time.Millisecond, time.Second, nil},
		{"deadline", 1, 0, 20 * time.Millisecond, context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tracker InFlightTracker
			for i := 0; i < tt.pending; i++ {
				tracker.Increment()
			}
			if tt.releaseIn > 0 {
				time.AfterFunc(tt.releaseIn, tracker.Decrement)
			}
			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			err := tracker.WaitForZero(ctx, 2*time.Millisecond)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("WaitForZero() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestWaitForInFlight_DrainsSlowRefresh holds a refresh open and verifies the
// shutdown wait returns only after it completes.
func TestWaitForInFlight_DrainsSlowRefresh(t *testing.T) {
	release := make(chan struct{})
	refresher := &blockingRefresher{release: release, started: make(chan struct{})}
	router := NewRouter(NewHandler(&fakeRecords{}, refresher, nil, nil, zap.NewNop()), zap.NewNop(), nil, time.Second)

	served := make(chan int, 1)
	go func() {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/weather/refresh", nil))
		served <- w.Code
	}()
	<-refresher.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	if err := WaitForInFlight(ctx, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForInFlight() with refresh pending error = %v, want DeadlineExceeded", err)
	}
	cancel()

	close(release)
	if code := <-served; code != http.StatusAccepted {
		t.Errorf("refresh status = %d, want 202", code)
	}
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := WaitForInFlight(ctx, time.Millisecond); err != nil {
		t.Errorf("WaitForInFlight() after refresh error = %v", err)
	}
}

type blockingRefresher struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (b *blockingRefresher) Refresh(ctx context.Context) error {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
