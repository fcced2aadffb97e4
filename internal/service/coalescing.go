package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-sync/internal/models"
)

// requestCoalescer collapses concurrent upstream fetches for the same key
// into one call.
type requestCoalescer struct {
	group   singleflight.Group
	timeout time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{timeout: timeout}
}

// GetOrDo joins the in-flight request for key or starts fn. shared reports
// whether the caller joined a request started by someone else. Waiting is
// bounded by ctx and the coalescer timeout; fn keeps running for the other
// waiters when one of them gives up.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.Record, error)) (rec models.Record, shared bool, err error) {
	// Only the caller whose closure singleflight runs sets ran; the channel
	// receive below orders the write before the read.
	ran := false
	ch := rc.group.DoChan(key, func() (interface{}, error) {
		ran = true
		return fn()
	})

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.EmptyRecord(), !ran, res.Err
		}
		return res.Val.(models.Record), !ran, nil
	case <-waitCtx.Done():
		return models.EmptyRecord(), false, waitCtx.Err()
	}
}
