package observability

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Closer pairs a resource name with its Close, for ordered shutdown.
type Closer struct {
	Name string
	io.Closer
}

// Shutdown closes resources in order, logging each failure, then flushes the logger.
// Returns the joined errors.
func Shutdown(logger *zap.Logger, closers ...Closer) error {
	var errs []error
	for _, c := range closers {
		if c.Closer == nil {
			continue
		}
		if err := c.Close(); err != nil {
			if logger != nil {
				logger.Error("close failed", zap.String("resource", c.Name), zap.Error(err))
			}
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name, err))
		}
	}
	if logger != nil {
		// Sync on stderr fails on some platforms; not worth reporting.
		_ = logger.Sync()
	}
	return errors.Join(errs...)
}
