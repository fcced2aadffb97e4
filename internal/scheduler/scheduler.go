package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Job is one periodic unit of work. Each run gets its own bounded context.
type Job func(ctx context.Context) error

// Scheduler runs named jobs at fixed intervals. A job never overlaps with
// its own previous run.
type Scheduler struct {
	scheduler  *gocron.Scheduler
	jobTimeout time.Duration
	logger     *zap.Logger
}

// New creates a Scheduler whose job runs are cancelled after jobTimeout.
func New(jobTimeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler:  s,
		jobTimeout: jobTimeout,
		logger:     logger.With(zap.String("component", "scheduler")),
	}
}

// Add schedules job every interval, first run one interval after Start.
// A non-positive interval leaves the job disabled.
func (s *Scheduler) Add(name string, every time.Duration, job Job) error {
	if every <= 0 {
		s.logger.Info("job disabled", zap.String("job", name))
		return nil
	}
	_, err := s.scheduler.Every(every).WaitForSchedule().Tag(name).Do(s.run, name, job)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.logger.Info("job scheduled", zap.String("job", name), zap.Duration("every", every))
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return s.scheduler.Len()
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop stops the scheduler and cancels any future runs.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

func (s *Scheduler) run(name string, job Job) {
	ctx := context.Background()
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	start := time.Now()
	s.logger.Debug("running job", zap.String("job", name))
	if err := job(ctx); err != nil {
		s.logger.Warn("job failed", zap.String("job", name), zap.Duration("duration", time.Since(start)), zap.Error(err))
		return
	}
	s.logger.Debug("job completed", zap.String("job", name), zap.Duration("duration", time.Since(start)))
}
