package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/obot-platform/authz-server/pkg/metrics"
	"go.uber.org/zap"
)

// Job is one run of a scheduled task.
type Job func(ctx context.Context) error

// Scheduler runs a job every interval on the instance holding the leader
// lock. The lock is held for the whole interval, so the job runs at most once
// per interval across the instances sharing the lock.
type Scheduler struct {
	name     string
	interval time.Duration
	lock     LeaderLock
	job      Job
	logger   *zap.Logger
	metrics  *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New creates a new scheduler
func New(name string, interval time.Duration, lock LeaderLock, job Job, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		name:     name,
		interval: interval,
		lock:     lock,
		job:      job,
		logger:   logger.With(zap.String("job", name)),
		metrics:  m,
	}
}

// RunOnce runs the job if the lock can be acquired and reports whether it ran.
// A failed run releases the lock so another instance may retry on its next tick.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	acquired, err := s.lock.Acquire(ctx, s.name, s.interval)
	if err != nil {
		return false, err
	}
	if !acquired {
		s.metrics.JobSkipped(s.name)
		s.logger.Debug("Skipping scheduled job, another instance holds the lock")
		return false, nil
	}

	if err := s.job(ctx); err != nil {
		if releaseErr := s.lock.Release(ctx, s.name); releaseErr != nil {
			s.logger.Warn("Failed to release scheduler lock", zap.Error(releaseErr))
		}
		return true, err
	}
	return true, nil
}

// Start runs the job immediately, then on every tick until ctx is done or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Scheduled job failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	s.logger.Info("Started scheduler", zap.Duration("interval", s.interval))
}

// Stop cancels the loop and waits for the running job to return.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		<-s.done
	})
}
