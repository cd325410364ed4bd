// Package scheduler drives periodic tank fetches.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"tankmon/internal/tank"
)

// Fetcher is the slice of the fetch coordinator the scheduler drives.
type Fetcher interface {
	Fetch(ctx context.Context, force bool) (tank.Reading, error)
}

// Timing yields the startup grace delay and refresh period. It is consulted
// on every (re)start so config changes take effect without a rebuild.
type Timing func() (grace, every time.Duration)

// Scheduler runs the fetch coordinator on a fixed period. A zero period
// disables it.
type Scheduler struct {
	fetcher Fetcher
	timing  Timing
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Scheduler. It does not start ticking until Start.
func New(fetcher Fetcher, timing Timing, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		fetcher: fetcher,
		timing:  timing,
		logger:  logger,
	}
}

// Start begins the periodic loop, replacing any loop already running. The
// period is re-read from the timing source, so Start doubles as Restart
// after a config change.
func (s *Scheduler) Start(ctx context.Context) {
	s.Stop()

	grace, every := s.timing()
	if every <= 0 {
		s.logger.Info("periodic refresh disabled")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.logger.Info("periodic refresh started",
		zap.Duration("grace", grace),
		zap.Duration("every", every),
	)
	go s.run(runCtx, done, grace, every)
}

// Stop halts the loop and waits for an in-flight tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the periodic loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}, grace, every time.Duration) {
	defer close(done)

	if grace > 0 {
		timer := time.NewTimer(grace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := s.fetcher.Fetch(ctx, false)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
	case errors.Is(err, tank.ErrAuthInProgress):
		s.logger.Debug("scheduled fetch skipped, auth flow in progress")
	case errors.Is(err, tank.ErrNeedsAuth):
		s.logger.Warn("scheduled fetch needs authentication")
	default:
		s.logger.Warn("scheduled fetch failed", zap.Error(err))
	}
}
