package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/datasync"
	"ledgerlink/internal/shared/logging"
)

var ErrTickInProgress = errors.New("scheduler tick already in progress")

// Runner is the slice of the sync service the scheduler drives.
type Runner interface {
	ProcessPendingJobs(ctx context.Context) (*datasync.TickResult, error)
	SweepStaleJobs(ctx context.Context) (int64, error)
}

// Config controls the tick loop. Ticks overrides the internal ticker and is
// meant for tests.
type Config struct {
	TickInterval time.Duration
	Ticks        <-chan time.Time
}

// Scheduler drives periodic sync ticks and owns the worker pool that runs
// out-of-band work (webhooks, listener requests, background reconciliation).
type Scheduler struct {
	runner Runner
	syncer SyncTrigger
	pool   *WorkerPool
	cfg    Config
	logger logrus.FieldLogger

	ticking atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func New(runner Runner, syncer SyncTrigger, pool *WorkerPool, cfg Config, logger logrus.FieldLogger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		runner: runner,
		syncer: syncer,
		pool:   pool,
		cfg:    cfg,
		logger: logger.WithField("component", "scheduler"),
		done:   make(chan struct{}),
	}
}

// Start fails jobs orphaned by a previous crash, starts the worker pool and
// launches the tick loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	if n, err := s.runner.SweepStaleJobs(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to sweep stale running jobs")
	} else if n > 0 {
		s.logger.WithField("jobs", n).Warn("Marked stale running jobs as failed")
	}

	s.pool.Start()

	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)

	s.logger.WithField("interval", s.cfg.TickInterval.String()).Info("Scheduler started")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticks := s.cfg.Ticks
	if ticks == nil {
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			if _, err := s.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
				s.logger.WithError(err).Error("Scheduler tick failed")
			}
		}
	}
}

// Tick runs one pass over due schedules. Only one tick runs at a time;
// a concurrent call gets ErrTickInProgress.
func (s *Scheduler) Tick(ctx context.Context) (*datasync.TickResult, error) {
	if !s.ticking.CompareAndSwap(false, true) {
		return nil, ErrTickInProgress
	}
	defer s.ticking.Store(false)

	return s.runner.ProcessPendingJobs(ctx)
}

// Enqueue hands a job to the worker pool.
func (s *Scheduler) Enqueue(job Job) error {
	return s.pool.Submit(job)
}

// RequestSync queues a manual sync for a connection.
func (s *Scheduler) RequestSync(organizationID string, source connection.Source, connectionID string) error {
	return s.Enqueue(NewManualSyncJob(s.syncer, organizationID, source, connectionID))
}

// Shutdown stops the tick loop, then drains the worker pool.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			select {
			case <-s.done:
			case <-time.After(timeout):
				s.logger.Warn("Scheduler: tick still running at shutdown")
			}
		}
		s.pool.ShutdownWithTimeout(timeout)
		s.logger.Info("Scheduler stopped")
	})
}
