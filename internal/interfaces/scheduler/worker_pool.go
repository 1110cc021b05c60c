package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"ledgerlink/internal/shared/logging"
)

var (
	jobTracer          = otel.Tracer("ledgerlink/scheduler")
	jobMeter           = otel.Meter("ledgerlink/scheduler")
	jobDuration, _     = jobMeter.Float64Histogram("scheduler.job.duration", metric.WithDescription("Job execution duration in seconds"), metric.WithUnit("s"))
	jobTotal, _        = jobMeter.Int64Counter("scheduler.job.total", metric.WithDescription("Total jobs executed by status"))
	jobQueueDropped, _ = jobMeter.Int64Counter("scheduler.queue_dropped", metric.WithDescription("Jobs dropped due to full queue"))
)

var (
	ErrQueueFull    = errors.New("job queue full")
	ErrPoolShutdown = errors.New("worker pool is shut down")
)

// WorkerPool runs submitted jobs on a fixed set of goroutines. Webhook,
// listener and async reconciliation work goes through it so that request
// handlers return immediately.
type WorkerPool struct {
	workerCount int
	jobTimeout  time.Duration
	jobs        chan Job
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool creates a new worker pool.
// jobTimeout bounds each Execute call; zero means no limit.
func NewWorkerPool(workerCount, queueSize int, jobTimeout time.Duration, logger logrus.FieldLogger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workerCount: workerCount,
		jobTimeout:  jobTimeout,
		jobs:        make(chan Job, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.WithField("component", "worker_pool"),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	wp.logger.WithField("workers", wp.workerCount).Info("Starting worker pool")

	for i := 1; i <= wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return

		case job, ok := <-wp.jobs:
			if !ok {
				return
			}
			wp.processJob(id, job)
		}
	}
}

// processJob executes a single job with error handling, logging, and telemetry.
func (wp *WorkerPool) processJob(workerID int, job Job) {
	log := wp.logger.WithFields(logrus.Fields{
		"worker_id":       workerID,
		"job":             job.Description(),
		"organization_id": job.OrganizationID(),
	})

	ctx := wp.ctx
	if wp.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wp.jobTimeout)
		defer cancel()
	}

	ctx, span := jobTracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("job.description", job.Description()),
			attribute.String("job.organization_id", job.OrganizationID()),
		),
	)
	defer span.End()

	start := time.Now()
	err := job.Execute(ctx)
	jobDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		log.WithError(err).Error("Job failed")
		return
	}

	jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	log.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("Job completed")
}

// Submit adds a job to the queue without blocking.
// Returns ErrQueueFull when the queue is full (job is dropped) and
// ErrPoolShutdown after Shutdown.
func (wp *WorkerPool) Submit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.closed {
		return ErrPoolShutdown
	}

	select {
	case wp.jobs <- job:
		return nil
	default:
		jobQueueDropped.Add(context.Background(), 1)
		wp.logger.WithFields(logrus.Fields{
			"job":             job.Description(),
			"organization_id": job.OrganizationID(),
		}).Warn("Job queue full, dropping job")
		return ErrQueueFull
	}
}

// ShutdownWithTimeout stops accepting jobs and waits for queued ones to drain.
// If workers don't finish within the timeout, their context is cancelled.
func (wp *WorkerPool) ShutdownWithTimeout(timeout time.Duration) {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.jobs)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Info("Worker pool: All workers finished gracefully")
	case <-time.After(timeout):
		wp.logger.Warn("Worker pool: Timeout reached, forcing shutdown")
		wp.cancel()
		<-done
	}
	wp.cancel()
}
