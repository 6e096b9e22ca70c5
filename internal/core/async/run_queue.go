package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	queue "github.com/bpalas/street-safety-vision/internal/async"
	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/entity"
)

// RunFunc executes one queued run.
type RunFunc func(ctx context.Context, job queue.Job) (entity.RunReport, error)

// DoneFunc observes the outcome of every run.
type DoneFunc func(job queue.Job, report entity.RunReport, err error)

// ErrQueueClosed is returned by Enqueue after Shutdown started.
var ErrQueueClosed = errors.New("run queue is shutting down")

// RunQueue executes independent runs on a fixed pool of workers. Runs share
// the queue's base context, so Shutdown's cancel reaches in-flight runs,
// which persist their state before returning.
type RunQueue struct {
	run     RunFunc
	onDone  DoneFunc
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	ch   chan queue.Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

var _ queue.Queue = (*RunQueue)(nil)

type Option func(*RunQueue)

func WithWorkers(n int) Option {
	return func(q *RunQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}
func WithQueueSize(n int) Option {
	return func(q *RunQueue) {
		if n > 0 {
			q.ch = make(chan queue.Job, n)
		}
	}
}

// WithRunTimeout bounds a single run. Zero (the default) means no bound;
// the tracker's job_timeout already limits how long a run polls.
func WithRunTimeout(d time.Duration) Option {
	return func(q *RunQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}
func WithOnDone(fn DoneFunc) Option {
	return func(q *RunQueue) {
		q.onDone = fn
	}
}

func NewRunQueue(ctx context.Context, run RunFunc, logger *slog.Logger, opts ...Option) *RunQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &RunQueue{
		run:     run,
		logger:  logger,
		workers: 4,
		ch:      make(chan queue.Job, 64),
	}
	for _, o := range opts {
		o(q)
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.start()
	return q
}

func (q *RunQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("worker started", "worker_id", workerID)

				for job := range q.ch {
					q.execute(workerID, job)
				}

				q.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (q *RunQueue) execute(workerID int, job queue.Job) {
	ctx := common.WithRequestID(common.WithRunID(q.ctx, job.RunID), job.TraceID)
	cancel := context.CancelFunc(func() {})
	if q.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
	}
	defer cancel()

	started := time.Now()
	report, err := q.run(ctx, job)
	if err != nil {
		q.logger.Error("run failed", "worker_id", workerID, "run_id", job.RunID, "error", err,
			"elapsed_ms", time.Since(started).Milliseconds())
	} else {
		q.logger.Info("run finished", "worker_id", workerID, "run_id", job.RunID,
			"ok", report.OK, "missing", report.Missing, "elapsed_ms", time.Since(started).Milliseconds())
	}
	if q.onDone != nil {
		q.onDone(job, report, err)
	}
}

func (q *RunQueue) Enqueue(ctx context.Context, job queue.Job) error {
	if job.TraceID == "" {
		job.TraceID = uuid.NewString()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "run_id", job.RunID)
		return ErrQueueClosed
	}
	select {
	case q.ch <- job:
		q.logger.Info("queued run", "run_id", job.RunID, "trace_id", job.TraceID)
		return nil
	default:
	}
	q.logger.Warn("queue full, applying backpressure", "run_id", job.RunID)
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting runs, cancels the ones in flight and waits for the
// workers until ctx expires.
func (q *RunQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	q.cancel()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}

// Wait blocks until every queued run has finished. Call it after the last
// Enqueue; it closes the queue without cancelling running work.
func (q *RunQueue) Wait() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
	q.cancel()
}
