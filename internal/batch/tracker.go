package batch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/entity"
	"github.com/bpalas/street-safety-vision/internal/llm"
	"github.com/bpalas/street-safety-vision/internal/metrics"
)

// TrackerConfig holds polling bounds and the local timeout policy.
type TrackerConfig struct {
	PollIntervalMin time.Duration
	PollIntervalMax time.Duration
	// JobTimeout is measured from submission, so it spans process restarts.
	JobTimeout      time.Duration
	CancelOnTimeout bool
	CancelOnAbort   bool
}

// JobView is a read-only progress snapshot of one tracked job.
type JobView struct {
	Handle    string
	SubBatch  int
	Status    constants.JobStatus
	Elapsed   time.Duration
	Requested int
	Completed int
	Errored   int
}

// Tracker polls batch jobs until they reach a terminal state. Statuses only
// move along pending -> in_progress -> {completed, failed, cancelled}.
type Tracker struct {
	provider llm.Provider
	cfg      TrackerConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	clock    Clock

	mu    sync.RWMutex
	views map[string]JobView
}

func NewTracker(provider llm.Provider, cfg TrackerConfig, logger *slog.Logger, m *metrics.Metrics, clock Clock) *Tracker {
	if cfg.PollIntervalMin <= 0 {
		cfg.PollIntervalMin = 30 * time.Second
	}
	if cfg.PollIntervalMax < cfg.PollIntervalMin {
		cfg.PollIntervalMax = cfg.PollIntervalMin
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 26 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Tracker{
		provider: provider,
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		clock:    clock,
		views:    map[string]JobView{},
	}
}

// Progress returns a snapshot of every job this tracker has seen, by sub-batch.
func (t *Tracker) Progress() []JobView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]JobView, 0, len(t.views))
	for _, v := range t.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubBatch < out[j].SubBatch })
	return out
}

// Apply moves job to next if the lifecycle allows it. It reports whether the
// status changed; illegal transitions leave job untouched.
func Apply(job *entity.BatchJob, next constants.JobStatus) (changed bool, ok bool) {
	if !constants.CanTransition(job.Status, next) {
		return false, false
	}
	if job.Status == next {
		return false, true
	}
	job.Status = next
	return true, true
}

// Track polls one submitted job until it is terminal, the local timeout
// fires, or ctx is done. onUpdate receives the job after every status or
// progress change. A timeout yields a locally failed job and a
// *common.PollingTimeoutError; cancellation yields ctx.Err() and the last
// observed job.
func (t *Tracker) Track(ctx context.Context, job entity.BatchJob, onUpdate func(entity.BatchJob)) (entity.BatchJob, error) {
	if !job.Submitted() || job.Status.IsTerminal() {
		return job, nil
	}
	logger := common.LoggerFrom(ctx, t.log).With("job_id", job.Handle, "sub_batch", job.SubBatch)
	t.metrics.TrackingStarted()
	defer t.metrics.TrackingStopped()

	deadline := job.SubmittedAt.Add(t.cfg.JobTimeout)
	interval := t.cfg.PollIntervalMin
	logger.Info("tracker.start", "status", job.Status, "deadline", deadline)

	for {
		report, err := t.provider.PollStatus(ctx, job.Handle)
		if err != nil {
			if ctx.Err() != nil {
				return t.abort(ctx, job, logger)
			}
			t.metrics.Poll("error")
			logger.Warn("tracker.poll_error", "error", err)
		} else {
			t.metrics.Poll(string(report.Status))
			changed, ok := Apply(&job, report.Status)
			if !ok {
				logger.Error("tracker.invalid_transition", "from", job.Status, "to", report.Status, "raw_status", report.RawStatus)
			}
			progressed := job.Progress != report.Progress
			job.Progress = report.Progress
			if report.OutputRef != "" {
				job.OutputRef = report.OutputRef
			}
			if report.ErrorRef != "" {
				job.ErrorRef = report.ErrorRef
			}
			if job.Status.IsTerminal() {
				now := t.clock.Now()
				job.FinishedAt = &now
				t.publish(job)
				t.metrics.JobFinished(string(job.Status), job.Elapsed(now).Seconds())
				logger.Info("tracker.terminal", "status", job.Status, "raw_status", report.RawStatus,
					"completed", job.Progress.Completed, "failed", job.Progress.Failed, "total", job.Progress.Total,
					"elapsed_ms", job.Elapsed(now).Milliseconds())
				if onUpdate != nil {
					onUpdate(job)
				}
				return job, nil
			}
			t.publish(job)
			if changed || progressed {
				logger.Info("tracker.poll", "status", job.Status, "raw_status", report.RawStatus,
					"completed", job.Progress.Completed, "failed", job.Progress.Failed, "total", job.Progress.Total)
				if onUpdate != nil {
					onUpdate(job)
				}
			}
		}

		now := t.clock.Now()
		if !now.Before(deadline) {
			return t.timeout(ctx, job, now, logger, onUpdate)
		}
		wait := interval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		if err := t.clock.Sleep(ctx, wait); err != nil {
			return t.abort(ctx, job, logger)
		}
		interval *= 2
		if interval > t.cfg.PollIntervalMax {
			interval = t.cfg.PollIntervalMax
		}
	}
}

// TrackAll tracks jobs concurrently. It returns the updated jobs in input
// order plus the polling timeouts observed; a cancelled ctx is returned as
// the error once every tracker has stopped.
func (t *Tracker) TrackAll(ctx context.Context, jobs []entity.BatchJob, onUpdate func(entity.BatchJob)) ([]entity.BatchJob, []error, error) {
	out := append([]entity.BatchJob(nil), jobs...)
	timeouts := make([]error, len(out))
	var g errgroup.Group
	for i := range out {
		if !out[i].Submitted() || out[i].Status.IsTerminal() {
			continue
		}
		g.Go(func() error {
			job, err := t.Track(ctx, out[i], onUpdate)
			out[i] = job
			var pte *common.PollingTimeoutError
			if errors.As(err, &pte) {
				timeouts[i] = err
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	var errs []error
	for _, e := range timeouts {
		if e != nil {
			errs = append(errs, e)
		}
	}
	return out, errs, err
}

func (t *Tracker) timeout(ctx context.Context, job entity.BatchJob, now time.Time, logger *slog.Logger, onUpdate func(entity.BatchJob)) (entity.BatchJob, error) {
	elapsed := job.Elapsed(now)
	Apply(&job, constants.JobStatusFailed)
	job.LocalTimeout = true
	job.FinishedAt = &now
	t.publish(job)
	t.metrics.JobFinished("timeout", elapsed.Seconds())
	logger.Error("tracker.timeout", "elapsed_ms", elapsed.Milliseconds(), "timeout", t.cfg.JobTimeout.String())

	if t.cfg.CancelOnTimeout {
		t.cancelRemote(ctx, job, logger)
	}
	if onUpdate != nil {
		onUpdate(job)
	}
	return job, &common.PollingTimeoutError{Handle: job.Handle, Elapsed: elapsed, Timeout: t.cfg.JobTimeout}
}

func (t *Tracker) abort(ctx context.Context, job entity.BatchJob, logger *slog.Logger) (entity.BatchJob, error) {
	logger.Warn("tracker.aborted", "status", job.Status, "error", ctx.Err())
	if t.cfg.CancelOnAbort {
		t.cancelRemote(ctx, job, logger)
	}
	return job, ctx.Err()
}

// cancelRemote asks the provider to stop the job, even when ctx is already
// cancelled. The local status is not changed.
func (t *Tracker) cancelRemote(ctx context.Context, job entity.BatchJob, logger *slog.Logger) {
	c, ok := t.provider.(llm.Canceller)
	if !ok {
		logger.Warn("tracker.cancel_unsupported")
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := c.Cancel(cctx, job.Handle); err != nil {
		logger.Error("tracker.cancel_failed", "error", err)
	}
}

func (t *Tracker) publish(job entity.BatchJob) {
	now := t.clock.Now()
	t.mu.Lock()
	t.views[job.Handle] = JobView{
		Handle:    job.Handle,
		SubBatch:  job.SubBatch,
		Status:    job.Status,
		Elapsed:   job.Elapsed(now),
		Requested: job.ItemCount,
		Completed: job.Progress.Completed,
		Errored:   job.Progress.Failed,
	}
	t.mu.Unlock()
}
