package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/batch"
	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/entity"
	"github.com/bpalas/street-safety-vision/internal/metrics"
	"github.com/bpalas/street-safety-vision/internal/repository"
	"github.com/bpalas/street-safety-vision/internal/source"
)

// ConfirmFunc is asked once before anything is sent to the provider. Returning
// false stops the run before submission.
type ConfirmFunc func(ctx context.Context, items, subBatches int) (bool, error)

// Deps are the collaborators of one run.
type Deps struct {
	Source    source.Source
	Builder   *batch.Builder
	Submitter *batch.Submitter
	Tracker   *batch.Tracker
	Collector *batch.Collector
	Store     repository.RunStateRepository
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Clock     batch.Clock
	Confirm   ConfirmFunc
	// DryRun builds the requests and writes the sub-batch files under
	// OutputDir/<run_id>/ without submitting anything.
	DryRun bool
}

// Orchestrator drives one run through enumerate -> build -> submit -> track ->
// collect, persisting RunState after every phase so a restarted process can
// resume without resubmitting work.
type Orchestrator struct {
	cfg    common.RunConfig
	deps   Deps
	logger *slog.Logger

	mu         sync.Mutex
	state      *entity.RunState
	persistErr error
}

func NewOrchestrator(cfg common.RunConfig, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = batch.RealClock()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("run_id", cfg.RunID),
	}
}

// RunID identifies the run this orchestrator executes.
func (o *Orchestrator) RunID() string { return o.cfg.RunID }

// Progress reports the tracked jobs of the run.
func (o *Orchestrator) Progress() []batch.JobView {
	return o.deps.Tracker.Progress()
}

// Phase is the last persisted phase, or "new" before the run started.
func (o *Orchestrator) Phase() constants.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == nil {
		return constants.PhaseNew
	}
	return o.state.Phase
}

// Run executes (or resumes) the run and returns its report. The report is
// meaningful even when an error is returned.
func (o *Orchestrator) Run(ctx context.Context) (entity.RunReport, error) {
	start := o.deps.Clock.Now()
	ctx = common.WithRunID(ctx, o.cfg.RunID)

	st, err := o.loadOrInit(ctx)
	if err != nil {
		return o.report(start), err
	}
	o.mu.Lock()
	o.state = st
	o.mu.Unlock()
	o.logger.Info("run.start", "phase", st.Phase, "resume", o.cfg.ResumeFromState)

	err = o.execute(ctx)
	report := o.report(start)
	switch {
	case err == nil:
		o.deps.Metrics.Run("completed")
		o.logger.Info("run.done", "phase", report.Phase, "total", report.Total, "ok", report.OK,
			"schema_error", report.SchemaErrors, "missing", report.Missing, "elapsed_ms", report.ElapsedMillis)
	case errors.Is(err, common.ErrRunCancelled):
		o.deps.Metrics.Run("cancelled")
		o.logger.Warn("run.cancelled", "phase", report.Phase, "elapsed_ms", report.ElapsedMillis)
	default:
		o.deps.Metrics.Run("failed")
		o.logger.Error("run.failed", "phase", report.Phase, "error", err, "elapsed_ms", report.ElapsedMillis)
	}
	return report, err
}

func (o *Orchestrator) execute(ctx context.Context) error {
	if !o.reached(constants.PhaseReferencesEnumerated) {
		if err := o.enumerate(ctx); err != nil {
			return err
		}
	}
	if !o.reached(constants.PhaseRequestsBuilt) {
		if err := o.build(ctx); err != nil {
			return err
		}
	}
	if o.deps.DryRun {
		return o.dryRun()
	}
	if !o.reached(constants.PhaseJobsTerminal) {
		if err := o.submit(ctx); err != nil {
			return err
		}
		if err := o.track(ctx); err != nil {
			return err
		}
	}
	if !o.reached(constants.PhaseResultsCollected) {
		if err := o.collect(ctx); err != nil {
			return err
		}
		return o.advance(ctx, constants.PhaseResultsCollected)
	}
	return nil
}

func (o *Orchestrator) loadOrInit(ctx context.Context) (*entity.RunState, error) {
	now := o.deps.Clock.Now()
	existing, err := o.deps.Store.Load(ctx, o.cfg.RunID)
	switch {
	case errors.Is(err, common.ErrNotFound):
		st := entity.NewRunState(o.cfg.RunID, now)
		return st, o.persist(ctx, st)
	case err != nil && o.cfg.ResumeFromState:
		return nil, fmt.Errorf("load run state: %w", errors.Join(common.ErrPersistence, err))
	case err != nil:
		o.logger.Warn("run.state_unreadable", "error", err)
	case o.cfg.ResumeFromState:
		existing.Cancelled = false
		o.logger.Info("run.resumed", "phase", existing.Phase, "jobs", len(existing.Jobs))
		return existing, nil
	default:
		o.logger.Warn("run.state_overwritten", "previous_phase", existing.Phase)
	}
	st := entity.NewRunState(o.cfg.RunID, now)
	return st, o.persist(ctx, st)
}

func (o *Orchestrator) enumerate(ctx context.Context) error {
	refs, resolutionErrs, err := source.Collect(ctx, o.deps.Source, o.deps.Logger)
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelled(ctx)
		}
		return fmt.Errorf("enumerate references: %w", err)
	}
	msgs := make([]string, 0, len(resolutionErrs))
	for _, e := range resolutionErrs {
		msgs = append(msgs, e.Error())
	}
	o.mu.Lock()
	o.state.References = refs
	o.state.ResolutionErrors = msgs
	o.mu.Unlock()
	if len(refs) == 0 {
		if err := o.save(ctx); err != nil {
			return err
		}
		return common.ErrNoReferences
	}
	return o.advance(ctx, constants.PhaseReferencesEnumerated)
}

func (o *Orchestrator) build(ctx context.Context) error {
	o.mu.Lock()
	refs := o.state.References
	o.mu.Unlock()

	items, err := o.deps.Builder.BuildAll(refs)
	if err != nil {
		return common.WrapError(err, "build requests")
	}
	jobs, err := o.deps.Submitter.Plan(o.cfg.RunID, items)
	if err != nil {
		return common.WrapError(err, "plan sub-batches")
	}
	o.logger.Info("run.requests_built", "items", len(items), "sub_batches", len(jobs))

	o.mu.Lock()
	o.state.Requests = items
	o.state.Jobs = jobs
	o.mu.Unlock()
	return o.advance(ctx, constants.PhaseRequestsBuilt)
}

func (o *Orchestrator) submit(ctx context.Context) error {
	o.mu.Lock()
	jobs := append([]entity.BatchJob(nil), o.state.Jobs...)
	items := o.state.Requests
	o.mu.Unlock()

	pending := 0
	for _, j := range jobs {
		if !j.Submitted() {
			pending++
		}
	}
	if pending == 0 {
		return o.advance(ctx, constants.PhaseJobsSubmitted)
	}

	if o.deps.Confirm != nil && !o.reached(constants.PhaseJobsSubmitted) {
		ok, err := o.deps.Confirm(ctx, len(items), pending)
		if err != nil {
			return fmt.Errorf("confirm submission: %w", err)
		}
		if !ok {
			o.logger.Warn("run.submission_declined", "items", len(items), "sub_batches", pending)
			if err := o.save(ctx); err != nil {
				return err
			}
			return fmt.Errorf("%w: submission declined", common.ErrRunCancelled)
		}
	}

	out, err := o.deps.Submitter.SubmitAll(ctx, o.cfg.RunID, jobs, items, func(job entity.BatchJob) {
		o.updateJob(ctx, job)
	})
	o.mu.Lock()
	o.state.Jobs = out
	o.mu.Unlock()
	if perr := o.takePersistErr(); perr != nil {
		return perr
	}

	switch {
	case err == nil:
		return o.advance(ctx, constants.PhaseJobsSubmitted)
	case ctx.Err() != nil:
		return o.cancelled(ctx)
	case errors.Is(err, common.ErrAllSubmissionsRejected):
		// account for every item as missing; a resume retries the sub-batches
		if cerr := o.collect(ctx); cerr != nil {
			return cerr
		}
		return err
	default:
		return err
	}
}

func (o *Orchestrator) track(ctx context.Context) error {
	o.mu.Lock()
	jobs := append([]entity.BatchJob(nil), o.state.Jobs...)
	o.mu.Unlock()

	out, timeouts, err := o.deps.Tracker.TrackAll(ctx, jobs, func(job entity.BatchJob) {
		o.updateJob(ctx, job)
	})
	o.mu.Lock()
	o.state.Jobs = out
	o.mu.Unlock()
	if perr := o.takePersistErr(); perr != nil {
		return perr
	}
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelled(ctx)
		}
		return err
	}
	for _, t := range timeouts {
		o.logger.Warn("run.polling_timeout", "error", t)
	}
	return o.advance(ctx, constants.PhaseJobsTerminal)
}

func (o *Orchestrator) collect(ctx context.Context) error {
	o.mu.Lock()
	items := o.state.Requests
	jobs := append([]entity.BatchJob(nil), o.state.Jobs...)
	o.mu.Unlock()

	results, err := o.deps.Collector.Collect(ctx, items, jobs)
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelled(ctx)
		}
		return common.WrapError(err, "collect results")
	}
	o.mu.Lock()
	o.state.Results = results
	o.mu.Unlock()
	return o.save(ctx)
}

// dryRun writes each planned sub-batch as the JSONL file that would be uploaded.
func (o *Orchestrator) dryRun() error {
	o.mu.Lock()
	jobs := o.state.Jobs
	items := o.state.Requests
	o.mu.Unlock()

	dir := filepath.Join(o.cfg.OutputDir, o.cfg.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dry-run dir: %w", err)
	}
	byID := make(map[string]entity.RequestItem, len(items))
	for _, it := range items {
		byID[it.CorrelationID] = it
	}
	for _, j := range jobs {
		payload, err := o.deps.Submitter.Payload(j, byID)
		if err != nil {
			return err
		}
		p := filepath.Join(dir, fmt.Sprintf("batch_%03d.jsonl", j.SubBatch))
		if err := os.WriteFile(p, payload, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
		o.logger.Info("run.dry_run.written", "sub_batch", j.SubBatch, "items", j.ItemCount, "path", p, "bytes", len(payload))
	}
	return nil
}

// updateJob replaces the stored copy of job and persists. It runs on
// submitter and tracker goroutines, so failures are kept for the caller.
func (o *Orchestrator) updateJob(ctx context.Context, job entity.BatchJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.state.Jobs {
		if o.state.Jobs[i].SubBatch == job.SubBatch {
			o.state.Jobs[i] = job
			break
		}
	}
	o.state.UpdatedAt = o.deps.Clock.Now()
	if err := o.persistLocked(context.WithoutCancel(ctx)); err != nil && o.persistErr == nil {
		o.persistErr = err
	}
}

func (o *Orchestrator) advance(ctx context.Context, p constants.Phase) error {
	o.mu.Lock()
	o.state.Advance(p, o.deps.Clock.Now())
	err := o.persistLocked(ctx)
	o.mu.Unlock()
	if err == nil {
		o.logger.Info("run.phase", "phase", p)
	}
	return err
}

func (o *Orchestrator) save(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.UpdatedAt = o.deps.Clock.Now()
	return o.persistLocked(ctx)
}

// cancelled records the cancellation with a detached context, since ctx is
// already done.
func (o *Orchestrator) cancelled(ctx context.Context) error {
	cause := ctx.Err()
	o.mu.Lock()
	o.state.Cancelled = true
	o.state.UpdatedAt = o.deps.Clock.Now()
	err := o.persistLocked(context.WithoutCancel(ctx))
	o.mu.Unlock()
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %w", common.ErrRunCancelled, cause)
}

func (o *Orchestrator) persistLocked(ctx context.Context) error {
	return o.persist(ctx, o.state)
}

func (o *Orchestrator) persist(ctx context.Context, st *entity.RunState) error {
	if err := o.deps.Store.Save(ctx, st); err != nil {
		return fmt.Errorf("save run state: %w", errors.Join(common.ErrPersistence, err))
	}
	return nil
}

func (o *Orchestrator) takePersistErr() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	err := o.persistErr
	o.persistErr = nil
	return err
}

func (o *Orchestrator) reached(p constants.Phase) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Phase.Reached(p)
}

// report accounts for every request item: items without a collected record
// count as missing.
func (o *Orchestrator) report(start time.Time) entity.RunReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := entity.RunReport{
		RunID:         o.cfg.RunID,
		Phase:         constants.PhaseNew,
		ElapsedMillis: o.deps.Clock.Now().Sub(start).Milliseconds(),
	}
	st := o.state
	if st == nil {
		return r
	}
	r.Phase = st.Phase
	r.Total = len(st.Requests)
	r.Jobs = len(st.Jobs)
	r.ResolutionErrors = len(st.ResolutionErrors)
	for _, item := range st.Requests {
		rec, ok := st.Results[item.CorrelationID]
		switch {
		case ok && rec.Status == constants.ResultOK:
			r.OK++
		case ok && rec.Status == constants.ResultSchemaError:
			r.SchemaErrors++
		default:
			r.Missing++
		}
	}
	for _, j := range st.Jobs {
		if j.SubmitError != "" && !j.Submitted() {
			r.SubmissionErrors++
			note := fmt.Sprintf("sub-batch %d rejected: %s", j.SubBatch, j.SubmitError)
			if j.SubmitRetryable {
				note += " (transient, resume the run to retry)"
			}
			r.Annotations = append(r.Annotations, note)
		}
		if j.LocalTimeout {
			r.PollingTimeouts++
			r.Annotations = append(r.Annotations, fmt.Sprintf("sub-batch %d (job %s) timed out after %s",
				j.SubBatch, j.Handle, j.Elapsed(o.deps.Clock.Now()).Round(time.Second)))
		}
	}
	if r.ResolutionErrors > 0 {
		r.Annotations = append(r.Annotations, fmt.Sprintf("%d image references could not be resolved", r.ResolutionErrors))
	}
	if st.Cancelled {
		r.Annotations = append(r.Annotations, "run was cancelled")
	}
	if o.deps.DryRun {
		r.Annotations = append(r.Annotations, "dry run: nothing was submitted")
	}
	return r
}
