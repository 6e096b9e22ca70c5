package batch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/entity"
	"github.com/bpalas/street-safety-vision/internal/llm"
	"github.com/bpalas/street-safety-vision/internal/metrics"
)

// SubmitterConfig bounds sub-batches and retry behaviour.
type SubmitterConfig struct {
	Endpoint      string
	MaxBatchSize  int
	MaxBatchBytes int64
	Concurrency   int
	MaxAttempts   int
	RetryBackoff  time.Duration
}

// Submitter partitions a run's request items into sub-batches and submits them.
type Submitter struct {
	provider llm.Provider
	cfg      SubmitterConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	clock    Clock
}

func NewSubmitter(provider llm.Provider, cfg SubmitterConfig, logger *slog.Logger, m *metrics.Metrics, clock Clock) *Submitter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = constants.DefaultEndpoint
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = constants.MaxRequestsPerBatch
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = constants.MaxBatchFileBytes
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Submitter{provider: provider, cfg: cfg, log: logger, metrics: m, clock: clock}
}

// IdempotencyKey is derived from the run and the sorted correlation IDs of a
// sub-batch, so the same sub-batch always gets the same key.
func IdempotencyKey(runID string, correlationIDs []string) string {
	ids := append([]string(nil), correlationIDs...)
	sort.Strings(ids)
	h := sha256.New()
	h.Write([]byte(runID))
	for _, id := range ids {
		h.Write([]byte{'\n'})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Plan partitions items, in order, into sub-batches that respect both the item
// and the byte limit. The returned jobs are pending and carry no handle yet.
// An item that alone exceeds the byte limit gets its own sub-batch, which is
// rejected at submission.
func (s *Submitter) Plan(runID string, items []entity.RequestItem) ([]entity.BatchJob, error) {
	var (
		jobs     []entity.BatchJob
		curIDs   []string
		curBytes int64
	)
	flush := func() {
		if len(curIDs) == 0 {
			return
		}
		jobs = append(jobs, entity.BatchJob{
			SubBatch:       len(jobs),
			IdempotencyKey: IdempotencyKey(runID, curIDs),
			CorrelationIDs: curIDs,
			Status:         constants.JobStatusPending,
			ItemCount:      len(curIDs),
		})
		curIDs, curBytes = nil, 0
	}
	for _, item := range items {
		line, err := llm.EncodeBatchLine(item, s.cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", item.CorrelationID, err)
		}
		n := int64(len(line))
		if len(curIDs) > 0 && (len(curIDs) >= s.cfg.MaxBatchSize || curBytes+n > s.cfg.MaxBatchBytes) {
			flush()
		}
		curIDs = append(curIDs, item.CorrelationID)
		curBytes += n
	}
	flush()
	return jobs, nil
}

// Payload serializes the items of job into the provider's JSONL input format.
func (s *Submitter) Payload(job entity.BatchJob, byID map[string]entity.RequestItem) ([]byte, error) {
	var buf bytes.Buffer
	for _, id := range job.CorrelationIDs {
		item, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("sub-batch %d references unknown correlation id %s: %w", job.SubBatch, id, common.ErrInvalidInput)
		}
		line, err := llm.EncodeBatchLine(item, s.cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

// SubmitAll submits every job that has no handle yet, concurrently. Each
// outcome is reported through onDone as soon as it is known so the caller can
// persist it. Sub-batches fail independently; ErrAllSubmissionsRejected is
// returned only when nothing of the run is on the provider.
func (s *Submitter) SubmitAll(ctx context.Context, runID string, jobs []entity.BatchJob, items []entity.RequestItem, onDone func(entity.BatchJob)) ([]entity.BatchJob, error) {
	logger := common.LoggerFrom(ctx, s.log)
	byID := make(map[string]entity.RequestItem, len(items))
	for _, it := range items {
		byID[it.CorrelationID] = it
	}

	out := append([]entity.BatchJob(nil), jobs...)
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := range out {
		if out[i].Submitted() {
			continue
		}
		g.Go(func() error {
			job, err := s.submitOne(ctx, runID, out[i], byID)
			if err != nil {
				var se *common.SubmissionError
				if errors.As(err, &se) {
					job.SubmitError = err.Error()
					job.SubmitRetryable = se.Retryable
					s.metrics.Submission("rejected")
					logger.Error("batch.submit.rejected", "sub_batch", job.SubBatch, "items", job.ItemCount, "error", err)
				} else {
					// context cancelled: leave the job untouched so a resume retries it
					return err
				}
			}
			out[i] = job
			if onDone != nil {
				onDone(job)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}

	submitted := 0
	for _, j := range out {
		if j.Submitted() {
			submitted++
		}
	}
	logger.Info("batch.submit.done", "sub_batches", len(out), "submitted", submitted)
	if submitted == 0 && len(out) > 0 {
		return out, common.ErrAllSubmissionsRejected
	}
	return out, nil
}

func (s *Submitter) submitOne(ctx context.Context, runID string, job entity.BatchJob, byID map[string]entity.RequestItem) (entity.BatchJob, error) {
	logger := common.LoggerFrom(ctx, s.log).With("sub_batch", job.SubBatch, "idempotency_key", job.IdempotencyKey)
	payload, err := s.Payload(job, byID)
	if err != nil {
		return job, &common.SubmissionError{SubBatch: job.SubBatch, Cause: err}
	}
	if int64(len(payload)) > s.cfg.MaxBatchBytes {
		return job, &common.SubmissionError{SubBatch: job.SubBatch, Cause: fmt.Errorf("payload of %d bytes exceeds max_batch_bytes %d", len(payload), s.cfg.MaxBatchBytes)}
	}

	finder, canFind := s.provider.(llm.IdempotencyFinder)
	backoff := s.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if canFind {
			handle, found, ferr := finder.FindByIdempotencyKey(ctx, job.IdempotencyKey)
			switch {
			case ferr != nil:
				if ctx.Err() != nil {
					return job, ctx.Err()
				}
				logger.Warn("batch.submit.lookup_failed", "attempt", attempt, "error", ferr)
			case found:
				logger.Warn("batch.submit.duplicate_detected", "job_id", handle, "attempt", attempt)
				s.metrics.Submission("duplicate")
				return s.accepted(job, handle), nil
			}
		}

		start := s.clock.Now()
		handle, err := s.provider.Submit(ctx, llm.SubmitRequest{
			RunID:          runID,
			SubBatch:       job.SubBatch,
			IdempotencyKey: job.IdempotencyKey,
			ItemCount:      job.ItemCount,
			Payload:        payload,
		})
		if err == nil {
			logger.Info("batch.submit.ok", "job_id", handle, "items", job.ItemCount,
				"bytes", len(payload), "attempt", attempt, "elapsed_ms", s.clock.Now().Sub(start).Milliseconds())
			s.metrics.Submission("submitted")
			return s.accepted(job, handle), nil
		}
		if ctx.Err() != nil {
			return job, ctx.Err()
		}
		lastErr = err
		if !retryable(err) {
			return job, &common.SubmissionError{SubBatch: job.SubBatch, Cause: err}
		}
		logger.Warn("batch.submit.retry", "attempt", attempt, "error", err, "backoff", backoff.String())
		if attempt < s.cfg.MaxAttempts {
			if err := s.clock.Sleep(ctx, backoff); err != nil {
				return job, err
			}
			backoff *= 2
		}
	}
	return job, &common.SubmissionError{SubBatch: job.SubBatch, Retryable: true, Cause: fmt.Errorf("gave up after %d attempts: %w", s.cfg.MaxAttempts, lastErr)}
}

func (s *Submitter) accepted(job entity.BatchJob, handle string) entity.BatchJob {
	job.Handle = handle
	job.SubmittedAt = s.clock.Now()
	job.Status = constants.JobStatusPending
	job.SubmitError = ""
	job.SubmitRetryable = false
	return job
}

// retryable treats provider throttling, 5xx and transport failures as
// transient; every other provider answer is a rejection.
func retryable(err error) bool {
	var he *llm.HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	var ne net.Error
	return errors.As(err, &ne)
}
