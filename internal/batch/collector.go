package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/entity"
	"github.com/bpalas/street-safety-vision/internal/llm"
	"github.com/bpalas/street-safety-vision/internal/metrics"
)

// Collector turns the outputs of terminal jobs into exactly one ResultRecord
// per request item.
type Collector struct {
	provider  llm.Provider
	validator *llm.Validator
	log       *slog.Logger
	metrics   *metrics.Metrics
}

func NewCollector(provider llm.Provider, validator *llm.Validator, logger *slog.Logger, m *metrics.Metrics) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{provider: provider, validator: validator, log: logger, metrics: m}
}

// Collect fetches the outputs of every submitted terminal job and joins them
// to requests by correlation ID. Items with no usable output become missing
// records; a fetch failure for one job only affects that job's items. Only a
// cancelled ctx aborts the collection.
func (c *Collector) Collect(ctx context.Context, requests []entity.RequestItem, jobs []entity.BatchJob) (map[string]entity.ResultRecord, error) {
	logger := common.LoggerFrom(ctx, c.log)

	known := make(map[string]entity.RequestItem, len(requests))
	for _, r := range requests {
		known[r.CorrelationID] = r
	}
	owner := make(map[string]int, len(requests))
	for i, j := range jobs {
		for _, id := range j.CorrelationIDs {
			owner[id] = i
		}
	}

	outputs := make([][]llm.Output, len(jobs))
	fetchErrs := make([]error, len(jobs))
	var g errgroup.Group
	g.SetLimit(4)
	for i, j := range jobs {
		// a locally timed-out job has no reliable output file
		if !j.Submitted() || !j.Status.IsTerminal() || j.LocalTimeout {
			continue
		}
		g.Go(func() error {
			outs, err := c.provider.FetchResults(ctx, j.Handle)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Error("collector.fetch_failed", "job_id", j.Handle, "error", err)
				fetchErrs[i] = err
				return nil
			}
			logger.Info("collector.fetched", "job_id", j.Handle, "outputs", len(outs))
			outputs[i] = outs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// group outputs by correlation id, keeping provider order
	byID := make(map[string][]llm.Output, len(requests))
	for i, outs := range outputs {
		for _, o := range outs {
			if _, ok := known[o.CorrelationID]; !ok {
				logger.Warn("collector.unknown_correlation_id", "job_id", jobs[i].Handle, "correlation_id", o.CorrelationID)
				continue
			}
			if len(byID[o.CorrelationID]) > 0 {
				logger.Warn("collector.duplicate_output", "job_id", jobs[i].Handle, "correlation_id", o.CorrelationID)
			}
			byID[o.CorrelationID] = append(byID[o.CorrelationID], o)
		}
	}

	results := make(map[string]entity.ResultRecord, len(requests))
	for _, r := range requests {
		rec := entity.ResultRecord{CorrelationID: r.CorrelationID, Identifier: r.Reference.Identifier}
		i, owned := owner[r.CorrelationID]
		if owned {
			rec.JobHandle = jobs[i].Handle
		}
		if outs := byID[r.CorrelationID]; len(outs) > 0 {
			rec = c.decide(rec, outs)
		} else {
			reason := "request was never assigned to a sub-batch"
			if owned {
				reason = missingReason(jobs[i], fetchErrs[i])
			}
			rec = missing(rec, reason)
		}
		results[r.CorrelationID] = rec
	}

	ok, schemaErrs, miss := Tally(results)
	c.metrics.Result(string(constants.ResultOK), ok)
	c.metrics.Result(string(constants.ResultSchemaError), schemaErrs)
	c.metrics.Result(string(constants.ResultMissing), miss)
	logger.Info("collector.done", "total", len(results), "ok", ok, "schema_error", schemaErrs, "missing", miss)
	return results, nil
}

// decide picks one record from possibly duplicated outputs: the first valid
// payload wins, then the first invalid payload, then the first error entry.
func (c *Collector) decide(rec entity.ResultRecord, outs []llm.Output) entity.ResultRecord {
	var firstSchemaErr *entity.ResultRecord
	var firstErr string
	for _, o := range outs {
		if o.Error != "" {
			if firstErr == "" {
				firstErr = o.Error
			}
			continue
		}
		candidate, err := c.evaluate(rec, o.Payload)
		if err == nil {
			return candidate
		}
		if firstSchemaErr == nil {
			firstSchemaErr = &candidate
		}
	}
	if firstSchemaErr != nil {
		return *firstSchemaErr
	}
	return missing(rec, firstErr)
}

// evaluate sanitizes, validates and decodes one payload. The returned record
// always carries the untouched payload in Raw.
func (c *Collector) evaluate(rec entity.ResultRecord, payload json.RawMessage) (entity.ResultRecord, error) {
	rec.Raw = append(json.RawMessage(nil), payload...)

	fail := func(cause error) (entity.ResultRecord, error) {
		err := &common.SchemaValidationError{CorrelationID: rec.CorrelationID, Cause: cause}
		rec.Status = constants.ResultSchemaError
		rec.Error = err.Error()
		return rec, err
	}

	clean, notes, err := llm.NormalizeAndSanitizeJSON(payload, c.log)
	if err != nil {
		return fail(err)
	}
	if len(notes) > 0 {
		c.log.Debug("collector.sanitized", "correlation_id", rec.CorrelationID, "changes", notes)
	}
	if c.validator != nil {
		if err := c.validator.Validate(clean); err != nil {
			return fail(err)
		}
	}
	var a entity.SafetyAssessment
	if err := json.Unmarshal(clean, &a); err != nil {
		return fail(fmt.Errorf("decode assessment: %w", err))
	}
	rec.Status = constants.ResultOK
	rec.Assessment = &a
	return rec, nil
}

func missing(rec entity.ResultRecord, reason string) entity.ResultRecord {
	rec.Status = constants.ResultMissing
	rec.Raw = nil
	rec.Assessment = nil
	rec.Error = (&common.MissingResultError{CorrelationID: rec.CorrelationID, Reason: reason}).Error()
	return rec
}

func missingReason(job entity.BatchJob, fetchErr error) string {
	switch {
	case !job.Submitted():
		if job.SubmitError != "" {
			return "submission failed: " + job.SubmitError
		}
		return "sub-batch was not submitted"
	case fetchErr != nil:
		var he *llm.HTTPError
		if errors.As(fetchErr, &he) {
			return fmt.Sprintf("fetching results failed with status %d", he.Status)
		}
		return "fetching results failed: " + fetchErr.Error()
	case job.LocalTimeout:
		return "job timed out before finishing"
	case !job.Status.IsTerminal():
		return "job is still " + string(job.Status)
	case job.Status == constants.JobStatusCompleted:
		return "no output line for request"
	default:
		return "job " + string(job.Status)
	}
}

// Tally counts results by status.
func Tally(results map[string]entity.ResultRecord) (ok, schemaErrors, missing int) {
	for _, r := range results {
		switch r.Status {
		case constants.ResultOK:
			ok++
		case constants.ResultSchemaError:
			schemaErrors++
		default:
			missing++
		}
	}
	return ok, schemaErrors, missing
}
