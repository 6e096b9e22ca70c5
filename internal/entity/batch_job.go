package entity

import (
	"time"

	"github.com/bpalas/street-safety-vision/constants"
)

// Progress mirrors the request counters a provider reports while a job runs.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// BatchJob is a submitted sub-batch. Only the job tracker changes Status.
type BatchJob struct {
	Handle         string              `json:"handle,omitempty"`
	SubBatch       int                 `json:"sub_batch"`
	IdempotencyKey string              `json:"idempotency_key"`
	CorrelationIDs []string            `json:"correlation_ids"`
	SubmittedAt    time.Time           `json:"submitted_at,omitempty"`
	Status         constants.JobStatus `json:"status"`
	ItemCount      int                 `json:"item_count"`
	Progress       Progress            `json:"progress"`
	OutputRef      string              `json:"output_ref,omitempty"`
	ErrorRef       string              `json:"error_ref,omitempty"`
	FinishedAt     *time.Time          `json:"finished_at,omitempty"`
	// LocalTimeout is set when the tracker gave up on the job before the
	// provider reported a terminal state.
	LocalTimeout bool   `json:"local_timeout,omitempty"`
	SubmitError  string `json:"submit_error,omitempty"`
	// SubmitRetryable marks a rejection caused by transient failures only.
	SubmitRetryable bool `json:"submit_retryable,omitempty"`
}

// Submitted reports whether the provider accepted the sub-batch.
func (j BatchJob) Submitted() bool {
	return j.Handle != ""
}

// Elapsed is the time since submission, or until finish once terminal.
func (j BatchJob) Elapsed(now time.Time) time.Duration {
	if j.SubmittedAt.IsZero() {
		return 0
	}
	if j.FinishedAt != nil {
		return j.FinishedAt.Sub(j.SubmittedAt)
	}
	return now.Sub(j.SubmittedAt)
}
