package entity

import (
	"time"

	"github.com/bpalas/street-safety-vision/constants"
)

// RunState is everything needed to resume a run. It is owned by one
// orchestrator and persisted after every phase transition.
type RunState struct {
	RunID            string                  `json:"run_id"`
	Phase            constants.Phase         `json:"phase"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
	References       []ImageReference        `json:"references,omitempty"`
	ResolutionErrors []string                `json:"resolution_errors,omitempty"`
	Requests         []RequestItem           `json:"requests,omitempty"`
	Jobs             []BatchJob              `json:"jobs,omitempty"`
	Results          map[string]ResultRecord `json:"results,omitempty"`
	Cancelled        bool                    `json:"cancelled,omitempty"`
}

// NewRunState starts an empty run.
func NewRunState(runID string, now time.Time) *RunState {
	return &RunState{
		RunID:     runID,
		Phase:     constants.PhaseNew,
		CreatedAt: now,
		UpdatedAt: now,
		Results:   map[string]ResultRecord{},
	}
}

// Advance moves the run forward; it never moves it back.
func (s *RunState) Advance(p constants.Phase, now time.Time) {
	if !s.Phase.Reached(p) {
		s.Phase = p
	}
	s.UpdatedAt = now
}

// RunReport is the final accounting of a run.
type RunReport struct {
	RunID            string          `json:"run_id"`
	Phase            constants.Phase `json:"phase"`
	Total            int             `json:"total"`
	OK               int             `json:"ok"`
	SchemaErrors     int             `json:"schema_error"`
	Missing          int             `json:"missing"`
	ResolutionErrors int             `json:"resolution_errors"`
	SubmissionErrors int             `json:"submission_errors"`
	PollingTimeouts  int             `json:"polling_timeouts"`
	Jobs             int             `json:"jobs"`
	Annotations      []string        `json:"annotations,omitempty"`
	ElapsedMillis    int64           `json:"elapsed_ms"`
}
