package constants

// JobStatus is the lifecycle status of one remote batch job.
type JobStatus string

// Stable values (persisted in run state, keep exact strings).
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal tracker transition.
// Same-state "transitions" are allowed so a repeated poll is a no-op.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case JobStatusPending:
		return to == JobStatusInProgress || to.IsTerminal()
	case JobStatusInProgress:
		return to.IsTerminal()
	}
	return false
}

// ResultStatus tags every ResultRecord.
type ResultStatus string

const (
	ResultOK          ResultStatus = "ok"
	ResultSchemaError ResultStatus = "schema_error"
	ResultMissing     ResultStatus = "missing"
)

// Phase marks how far a run has progressed; persisted after each transition.
type Phase string

const (
	PhaseNew                  Phase = "new"
	PhaseReferencesEnumerated Phase = "references_enumerated"
	PhaseRequestsBuilt        Phase = "requests_built"
	PhaseJobsSubmitted        Phase = "jobs_submitted"
	PhaseJobsTerminal         Phase = "jobs_terminal"
	PhaseResultsCollected     Phase = "results_collected"
)

var phaseOrder = map[Phase]int{
	PhaseNew:                  0,
	PhaseReferencesEnumerated: 1,
	PhaseRequestsBuilt:        2,
	PhaseJobsSubmitted:        3,
	PhaseJobsTerminal:         4,
	PhaseResultsCollected:     5,
}

// Reached reports whether p is at or past target.
func (p Phase) Reached(target Phase) bool {
	return phaseOrder[p] >= phaseOrder[target]
}
