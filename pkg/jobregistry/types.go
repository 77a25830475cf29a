package jobregistry

import (
	"time"

	"github.com/3leaps/nimbusctl/pkg/jobs"
)

// JobState is the last known state of a journaled job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"

	// JobStateAmbiguous marks a submission whose outcome is unknown. The
	// record is keyed by its idempotency key until the user confirms it.
	JobStateAmbiguous JobState = "ambiguous"
)

// Terminal reports whether the remote job can no longer change.
func (s JobState) Terminal() bool {
	return jobs.Status(s).Terminal()
}

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	// JobID is empty for ambiguous submissions.
	JobID          string   `json:"job_id,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	Name           string   `json:"name,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	State          JobState `json:"state"`
	Image          string   `json:"image"`
	Command        string   `json:"command,omitempty"`
	ManifestPath   string   `json:"manifest_path,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	LastObserved *time.Time `json:"last_observed,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Reason       string     `json:"reason,omitempty"`

	// Error describes why a submission is ambiguous.
	Error string `json:"error,omitempty"`

	// LastLogSeq is the last log sequence saved by a log capture.
	LastLogSeq int64  `json:"last_log_seq,omitempty"`
	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
}

// Key returns the directory name of the record.
func (r *JobRecord) Key() string {
	if r.JobID != "" {
		return r.JobID
	}
	return r.IdempotencyKey
}
