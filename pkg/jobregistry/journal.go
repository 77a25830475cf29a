package jobregistry

import (
	"context"
	"errors"
	"time"

	"github.com/3leaps/nimbusctl/pkg/jobs"
)

var _ jobs.Journal = (*Store)(nil)

// Submitted records an accepted submission. A pending ambiguous record for
// the same idempotency key is replaced.
func (s *Store) Submitted(_ context.Context, key string, job *jobs.Job) error {
	err := s.Update(job.ID, func(rec *JobRecord) *JobRecord {
		if rec == nil {
			rec = &JobRecord{JobID: job.ID, CreatedAt: s.now().UTC()}
		}
		rec.IdempotencyKey = key
		fromJob(rec, job, s.now().UTC())
		return rec
	})
	if err != nil {
		return err
	}

	if key != "" && key != job.ID {
		if derr := s.Delete(key); derr != nil && !errors.Is(derr, ErrNotFound) {
			return derr
		}
	}
	return nil
}

// Ambiguous records a submission whose outcome is unknown, keyed by the
// idempotency key.
func (s *Store) Ambiguous(_ context.Context, key string, spec jobs.Spec, cause error) error {
	now := s.now().UTC()
	rec := &JobRecord{
		IdempotencyKey: key,
		Name:           spec.Name,
		Tags:           spec.Tags,
		State:          JobStateAmbiguous,
		Image:          spec.Image,
		Command:        spec.Command,
		CreatedAt:      now,
		LastObserved:   &now,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return s.Write(rec)
}

// Observed records the latest status of a job, creating the record for
// jobs submitted elsewhere.
func (s *Store) Observed(_ context.Context, job *jobs.Job) error {
	return s.Update(job.ID, func(rec *JobRecord) *JobRecord {
		if rec == nil {
			rec = &JobRecord{JobID: job.ID}
		}
		fromJob(rec, job, s.now().UTC())
		return rec
	})
}

func fromJob(rec *JobRecord, job *jobs.Job, now time.Time) {
	rec.Name = job.Spec.Name
	rec.Tags = job.Spec.Tags
	rec.Image = job.Spec.Image
	rec.Command = job.Spec.Command
	rec.State = JobState(job.Status)
	if !job.History.CreatedAt.IsZero() {
		rec.CreatedAt = job.History.CreatedAt.UTC()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.StartedAt = job.History.StartedAt
	rec.EndedAt = job.History.FinishedAt
	rec.ExitCode = job.History.ExitCode
	rec.Reason = job.History.Reason
	rec.Error = ""
	rec.LastObserved = &now
}
