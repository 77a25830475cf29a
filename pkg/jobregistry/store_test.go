package jobregistry

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusctl/pkg/jobs"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	code := 0
	rec := &JobRecord{
		JobID:          "job-1",
		IdempotencyKey: "key-1",
		Name:           "demo",
		State:          JobStateSucceeded,
		Image:          "busybox",
		CreatedAt:      now,
		StartedAt:      &now,
		ExitCode:       &code,
	}
	require.NoError(t, s.Write(rec))

	got, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, rec.JobID, got.JobID)
	assert.Equal(t, rec.State, got.State)
	assert.Equal(t, "key-1", got.IdempotencyKey)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)

	entries, err := os.ReadDir(s.JobDir("job-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files are cleaned up")
	assert.Equal(t, "job.json", entries[0].Name())
}

func TestStore_GetMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get("../escape")
	assert.Error(t, err)
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	s := NewStore(t.TempDir())

	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 19, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.Write(&JobRecord{JobID: "job-1", State: JobStateRunning, CreatedAt: t1}))
	require.NoError(t, s.Write(&JobRecord{JobID: "job-2", State: JobStateRunning, CreatedAt: t2}))
	require.NoError(t, os.MkdirAll(s.JobDir("junk"), 0o755))

	got, err := s.List()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "job-2", got[0].JobID)
	assert.Equal(t, "job-1", got[1].JobID)
}

func TestStore_ListEmptyRoot(t *testing.T) {
	s := NewStore(t.TempDir() + "/missing")
	got, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_Resolve(t *testing.T) {
	s := NewStore(t.TempDir())
	base := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Write(&JobRecord{JobID: "job-abc123", Name: "train", CreatedAt: base}))
	require.NoError(t, s.Write(&JobRecord{JobID: "job-abd456", Name: "train", CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, s.Write(&JobRecord{JobID: "job-zzz", Name: "eval", CreatedAt: base}))
	require.NoError(t, s.Write(&JobRecord{IdempotencyKey: "key-1", Name: "lost", State: JobStateAmbiguous, CreatedAt: base}))

	r, err := s.Resolve("job-zzz")
	require.NoError(t, err)
	assert.Equal(t, "job-zzz", r.JobID)

	r, err = s.Resolve("train")
	require.NoError(t, err)
	assert.Equal(t, "job-abd456", r.JobID, "newest job with the name wins")

	r, err = s.Resolve("job-abc")
	require.NoError(t, err)
	assert.Equal(t, "job-abc123", r.JobID)

	_, err = s.Resolve("job-ab")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	_, err = s.Resolve("lost")
	assert.ErrorIs(t, err, ErrNotFound, "ambiguous submissions have no job id to resolve")
}

func TestStore_GC(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)
	require.NoError(t, s.Write(&JobRecord{JobID: "old-done", State: JobStateSucceeded, CreatedAt: old, EndedAt: &old}))
	require.NoError(t, s.Write(&JobRecord{JobID: "recent-done", State: JobStateFailed, CreatedAt: recent, EndedAt: &recent}))
	require.NoError(t, s.Write(&JobRecord{JobID: "old-running", State: JobStateRunning, CreatedAt: old}))
	require.NoError(t, s.Write(&JobRecord{IdempotencyKey: "old-ambiguous", State: JobStateAmbiguous, CreatedAt: old}))

	removed, err := s.GC(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"old-done"}, removed)

	left, err := s.List()
	require.NoError(t, err)
	assert.Len(t, left, 3)
}

func TestJournal_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore(t.TempDir())
	spec := jobs.Spec{Name: "train", Image: "python:3.12", Command: "python train.py"}

	require.NoError(t, s.Ambiguous(ctx, "key-1", spec, errors.New("POST /jobs: connection reset")))
	rec, err := s.Get("key-1")
	require.NoError(t, err)
	assert.Equal(t, JobStateAmbiguous, rec.State)
	assert.Empty(t, rec.JobID)
	assert.Contains(t, rec.Error, "connection reset")

	created := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	job := &jobs.Job{ID: "job-1", Spec: spec, Status: jobs.StatusPending, History: jobs.History{CreatedAt: created}}
	require.NoError(t, s.Submitted(ctx, "key-1", job))

	_, err = s.Get("key-1")
	assert.ErrorIs(t, err, ErrNotFound, "confirmed submission replaces the ambiguous record")

	rec, err = s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatePending, rec.State)
	assert.Equal(t, "key-1", rec.IdempotencyKey)
	assert.Equal(t, created, rec.CreatedAt)

	finished := created.Add(time.Minute)
	code := 1
	job.Status = jobs.StatusFailed
	job.History.FinishedAt = &finished
	job.History.ExitCode = &code
	require.NoError(t, s.Observed(ctx, job))

	rec, err = s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, rec.State)
	assert.True(t, rec.State.Terminal())
	assert.Equal(t, "key-1", rec.IdempotencyKey, "observation keeps the key")
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 1, *rec.ExitCode)
	require.NotNil(t, rec.EndedAt)
}

func TestJournal_ObservedCreatesRecord(t *testing.T) {
	s := NewStore(t.TempDir())
	job := &jobs.Job{ID: "job-ext", Spec: jobs.Spec{Image: "busybox"}, Status: jobs.StatusRunning}
	require.NoError(t, s.Observed(context.Background(), job))

	rec, err := s.Get("job-ext")
	require.NoError(t, err)
	assert.Equal(t, JobStateRunning, rec.State)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestLogCapture_Resumes(t *testing.T) {
	s := NewStore(t.TempDir())

	c, err := s.CaptureLogs("job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Resume())
	require.NoError(t, c.Write(jobs.LogChunk{Seq: 1, Stream: "stdout", Data: []byte("hello\n")}))
	require.NoError(t, c.Write(jobs.LogChunk{Seq: 2, Stream: "stderr", Data: []byte("warn\n")}))
	require.NoError(t, c.Close())

	c, err = s.CaptureLogs("job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Resume())
	require.NoError(t, c.Write(jobs.LogChunk{Seq: 2, Stream: "stderr", Data: []byte("warn\n")}))
	require.NoError(t, c.Write(jobs.LogChunk{Seq: 3, Stream: "stdout", Data: []byte("bye\n")}))
	require.NoError(t, c.Close())

	stdout, err := os.ReadFile(s.StdoutPath("job-1"))
	require.NoError(t, err)
	assert.Equal(t, "hello\nbye\n", string(stdout))
	stderr, err := os.ReadFile(s.StderrPath("job-1"))
	require.NoError(t, err)
	assert.Equal(t, "warn\n", string(stderr))

	rec, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.LastLogSeq)
	assert.Equal(t, s.StdoutPath("job-1"), rec.StdoutPath)
}
