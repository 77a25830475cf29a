package jobregistry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/3leaps/nimbusctl/pkg/jobs"
)

// StdoutPath is where captured stdout of jobID is appended.
func (s *Store) StdoutPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "stdout.log")
}

// StderrPath is where captured stderr of jobID is appended.
func (s *Store) StderrPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "stderr.log")
}

// LogCapture appends streamed log chunks to per-job files and remembers the
// last saved sequence so a later capture resumes where this one stopped.
type LogCapture struct {
	store  *Store
	jobID  string
	mu     sync.Mutex
	stdout *os.File
	stderr *os.File
	last   int64
}

// CaptureLogs opens the log files of jobID for appending. Resume returns the
// sequence to pass to Controller.StreamLogs.
func (s *Store) CaptureLogs(jobID string) (*LogCapture, error) {
	if err := validKey(jobID); err != nil {
		return nil, err
	}

	var last int64
	err := s.Update(jobID, func(rec *JobRecord) *JobRecord {
		if rec == nil {
			rec = &JobRecord{JobID: jobID, State: JobStatePending, CreatedAt: s.now().UTC()}
		}
		last = rec.LastLogSeq
		rec.StdoutPath = s.StdoutPath(jobID)
		rec.StderrPath = s.StderrPath(jobID)
		return rec
	})
	if err != nil {
		return nil, err
	}

	stdout, err := os.OpenFile(s.StdoutPath(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open stdout log: %w", err)
	}
	stderr, err := os.OpenFile(s.StderrPath(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("open stderr log: %w", err)
	}
	return &LogCapture{store: s, jobID: jobID, stdout: stdout, stderr: stderr, last: last}, nil
}

// Resume returns the last sequence already saved.
func (c *LogCapture) Resume() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Write appends chunk to the file of its stream. Chunks at or below the
// saved sequence are ignored.
func (c *LogCapture) Write(chunk jobs.LogChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chunk.Seq <= c.last {
		return nil
	}
	f := c.stdout
	if chunk.Stream == "stderr" {
		f = c.stderr
	}
	if _, err := f.Write(chunk.Data); err != nil {
		return fmt.Errorf("write %s log: %w", chunk.Stream, err)
	}
	c.last = chunk.Seq
	return nil
}

// Close flushes the files and records the last saved sequence.
func (c *LogCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := errors.Join(c.stdout.Close(), c.stderr.Close())
	last := c.last
	uerr := c.store.Update(c.jobID, func(rec *JobRecord) *JobRecord {
		if rec == nil {
			return nil
		}
		rec.LastLogSeq = max(rec.LastLogSeq, last)
		return rec
	})
	return errors.Join(err, uerr)
}
