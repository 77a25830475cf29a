// Package jobregistry is the local journal of submitted jobs.
//
// Every submission and every observed status change is written to disk so
// the CLI can list recent jobs, resolve names to ids and point the user at
// submissions whose outcome is unknown.
package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("job record not found")

// Store persists and loads JobRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/stdout.log
//	<root>/<job_id>/stderr.log
//	<root>/<idempotency_key>/job.json   (ambiguous submissions)
//
// Root is expected to be under the app data dir. A Store is safe for
// concurrent use within one process.
type Store struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root), now: time.Now}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(key string) string {
	return filepath.Join(s.root, key)
}

func (s *Store) JobPath(key string) string {
	return filepath.Join(s.JobDir(key), "job.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

func validKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("job_id or idempotency_key is required")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("invalid job key %q", key)
	}
	return nil
}

// Write stores record atomically (temp file + rename).
func (s *Store) Write(record *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(record)
}

func (s *Store) writeLocked(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	key := record.Key()
	if err := validKey(key); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(key)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(key)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get loads the record stored under key (a job id or idempotency key).
func (s *Store) Get(key string) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *Store) getLocked(key string) (*JobRecord, error) {
	key = strings.TrimSpace(key)
	if err := validKey(key); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.JobPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &record, nil
}

// Update loads the record under key, applies fn and writes it back. A
// missing record is passed to fn as nil; fn may return nil to skip the
// write.
func (s *Store) Update(key string, fn func(*JobRecord) *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getLocked(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	next := fn(rec)
	if next == nil {
		return nil
	}
	return s.writeLocked(next)
}

// Delete removes the record and any captured logs.
func (s *Store) Delete(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.JobDir(key)); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return os.RemoveAll(s.JobDir(key))
}

// List returns every readable record, newest first. Unreadable records are
// skipped.
func (s *Store) List() ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Store) listLocked() ([]JobRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.getLocked(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Resolve finds a record by exact job id, then by name (newest wins), then
// by unique job id prefix.
func (s *Store) Resolve(nameOrID string) (*JobRecord, error) {
	nameOrID = strings.TrimSpace(nameOrID)
	if nameOrID == "" {
		return nil, fmt.Errorf("job name or id is required")
	}

	records, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].JobID == nameOrID {
			return &records[i], nil
		}
	}
	for i := range records {
		if records[i].JobID != "" && records[i].Name == nameOrID {
			return &records[i], nil
		}
	}

	var match *JobRecord
	for i := range records {
		if records[i].JobID == "" || !strings.HasPrefix(records[i].JobID, nameOrID) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("job id prefix %q is ambiguous: matches %s and %s", nameOrID, match.JobID, records[i].JobID)
		}
		match = &records[i]
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
	}
	return match, nil
}

// GC removes records of terminal jobs that ended more than maxAge ago and
// returns their ids. Pending, running and ambiguous records are kept.
func (s *Store) GC(maxAge time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.listLocked()
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-maxAge)

	var removed []string
	for _, r := range records {
		if !r.State.Terminal() {
			continue
		}
		ended := r.CreatedAt
		if r.EndedAt != nil {
			ended = *r.EndedAt
		}
		if ended.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(s.JobDir(r.Key())); err != nil {
			return removed, fmt.Errorf("remove %s: %w", r.Key(), err)
		}
		removed = append(removed, r.Key())
	}
	return removed, nil
}
