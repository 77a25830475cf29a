package fakeapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Job statuses as the remote service reports them.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// JobDocument is the job representation on the wire.
type JobDocument struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status"`
	Spec        json.RawMessage `json:"spec"`
	History     HistoryDocument `json:"history"`
}

// HistoryDocument is the job timeline on the wire.
type HistoryDocument struct {
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Description string     `json:"description,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
}

type submitRequest struct {
	Name        string          `json:"name"`
	Tags        []string        `json:"tags"`
	Description string          `json:"description"`
	Spec        json.RawMessage `json:"spec"`
}

// LogFrame is one NDJSON frame of the log stream.
type LogFrame struct {
	Seq    int64  `json:"seq,omitempty"`
	Stream string `json:"stream,omitempty"`
	Data   []byte `json:"data,omitempty"`
	End    bool   `json:"end,omitempty"`
}

type job struct {
	doc      JobDocument
	script   []string
	logs     []LogFrame
	ended    bool
	notify   chan struct{}
	cutAfter int
	replay   int
}

func (j *job) wake() {
	close(j.notify)
	j.notify = make(chan struct{})
}

func terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	var spec struct {
		Image string `json:"image"`
	}
	if len(req.Spec) == 0 || json.Unmarshal(req.Spec, &spec) != nil || spec.Image == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "spec.image is required")
		return
	}

	key := r.Header.Get("Idempotency-Key")

	s.mu.Lock()
	if id, ok := s.idempotency[key]; ok && key != "" {
		doc := s.jobs[id].doc
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, doc)
		return
	}
	id := "job-" + uuid.NewString()
	j := &job{
		doc: JobDocument{
			ID:          id,
			Name:        req.Name,
			Tags:        req.Tags,
			Description: req.Description,
			Status:      StatusPending,
			Spec:        req.Spec,
			History:     HistoryDocument{CreatedAt: time.Now().UTC()},
		},
		notify: make(chan struct{}),
	}
	s.jobs[id] = j
	s.order = append(s.order, id)
	if key != "" {
		s.idempotency[key] = id
	}
	doc := j.doc
	onSubmit := s.onSubmit
	s.mu.Unlock()

	if onSubmit != nil {
		onSubmit(id)
		s.mu.Lock()
		doc = j.doc
		s.mu.Unlock()
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	statuses := q["status"]
	name := q.Get("name")
	tags := q["tag"]
	since, err := parseTimeParam(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	until, err := parseTimeParam(q.Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	s.mu.Lock()
	out := make([]JobDocument, 0, len(s.order))
	for _, id := range s.order {
		doc := s.jobs[id].doc
		if len(statuses) > 0 && !slices.Contains(statuses, doc.Status) {
			continue
		}
		if name != "" && doc.Name != name {
			continue
		}
		if !hasAllTags(doc.Tags, tags) {
			continue
		}
		if !since.IsZero() && doc.History.CreatedAt.Before(since) {
			continue
		}
		if !until.IsZero() && doc.History.CreatedAt.After(until) {
			continue
		}
		out = append(out, doc)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", v)
	}
	return t, nil
}

func hasAllTags(have, want []string) bool {
	for _, t := range want {
		if !slices.Contains(have, t) {
			return false
		}
	}
	return true
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("job %s not found", id))
		return
	}
	if len(j.script) > 0 {
		next := j.script[0]
		j.script = j.script[1:]
		s.setStatusLocked(j, next, "")
	}
	doc := j.doc
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("job %s not found", id))
		return
	}
	if terminal(j.doc.Status) {
		status := j.doc.Status
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("job %s already %s", id, status))
		return
	}
	j.script = nil
	s.setStatusLocked(j, StatusCancelled, "cancelled by user")
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) streamLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("job %s not found", id))
		return
	}
	if j.replay > 0 {
		since = max(0, since-int64(j.replay))
		j.replay = 0
	}
	cut := j.cutAfter
	j.cutAfter = 0
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	written := 0

	for {
		s.mu.Lock()
		var pending []LogFrame
		for _, f := range j.logs {
			if f.Seq > since {
				pending = append(pending, f)
			}
		}
		ended := j.ended
		notify := j.notify
		s.mu.Unlock()

		for _, f := range pending {
			if cut > 0 && written >= cut {
				return
			}
			if err := enc.Encode(f); err != nil {
				return
			}
			since = f.Seq
			written++
		}
		if flusher != nil {
			flusher.Flush()
		}
		if ended {
			_ = enc.Encode(LogFrame{End: true})
			return
		}

		select {
		case <-notify:
		case <-r.Context().Done():
			return
		}
	}
}

// SetStatus moves a job to status, stamping history timestamps. Moving to a
// terminal status ends the log stream.
func (s *Server) SetStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		s.setStatusLocked(j, status, "")
	}
}

// OnSubmit registers fn to run for every newly created job before the submit
// response is written. fn may call the scripting methods. Nil removes it.
func (s *Server) OnSubmit(fn func(id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSubmit = fn
}

// SetCreatedAt backdates a job.
func (s *Server) SetCreatedAt(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.doc.History.CreatedAt = t.UTC()
	}
}

// Script queues statuses applied one per GET /jobs/{id}.
func (s *Server) Script(id string, statuses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.script = append(j.script, statuses...)
	}
}

func (s *Server) setStatusLocked(j *job, status, reason string) {
	now := time.Now().UTC()
	j.doc.Status = status
	if reason != "" {
		j.doc.History.Reason = reason
	}
	switch status {
	case StatusRunning:
		j.doc.History.StartedAt = &now
	case StatusSucceeded, StatusFailed, StatusCancelled:
		j.doc.History.FinishedAt = &now
		if status != StatusCancelled {
			code := 0
			if status == StatusFailed {
				code = 1
			}
			j.doc.History.ExitCode = &code
		}
		j.ended = true
		j.wake()
	}
}

// AppendLog appends a chunk with the next sequence number.
func (s *Server) AppendLog(id, stream, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	seq := int64(1)
	if n := len(j.logs); n > 0 {
		seq = j.logs[n-1].Seq + 1
	}
	j.logs = append(j.logs, LogFrame{Seq: seq, Stream: stream, Data: []byte(data)})
	j.wake()
}

// AppendLogFrame appends a frame with an explicit sequence number.
func (s *Server) AppendLogFrame(id string, frame LogFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.logs = append(j.logs, frame)
		j.wake()
	}
}

// EndLog terminates the log stream without changing status.
func (s *Server) EndLog(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.ended = true
		j.wake()
	}
}

// CutLogAfter makes the next log request close the stream after n frames
// without an end frame.
func (s *Server) CutLogAfter(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.cutAfter = n
	}
}

// ReplayLog makes the next log request resend n frames before the
// requested position.
func (s *Server) ReplayLog(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.replay = n
	}
}

// Job returns a snapshot of a job.
func (s *Server) Job(id string) (JobDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return JobDocument{}, false
	}
	return j.doc, true
}

// JobCount returns the number of accepted submissions.
func (s *Server) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
