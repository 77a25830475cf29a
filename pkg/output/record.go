// Package output provides JSONL output for job and storage commands.
//
// Output is structured as typed record envelopes containing jobs, log
// chunks, transfer items, progress events, errors and summaries. Each line is
// a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"time"

	"github.com/3leaps/nimbusctl/pkg/events"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: nimbusctl.<type>.v<version>
const (
	// TypeEvent identifies progress and status events.
	TypeEvent = "nimbusctl.event.v1"

	// TypeJob identifies job snapshots.
	TypeJob = "nimbusctl.job.v1"

	// TypeLog identifies job log chunks.
	TypeLog = "nimbusctl.log.v1"

	// TypeItem identifies transfer plan items.
	TypeItem = "nimbusctl.item.v1"

	// TypeError identifies error records.
	TypeError = "nimbusctl.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "nimbusctl.summary.v1"

	// TypeTags identifies the set of job tags.
	TypeTags = "nimbusctl.tags.v1"
)

// Payload is the data of one record.
type Payload interface {
	RecordType() string
}

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "nimbusctl.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates every record of one command invocation.
	RunID string `json:"run_id"`

	// Command is the command that produced the record (e.g., "storage.upload").
	Command string `json:"command"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// EventRecord is the data payload for reporter events.
type EventRecord struct {
	Source string      `json:"source"`
	Seq    uint64      `json:"seq"`
	Kind   events.Kind `json:"kind"`
	At     time.Time   `json:"at"`
	Data   any         `json:"data,omitempty"`
}

// NewEventRecord converts a reporter event.
func NewEventRecord(ev events.Event) *EventRecord {
	return &EventRecord{Source: ev.Source, Seq: ev.Seq, Kind: ev.Kind, At: ev.Time.UTC(), Data: ev.Data}
}

// JobRecord is the data payload for job snapshots.
type JobRecord struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Status      string     `json:"status"`
	Image       string     `json:"image,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Description string     `json:"description,omitempty"`
}

// LogRecord is the data payload for job log chunks.
type LogRecord struct {
	JobID  string `json:"job_id"`
	Seq    int64  `json:"seq"`
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// ItemRecord is the data payload for transfer plan items.
type ItemRecord struct {
	Direction string `json:"direction"`
	LocalPath string `json:"local_path"`
	RemoteKey string `json:"remote_key"`
	Size      int64  `json:"size"`
	SHA256    string `json:"sha256,omitempty"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the entire command,
// allowing partial results when some operations fail.
type ErrorRecord struct {
	// Code is a machine-readable error code (failure.Code).
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Subject is the job id, object key or path the error relates to.
	Subject string `json:"subject,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	Verified  int64 `json:"verified"`
	Failed    int64 `json:"failed"`
	Unchanged int64 `json:"unchanged"`
	Bytes     int64 `json:"bytes"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// TagsRecord lists the distinct tags of all jobs, sorted.
type TagsRecord struct {
	Tags []string `json:"tags"`
}

func (*EventRecord) RecordType() string   { return TypeEvent }
func (*JobRecord) RecordType() string     { return TypeJob }
func (*LogRecord) RecordType() string     { return TypeLog }
func (*ItemRecord) RecordType() string    { return TypeItem }
func (*ErrorRecord) RecordType() string   { return TypeError }
func (*SummaryRecord) RecordType() string { return TypeSummary }
func (*TagsRecord) RecordType() string    { return TypeTags }
