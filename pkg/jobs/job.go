// Package jobs is the job lifecycle controller: submission, status polling,
// cancellation and log streaming against the remote job API.
//
// The controller never resubmits a job whose first submission may have
// reached the server. Such submissions fail with failure.ErrAmbiguousState and
// carry the idempotency key so the caller can confirm the outcome.
package jobs

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/3leaps/nimbusctl/pkg/failure"
)

// Status is the remote job status.
type Status string

// Job statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// RestartPolicy controls what the remote service does when a job exits.
type RestartPolicy string

// Restart policies.
const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// Resources is the compute request of a job.
type Resources struct {
	CPU          float64 `json:"cpu" yaml:"cpu"`
	MemoryMB     int     `json:"memory_mb" yaml:"memory_mb"`
	GPU          int     `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	GPUModel     string  `json:"gpu_model,omitempty" yaml:"gpu_model,omitempty"`
	SharedMemory bool    `json:"shm,omitempty" yaml:"shm,omitempty"`
}

// Volume mounts remote storage into the job container.
type Volume struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
	ReadOnly    bool   `json:"read_only,omitempty" yaml:"read_only,omitempty"`
}

// Spec is the desired state of a job. It is immutable once submitted.
type Spec struct {
	Name        string
	Tags        []string
	Description string

	Image         string
	Entrypoint    string
	Command       string
	Resources     Resources
	Env           map[string]string
	Volumes       []Volume
	Preemptible   bool
	RestartPolicy RestartPolicy

	// LifeSpan bounds how long the job may run. Zero means unbounded.
	LifeSpan time.Duration
}

// History is the remote timeline of a job.
type History struct {
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Reason      string
	Description string
	ExitCode    *int
}

// Job is a submitted job as last observed.
type Job struct {
	ID      string
	Spec    Spec
	Status  Status
	History History
}

// Resource bounds accepted by Validate.
const (
	MaxCPU      = 128
	MaxMemoryMB = 1 << 20
	MaxGPU      = 16
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidationError lists every problem found in a spec.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid job spec: " + strings.Join(e.Problems, "; ")
}

// Unwrap marks validation failures as permanent.
func (e *ValidationError) Unwrap() error { return failure.ErrPermanent }

// Validate checks the spec locally before anything is sent.
func (s Spec) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(s.Image) == "" {
		add("image is required")
	}
	if strings.TrimSpace(s.Command) == "" {
		add("command is required")
	}

	r := s.Resources
	if r.CPU <= 0 || r.CPU > MaxCPU {
		add("resources.cpu must be in (0, %d], got %g", MaxCPU, r.CPU)
	}
	if r.MemoryMB <= 0 || r.MemoryMB > MaxMemoryMB {
		add("resources.memory_mb must be in (0, %d], got %d", MaxMemoryMB, r.MemoryMB)
	}
	if r.GPU < 0 || r.GPU > MaxGPU {
		add("resources.gpu must be in [0, %d], got %d", MaxGPU, r.GPU)
	}
	if r.GPUModel != "" && r.GPU == 0 {
		add("resources.gpu_model requires resources.gpu > 0")
	}

	for k := range s.Env {
		if !envKeyPattern.MatchString(k) {
			add("env key %q is not a valid identifier", k)
		}
	}
	for i, v := range s.Volumes {
		if v.Source == "" || v.Destination == "" {
			add("volumes[%d] needs source and destination", i)
		} else if !strings.HasPrefix(v.Destination, "/") {
			add("volumes[%d].destination must be absolute", i)
		}
	}

	switch s.RestartPolicy {
	case "", RestartNever, RestartOnFailure, RestartAlways:
	default:
		add("restart policy %q is not one of never, on-failure, always", s.RestartPolicy)
	}
	if s.LifeSpan < 0 {
		add("life span must not be negative")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
