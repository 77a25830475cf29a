package jobs

import (
	"fmt"
	"time"
)

// JSON documents exchanged with the job API.

type wireSpec struct {
	Image           string            `json:"image"`
	Entrypoint      string            `json:"entrypoint,omitempty"`
	Command         string            `json:"command"`
	Resources       Resources         `json:"resources"`
	Env             map[string]string `json:"env,omitempty"`
	Volumes         []Volume          `json:"volumes,omitempty"`
	Preemptible     bool              `json:"preemptible,omitempty"`
	RestartPolicy   RestartPolicy     `json:"restart_policy,omitempty"`
	LifeSpanSeconds int64             `json:"life_span_seconds,omitempty"`
}

type wireSubmit struct {
	Name        string   `json:"name,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`
	Spec        wireSpec `json:"spec"`
}

type wireHistory struct {
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Description string     `json:"description,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
}

type wireJob struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	Description string      `json:"description,omitempty"`
	Status      Status      `json:"status"`
	Spec        wireSpec    `json:"spec"`
	History     wireHistory `json:"history"`
}

type wireJobList struct {
	Jobs []wireJob `json:"jobs"`
}

type wireLogFrame struct {
	Seq    int64  `json:"seq"`
	Stream string `json:"stream"`
	Data   []byte `json:"data"`
	End    bool   `json:"end"`
}

func toWireSubmit(s Spec) wireSubmit {
	return wireSubmit{
		Name:        s.Name,
		Tags:        s.Tags,
		Description: s.Description,
		Spec: wireSpec{
			Image:           s.Image,
			Entrypoint:      s.Entrypoint,
			Command:         s.Command,
			Resources:       s.Resources,
			Env:             s.Env,
			Volumes:         s.Volumes,
			Preemptible:     s.Preemptible,
			RestartPolicy:   s.RestartPolicy,
			LifeSpanSeconds: int64(s.LifeSpan / time.Second),
		},
	}
}

func (w wireJob) toJob() (*Job, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("job document without id")
	}
	if !w.Status.Valid() {
		return nil, fmt.Errorf("job %s: unknown status %q", w.ID, w.Status)
	}
	return &Job{
		ID: w.ID,
		Spec: Spec{
			Name:          w.Name,
			Tags:          w.Tags,
			Description:   w.Description,
			Image:         w.Spec.Image,
			Entrypoint:    w.Spec.Entrypoint,
			Command:       w.Spec.Command,
			Resources:     w.Spec.Resources,
			Env:           w.Spec.Env,
			Volumes:       w.Spec.Volumes,
			Preemptible:   w.Spec.Preemptible,
			RestartPolicy: w.Spec.RestartPolicy,
			LifeSpan:      time.Duration(w.Spec.LifeSpanSeconds) * time.Second,
		},
		Status: w.Status,
		History: History{
			CreatedAt:   w.History.CreatedAt,
			StartedAt:   w.History.StartedAt,
			FinishedAt:  w.History.FinishedAt,
			Reason:      w.History.Reason,
			Description: w.History.Description,
			ExitCode:    w.History.ExitCode,
		},
	}, nil
}
