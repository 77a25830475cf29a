package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/3leaps/nimbusctl/pkg/events"
	"github.com/3leaps/nimbusctl/pkg/jobregistry"
	"github.com/3leaps/nimbusctl/pkg/jobs"
	"github.com/3leaps/nimbusctl/pkg/match"
	"github.com/3leaps/nimbusctl/pkg/output"
	"github.com/3leaps/nimbusctl/pkg/transfer"
)

// describeEvent renders an event as one progress line, or "" to skip it.
func describeEvent(ev events.Event) string {
	switch data := ev.Data.(type) {
	case transfer.ItemEvent:
		switch ev.Kind {
		case events.KindVerified:
			return fmt.Sprintf("verified  %s (%s)", data.RemoteKey, match.FormatSize(data.Size))
		case events.KindFailed:
			return fmt.Sprintf("failed    %s: %s", data.RemoteKey, data.Error)
		case events.KindRetry:
			if data.Reason == "integrity" {
				return fmt.Sprintf("retry     %s: hash mismatch, transferring again", data.RemoteKey)
			}
			return fmt.Sprintf("retry     %s: attempt %d failed (%s), waiting %s", data.RemoteKey, data.Attempt, data.Reason, data.Delay.Round(time.Millisecond))
		}
		return ""
	case jobs.StatusChange:
		if data.From == "" {
			return fmt.Sprintf("job %s: %s", ev.Source, data.To)
		}
		return fmt.Sprintf("job %s: %s -> %s", ev.Source, data.From, data.To)
	case jobs.RetryInfo:
		return fmt.Sprintf("retry %s: attempt %d failed (%s), waiting %s", ev.Source, data.Attempt, data.Class, data.Delay)
	}

	switch ev.Kind {
	case events.KindAmbiguous:
		return fmt.Sprintf("submission %s: outcome unknown", ev.Source)
	case events.KindCancelled:
		return fmt.Sprintf("job %s: cancel requested", ev.Source)
	}
	return ""
}

func newJobRecord(job *jobs.Job) *output.JobRecord {
	return &output.JobRecord{
		ID:          job.ID,
		Name:        job.Spec.Name,
		Status:      string(job.Status),
		Image:       job.Spec.Image,
		Tags:        job.Spec.Tags,
		CreatedAt:   job.History.CreatedAt,
		StartedAt:   job.History.StartedAt,
		FinishedAt:  job.History.FinishedAt,
		Reason:      job.History.Reason,
		ExitCode:    job.History.ExitCode,
		Description: job.History.Description,
	}
}

// newJournalJobRecord converts a local journal record. Ambiguous submissions
// carry their idempotency key as id.
func newJournalJobRecord(r jobregistry.JobRecord) *output.JobRecord {
	return &output.JobRecord{
		ID:          r.Key(),
		Name:        r.Name,
		Status:      string(r.State),
		Image:       r.Image,
		Tags:        r.Tags,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.EndedAt,
		Reason:      r.Reason,
		ExitCode:    r.ExitCode,
		Description: r.Error,
	}
}

var jobHeader = []string{"ID", "STATUS", "NAME", "IMAGE", "DETAIL"}

func jobRow(job *jobs.Job) []string {
	var detail []string
	if job.History.ExitCode != nil {
		detail = append(detail, fmt.Sprintf("exit=%d", *job.History.ExitCode))
	}
	if job.History.Reason != "" {
		detail = append(detail, "("+job.History.Reason+")")
	}
	return []string{job.ID, string(job.Status), job.Spec.Name, job.Spec.Image, strings.Join(detail, " ")}
}

var journalHeader = []string{"KEY", "STATE", "CREATED", "NAME", "NOTE"}

func journalRow(r jobregistry.JobRecord) []string {
	var note string
	if r.State == jobregistry.JobStateAmbiguous {
		note = "outcome unknown: " + r.Error
	}
	return []string{r.Key(), string(r.State), r.CreatedAt.Local().Format(time.DateTime), r.Name, note}
}

// table aligns text output in columns. The header goes out with the first
// row, so an empty listing prints nothing.
type table struct {
	tw     *tabwriter.Writer
	header []string
	rows   int
}

func newTable(w io.Writer, header ...string) *table {
	return &table{tw: tabwriter.NewWriter(w, 0, 0, 2, ' ', 0), header: header}
}

func (t *table) row(cells ...string) {
	if t.rows == 0 && len(t.header) > 0 {
		_, _ = fmt.Fprintln(t.tw, strings.Join(t.header, "\t"))
	}
	t.rows++
	_, _ = fmt.Fprintln(t.tw, strings.Join(cells, "\t"))
}

func (t *table) flush() error { return t.tw.Flush() }

func newItemRecord(item transfer.Item, state transfer.ItemState, attempts int, err error) *output.ItemRecord {
	rec := &output.ItemRecord{
		Direction: string(item.Direction),
		LocalPath: item.LocalPath,
		RemoteKey: item.RemoteKey,
		Size:      item.Size,
		SHA256:    item.Hash,
		State:     string(state),
		Attempts:  attempts,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

func newSummaryRecord(res *transfer.Result) *output.SummaryRecord {
	return &output.SummaryRecord{
		Verified:      int64(len(res.Verified)),
		Failed:        int64(len(res.Failed)),
		Unchanged:     int64(len(res.Unchanged)),
		Bytes:         res.Bytes,
		Duration:      res.Duration,
		DurationHuman: res.Duration.Round(time.Millisecond).String(),
	}
}
