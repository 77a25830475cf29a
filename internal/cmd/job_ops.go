package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusctl/internal/observability"
	"github.com/3leaps/nimbusctl/pkg/jobregistry"
	"github.com/3leaps/nimbusctl/pkg/jobs"
	"github.com/3leaps/nimbusctl/pkg/manifest"
	"github.com/3leaps/nimbusctl/pkg/output"
)

var jobStatusCmd = &cobra.Command{
	Use:   "status JOB...",
	Short: "Show the current status of jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobStatus,
}

var jobWaitCmd = &cobra.Command{
	Use:   "wait JOB...",
	Short: "Wait until jobs reach a terminal status",
	Long: `Wait polls each job with an interval that grows while the status is
unchanged. --timeout bounds the local wait only; the jobs keep running.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runJobWait,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB...",
	Short: "Cancel jobs",
	Long: `Cancel requests cancellation of each job. Cancelling a job that already
finished is a no-op.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runJobCancel,
}

var jobLogsCmd = &cobra.Command{
	Use:   "logs JOB",
	Short: "Stream job output",
	Long: `Logs streams the ordered output of a job until it ends. A dropped
connection resumes from the last received chunk without duplicates.

With --capture, output is also appended to files in the local journal and a
later --capture run resumes where the previous one stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobLogs,
}

var jobListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List remote jobs",
	Args:    cobra.NoArgs,
	RunE:    runJobList,
}

var jobJournalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show jobs recorded by this machine",
	Long: `Journal lists the local job records, including ambiguous submissions
whose outcome is unknown. --gc removes records of jobs that finished longer
ago than the given age.`,
	Args: cobra.NoArgs,
	RunE: runJobJournal,
}

var (
	waitTimeout   time.Duration
	logsSince     int64
	logsCapture   bool
	listStatuses  []string
	listName      string
	listTags      []string
	listSince     string
	listUntil     string
	journalGC     time.Duration
	journalFilter string
)

func init() {
	jobCmd.AddCommand(jobStatusCmd, jobWaitCmd, jobCancelCmd, jobLogsCmd, jobListCmd, jobJournalCmd)

	jobWaitCmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "Give up waiting after this long")

	jobLogsCmd.Flags().Int64Var(&logsSince, "since", 0, "Start after this sequence number")
	jobLogsCmd.Flags().BoolVar(&logsCapture, "capture", false, "Also append output to the local journal and resume from it")

	jobListCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "Filter by status (repeatable)")
	jobListCmd.Flags().StringVar(&listName, "name", "", "Filter by name")
	jobListCmd.Flags().StringSliceVar(&listTags, "tag", nil, "Filter by tag; all must match (repeatable)")
	jobListCmd.Flags().StringVar(&listSince, "since", "", "Only jobs created at or after this time (RFC 3339, YYYY-MM-DD, or an age like 2h or 1d)")
	jobListCmd.Flags().StringVar(&listUntil, "until", "", "Only jobs created at or before this time (same forms as --since)")

	jobJournalCmd.Flags().DurationVar(&journalGC, "gc", 0, "Remove records of jobs that ended longer ago than this")
	jobJournalCmd.Flags().StringVar(&journalFilter, "state", "", "Only show records in this state")
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s := startSession(cmd, "job.status")
	defer s.close()

	ctrl, journal, err := newController(appConfig, s.reporter)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid API configuration", err)
	}

	t := newTable(s.out, jobHeader...)
	defer func() { _ = t.flush() }()

	var failed []error
	for _, id := range resolveJobIDs(journal, args) {
		job, err := ctrl.Status(ctx, id)
		if err != nil {
			observability.CLILogger.Error("Status failed", zap.String("job_id", id), zap.Error(err))
			s.writeError(ctx, id, err)
			failed = append(failed, err)
			continue
		}
		if s.json() {
			if err := s.writer.Write(ctx, newJobRecord(job)); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
			continue
		}
		t.row(jobRow(job)...)
	}
	if len(failed) > 0 {
		return failWith(fmt.Sprintf("Status failed for %d of %d jobs", len(failed), len(args)), errors.Join(failed...))
	}
	return nil
}

func runJobWait(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s := startSession(cmd, "job.wait")
	defer s.close()

	ctrl, journal, err := newController(appConfig, s.reporter)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid API configuration", err)
	}

	ids := resolveJobIDs(journal, args)
	results := ctrl.WaitAll(ctx, ids, jobs.WaitOptions{Timeout: waitTimeout})
	s.finish()

	t := newTable(s.out, jobHeader...)
	defer func() { _ = t.flush() }()

	var failed []error
	for _, id := range ids {
		res := results[id]
		if res.Err != nil {
			observability.CLILogger.Error("Wait failed", zap.String("job_id", id), zap.Error(res.Err))
			s.writeError(ctx, id, res.Err)
			failed = append(failed, res.Err)
			continue
		}
		if s.json() {
			if err := s.writer.Write(ctx, newJobRecord(res.Job)); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
			continue
		}
		t.row(jobRow(res.Job)...)
	}
	if len(failed) > 0 {
		return failWith(fmt.Sprintf("Wait failed for %d of %d jobs", len(failed), len(ids)), errors.Join(failed...))
	}
	return nil
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s := startSession(cmd, "job.cancel")
	defer s.close()

	ctrl, journal, err := newController(appConfig, s.reporter)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid API configuration", err)
	}

	results := ctrl.CancelMany(ctx, resolveJobIDs(journal, args))
	s.finish()

	var failed []error
	for _, r := range results {
		if r.Err != nil {
			observability.CLILogger.Error("Cancel failed", zap.String("job_id", r.JobID), zap.Error(r.Err))
			s.writeError(ctx, r.JobID, r.Err)
			failed = append(failed, r.Err)
			continue
		}
		if !s.json() {
			s.printf("%s cancel requested\n", r.JobID)
		}
	}
	if len(failed) > 0 {
		return failWith(fmt.Sprintf("Cancel failed for %d of %d jobs", len(failed), len(results)), errors.Join(failed...))
	}
	return nil
}

func runJobLogs(cmd *cobra.Command, args []string) error {
	s := startSession(cmd, "job.logs")
	defer s.close()

	ctrl, journal, err := newController(appConfig, s.reporter)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid API configuration", err)
	}
	id := resolveJobIDs(journal, args)[0]

	since := logsSince
	var capture *jobregistry.LogCapture
	if logsCapture {
		capture, err = journal.CaptureLogs(id)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to open log capture", err)
		}
		defer func() {
			if cerr := capture.Close(); cerr != nil {
				observability.CLILogger.Warn("Failed to close log capture", zap.Error(cerr))
			}
		}()
		since = max(since, capture.Resume())
	}

	return streamJobLogs(cmd, s, ctrl, id, since, capture)
}

// streamJobLogs writes the output of a job from since until the job ends.
// capture may be nil.
func streamJobLogs(cmd *cobra.Command, s *session, ctrl *jobs.Controller, id string, since int64, capture *jobregistry.LogCapture) error {
	ctx := cmd.Context()
	stream := ctrl.StreamLogs(ctx, id, since)
	defer func() { _ = stream.Close() }()

	for chunk, err := range stream.All() {
		if err != nil {
			observability.CLILogger.Error("Log stream failed",
				zap.String("job_id", id), zap.Int64("last_seq", stream.LastSeq()), zap.Error(err))
			s.writeError(ctx, id, err)
			return failWith("Log stream failed", err)
		}
		if capture != nil {
			if err := capture.Write(chunk); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to capture log", err)
			}
		}
		if err := writeChunk(cmd, s, id, chunk); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}

func writeChunk(cmd *cobra.Command, s *session, id string, chunk jobs.LogChunk) error {
	if s.json() {
		return s.writer.Write(cmd.Context(), &output.LogRecord{JobID: id, Seq: chunk.Seq, Stream: chunk.Stream, Data: string(chunk.Data)})
	}
	var w io.Writer = cmd.OutOrStdout()
	if chunk.Stream == "stderr" {
		w = cmd.ErrOrStderr()
	}
	_, err := w.Write(chunk.Data)
	return err
}

func runJobList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s := startSession(cmd, "job.ls")
	defer s.close()

	ctrl, _, err := newController(appConfig, s.reporter)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid API configuration", err)
	}

	opts := jobs.ListOptions{Name: listName, Tags: listTags}
	for _, st := range listStatuses {
		status := jobs.Status(strings.ToLower(st))
		if !status.Valid() {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", fmt.Errorf("unknown status %q", st))
		}
		opts.Statuses = append(opts.Statuses, status)
	}
	now := time.Now()
	if opts.Since, err = parseListTime(listSince, now); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --since value", err)
	}
	if opts.Until, err = parseListTime(listUntil, now); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --until value", err)
	}

	list, err := ctrl.List(ctx, opts)
	if err != nil {
		observability.CLILogger.Error("List failed", zap.Error(err))
		return failWith("List failed", err)
	}
	t := newTable(s.out, jobHeader...)
	defer func() { _ = t.flush() }()
	for _, job := range list {
		if s.json() {
			if err := s.writer.Write(ctx, newJobRecord(job)); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
			continue
		}
		t.row(jobRow(job)...)
	}
	return nil
}

// parseListTime accepts an RFC 3339 timestamp, a date, or an age relative to
// now. Empty means no bound.
func parseListTime(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, v, time.Local); err == nil {
		return t, nil
	}
	age, err := manifest.ParseLifeSpan(v)
	if err != nil || age <= 0 {
		return time.Time{}, fmt.Errorf("%q is not a time, date or age", v)
	}
	return now.Add(-age), nil
}

func runJobJournal(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	journal := newJournal(appConfig)

	if journalGC > 0 {
		removed, err := journal.GC(journalGC)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Journal cleanup failed", err)
		}
		observability.CLILogger.Info("Journal cleaned", zap.Int("removed", len(removed)))
		for _, key := range removed {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", key)
		}
		return nil
	}

	records, err := journal.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read journal", err)
	}

	s := startSession(cmd, "job.journal")
	defer s.close()
	s.finish()
	t := newTable(s.out, journalHeader...)
	defer func() { _ = t.flush() }()
	for _, r := range records {
		if journalFilter != "" && string(r.State) != journalFilter {
			continue
		}
		if s.json() {
			if err := s.writer.Write(ctx, newJournalJobRecord(r)); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
			continue
		}
		t.row(journalRow(r)...)
	}
	return nil
}
