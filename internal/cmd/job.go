package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
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

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit, monitor and cancel remote jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job",
	Long: `Submit a job from a manifest file or from flags.

A submission that fails after the request reached the service is never
retried automatically: it is recorded in the local journal as ambiguous with
its idempotency key, and the command exits with an error.

Examples:
  nimbusctl job submit -f job.yaml
  nimbusctl job submit --image python:3.12 --command "python train.py" --cpu 2 --memory 4096
  nimbusctl job submit -f job.yaml --wait --timeout 1h
  nimbusctl job submit -f job.yaml --attach

--wait-start returns once the job has left pending and fails when it could
not start. --attach also streams the job output until the job ends.`,
	Args: cobra.NoArgs,
	RunE: runJobSubmit,
}

var (
	submitFile        string
	submitName        string
	submitTags        []string
	submitImage       string
	submitEntrypoint  string
	submitCommand     string
	submitCPU         float64
	submitMemoryMB    int
	submitGPU         int
	submitGPUModel    string
	submitEnv         []string
	submitEnvFile     string
	submitVolumes     []string
	submitPreemptible bool
	submitRestart     string
	submitLifeSpan    string
	submitWait        bool
	submitWaitStart   bool
	submitAttach      bool
	submitTimeout     time.Duration
)

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobSubmitCmd)

	f := jobSubmitCmd.Flags()
	f.StringVarP(&submitFile, "file", "f", "", "Job manifest (YAML or JSON); - reads stdin")
	f.StringVar(&submitName, "name", "", "Job name (overrides the manifest)")
	f.StringSliceVar(&submitTags, "tag", nil, "Job tag (repeatable)")
	f.StringVar(&submitImage, "image", "", "Container image")
	f.StringVar(&submitEntrypoint, "entrypoint", "", "Override the image entrypoint")
	f.StringVar(&submitCommand, "command", "", "Command to run")
	f.Float64Var(&submitCPU, "cpu", 1, "CPU cores")
	f.IntVar(&submitMemoryMB, "memory", 1024, "Memory in MiB")
	f.IntVar(&submitGPU, "gpu", 0, "Number of GPUs")
	f.StringVar(&submitGPUModel, "gpu-model", "", "GPU model")
	f.StringArrayVarP(&submitEnv, "env", "e", nil, "Environment variable KEY=VALUE, or KEY to copy from the local environment (repeatable)")
	f.StringVar(&submitEnvFile, "env-file", "", "File of KEY=VALUE lines")
	f.StringArrayVar(&submitVolumes, "volume", nil, "Volume SOURCE:DESTINATION[:ro|:rw] (repeatable)")
	f.BoolVar(&submitPreemptible, "preemptible", false, "Allow preemptible instances")
	f.StringVar(&submitRestart, "restart", "", "Restart policy: never, on-failure, always")
	f.StringVar(&submitLifeSpan, "life-span", "", "Maximum run time, e.g. 1d2h; 0 disables")
	f.BoolVar(&submitWait, "wait", false, "Wait for the job to finish")
	f.BoolVar(&submitWaitStart, "wait-start", false, "Wait for the job to leave pending")
	f.BoolVar(&submitAttach, "attach", false, "Stream job output until the job ends (implies --wait-start)")
	f.DurationVar(&submitTimeout, "timeout", 0, "Give up waiting after this long (with --wait, --wait-start or --attach)")

	jobCmd.AddCommand(jobTagsCmd)
}

var jobTagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List the tags used by remote jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobTags,
}

func runJobSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	spec, err := buildSubmitSpec(cmd)
	if err != nil {
		observability.CLILogger.Error("Invalid job", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid job", err)
	}

	s := startSession(cmd, "job.submit")
	defer s.close()

	ctrl, journal, err := newController(appConfig, s.reporter)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid API configuration", err)
	}

	job, err := ctrl.Submit(ctx, spec)
	if err != nil {
		s.writeError(ctx, spec.Name, err)
		var ae *jobs.AmbiguousError
		if errors.As(err, &ae) {
			observability.CLILogger.Error("Submission outcome unknown",
				zap.String("idempotency_key", ae.IdempotencyKey), zap.Error(err))
			return exitError(foundry.ExitExternalServiceUnavailable,
				fmt.Sprintf("Submission outcome unknown (recorded in %s); check 'nimbusctl job ls' before submitting again", journal.JobDir(ae.IdempotencyKey)), err)
		}
		observability.CLILogger.Error("Submit failed", zap.Error(err))
		return failWith("Submit failed", err)
	}
	observability.CLILogger.Info("Job submitted", zap.String("job_id", job.ID))

	id := job.ID
	if submitWaitStart || submitAttach {
		job, err = ctrl.Wait(ctx, id, jobs.WaitOptions{Timeout: submitTimeout, UntilStarted: true})
		if err != nil {
			s.writeError(ctx, id, err)
			return failWith("Wait failed", err)
		}
		if job.Status == jobs.StatusFailed && !submitAttach {
			return finishSubmit(cmd, s, job, "Job failed to start")
		}
	}
	// A job that already ended still has output worth showing.
	if submitAttach {
		if err := streamJobLogs(cmd, s, ctrl, id, 0, nil); err != nil {
			return err
		}
	}
	if submitWait || (submitAttach && !job.Status.Terminal()) {
		job, err = ctrl.Wait(ctx, id, jobs.WaitOptions{Timeout: submitTimeout})
		if err != nil {
			s.writeError(ctx, id, err)
			return failWith("Wait failed", err)
		}
	}

	failed := ""
	if submitAttach && job.Status == jobs.StatusFailed {
		failed = "Job failed"
	}
	return finishSubmit(cmd, s, job, failed)
}

// finishSubmit prints the job and turns a non-empty failure message into an
// exit error.
func finishSubmit(cmd *cobra.Command, s *session, job *jobs.Job, failure string) error {
	s.finish()
	if s.json() {
		if err := s.writer.Write(cmd.Context(), newJobRecord(job)); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	} else {
		t := newTable(s.out, jobHeader...)
		t.row(jobRow(job)...)
		if err := t.flush(); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	if failure != "" {
		observability.CLILogger.Error(failure, zap.String("job_id", job.ID), zap.String("reason", job.History.Reason))
		return exitError(foundry.ExitFailure, failure, fmt.Errorf("job %s %s", job.ID, job.Status))
	}
	return nil
}

func runJobTags(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s := startSession(cmd, "job.tags")
	defer s.close()

	ctrl, _, err := newController(appConfig, s.reporter)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid API configuration", err)
	}
	tags, err := ctrl.Tags(ctx)
	if err != nil {
		observability.CLILogger.Error("Listing tags failed", zap.Error(err))
		return failWith("Listing tags failed", err)
	}
	if s.json() {
		return s.writer.Write(ctx, &output.TagsRecord{Tags: tags})
	}
	for _, tag := range tags {
		s.printf("%s\n", tag)
	}
	return nil
}

func buildSubmitSpec(cmd *cobra.Command) (jobs.Spec, error) {
	var (
		m       *manifest.JobManifest
		baseDir string
		err     error
	)
	switch submitFile {
	case "":
		m = &manifest.JobManifest{
			Image:      submitImage,
			Entrypoint: submitEntrypoint,
			Command:    submitCommand,
			Resources: jobs.Resources{
				CPU:      submitCPU,
				MemoryMB: submitMemoryMB,
				GPU:      submitGPU,
				GPUModel: submitGPUModel,
			},
			EnvFile:  submitEnvFile,
			LifeSpan: submitLifeSpan,
		}
		m.ApplyDefaults()
	case "-":
		m, err = manifest.ReadJob(cmd.InOrStdin(), "")
	default:
		m, err = manifest.LoadJob(submitFile)
		baseDir = filepath.Dir(submitFile)
	}
	if err != nil {
		return jobs.Spec{}, err
	}

	if submitName != "" {
		m.Name = submitName
	}
	if len(submitTags) > 0 {
		m.Tags = append(m.Tags, submitTags...)
	}
	if submitRestart != "" {
		m.RestartPolicy = submitRestart
	}
	if submitPreemptible {
		m.Preemptible = true
	}
	if submitFile != "" {
		if submitLifeSpan != "" {
			m.LifeSpan = submitLifeSpan
		}
		if submitEnvFile != "" {
			m.EnvFile = submitEnvFile
			baseDir = ""
		}
	}
	for _, v := range submitVolumes {
		vol, err := manifest.ParseVolume(v)
		if err != nil {
			return jobs.Spec{}, err
		}
		m.Volumes = append(m.Volumes, vol)
	}
	if len(submitEnv) > 0 {
		env, err := manifest.ParseEnv(submitEnv, os.LookupEnv)
		if err != nil {
			return jobs.Spec{}, err
		}
		if m.Env == nil {
			m.Env = map[string]string{}
		}
		for k, v := range env {
			m.Env[k] = v
		}
	}

	return m.Spec(manifest.SpecOptions{BaseDir: baseDir, LookupEnv: os.LookupEnv})
}

// resolveJobIDs maps names and id prefixes known to the journal to job ids.
// Unknown arguments pass through as ids.
func resolveJobIDs(journal *jobregistry.Store, args []string) []string {
	ids := make([]string, 0, len(args))
	for _, arg := range args {
		rec, err := journal.Resolve(arg)
		if err == nil && rec.JobID != "" {
			ids = append(ids, rec.JobID)
			continue
		}
		ids = append(ids, arg)
	}
	return ids
}
