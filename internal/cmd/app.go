package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusctl/internal/config"
	"github.com/3leaps/nimbusctl/internal/observability"
	"github.com/3leaps/nimbusctl/pkg/events"
	"github.com/3leaps/nimbusctl/pkg/failure"
	"github.com/3leaps/nimbusctl/pkg/jobregistry"
	"github.com/3leaps/nimbusctl/pkg/jobs"
	"github.com/3leaps/nimbusctl/pkg/match"
	"github.com/3leaps/nimbusctl/pkg/output"
	"github.com/3leaps/nimbusctl/pkg/provider"
	"github.com/3leaps/nimbusctl/pkg/provider/s3"
	"github.com/3leaps/nimbusctl/pkg/provider/storageapi"
	"github.com/3leaps/nimbusctl/pkg/retry"
	"github.com/3leaps/nimbusctl/pkg/transport"
)

var errNoAPIURL = errors.New("api.url is not set (use --config, or NIMBUSCTL_API_URL)")

func newTransport(cfg *config.Config) (*transport.HTTP, error) {
	if strings.TrimSpace(cfg.API.URL) == "" {
		return nil, errNoAPIURL
	}
	var token transport.TokenSource
	if cfg.API.Token != "" {
		token = transport.StaticToken(cfg.API.Token)
	}
	return transport.NewHTTP(transport.Config{
		BaseURL:           cfg.API.URL,
		Token:             token,
		RequestTimeout:    cfg.API.RequestTimeout,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		UserAgent:         cfg.API.UserAgent,
		Logger:            observability.CLILogger.Named("transport"),
	})
}

func newJournal(cfg *config.Config) *jobregistry.Store {
	return jobregistry.NewStore(cfg.JournalDir())
}

func newController(cfg *config.Config, reporter *events.Reporter) (*jobs.Controller, *jobregistry.Store, error) {
	tr, err := newTransport(cfg)
	if err != nil {
		return nil, nil, err
	}
	journal := newJournal(cfg)
	ctrl := jobs.NewController(tr, jobs.Options{
		Retry:           cfg.Retry.Policy(),
		PollInterval:    cfg.Jobs.PollInterval,
		MaxPollInterval: cfg.Jobs.MaxPollInterval,
		Concurrency:     cfg.Jobs.Concurrency,
		Journal:         journal,
		Reporter:        reporter,
		Logger:          observability.CLILogger.Named("jobs"),
	})
	return ctrl, journal, nil
}

func newRetrier(cfg *config.Config) *retry.Retrier {
	return retry.New(cfg.Retry.Policy())
}

// newStorageProvider opens the configured remote backend. A non-empty
// bucket overrides storage.s3.bucket.
func newStorageProvider(ctx context.Context, cfg *config.Config, backend, bucket string) (provider.Provider, error) {
	if backend == "" {
		backend = cfg.Storage.Backend
	}
	switch backend {
	case config.BackendAPI:
		tr, err := newTransport(cfg)
		if err != nil {
			return nil, err
		}
		return storageapi.New(storageapi.Config{Transport: tr, Root: cfg.Storage.Root})
	case config.BackendS3:
		sc := cfg.Storage.S3
		if bucket != "" {
			sc.Bucket = bucket
		}
		return s3.New(ctx, s3.Config{
			Bucket:          sc.Bucket,
			Prefix:          sc.Prefix,
			Region:          sc.Region,
			Endpoint:        sc.Endpoint,
			Profile:         sc.Profile,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			SessionToken:    sc.SessionToken,
			ForcePathStyle:  sc.ForcePathStyle,
			MaxKeys:         sc.MaxKeys,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", backend)
	}
}

func newMatcher(cfg *config.Config, includes, excludes []string, includeHidden bool, minSize, maxSize string) (*match.Matcher, error) {
	if len(includes) == 0 {
		includes = cfg.Storage.Include
	}
	excludes = append(append([]string(nil), cfg.Storage.Exclude...), excludes...)
	return match.New(match.Config{
		Includes:      includes,
		Excludes:      excludes,
		IncludeHidden: includeHidden,
		MinSize:       minSize,
		MaxSize:       maxSize,
	})
}

// session is the output side of one command run: a JSONL writer when --json
// is set, and a reporter whose events are rendered as records or as
// human-readable progress on stderr.
type session struct {
	runID    string
	out      io.Writer
	errOut   io.Writer
	writer   output.Writer
	reporter *events.Reporter
	done     chan struct{}
}

func startSession(cmd *cobra.Command, command string) *session {
	s := &session{
		runID:    uuid.NewString(),
		out:      cmd.OutOrStdout(),
		errOut:   cmd.ErrOrStderr(),
		reporter: events.NewReporter(64),
		done:     make(chan struct{}),
	}
	if jsonOutput {
		s.writer = output.NewJSONLWriter(s.out, s.runID, command)
	}
	go s.render(cmd.Context())
	return s
}

func (s *session) render(ctx context.Context) {
	defer close(s.done)
	for ev := range s.reporter.Events() {
		if s.writer != nil {
			if err := s.writer.Write(ctx, output.NewEventRecord(ev)); err != nil {
				observability.CLILogger.Debug("Failed to write event record", zap.Error(err))
			}
			continue
		}
		if line := describeEvent(ev); line != "" {
			_, _ = fmt.Fprintln(s.errOut, line)
		}
	}
}

// finish stops the reporter and waits for every event to be rendered.
func (s *session) finish() {
	s.reporter.Close()
	<-s.done
}

func (s *session) close() {
	s.finish()
	if s.writer != nil {
		_ = s.writer.Close()
	}
}

func (s *session) json() bool { return s.writer != nil }

// writeError emits an error record in JSON mode.
func (s *session) writeError(ctx context.Context, subject string, err error) {
	if s.writer == nil || err == nil {
		return
	}
	rec := &output.ErrorRecord{Code: failure.Code(err), Message: err.Error(), Subject: subject}
	if werr := s.writer.Write(ctx, rec); werr != nil {
		observability.CLILogger.Debug("Failed to write error record", zap.Error(werr))
	}
}

func (s *session) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.out, format, args...)
}
