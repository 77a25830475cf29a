package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusctl/internal/observability"
	"github.com/3leaps/nimbusctl/pkg/match"
	"github.com/3leaps/nimbusctl/pkg/provider"
	"github.com/3leaps/nimbusctl/pkg/transfer"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Sync local directories with remote storage",
	Long: `Storage commands compare a local directory with a remote prefix by
size and sha256, copy only what differs, and verify every copy by hashing the
destination.

Remote locations:
  api://runs/42/             storage API prefix
  s3://bucket/runs/42/       S3 bucket and prefix
  s3://bucket/data/**/*.csv  prefix data/, limited to the pattern
  runs/42/                   prefix on the configured backend`,
}

var storagePlanCmd = &cobra.Command{
	Use:   "plan LOCAL_DIR REMOTE",
	Short: "Show what an upload (or --direction download) would copy",
	Args:  cobra.ExactArgs(2),
	RunE:  runStoragePlan,
}

var storageUploadCmd = &cobra.Command{
	Use:   "upload LOCAL_DIR REMOTE",
	Short: "Upload changed files to remote storage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStorageSync(cmd, transfer.Upload, args[0], args[1])
	},
}

var storageDownloadCmd = &cobra.Command{
	Use:   "download REMOTE LOCAL_DIR",
	Short: "Download changed objects from remote storage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStorageSync(cmd, transfer.Download, args[1], args[0])
	},
}

var (
	storageIncludes      []string
	storageExcludes      []string
	storageIncludeHidden bool
	storageMinSize       string
	storageMaxSize       string
	storageSymlinks      string
	storageConcurrency   int
	storageDirection     string
)

func init() {
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(storagePlanCmd, storageUploadCmd, storageDownloadCmd)

	f := storageCmd.PersistentFlags()
	f.StringSliceVar(&storageIncludes, "include", nil, "Only sync paths matching this glob (repeatable)")
	f.StringSliceVar(&storageExcludes, "exclude", nil, "Skip paths matching this glob (repeatable)")
	f.BoolVar(&storageIncludeHidden, "include-hidden", false, "Sync paths with a segment starting with '.'")
	f.StringVar(&storageMinSize, "min-size", "", "Skip files smaller than this (e.g. 1KiB)")
	f.StringVar(&storageMaxSize, "max-size", "", "Skip files larger than this (e.g. 2GiB)")
	f.StringVar(&storageSymlinks, "symlinks", "", "Symlink policy: reject or follow (default from config)")
	f.IntVar(&storageConcurrency, "concurrency", 0, "Items in flight (default from config)")

	storagePlanCmd.Flags().StringVar(&storageDirection, "direction", string(transfer.Upload), "upload or download")
}

// buildPlan resolves the remote location, opens its provider and plans the
// sync. The caller closes the returned provider.
func buildPlan(cmd *cobra.Command, dir transfer.Direction, localDir, remoteArg string) (*transfer.Plan, provider.Provider, error) {
	ctx := cmd.Context()

	uri, err := ParseURI(remoteArg)
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid remote location", err)
	}
	symlinks := storageSymlinks
	if symlinks == "" {
		symlinks = appConfig.Storage.Symlinks
	}
	policy, err := transfer.ParseSymlinkPolicy(symlinks)
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid --symlinks value", err)
	}

	includes := storageIncludes
	if uri.Pattern != "" {
		includes = append([]string{uri.Pattern}, includes...)
	}
	matcher, err := newMatcher(appConfig, includes, storageExcludes, storageIncludeHidden, storageMinSize, storageMaxSize)
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid filter", err)
	}

	remote, err := newStorageProvider(ctx, appConfig, uri.Backend, uri.Bucket)
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Failed to open remote storage", err)
	}

	planner := &transfer.Planner{
		Remote:   remote,
		Matcher:  matcher,
		Symlinks: policy,
		Retrier:  newRetrier(appConfig),
		Logger:   observability.CLILogger.Named("plan"),
	}
	plan, err := planner.Plan(ctx, filepath.Clean(localDir), uri.Prefix, dir)
	if err != nil {
		_ = remote.Close()
		observability.CLILogger.Error("Plan failed", zap.String("remote", uri.String()), zap.Error(err))
		return nil, nil, failWith("Plan failed", err)
	}
	return plan, remote, nil
}

func runStoragePlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dir, err := transfer.ParseDirection(storageDirection)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --direction value", err)
	}

	plan, remote, err := buildPlan(cmd, dir, args[0], args[1])
	if err != nil {
		return err
	}
	defer func() { _ = remote.Close() }()

	s := startSession(cmd, "storage.plan")
	defer s.close()
	s.finish()

	if s.json() {
		for _, it := range plan.Items {
			if err := s.writer.Write(ctx, newItemRecord(it, transfer.StatePlanned, 0, nil)); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
		}
		for _, it := range plan.Unchanged {
			if err := s.writer.Write(ctx, newItemRecord(it, transfer.StateUnchanged, 0, nil)); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
		}
		return nil
	}

	t := newTable(s.out, "DIRECTION", "KEY", "SIZE")
	for _, it := range plan.Items {
		t.row(string(it.Direction), it.RemoteKey, match.FormatSize(it.Size))
	}
	if err := t.flush(); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	s.printf("%d to transfer (%s), %d unchanged\n", len(plan.Items), match.FormatSize(plan.Bytes()), len(plan.Unchanged))
	return nil
}

func runStorageSync(cmd *cobra.Command, dir transfer.Direction, localDir, remoteArg string) error {
	ctx := cmd.Context()

	bufferLimit, err := match.ParseSize(appConfig.Storage.RetryBufferMaxMemory)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid storage.retry_buffer_max_memory", err)
	}
	concurrency := storageConcurrency
	if concurrency < 1 {
		concurrency = appConfig.Storage.Concurrency
	}

	plan, remote, err := buildPlan(cmd, dir, localDir, remoteArg)
	if err != nil {
		return err
	}
	defer func() { _ = remote.Close() }()

	s := startSession(cmd, "storage."+string(dir))
	defer s.close()

	engine := &transfer.Engine{
		Remote:                    remote,
		Retrier:                   newRetrier(appConfig),
		Reporter:                  s.reporter,
		Logger:                    observability.CLILogger.Named("transfer"),
		RetryBufferMaxMemoryBytes: bufferLimit,
	}
	run := engine.Start(ctx, plan, concurrency)
	for r := range run.Results() {
		if !s.json() {
			continue
		}
		if err := s.writer.Write(ctx, newItemRecord(r.Item, r.State, r.Attempts, r.Err)); err != nil {
			observability.CLILogger.Debug("Failed to write item record", zap.Error(err))
		}
	}
	res, runErr := run.Wait()
	s.finish()

	if s.json() {
		if err := s.writer.Write(ctx, newSummaryRecord(res)); err != nil {
			observability.CLILogger.Debug("Failed to write summary record", zap.Error(err))
		}
	} else {
		s.printf("%s\n", res)
	}

	if runErr != nil {
		return failWith("Sync interrupted", runErr)
	}
	if !res.OK() {
		return failWith(fmt.Sprintf("%d of %d items failed", len(res.Failed), len(plan.Items)), res.Err())
	}
	return nil
}
