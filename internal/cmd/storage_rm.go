package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusctl/internal/observability"
	"github.com/3leaps/nimbusctl/pkg/match"
	"github.com/3leaps/nimbusctl/pkg/output"
	"github.com/3leaps/nimbusctl/pkg/provider"
)

var storageRmCmd = &cobra.Command{
	Use:     "rm REMOTE",
	Aliases: []string{"remove"},
	Short:   "Delete remote objects",
	Long: `Delete one remote object, or with --recursive every object under a
prefix. A glob in REMOTE and the --include/--exclude/size filters narrow what
is deleted under the prefix.`,
	Args: cobra.ExactArgs(1),
	RunE: runStorageRm,
}

var (
	rmRecursive bool
	rmDryRun    bool
)

func init() {
	storageCmd.AddCommand(storageRmCmd)
	storageRmCmd.Flags().BoolVarP(&rmRecursive, "recursive", "r", false, "Delete everything under the prefix")
	storageRmCmd.Flags().BoolVar(&rmDryRun, "dry-run", false, "List what would be deleted without deleting")
}

func runStorageRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	uri, err := ParseURI(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid remote location", err)
	}
	recursive := rmRecursive || uri.Pattern != ""
	if !recursive && (uri.Prefix == "" || strings.HasSuffix(uri.Prefix, "/")) {
		return exitError(foundry.ExitInvalidArgument, "Refusing to delete a prefix",
			fmt.Errorf("%s is a prefix; pass --recursive", uri))
	}

	remote, err := newStorageProvider(ctx, appConfig, uri.Backend, uri.Bucket)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to open remote storage", err)
	}
	defer func() { _ = remote.Close() }()
	deleter, ok := remote.(provider.ObjectDeleter)
	if !ok {
		return exitError(foundry.ExitInvalidArgument, "Remote storage cannot delete objects", errors.ErrUnsupported)
	}

	var m *match.Matcher
	if recursive {
		if uri.Prefix != "" && !strings.HasSuffix(uri.Prefix, "/") {
			uri.Prefix += "/"
		}
		includes := storageIncludes
		if uri.Pattern != "" {
			includes = append([]string{uri.Pattern}, includes...)
		}
		m, err = newMatcher(appConfig, includes, storageExcludes, storageIncludeHidden, storageMinSize, storageMaxSize)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid filter", err)
		}
	}

	targets, err := rmTargets(ctx, remote, uri.Prefix, m)
	if err != nil {
		return failWith("Failed to resolve objects to delete", err)
	}

	s := startSession(cmd, "storage.rm")
	defer s.close()
	s.finish()

	r := newRetrier(appConfig)
	t := newTable(s.out, "STATE", "KEY")
	defer func() { _ = t.flush() }()
	var errs []error
	for _, obj := range targets {
		state := "planned"
		var delErr error
		if !rmDryRun {
			delErr = r.Do(ctx, "delete", obj.Key, func(ctx context.Context) error {
				return deleter.DeleteObject(ctx, obj.Key)
			})
			state = "deleted"
			if delErr != nil {
				state = "failed"
				errs = append(errs, delErr)
				observability.CLILogger.Warn("Delete failed", zap.String("key", obj.Key), zap.Error(delErr))
			}
		}
		if s.json() {
			rec := &output.ItemRecord{Direction: "delete", RemoteKey: obj.Key, Size: obj.Size, State: state}
			if delErr != nil {
				rec.Error = delErr.Error()
			}
			if err := s.writer.Write(ctx, rec); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
			continue
		}
		t.row(state, obj.Key)
	}

	if len(errs) > 0 {
		return failWith(fmt.Sprintf("%d of %d deletes failed", len(errs), len(targets)), errors.Join(errs...))
	}
	return nil
}

// rmTargets resolves what rm removes: the single key when m is nil,
// otherwise every listed key under prefix that m selects.
func rmTargets(ctx context.Context, remote provider.Provider, prefix string, m *match.Matcher) ([]provider.ObjectSummary, error) {
	if m == nil {
		meta, err := remote.Head(ctx, prefix)
		if err != nil {
			return nil, err
		}
		return []provider.ObjectSummary{meta.ObjectSummary}, nil
	}

	var out []provider.ObjectSummary
	for obj, err := range provider.Objects(ctx, remote, prefix, 0) {
		if err != nil {
			return nil, err
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") || !m.MatchFile(rel, obj.Size) {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}
