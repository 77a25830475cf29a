// Package cmd implements the nimbusctl command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusctl/internal/config"
	"github.com/3leaps/nimbusctl/internal/observability"
)

// versionInfo is set from main via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool

	// appConfig is loaded before every command runs.
	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "nimbusctl",
	Short: "Submit remote compute jobs and sync data with remote storage",
	Long: `nimbusctl submits, monitors and cancels remote compute jobs and moves
data between a local directory and remote storage.

Configuration is read from --config, or <config dir>/nimbusctl/config.yaml,
and NIMBUSCTL_* environment variables.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default <config dir>/nimbusctl/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Write JSONL records to stdout")
}

func loadApp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(cmd.Context(), cfgFile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger, err := observability.NewLogger(level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	observability.CLILogger = logger.Named("nimbusctl")
	appConfig = cfg
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("file", cfg.File),
		zap.String("api_url", cfg.API.URL),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("data_dir", cfg.DataDir),
	)
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	_ = observability.CLILogger.Sync()
	if err == nil {
		return 0
	}

	var ee *ExitError
	if errors.As(err, &ee) {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", ee.Error())
		return ee.Code
	}
	_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return foundry.ExitInvalidArgument
}
