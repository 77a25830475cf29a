package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusctl/internal/config"
	"github.com/3leaps/nimbusctl/internal/observability"
	"github.com/3leaps/nimbusctl/pkg/transport"
)

var doctorProvider string

var errChecksFailed = errors.New("one or more checks failed")

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the configuration, the local journal and the
remote service, and suggest fixes for common issues.

Examples:
  nimbusctl doctor                # Configuration, journal and API checks
  nimbusctl doctor --provider s3  # Also check AWS credentials`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger
	log.Info("=== nimbusctl doctor ===")
	log.Info("Running diagnostic checks...")

	ok := true
	checkNum := 1
	totalChecks := 5
	if doctorProvider == config.BackendS3 {
		totalChecks = 6
	}
	step := func(name string) string {
		s := fmt.Sprintf("[%d/%d] Checking %s...", checkNum, totalChecks, name)
		checkNum++
		return s
	}

	// Check 1: Go and library versions
	version := crucible.GetVersion()
	log.Info(fmt.Sprintf("%s ✅ %s", step("runtime"), runtime.Version()),
		zap.String("go_version", runtime.Version()),
		zap.String("gofulmen_version", version.Gofulmen),
		zap.String("crucible_version", version.Crucible),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	// Check 2: Configuration
	cfg := appConfig
	if cfg.File != "" {
		log.Info(fmt.Sprintf("%s ✅ %s", step("configuration"), cfg.File))
	} else {
		log.Info(fmt.Sprintf("%s ✅ defaults and environment (no config file)", step("configuration")))
	}

	// Check 3: Journal directory
	label := step("job journal")
	if err := checkWritableDir(cfg.JournalDir()); err != nil {
		log.Error(fmt.Sprintf("%s ❌ %s is not writable", label, cfg.JournalDir()), zap.Error(err))
		ok = false
	} else {
		log.Info(fmt.Sprintf("%s ✅ %s", label, cfg.JournalDir()))
	}

	// Check 4: API settings
	label = step("API configuration")
	if cfg.API.URL == "" {
		log.Error(fmt.Sprintf("%s ❌ api.url is not set", label))
		log.Info("  Set api.url in the config file or NIMBUSCTL_API_URL")
		ok = false
	} else {
		log.Info(fmt.Sprintf("%s ✅ %s", label, cfg.API.URL), zap.Bool("token_set", cfg.API.Token != ""))
	}

	// Check 5: API reachability
	label = step("API reachability")
	if cfg.API.URL == "" {
		log.Warn(fmt.Sprintf("%s ⚠️  skipped", label))
	} else if err := pingAPI(ctx, cfg); err != nil {
		log.Error(fmt.Sprintf("%s ❌ %v", label, err), zap.Error(err))
		ok = false
	} else {
		log.Info(fmt.Sprintf("%s ✅ reachable", label))
	}

	// Check 6: S3 credentials
	if doctorProvider == config.BackendS3 {
		if !checkS3Credentials(ctx, cfg.Storage.S3, step("AWS credentials")) {
			ok = false
		}
	}

	if !ok {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", errChecksFailed)
	}
	log.Info("✅ All checks passed!")
	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// pingAPI lists one job without retries.
func pingAPI(ctx context.Context, cfg *config.Config) error {
	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}
	_, err = tr.Do(ctx, &transport.Request{
		Method: http.MethodGet,
		Path:   "/jobs",
		Query:  url.Values{"limit": {"1"}},
	})
	return err
}

func checkS3Credentials(ctx context.Context, sc config.S3Config, label string) bool {
	if sc.AccessKeyID != "" {
		observability.CLILogger.Info(fmt.Sprintf("%s ✅ static credentials from configuration", label),
			zap.String("access_key", maskAccessKey(sc.AccessKeyID)))
		return true
	}

	var opts []func(*awsconfig.LoadOptions) error
	if sc.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(sc.Profile))
	}
	if sc.Region != "" {
		opts = append(opts, awsconfig.WithRegion(sc.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("%s ❌ Cannot load AWS config", label), zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("%s ❌ Cannot retrieve credentials", label), zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("%s ✅ Found credentials", label),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", source))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set storage.s3.profile, or AWS_PROFILE, to a configured profile, or")
	log.Info("  2. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set storage.s3.endpoint")
}
