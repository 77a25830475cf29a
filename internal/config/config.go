// Package config loads nimbusctl configuration.
//
// Precedence, highest first: runtime overrides, NIMBUSCTL_* environment
// variables, the config file, defaults. The loaded Config is passed
// explicitly to constructors; core packages never read it globally.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/nimbusctl/pkg/retry"
)

// AppName names the config and data directories and prefixes env vars.
const AppName = "nimbusctl"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "NIMBUSCTL"

// Storage backends.
const (
	BackendAPI = "api"
	BackendS3  = "s3"
)

// Config is the full client configuration.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`

	// DataDir holds the job journal and captured logs.
	DataDir string `mapstructure:"data_dir"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// APIConfig configures the remote service transport.
type APIConfig struct {
	URL               string        `mapstructure:"url"`
	Token             string        `mapstructure:"token"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// JobsConfig configures the job controller.
type JobsConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollInterval time.Duration `mapstructure:"max_poll_interval"`
	Concurrency     int           `mapstructure:"concurrency"`
}

// RetryConfig is the shared retry policy.
type RetryConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BaseDelay           time.Duration `mapstructure:"base_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	MaxElapsed          time.Duration `mapstructure:"max_elapsed"`
	RateLimitMultiplier float64       `mapstructure:"rate_limit_multiplier"`
}

// Policy converts the config into a retry.Policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:         c.MaxAttempts,
		BaseDelay:           c.BaseDelay,
		MaxDelay:            c.MaxDelay,
		MaxElapsed:          c.MaxElapsed,
		RateLimitMultiplier: c.RateLimitMultiplier,
	}
}

// StorageConfig configures the sync engine and its remote backend.
type StorageConfig struct {
	Backend     string   `mapstructure:"backend"`
	Concurrency int      `mapstructure:"concurrency"`
	Symlinks    string   `mapstructure:"symlinks"`
	Root        string   `mapstructure:"root"`
	Include     []string `mapstructure:"include"`
	Exclude     []string `mapstructure:"exclude"`

	// RetryBufferMaxMemory bounds in-memory copy buffers, e.g. "16MiB".
	RetryBufferMaxMemory string `mapstructure:"retry_buffer_max_memory"`

	S3 S3Config `mapstructure:"s3"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	MaxKeys         int    `mapstructure:"max_keys"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// SetDefaults registers every default on v. Every key has a default so
// AutomaticEnv can see it during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api.url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.request_timeout", 60*time.Second)
	v.SetDefault("api.requests_per_second", 20.0)
	v.SetDefault("api.burst", 1)
	v.SetDefault("api.user_agent", AppName)

	v.SetDefault("jobs.poll_interval", 2*time.Second)
	v.SetDefault("jobs.max_poll_interval", 30*time.Second)
	v.SetDefault("jobs.concurrency", 10)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", 250*time.Millisecond)
	v.SetDefault("retry.max_delay", 15*time.Second)
	v.SetDefault("retry.max_elapsed", 2*time.Minute)
	v.SetDefault("retry.rate_limit_multiplier", 4.0)

	v.SetDefault("storage.backend", BackendAPI)
	v.SetDefault("storage.concurrency", 10)
	v.SetDefault("storage.symlinks", "reject")
	v.SetDefault("storage.root", "")
	v.SetDefault("storage.include", []string{})
	v.SetDefault("storage.exclude", []string{})
	v.SetDefault("storage.retry_buffer_max_memory", "16MiB")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.profile", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.session_token", "")
	v.SetDefault("storage.s3.force_path_style", false)
	v.SetDefault("storage.s3.max_keys", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "console")

	v.SetDefault("data_dir", "")
}

// Load loads configuration without an explicit config file.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile loads configuration reading path as the config file. An empty
// path reads <user config dir>/nimbusctl/config.yaml when it exists.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file, err := configFile(path)
	if err != nil {
		return nil, err
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = file
	if cfg.DataDir == "" {
		cfg.DataDir = gfconfig.GetAppDataDir(AppName)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks values that have no safe fallback.
func (c *Config) Validate() error {
	var problems []string
	switch c.Storage.Backend {
	case BackendAPI, BackendS3:
	default:
		problems = append(problems, fmt.Sprintf("storage.backend must be %q or %q, got %q", BackendAPI, BackendS3, c.Storage.Backend))
	}
	switch c.Storage.Symlinks {
	case "reject", "follow":
	default:
		problems = append(problems, fmt.Sprintf("storage.symlinks must be reject or follow, got %q", c.Storage.Symlinks))
	}
	if c.Storage.Concurrency < 1 {
		problems = append(problems, "storage.concurrency must be >= 1")
	}
	if c.Jobs.Concurrency < 1 {
		problems = append(problems, "jobs.concurrency must be >= 1")
	}
	if c.Jobs.PollInterval <= 0 {
		problems = append(problems, "jobs.poll_interval must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be >= 1")
	}
	if c.API.RequestTimeout < 0 {
		problems = append(problems, "api.request_timeout must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// JournalDir is where job records live.
func (c *Config) JournalDir() string {
	return filepath.Join(c.DataDir, "jobs")
}

func configFile(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", nil
	}
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		candidate := filepath.Join(dir, AppName, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
