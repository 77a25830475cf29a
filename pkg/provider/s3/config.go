// Package s3 implements the storage provider interfaces for AWS S3 and
// S3-compatible stores.
//
// It is an alternative sync destination to the storage service: uploads
// record the client computed sha256 as user metadata, and verification
// re-hashes the stored bytes by streaming them back.
package s3

// Config configures an S3 provider.
//
// Credentials come from the AWS SDK v2 default chain (environment, shared
// files, instance roles) unless AccessKeyID and SecretAccessKey are set.
// Region defaults to us-east-1 for AWS when nothing else resolves one; when
// Endpoint is set no default is applied.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	// Prefix is prepended to every key, e.g. "datasets/run-1".
	Prefix string

	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores such as
	// MinIO (http://localhost:9000). Leave empty for AWS S3.
	Endpoint string

	// Profile is the shared config profile name.
	Profile string

	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// ForcePathStyle puts the bucket in the path instead of the host name.
	ForcePathStyle bool

	// MaxKeys is the default List page size. Zero uses 1000; larger values
	// are clamped.
	MaxKeys int
}

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if c.SessionToken != "" && c.AccessKeyID == "" {
		return &ConfigError{Field: "SessionToken", Message: "session token requires explicit access keys"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
