package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/nimbusctl/internal/config"
	"github.com/3leaps/nimbusctl/pkg/match"
)

// URI parsing errors
var (
	// ErrInvalidURI indicates the URI could not be parsed.
	ErrInvalidURI = errors.New("invalid URI")

	// ErrUnsupportedProvider indicates the URI scheme is not supported.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrMissingBucket indicates an s3 URI without a bucket name.
	ErrMissingBucket = errors.New("missing bucket name")
)

// RemoteURI is a parsed remote storage location.
//
// Example URIs:
//   - api://runs/42/
//   - s3://bucket/runs/42/
//   - s3://bucket/data/**/*.parquet
//   - runs/42/ (the configured backend)
type RemoteURI struct {
	// Backend is config.BackendAPI, config.BackendS3, or empty for the
	// configured backend.
	Backend string

	// Bucket is set for s3 URIs only.
	Bucket string

	// Prefix is the remote prefix to sync, without glob characters.
	Prefix string

	// Pattern is a glob relative to Prefix. Empty selects everything.
	Pattern string
}

// String returns the URI in canonical form.
func (u *RemoteURI) String() string {
	var b strings.Builder
	switch u.Backend {
	case config.BackendS3:
		b.WriteString("s3://" + u.Bucket + "/")
	case config.BackendAPI:
		b.WriteString("api://")
	}
	b.WriteString(u.Prefix)
	b.WriteString(u.Pattern)
	return b.String()
}

// ParseURI parses a remote storage location.
func ParseURI(uri string) (*RemoteURI, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}

	result := &RemoteURI{}
	rest := uri

	// Parse manually: glob characters like ? would be taken as a query by url.Parse.
	if schemeEnd := strings.Index(uri, "://"); schemeEnd != -1 {
		scheme := strings.ToLower(uri[:schemeEnd])
		rest = uri[schemeEnd+3:]
		switch scheme {
		case config.BackendAPI:
			result.Backend = config.BackendAPI
		case config.BackendS3:
			result.Backend = config.BackendS3
			bucket, key, _ := strings.Cut(rest, "/")
			if bucket == "" {
				return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, uri)
			}
			if strings.ContainsAny(bucket, " ?#*[]{}\\") {
				return nil, fmt.Errorf("%w: invalid bucket name %q", ErrInvalidURI, bucket)
			}
			result.Bucket = bucket
			rest = key
		default:
			return nil, fmt.Errorf("%w: %s (supported: api, s3)", ErrUnsupportedProvider, scheme)
		}
	}

	rest = strings.TrimLeft(match.NormalizePattern(rest), "/")
	result.Prefix = match.DerivePrefix(rest)
	if match.IsGlobPattern(rest) {
		// Prefix narrows the listing; the rest of the pattern filters below it.
		result.Pattern = rest[staticDirLen(rest):]
	}
	return result, nil
}

// staticDirLen is the length of the directory part of pattern before its
// first unescaped glob character.
func staticDirLen(pattern string) int {
	lastSlash := -1
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '/':
			lastSlash = i
		case '*', '?', '[', '{':
			return lastSlash + 1
		}
	}
	return lastSlash + 1
}
