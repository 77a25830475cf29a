package cmd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		name        string
		uri         string
		wantErr     error
		errContains string
		want        *RemoteURI
	}{
		{
			name: "api prefix",
			uri:  "api://runs/42/",
			want: &RemoteURI{Backend: "api", Prefix: "runs/42/"},
		},
		{
			name: "simple bucket",
			uri:  "s3://my-bucket",
			want: &RemoteURI{Backend: "s3", Bucket: "my-bucket"},
		},
		{
			name: "bucket with trailing slash",
			uri:  "s3://my-bucket/",
			want: &RemoteURI{Backend: "s3", Bucket: "my-bucket"},
		},
		{
			name: "bucket with prefix",
			uri:  "s3://my-bucket/path/to/prefix/",
			want: &RemoteURI{Backend: "s3", Bucket: "my-bucket", Prefix: "path/to/prefix/"},
		},
		{
			name: "bucket with glob pattern",
			uri:  "s3://my-bucket/data/2024/**/*.parquet",
			want: &RemoteURI{Backend: "s3", Bucket: "my-bucket", Prefix: "data/2024/", Pattern: "**/*.parquet"},
		},
		{
			name: "star pattern at root",
			uri:  "s3://my-bucket/*.txt",
			want: &RemoteURI{Backend: "s3", Bucket: "my-bucket", Pattern: "*.txt"},
		},
		{
			name: "question mark pattern",
			uri:  "api://data/file?.csv",
			want: &RemoteURI{Backend: "api", Prefix: "data/", Pattern: "file?.csv"},
		},
		{
			name: "brace pattern",
			uri:  "api://data/{a,b,c}.csv",
			want: &RemoteURI{Backend: "api", Prefix: "data/", Pattern: "{a,b,c}.csv"},
		},
		{
			name: "uppercase scheme",
			uri:  "S3://my-bucket/path",
			want: &RemoteURI{Backend: "s3", Bucket: "my-bucket", Prefix: "path"},
		},
		{
			name: "bare prefix uses configured backend",
			uri:  "runs/42",
			want: &RemoteURI{Prefix: "runs/42"},
		},
		{
			name: "leading slash is dropped",
			uri:  "/runs/42/",
			want: &RemoteURI{Prefix: "runs/42/"},
		},
		{
			name:        "empty URI",
			uri:         "",
			wantErr:     ErrInvalidURI,
			errContains: "empty",
		},
		{
			name:        "unsupported scheme",
			uri:         "gcs://my-bucket/path",
			wantErr:     ErrUnsupportedProvider,
			errContains: "gcs",
		},
		{
			name:        "http scheme not supported",
			uri:         "http://example.com/bucket",
			wantErr:     ErrUnsupportedProvider,
			errContains: "http",
		},
		{
			name:        "missing bucket",
			uri:         "s3:///path",
			wantErr:     ErrMissingBucket,
			errContains: "missing bucket",
		},
		{
			name:    "glob in bucket name",
			uri:     "s3://buck*t/path",
			wantErr: ErrInvalidURI,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURI(tt.uri)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "expected %v, got %v", tt.wantErr, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRemoteURI_String(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"api://runs/42/", "api://runs/42/"},
		{"s3://b", "s3://b/"},
		{"s3://b/data/2024/**/*.parquet", "s3://b/data/2024/**/*.parquet"},
		{"runs/42", "runs/42"},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			u, err := ParseURI(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestParseURI_EscapeAware(t *testing.T) {
	tests := []struct {
		name       string
		uri        string
		wantPrefix string
		wantPat    string
	}{
		{
			name:       "escaped asterisk is literal",
			uri:        `s3://bucket/data/file\*.txt`,
			wantPrefix: "data/file*.txt",
		},
		{
			name:       "escaped brackets are literal",
			uri:        `s3://bucket/data/\[backup\]/file.txt`,
			wantPrefix: "data/[backup]/file.txt",
		},
		{
			name:       "mixed escaped and unescaped glob",
			uri:        `s3://bucket/data/file\*/*.txt`,
			wantPrefix: "data/file*/",
			wantPat:    "*.txt",
		},
		{
			name:       "no escapes no glob",
			uri:        "s3://bucket/data/file.txt",
			wantPrefix: "data/file.txt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURI(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, got.Prefix)
			assert.Equal(t, tt.wantPat, got.Pattern)
		})
	}
}
