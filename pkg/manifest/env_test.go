package manifest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusctl/pkg/jobs"
)

func TestParseEnv(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "USER" {
			return "alice", true
		}
		return "", false
	}

	env, err := ParseEnv([]string{"A=1", "B=x=y", "USER", "MISSING", "A=2", "EMPTY="}, lookup)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"A":       "2",
		"B":       "x=y",
		"USER":    "alice",
		"MISSING": "",
		"EMPTY":   "",
	}, env)

	_, err = ParseEnv([]string{"=value"}, nil)
	assert.Error(t, err)
}

func TestParseEnvFile(t *testing.T) {
	content := "\xef\xbb\xbfFIRST=1\n\n# comment\n   INDENTED=2\n\t# indented comment\nURL=http://x?a=b\n"
	env, err := ParseEnvFile(strings.NewReader(content), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"FIRST": "1", "INDENTED": "2", "URL": "http://x?a=b"}, env)
}

func TestParseLifeSpan(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: "1d", want: 24 * time.Hour},
		{in: "1d2h3m4s", want: 26*time.Hour + 3*time.Minute + 4*time.Second},
		{in: "90m", want: 90 * time.Minute},
		{in: " 2h ", want: 2 * time.Hour},
		{in: "45s", want: 45 * time.Second},
		{in: "", wantErr: true},
		{in: "1h1d", wantErr: true},
		{in: "1w", wantErr: true},
		{in: "-1h", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLifeSpan(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseVolume(t *testing.T) {
	tests := []struct {
		in      string
		want    jobs.Volume
		wantErr bool
	}{
		{in: "storage://data:/data", want: jobs.Volume{Source: "storage://data", Destination: "/data"}},
		{in: "storage://data:/data:ro", want: jobs.Volume{Source: "storage://data", Destination: "/data", ReadOnly: true}},
		{in: "storage://out:/out:rw", want: jobs.Volume{Source: "storage://out", Destination: "/out"}},
		{in: "storage://data:data", wantErr: true},
		{in: "storage://data", wantErr: true},
		{in: ":/data", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVolume(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
