package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusctl/internal/fakeapi"
	"github.com/3leaps/nimbusctl/pkg/output"
)

type cliEnv struct {
	api     *fakeapi.Server
	url     string
	dataDir string
}

// newCLI points the command line at a fresh fake service and data dir.
func newCLI(t *testing.T) *cliEnv {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))

	api := fakeapi.New()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	env := &cliEnv{api: api, url: srv.URL, dataDir: t.TempDir()}
	t.Setenv("NIMBUSCTL_API_URL", srv.URL)
	t.Setenv("NIMBUSCTL_API_REQUESTS_PER_SECOND", "-1")
	t.Setenv("NIMBUSCTL_DATA_DIR", env.dataDir)
	t.Setenv("NIMBUSCTL_LOGGING_LEVEL", "error")
	t.Setenv("NIMBUSCTL_RETRY_BASE_DELAY", "1ms")
	t.Setenv("NIMBUSCTL_RETRY_MAX_DELAY", "5ms")
	t.Setenv("NIMBUSCTL_JOBS_POLL_INTERVAL", "5ms")
	t.Setenv("NIMBUSCTL_JOBS_MAX_POLL_INTERVAL", "20ms")
	return env
}

// runCLI executes the root command with args and captures its output.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// resetFlags restores every flag changed by a previous run; the flag
// variables are package globals shared by all runs.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var ee *ExitError
	require.True(t, errors.As(err, &ee), "expected *ExitError, got %v", err)
	return ee.Code
}

// records decodes JSONL output into envelopes, in order.
func records(t *testing.T, out string) []output.Record {
	t.Helper()
	var recs []output.Record
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec output.Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec), "line: %s", line)
		recs = append(recs, rec)
	}
	require.NoError(t, sc.Err())
	return recs
}

// payloads decodes the data of every record of the given type.
func payloads[T any](t *testing.T, out, recordType string) []T {
	t.Helper()
	var items []T
	for _, rec := range records(t, out) {
		if rec.Type != recordType {
			continue
		}
		var v T
		require.NoError(t, json.Unmarshal(rec.Data, &v))
		items = append(items, v)
	}
	return items
}

// submit runs "job submit" and returns the new job id.
func (e *cliEnv) submit(t *testing.T, args ...string) string {
	t.Helper()
	args = append([]string{"job", "submit", "--json", "--image", "alpine:3", "--command", "echo hi"}, args...)
	out, _, err := runCLI(t, args...)
	require.NoError(t, err)
	jobs := payloads[output.JobRecord](t, out, output.TypeJob)
	require.Len(t, jobs, 1)
	return jobs[0].ID
}
