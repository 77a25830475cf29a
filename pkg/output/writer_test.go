package output

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusctl/pkg/events"
)

var fixedTime = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestWriter(w io.Writer, command string) *JSONLWriter {
	jw := NewJSONLWriter(w, "run-1", command)
	jw.Now = func() time.Time { return fixedTime }
	return jw
}

func lines(t *testing.T, s string) []Record {
	t.Helper()
	var out []Record
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r), "line: %s", sc.Text())
		out = append(out, r)
	}
	return out
}

func TestJSONLWriter_Envelope(t *testing.T) {
	code := 0
	tests := []struct {
		name     string
		payload  Payload
		wantType string
		check    func(t *testing.T, data json.RawMessage)
	}{
		{
			name:     "job",
			payload:  &JobRecord{ID: "job-1", Status: "succeeded", ExitCode: &code},
			wantType: TypeJob,
			check: func(t *testing.T, data json.RawMessage) {
				var got JobRecord
				require.NoError(t, json.Unmarshal(data, &got))
				assert.Equal(t, "job-1", got.ID)
				require.NotNil(t, got.ExitCode)
				assert.Zero(t, *got.ExitCode)
			},
		},
		{
			name:     "event",
			payload:  NewEventRecord(events.Event{Source: "a.txt", Seq: 3, Kind: events.KindVerified, Time: fixedTime}),
			wantType: TypeEvent,
			check: func(t *testing.T, data json.RawMessage) {
				var got EventRecord
				require.NoError(t, json.Unmarshal(data, &got))
				assert.Equal(t, uint64(3), got.Seq)
				assert.Equal(t, events.KindVerified, got.Kind)
			},
		},
		{
			name:     "log",
			payload:  &LogRecord{JobID: "job-1", Seq: 7, Stream: "stderr", Data: "<boom>\n"},
			wantType: TypeLog,
			check: func(t *testing.T, data json.RawMessage) {
				assert.Contains(t, string(data), `"<boom>\n"`)
			},
		},
		{
			name:     "item omits empty error",
			payload:  &ItemRecord{Direction: "upload", RemoteKey: "p/a.txt", State: "planned"},
			wantType: TypeItem,
			check: func(t *testing.T, data json.RawMessage) {
				assert.NotContains(t, string(data), `"error"`)
			},
		},
		{
			name:     "error",
			payload:  &ErrorRecord{Code: "AMBIGUOUS_STATE", Message: "submit", Subject: "key-1"},
			wantType: TypeError,
		},
		{
			name:     "summary",
			payload:  &SummaryRecord{Verified: 2, Duration: 30 * time.Second, DurationHuman: "30s"},
			wantType: TypeSummary,
			check: func(t *testing.T, data json.RawMessage) {
				var got SummaryRecord
				require.NoError(t, json.Unmarshal(data, &got))
				assert.Equal(t, 30*time.Second, got.Duration)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, newTestWriter(&buf, "job.status").Write(context.Background(), tt.payload))
			assert.True(t, strings.HasSuffix(buf.String(), "\n"))

			recs := lines(t, buf.String())
			require.Len(t, recs, 1)
			assert.Equal(t, tt.wantType, recs[0].Type)
			assert.Equal(t, "run-1", recs[0].RunID)
			assert.Equal(t, "job.status", recs[0].Command)
			assert.True(t, fixedTime.Equal(recs[0].TS))
			if tt.check != nil {
				tt.check(t, recs[0].Data)
			}
		})
	}
}

func TestJSONLWriter_Closed(t *testing.T) {
	var buf bytes.Buffer
	w := newTestWriter(&buf, "job.ls")
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Write(context.Background(), &JobRecord{ID: "a"}), ErrWriterClosed)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_CancelledContext(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, newTestWriter(&buf, "job.ls").Write(ctx, &JobRecord{ID: "a"}), context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_ConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	w := newTestWriter(&buf, "storage.upload")

	const writers, each = 8, 50
	var wg sync.WaitGroup
	for i := range writers {
		wg.Go(func() {
			for j := range each {
				_ = w.Write(context.Background(), &ItemRecord{RemoteKey: "k", Size: int64(i*each + j)})
			}
		})
	}
	wg.Wait()
	assert.Len(t, lines(t, buf.String()), writers*each)
}

type chunkWriter struct {
	buf bytes.Buffer
	max int
	err error
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	return c.buf.Write(p[:min(len(p), c.max)])
}

func TestJSONLWriter_ShortWrites(t *testing.T) {
	t.Run("partial writes are completed", func(t *testing.T) {
		cw := &chunkWriter{max: 7}
		require.NoError(t, newTestWriter(cw, "storage.plan").Write(context.Background(), &ItemRecord{RemoteKey: "data/2026/file.parquet"}))
		recs := lines(t, cw.buf.String())
		require.Len(t, recs, 1)
		assert.Equal(t, TypeItem, recs[0].Type)
	})

	t.Run("zero progress fails", func(t *testing.T) {
		err := newTestWriter(&chunkWriter{max: 0}, "job.ls").Write(context.Background(), &JobRecord{ID: "a"})
		assert.ErrorIs(t, err, io.ErrShortWrite)
	})

	t.Run("destination error", func(t *testing.T) {
		err := newTestWriter(&chunkWriter{err: errors.New("disk full")}, "job.ls").Write(context.Background(), &JobRecord{ID: "a"})
		var we *WriteError
		require.ErrorAs(t, err, &we)
		assert.Equal(t, TypeJob, we.Type)
		assert.Equal(t, "output: nimbusctl.job.v1: disk full", we.Error())
	})
}
