package jobs

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusctl/internal/fakeapi"
	"github.com/3leaps/nimbusctl/pkg/transport"
)

func readAll(t *testing.T, s *LogStream) ([]int64, string) {
	t.Helper()
	var seqs []int64
	var b strings.Builder
	for chunk, err := range s.All() {
		require.NoError(t, err)
		seqs = append(seqs, chunk.Seq)
		b.Write(chunk.Data)
	}
	return seqs, b.String()
}

func TestStreamLogs_Complete(t *testing.T) {
	h := newHarness(t)
	job := h.submit(t)
	for _, line := range []string{"one\n", "two\n", "three\n"} {
		h.api.AppendLog(job.ID, "stdout", line)
	}
	h.api.SetStatus(job.ID, fakeapi.StatusSucceeded)

	s := h.c.StreamLogs(context.Background(), job.ID, 0)
	defer s.Close()

	seqs, out := readAll(t, s)
	assert.Equal(t, []int64{1, 2, 3}, seqs)
	assert.Equal(t, "one\ntwo\nthree\n", out)
	assert.Equal(t, int64(3), s.LastSeq())

	_, err := s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamLogs_Since(t *testing.T) {
	h := newHarness(t)
	job := h.submit(t)
	for i := 0; i < 5; i++ {
		h.api.AppendLog(job.ID, "stdout", "x")
	}
	h.api.EndLog(job.ID)

	s := h.c.StreamLogs(context.Background(), job.ID, 3)
	defer s.Close()

	seqs, _ := readAll(t, s)
	assert.Equal(t, []int64{4, 5}, seqs)
}

func TestStreamLogs_ResumesWithoutDuplicates(t *testing.T) {
	h := newHarness(t)
	job := h.submit(t)
	for _, line := range []string{"a", "b", "c", "d", "e"} {
		h.api.AppendLog(job.ID, "stdout", line)
	}
	h.api.EndLog(job.ID)
	h.api.CutLogAfter(job.ID, 2)

	s := h.c.StreamLogs(context.Background(), job.ID, 0)
	defer s.Close()

	var seqs []int64
	for range 2 {
		chunk, err := s.Next()
		require.NoError(t, err)
		seqs = append(seqs, chunk.Seq)
	}

	// The reconnect resends frames the client already has.
	h.api.ReplayLog(job.ID, 2)

	rest, out := readAll(t, s)
	seqs = append(seqs, rest...)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs)
	assert.Equal(t, "cde", out)
	assert.Len(t, h.sleeps.Delays(), 1)
	assert.Equal(t, 2, h.api.Requests("GET", "/jobs/"+job.ID+"/log"))
}

func TestStreamLogs_Gap(t *testing.T) {
	h := newHarness(t)
	job := h.submit(t)
	h.api.AppendLog(job.ID, "stdout", "first")
	h.api.AppendLogFrame(job.ID, fakeapi.LogFrame{Seq: 3, Stream: "stdout", Data: []byte("third")})
	h.api.EndLog(job.ID)

	s := h.c.StreamLogs(context.Background(), job.ID, 0)
	defer s.Close()

	chunk, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1), chunk.Seq)

	_, err = s.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLogGap)
	var gap *LogGapError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, int64(2), gap.Expected)
	assert.Equal(t, int64(3), gap.Got)

	_, again := s.Next()
	assert.Equal(t, err, again)
}

func TestStreamLogs_UnknownJob(t *testing.T) {
	h := newHarness(t)

	s := h.c.StreamLogs(context.Background(), "job-missing", 0)
	defer s.Close()

	_, err := s.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrNotFound)
	assert.Empty(t, h.sleeps.Delays())
}

func TestStreamLogs_Live(t *testing.T) {
	h := newHarness(t)
	job := h.submit(t)
	h.api.SetStatus(job.ID, fakeapi.StatusRunning)

	go func() {
		for _, line := range []string{"epoch 1\n", "epoch 2\n", "done\n"} {
			time.Sleep(5 * time.Millisecond)
			h.api.AppendLog(job.ID, "stderr", line)
		}
		h.api.SetStatus(job.ID, fakeapi.StatusSucceeded)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := h.c.StreamLogs(ctx, job.ID, 0)
	defer s.Close()

	seqs, out := readAll(t, s)
	assert.Equal(t, []int64{1, 2, 3}, seqs)
	assert.Equal(t, "epoch 1\nepoch 2\ndone\n", out)
}

func TestStreamLogs_Close(t *testing.T) {
	h := newHarness(t)
	job := h.submit(t)
	h.api.SetStatus(job.ID, fakeapi.StatusRunning)

	s := h.c.StreamLogs(context.Background(), job.ID, 0)
	require.NoError(t, s.Close())

	_, err := s.Next()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSplitFrames(t *testing.T) {
	adv, tok, err := splitFrames([]byte("{\"seq\":1}\r\n{\"se"), false)
	require.NoError(t, err)
	assert.Equal(t, 11, adv)
	assert.Equal(t, `{"seq":1}`, string(tok))

	adv, tok, err = splitFrames([]byte(`{"se`), false)
	require.NoError(t, err)
	assert.Zero(t, adv)
	assert.Nil(t, tok)

	adv, tok, err = splitFrames([]byte(`{"se`), true)
	require.NoError(t, err)
	assert.Equal(t, 4, adv)
	assert.Nil(t, tok)
}
