package transfer

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAllFromStart(t *testing.T, r io.ReadSeeker) string {
	t.Helper()
	_, err := r.Seek(0, io.SeekStart)
	require.NoError(t, err)
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func TestStage_SmallBodyStaysInMemory(t *testing.T) {
	body, err := stage(context.Background(), io.NopCloser(strings.NewReader("hello")), 5, 1024)
	require.NoError(t, err)
	defer func() { require.NoError(t, body.Close()) }()

	assert.Nil(t, body.file)
	assert.Equal(t, int64(5), body.n)
	assert.Equal(t, sumOf("hello"), body.sum)
	assert.Equal(t, "hello", readAllFromStart(t, body.r))
	assert.Equal(t, "hello", readAllFromStart(t, body.r))
}

func TestStage_DetectsGrownSource(t *testing.T) {
	body, err := stage(context.Background(), io.NopCloser(strings.NewReader("hello world")), 5, 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(6), body.n)
}

func TestStage_LargeOrUnsizedBodyUsesTempFile(t *testing.T) {
	payload := strings.Repeat("a", 1024)
	for _, size := range []int64{1024, -1} {
		body, err := stage(context.Background(), io.NopCloser(strings.NewReader(payload)), size, 16)
		require.NoError(t, err)
		require.NotNil(t, body.file)
		name := body.file.Name()

		assert.Equal(t, int64(1024), body.n)
		assert.Equal(t, sumOf(payload), body.sum)
		assert.Equal(t, payload, readAllFromStart(t, body.r))
		assert.Equal(t, payload, readAllFromStart(t, body.r))

		require.NoError(t, body.Close())
		_, err = os.Stat(name)
		assert.True(t, os.IsNotExist(err))
	}
}

func TestStage_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := stage(ctx, io.NopCloser(bytes.NewReader([]byte("x"))), 1, 1024)
	assert.ErrorIs(t, err, context.Canceled)
}
