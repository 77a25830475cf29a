package file

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusctl/pkg/provider"
)

func writeFile(t *testing.T, base, rel, content string) {
	t.Helper()
	full := filepath.Join(base, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestNew_RequiresBaseDir(t *testing.T) {
	_, err := New(Config{BaseDir: "  "})
	assert.Error(t, err)
}

func TestList_PaginatesInKeyOrder(t *testing.T) {
	base := t.TempDir()
	for _, k := range []string{"b.txt", "a.txt", "sub/c.txt", "sub/deep/d.txt"} {
		writeFile(t, base, k, k)
	}
	p, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	var keys []string
	opts := provider.ListOptions{MaxKeys: 3}
	pages := 0
	for {
		res, err := p.List(context.Background(), opts)
		require.NoError(t, err)
		pages++
		for _, o := range res.Objects {
			keys = append(keys, o.Key)
			assert.Equal(t, int64(len(o.Key)), o.Size)
		}
		if !res.IsTruncated {
			break
		}
		opts.ContinuationToken = res.ContinuationToken
	}
	assert.Equal(t, 2, pages)
	assert.Equal(t, []string{"a.txt", "b.txt", "sub/c.txt", "sub/deep/d.txt"}, keys)
}

func TestList_Prefix(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, "logs/2026/a.log", "a")
	writeFile(t, base, "logs/2027/b.log", "b")
	writeFile(t, base, "other.txt", "o")
	p, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	res, err := p.List(context.Background(), provider.ListOptions{Prefix: "logs/2026"})
	require.NoError(t, err)
	require.Len(t, res.Objects, 1)
	assert.Equal(t, "logs/2026/a.log", res.Objects[0].Key)

	res, err = p.List(context.Background(), provider.ListOptions{Prefix: "missing/"})
	require.NoError(t, err)
	assert.Empty(t, res.Objects)
}

func TestPutGetHashDelete(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	p, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	data := []byte("file provider content")
	require.NoError(t, p.PutObject(ctx, "nested/dir/obj.bin", bytes.NewReader(data), int64(len(data)), ""))

	meta, err := p.Head(ctx, "nested/dir/obj.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), meta.Size)

	body, n, err := p.GetObject(ctx, "nested/dir/obj.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, got)

	want := sha256.Sum256(data)
	h, err := p.HashObject(ctx, "nested/dir/obj.bin")
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(want[:]), h)

	entries, err := os.ReadDir(filepath.Join(base, "nested", "dir"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, p.DeleteObject(ctx, "nested/dir/obj.bin"))
	require.NoError(t, p.DeleteObject(ctx, "nested/dir/obj.bin"))
	_, err = p.Head(ctx, "nested/dir/obj.bin")
	assert.True(t, provider.IsNotFound(err))
}

func TestPutObject_ShortBody(t *testing.T) {
	base := t.TempDir()
	p, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	err = p.PutObject(context.Background(), "short", bytes.NewReader([]byte("abc")), 10, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "short write")

	_, err = os.Stat(filepath.Join(base, "short"))
	assert.True(t, os.IsNotExist(err))
}

func TestPutObject_ZeroBytes(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, p.PutObject(ctx, "empty", bytes.NewReader(nil), 0, ""))
	meta, err := p.Head(ctx, "empty")
	require.NoError(t, err)
	assert.Zero(t, meta.Size)
}

func TestPutObject_CancelledContext(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = p.PutObject(ctx, "x", bytes.NewReader([]byte("data")), 4, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeysCannotEscapeBase(t *testing.T) {
	base := t.TempDir()
	p, err := New(Config{BaseDir: filepath.Join(base, "root")})
	require.NoError(t, err)

	require.NoError(t, p.PutObject(context.Background(), "../outside", bytes.NewReader([]byte("x")), 1, ""))
	_, err = os.Stat(filepath.Join(base, "outside"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(base, "root", "outside"))
	assert.NoError(t, err)
}
