package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"os"
)

// DefaultRetryBufferMaxMemoryBytes is the largest body held in memory while
// a copy is retried. Larger or unsized bodies are staged in a temp file.
const DefaultRetryBufferMaxMemoryBytes int64 = 16 << 20

// stagedBody is a seekable copy of a source body plus the sha256 of what
// was read, so a PUT can be replayed without reopening the source.
type stagedBody struct {
	r    io.ReadSeeker
	n    int64
	sum  string
	file *os.File
}

// stage drains and closes src. size < 0 means unknown.
func stage(ctx context.Context, src io.ReadCloser, size, maxMemory int64) (*stagedBody, error) {
	defer func() { _ = src.Close() }()
	if maxMemory <= 0 {
		maxMemory = DefaultRetryBufferMaxMemoryBytes
	}
	h := sha256.New()
	in := io.TeeReader(ctxReader{ctx: ctx, r: src}, h)

	if size >= 0 && size <= maxMemory {
		var buf bytes.Buffer
		buf.Grow(int(size))
		// One byte past size exposes a source that grew.
		n, err := io.Copy(&buf, io.LimitReader(in, size+1))
		if err != nil {
			return nil, err
		}
		return &stagedBody{r: bytes.NewReader(buf.Bytes()), n: n, sum: hexSum(h)}, nil
	}

	f, err := os.CreateTemp("", "nimbusctl-stage-*")
	if err != nil {
		return nil, err
	}
	body := &stagedBody{r: f, file: f}
	n, err := io.Copy(f, in)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = body.Close()
		return nil, err
	}
	body.n, body.sum = n, hexSum(h)
	return body, nil
}

func (b *stagedBody) Close() error {
	if b.file == nil {
		return nil
	}
	return errors.Join(b.file.Close(), os.Remove(b.file.Name()))
}

func hexSum(h hash.Hash) string { return hex.EncodeToString(h.Sum(nil)) }

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
