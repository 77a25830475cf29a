package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("output writer is closed")

// WriteError reports a record that could not be encoded or written.
type WriteError struct {
	Type string
	Err  error
}

func (e *WriteError) Error() string { return "output: " + e.Type + ": " + e.Err.Error() }

func (e *WriteError) Unwrap() error { return e.Err }

// Writer emits records. Implementations are safe for concurrent use and
// never interleave two records.
type Writer interface {
	Write(ctx context.Context, p Payload) error

	// Close stops further writes. It does not close the destination.
	Close() error
}

// JSONLWriter writes one JSON envelope per line, stamped with the run id and
// command of the invocation.
type JSONLWriter struct {
	runID   string
	command string

	// Now stamps records; tests may replace it.
	Now func() time.Time

	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func NewJSONLWriter(w io.Writer, runID, command string) *JSONLWriter {
	return &JSONLWriter{w: w, runID: runID, command: command, Now: time.Now}
}

func (jw *JSONLWriter) Write(ctx context.Context, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(p)
	if err != nil {
		return &WriteError{Type: p.RecordType(), Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	rec := Record{Type: p.RecordType(), TS: jw.Now().UTC(), RunID: jw.runID, Command: jw.command, Data: data}
	line, err := encode(rec)
	if err != nil {
		return &WriteError{Type: rec.Type, Err: err}
	}
	line = append(line, '\n')
	// A short write with a nil error would leave half a line behind.
	for b := line; len(b) > 0; {
		n, err := jw.w.Write(b)
		if err == nil && n == 0 {
			err = io.ErrShortWrite
		}
		if err != nil {
			return &WriteError{Type: rec.Type, Err: err}
		}
		b = b[n:]
	}
	return nil
}

func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	jw.closed = true
	jw.mu.Unlock()
	return nil
}

// encode marshals v without HTML escaping, so log text stays readable.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

var _ Writer = (*JSONLWriter)(nil)
