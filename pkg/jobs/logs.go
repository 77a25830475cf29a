package jobs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusctl/pkg/events"
	"github.com/3leaps/nimbusctl/pkg/failure"
)

// maxLogFrameBytes bounds one NDJSON frame.
const maxLogFrameBytes = 4 << 20

// ErrLogGap indicates the remote stream skipped sequence numbers.
var ErrLogGap = errors.New("log sequence gap")

// LogGapError reports a missing range of log chunks.
type LogGapError struct {
	JobID    string
	Expected int64
	Got      int64
}

func (e *LogGapError) Error() string {
	return fmt.Sprintf("job %s: log gap, expected seq %d, got %d", e.JobID, e.Expected, e.Got)
}

// Unwrap returns ErrLogGap.
func (e *LogGapError) Unwrap() error { return ErrLogGap }

// LogChunk is one ordered fragment of job output.
type LogChunk struct {
	Seq    int64
	Stream string
	Data   []byte
}

// LogStream is a pull-based, resumable view of a job's log.
//
// Next blocks until the next chunk arrives. Sequence numbers returned by Next
// are strictly increasing with no gaps; a transient disconnect reconnects
// from the last delivered sequence and drops any chunk seen before. A
// LogStream is not safe for concurrent use.
type LogStream struct {
	c      *Controller
	jobID  string
	ctx    context.Context
	cancel context.CancelFunc

	body    io.ReadCloser
	scanner *bufio.Scanner

	last     int64
	failures int
	firstErr time.Time
	err      error
}

// StreamLogs opens the log of job id, starting after sequence since (0 for
// the beginning). The stream connects lazily on the first Next.
func (c *Controller) StreamLogs(ctx context.Context, id string, since int64) *LogStream {
	ctx, cancel := context.WithCancel(ctx)
	return &LogStream{c: c, jobID: id, ctx: ctx, cancel: cancel, last: since}
}

// LastSeq returns the sequence number of the last delivered chunk.
func (s *LogStream) LastSeq() int64 { return s.last }

// Next returns the next chunk. It returns io.EOF once the remote stream
// reports its end.
func (s *LogStream) Next() (LogChunk, error) {
	for {
		if s.err != nil {
			return LogChunk{}, s.err
		}

		if s.body == nil {
			if err := s.connect(); err != nil {
				if s.retryable(err) {
					continue
				}
				return LogChunk{}, s.fail(err)
			}
		}

		if !s.scanner.Scan() {
			err := s.scanner.Err()
			if err == nil {
				err = fmt.Errorf("log stream closed before end: %w", io.ErrUnexpectedEOF)
			}
			s.disconnect()
			if s.retryable(err) {
				continue
			}
			return LogChunk{}, s.fail(err)
		}

		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame wireLogFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			s.disconnect()
			return LogChunk{}, s.fail(failure.New(failure.ErrPermanent, "logs", s.jobID,
				fmt.Errorf("%w: %v", errMalformedResponse, err)))
		}

		if frame.End {
			s.disconnect()
			s.err = io.EOF
			return LogChunk{}, io.EOF
		}
		if frame.Seq <= s.last {
			continue
		}
		if frame.Seq != s.last+1 {
			s.disconnect()
			return LogChunk{}, s.fail(&LogGapError{JobID: s.jobID, Expected: s.last + 1, Got: frame.Seq})
		}

		s.last = frame.Seq
		s.failures = 0
		return LogChunk{Seq: frame.Seq, Stream: frame.Stream, Data: frame.Data}, nil
	}
}

// All iterates the remaining chunks. Iteration stops after the first error;
// io.EOF is not reported.
func (s *LogStream) All() iter.Seq2[LogChunk, error] {
	return func(yield func(LogChunk, error) bool) {
		for {
			chunk, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}

// Close cancels any in-flight request and releases the connection.
func (s *LogStream) Close() error {
	s.cancel()
	s.disconnect()
	if s.err == nil {
		s.err = context.Canceled
	}
	return nil
}

func (s *LogStream) connect() error {
	q := url.Values{}
	if s.last > 0 {
		q.Set("since", strconv.FormatInt(s.last, 10))
	}
	body, err := s.c.tr.OpenStream(s.ctx, jobPath(s.jobID)+"/log", q)
	if err != nil {
		return err
	}
	s.body = body
	s.scanner = bufio.NewScanner(body)
	s.scanner.Buffer(make([]byte, 0, 64<<10), maxLogFrameBytes)
	s.scanner.Split(splitFrames)
	return nil
}

// splitFrames yields complete newline-terminated frames only. A partial
// frame left by a dropped connection is discarded; the reconnect resends it.
func splitFrames(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimRight(data[:i], "\r"), nil
	}
	if atEOF && len(data) > 0 {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

func (s *LogStream) disconnect() {
	if s.body != nil {
		_ = s.body.Close()
		s.body = nil
		s.scanner = nil
	}
}

// retryable consults the retry policy for a connect or read failure and
// sleeps the backoff delay when another attempt is allowed.
func (s *LogStream) retryable(err error) bool {
	if s.ctx.Err() != nil {
		return false
	}
	class := failure.Classify(err)
	if class == failure.ClassPermanent {
		return false
	}

	s.failures++
	if s.failures == 1 {
		s.firstErr = time.Now()
	}
	d := s.c.opts.Retry.Decide(class, s.failures, time.Since(s.firstErr), failure.RetryAfterHint(err))
	if d.GiveUp {
		return false
	}

	s.c.log.Debug("log stream reconnecting",
		zap.String("job_id", s.jobID),
		zap.Int64("since", s.last),
		zap.Int("attempt", s.failures),
		zap.Duration("delay", d.Delay),
		zap.Error(err),
	)
	s.c.emit(s.ctx, s.jobID, events.KindRetry, RetryInfo{
		Attempt: s.failures,
		Delay:   d.Delay.String(),
		Class:   class.String(),
		Error:   err.Error(),
	})
	return s.c.opts.Sleep(s.ctx, d.Delay) == nil
}

func (s *LogStream) fail(err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	var fe *failure.Error
	var gap *LogGapError
	if !errors.As(err, &fe) && !errors.As(err, &gap) && !errors.Is(err, context.Canceled) {
		kind := failure.ErrPermanent
		switch failure.Classify(err) {
		case failure.ClassTransientNetwork:
			kind = failure.ErrTransientNetwork
		case failure.ClassRateLimited:
			kind = failure.ErrRateLimited
		}
		err = &failure.Error{Kind: kind, Op: "logs", Subject: s.jobID, Attempts: s.failures, Err: err}
	}
	s.err = err
	return err
}
