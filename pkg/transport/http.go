package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestTimeout bounds a single buffered request.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultRequestsPerSecond is the outgoing request budget.
	DefaultRequestsPerSecond = 20

	// maxResponseBytes bounds buffered response bodies.
	maxResponseBytes = 64 << 20
)

// Config configures the HTTP transport.
type Config struct {
	// BaseURL is the API root, e.g. https://api.example.com/v1.
	BaseURL string

	// Token supplies the bearer token. Nil sends no Authorization header.
	Token TokenSource

	// RequestTimeout bounds Do calls. Zero uses DefaultRequestTimeout.
	RequestTimeout time.Duration

	// RequestsPerSecond limits outgoing requests. Zero uses the default;
	// negative disables limiting.
	RequestsPerSecond float64

	// Burst is the limiter burst. Zero uses 1.
	Burst int

	// UserAgent is sent with every request.
	UserAgent string

	// Client overrides the underlying http.Client.
	Client *http.Client

	// Logger receives debug request logs. Nil disables logging.
	Logger *zap.Logger
}

// HTTP is the net/http implementation of Transport.
type HTTP struct {
	base    *url.URL
	token   TokenSource
	timeout time.Duration
	limiter *rate.Limiter
	ua      string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTP validates cfg and returns an HTTP transport.
func NewHTTP(cfg Config) (*HTTP, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("transport: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("transport: unsupported scheme %q", base.Scheme)
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	var limiter *rate.Limiter
	rps := cfg.RequestsPerSecond
	if rps == 0 {
		rps = DefaultRequestsPerSecond
	}
	if rps > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	client := cfg.Client
	if client == nil {
		// No client-level timeout: it would also cut long-lived log streams.
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "nimbusctl"
	}

	return &HTTP{
		base:    base,
		token:   cfg.Token,
		timeout: timeout,
		limiter: limiter,
		ua:      ua,
		client:  client,
		logger:  logger,
	}, nil
}

// Do implements Transport.
func (t *HTTP) Do(ctx context.Context, req *Request) (*Response, error) {
	timeout := t.timeout
	if req.Timeout != 0 {
		timeout = req.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, sent, err := t.roundTrip(ctx, req.Method, req.Path, req.Query, req.Header, req.Body, req.ContentLength)
	if err != nil {
		return nil, &Error{Method: req.Method, Path: req.Path, Sent: sent, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		// The status line arrived but the body did not; the server acted.
		return nil, &Error{Method: req.Method, Path: req.Path, Sent: true, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(req.Method, req.Path, resp, body)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// OpenStream implements Transport.
func (t *HTTP) OpenStream(ctx context.Context, path string, query url.Values) (io.ReadCloser, error) {
	header := http.Header{}
	// Compressed transfer would buffer frames in the decoder.
	header.Set("Accept-Encoding", "identity")

	resp, sent, err := t.roundTrip(ctx, http.MethodGet, path, query, header, nil, 0)
	if err != nil {
		return nil, &Error{Method: http.MethodGet, Path: path, Sent: sent, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, statusError(http.MethodGet, path, resp, body)
	}
	return resp.Body, nil
}

func (t *HTTP) roundTrip(ctx context.Context, method, path string, query url.Values, header http.Header, body io.Reader, length int64) (*http.Response, bool, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, false, err
		}
	}

	var sent atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				sent.Store(true)
			}
		},
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	httpReq, err := http.NewRequestWithContext(ctx, method, t.url(path, query), body)
	if err != nil {
		return nil, false, err
	}
	if body != nil && length > 0 {
		httpReq.ContentLength = length
	}
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", t.ua)
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if t.token != nil {
		tok, err := t.token.Token(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("token: %w", err)
		}
		if tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.logger.Debug("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Bool("sent", sent.Load()),
			zap.Error(err),
		)
		return nil, sent.Load(), unwrapURLError(err)
	}
	t.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, true, nil
}

func (t *HTTP) url(path string, query url.Values) string {
	u := *t.base
	u.Path = t.base.Path + "/" + strings.TrimLeft(path, "/")
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// unwrapURLError strips *url.Error so context errors compare directly.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err
	}
	return err
}

func statusError(method, path string, resp *http.Response, body []byte) *Error {
	return &Error{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Sent:       true,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Message:    errorMessage(body),
	}
}

// errorMessage extracts the message from an error envelope
// ({"error":{"code","message"}} or {"error":"..."}), falling back to the
// trimmed text.
func errorMessage(body []byte) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		var nested struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		var flat string
		switch {
		case json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "":
			return nested.Message
		case json.Unmarshal(payload.Error, &flat) == nil && flat != "":
			return flat
		case payload.Message != "":
			return payload.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }
