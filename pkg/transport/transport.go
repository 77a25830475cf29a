// Package transport is the authenticated request/response and streaming layer
// between the core and the remote API.
//
// The core only sees the Transport interface. The HTTP implementation adds the
// bearer token supplied by a TokenSource, rate limits outgoing requests and
// reports whether a failed request was written to the wire, which the job
// controller needs to tell a safe retry from an ambiguous one.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Transport is the contract the core consumes.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// Do performs a request and buffers the response body.
	// Non-2xx responses are returned as *Error.
	Do(ctx context.Context, req *Request) (*Response, error)

	// OpenStream performs a GET and returns the response body unbuffered.
	// Closing the body, or cancelling ctx, aborts the stream.
	OpenStream(ctx context.Context, path string, query url.Values) (io.ReadCloser, error)
}

// Request describes one API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header

	// Body is sent as-is. Callers that retry must build a fresh Request
	// per attempt.
	Body io.Reader

	// ContentLength is the body length; -1 or 0 with a non-nil Body means
	// unknown.
	ContentLength int64

	// Timeout overrides the transport request timeout. Negative disables it.
	Timeout time.Duration
}

// NewJSONRequest builds a request whose body is v encoded as JSON.
func NewJSONRequest(method, path string, v any) (*Request, error) {
	req := &Request{Method: method, Path: path, Header: http.Header{}}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		req.Body = bytesReader(b)
		req.ContentLength = int64(len(b))
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Response is a buffered API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// TokenSource supplies the bearer token for each request. The core never
// inspects it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token. An empty token sends
// no Authorization header.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }
