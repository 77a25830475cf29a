// Package storageapi implements the provider interfaces over the remote
// storage service of the API.
//
// Objects are addressed as /storage/<key> and the operation is selected by
// the op query parameter (LIST, STAT, OPEN, CHECKSUM, CREATE). The service
// computes sha256 server side, so List and Head return hashes without
// reading content.
package storageapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/3leaps/nimbusctl/pkg/provider"
	"github.com/3leaps/nimbusctl/pkg/transport"
)

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.ObjectGetter  = (*Provider)(nil)
	_ provider.ObjectPutter  = (*Provider)(nil)
	_ provider.ObjectDeleter = (*Provider)(nil)
	_ provider.ObjectHasher  = (*Provider)(nil)
)

// ChecksumHeader carries the client computed sha256 of an upload.
const ChecksumHeader = "X-Content-Sha256"

// Config configures the storage API provider.
type Config struct {
	// Transport is the authenticated API transport. Required.
	Transport transport.Transport

	// Root is prepended to every key, e.g. "home/alice". Optional.
	Root string
}

// Provider talks to the storage service through a transport.
type Provider struct {
	tr   transport.Transport
	root string
}

// New creates a storage API provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("storageapi: transport is required")
	}
	return &Provider{tr: cfg.Transport, root: strings.Trim(cfg.Root, "/")}, nil
}

type objectDoc struct {
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	SHA256   string    `json:"sha256"`
	Modified time.Time `json:"modified"`
}

type listDoc struct {
	Objects []objectDoc `json:"objects"`
	Next    string      `json:"next"`
}

// List returns one page of objects under opts.Prefix.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	q := url.Values{"op": {"LIST"}}
	if opts.ContinuationToken != "" {
		q.Set("token", p.fullKey(opts.ContinuationToken))
	}
	if opts.MaxKeys > 0 {
		q.Set("limit", fmt.Sprint(opts.MaxKeys))
	}

	resp, err := p.tr.Do(ctx, &transport.Request{Method: http.MethodGet, Path: p.path(opts.Prefix), Query: q})
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}
	var doc listDoc
	if err := resp.DecodeJSON(&doc); err != nil {
		return nil, p.wrapError("List", opts.Prefix, fmt.Errorf("decode listing: %w", err))
	}

	res := &provider.ListResult{Objects: make([]provider.ObjectSummary, 0, len(doc.Objects))}
	for _, o := range doc.Objects {
		res.Objects = append(res.Objects, p.summary(o))
	}
	if doc.Next != "" {
		res.IsTruncated = true
		res.ContinuationToken = p.relKey(doc.Next)
	}
	return res, nil
}

// Head returns metadata, including the server computed sha256.
func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	resp, err := p.tr.Do(ctx, &transport.Request{Method: http.MethodGet, Path: p.path(key), Query: url.Values{"op": {"STAT"}}})
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	var doc objectDoc
	if err := resp.DecodeJSON(&doc); err != nil {
		return nil, p.wrapError("Head", key, fmt.Errorf("decode stat: %w", err))
	}
	return &provider.ObjectMeta{ObjectSummary: p.summary(doc)}, nil
}

// GetObject streams the object content. The request is not bounded by the
// transport request timeout; cancel ctx to abort.
func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	meta, err := p.Head(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	body, err := p.tr.OpenStream(ctx, p.path(key), url.Values{"op": {"OPEN"}})
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	return body, meta.Size, nil
}

// PutObject uploads body. The checksum, when known, is sent so the service
// can reject a body damaged in flight.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, checksum string) error {
	req := &transport.Request{
		Method:        http.MethodPut,
		Path:          p.path(key),
		Query:         url.Values{"op": {"CREATE"}},
		Header:        http.Header{},
		Body:          body,
		ContentLength: contentLength,
		Timeout:       -1,
	}
	if contentLength == 0 {
		req.Body = http.NoBody
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if checksum != "" {
		req.Header.Set(ChecksumHeader, checksum)
	}
	if _, err := p.tr.Do(ctx, req); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

// DeleteObject removes the object. Deleting a missing object succeeds.
func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	_, err := p.tr.Do(ctx, &transport.Request{Method: http.MethodDelete, Path: p.path(key)})
	if err != nil && !transport.IsNotFound(err) {
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

// HashObject asks the service to hash the stored bytes.
func (p *Provider) HashObject(ctx context.Context, key string) (string, error) {
	resp, err := p.tr.Do(ctx, &transport.Request{Method: http.MethodGet, Path: p.path(key), Query: url.Values{"op": {"CHECKSUM"}}})
	if err != nil {
		return "", p.wrapError("HashObject", key, err)
	}
	var doc struct {
		SHA256 string `json:"sha256"`
	}
	if err := resp.DecodeJSON(&doc); err != nil {
		return "", p.wrapError("HashObject", key, fmt.Errorf("decode checksum: %w", err))
	}
	if doc.SHA256 == "" {
		return "", p.wrapError("HashObject", key, errors.New("checksum response has no sha256"))
	}
	return strings.ToLower(doc.SHA256), nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) summary(o objectDoc) provider.ObjectSummary {
	return provider.ObjectSummary{
		Key:          p.relKey(o.Key),
		Size:         o.Size,
		SHA256:       strings.ToLower(o.SHA256),
		LastModified: o.Modified,
	}
}

func (p *Provider) fullKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if p.root == "" {
		return key
	}
	return p.root + "/" + key
}

func (p *Provider) relKey(full string) string {
	if p.root == "" {
		return full
	}
	return strings.TrimPrefix(full, p.root+"/")
}

func (p *Provider) path(key string) string {
	return "/storage/" + p.fullKey(key)
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderStorage, Location: p.root, Key: key, Err: err}
	te, ok := transport.AsError(err)
	if !ok {
		return wrapped
	}
	switch {
	case te.StatusCode == http.StatusNotFound:
		wrapped.Err = fmt.Errorf("%w: %w", provider.ErrNotFound, err)
	case te.StatusCode == http.StatusUnauthorized:
		wrapped.Err = fmt.Errorf("%w: %w", provider.ErrInvalidCredentials, err)
	case te.StatusCode == http.StatusForbidden:
		wrapped.Err = fmt.Errorf("%w: %w", provider.ErrAccessDenied, err)
	case te.StatusCode == http.StatusUnprocessableEntity:
		wrapped.Err = fmt.Errorf("%w: %w", provider.ErrChecksumMismatch, err)
	}
	return wrapped
}
