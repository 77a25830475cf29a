// Package provider is the storage abstraction shared by the local file tree,
// the remote storage API and S3.
//
// The core interface only lists and stats. Reading, writing, deleting and
// hashing are optional capabilities discovered with type assertions.
// Credentials belong to the client a backend is built on, never to the
// provider.
package provider

import (
	"context"
	"io"
	"iter"
	"time"
)

// ProviderType names a backend.
type ProviderType string

const (
	ProviderS3      ProviderType = "s3"
	ProviderFile    ProviderType = "file"
	ProviderStorage ProviderType = "storage"
)

func (p ProviderType) String() string { return string(p) }

// Provider lists and stats objects. Implementations are safe for concurrent
// use.
type Provider interface {
	// List returns one page of keys under opts.Prefix in lexical order.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head stats one key. A missing key yields ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	Close() error
}

type ListOptions struct {
	Prefix            string
	ContinuationToken string

	// MaxKeys caps the page size; zero means the backend default.
	MaxKeys int
}

type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is set, and IsTruncated true, when more pages follow.
	ContinuationToken string
	IsTruncated       bool
}

type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time

	// SHA256 is the lowercase hex content hash when the backend has it
	// without reading the object.
	SHA256 string
}

type ObjectMeta struct {
	ObjectSummary
	ContentType string
	Metadata    map[string]string
}

// ObjectGetter streams an object. contentLength is -1 when unknown.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// ObjectPutter writes an object. sha256 is the caller's lowercase hex hash of
// body, or "" if unknown; backends that can store or check it do.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, sha256 string) error
}

// ObjectDeleter removes an object. Removing a missing key is not an error.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// ObjectHasher hashes the bytes currently stored under key. Values recorded
// at upload time do not count: verification depends on re-reading.
type ObjectHasher interface {
	HashObject(ctx context.Context, key string) (string, error)
}

// Objects walks every page under prefix. Iteration stops at the first
// error, which is yielded with a zero summary.
func Objects(ctx context.Context, p Provider, prefix string, pageSize int) iter.Seq2[ObjectSummary, error] {
	return func(yield func(ObjectSummary, error) bool) {
		opts := ListOptions{Prefix: prefix, MaxKeys: pageSize}
		for {
			res, err := p.List(ctx, opts)
			if err != nil {
				yield(ObjectSummary{}, err)
				return
			}
			for _, obj := range res.Objects {
				if !yield(obj, nil) {
					return
				}
			}
			if !res.IsTruncated || res.ContinuationToken == "" {
				return
			}
			opts.ContinuationToken = res.ContinuationToken
		}
	}
}
