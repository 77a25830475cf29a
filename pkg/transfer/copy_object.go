package transfer

import (
	"context"
	"errors"

	"github.com/3leaps/nimbusctl/pkg/failure"
	"github.com/3leaps/nimbusctl/pkg/provider"
)

// CopyObject moves one object from src to dst and returns the bytes written.
//
// The body is staged before the PUT. expectedSize (when >= 0) and checksum
// (when set) describe the source as planned; a staged body that disagrees
// with either fails without touching dst.
func CopyObject(ctx context.Context, src, dst provider.Provider, srcKey, dstKey string, expectedSize int64, checksum string, maxMemory int64) (int64, error) {
	getter, ok := src.(provider.ObjectGetter)
	if !ok {
		return 0, failure.New(failure.ErrPermanent, "copy", srcKey, errors.New("source provider does not support GetObject"))
	}
	putter, ok := dst.(provider.ObjectPutter)
	if !ok {
		return 0, failure.New(failure.ErrPermanent, "copy", dstKey, errors.New("destination provider does not support PutObject"))
	}

	rc, reported, err := getter.GetObject(ctx, srcKey)
	if err != nil {
		return 0, err
	}
	if expectedSize >= 0 && reported >= 0 && reported != expectedSize {
		_ = rc.Close()
		return 0, &SizeMismatchError{Key: srcKey, Expected: expectedSize, Got: reported}
	}

	body, err := stage(ctx, rc, reported, maxMemory)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	switch {
	case expectedSize >= 0 && body.n != expectedSize:
		return 0, &SizeMismatchError{Key: srcKey, Expected: expectedSize, Got: body.n}
	case checksum != "" && body.sum != checksum:
		return 0, &SourceChangedError{Key: srcKey, Expected: checksum, Got: body.sum}
	}

	if err := putter.PutObject(ctx, dstKey, body.r, body.n, body.sum); err != nil {
		return 0, err
	}
	return body.n, nil
}
