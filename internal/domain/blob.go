package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ContentStore is a content-addressed store: the locator returned by Put is
// derived from the bytes, and Get returns exactly those bytes. Failures wrap
// ErrStoreUnavailable.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (Locator, error)
	Get(ctx context.Context, loc Locator) ([]byte, error)
}
