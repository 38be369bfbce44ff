// Package memblob is an in-process blob store for the simulated mode and
// tests.
package memblob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// Bucket keeps objects in a map.
type Bucket struct {
	mu      sync.RWMutex
	objects map[string][]byte
	failing error
}

// New returns an empty bucket.
func New() *Bucket {
	return &Bucket{objects: make(map[string][]byte)}
}

// Fail makes every subsequent call return err; nil restores service.
func (b *Bucket) Fail(err error) {
	b.mu.Lock()
	b.failing = err
	b.mu.Unlock()
}

// Corrupt overwrites the object at path without going through Put.
func (b *Bucket) Corrupt(path string, data []byte) {
	b.mu.Lock()
	b.objects[path] = data
	b.mu.Unlock()
}

// Len returns the number of stored objects.
func (b *Bucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

func (b *Bucket) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("memblob: put %s: %w", path, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing != nil {
		return fmt.Errorf("memblob: put %s: %w", path, b.failing)
	}
	b.objects[path] = raw
	return nil
}

func (b *Bucket) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "")
}

func (b *Bucket) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.failing != nil {
		return nil, fmt.Errorf("memblob: get %s: %w", path, b.failing)
	}
	raw, ok := b.objects[path]
	if !ok {
		return nil, fmt.Errorf("memblob: get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *Bucket) Exists(_ context.Context, path string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.failing != nil {
		return false, fmt.Errorf("memblob: exists %s: %w", path, b.failing)
	}
	_, ok := b.objects[path]
	return ok, nil
}

var (
	_ domain.BlobWriter = (*Bucket)(nil)
	_ domain.BlobReader = (*Bucket)(nil)
)
