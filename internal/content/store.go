// Package content implements the content-addressed store for asset metadata
// and files on top of a blob bucket.
package content

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

const (
	locatorPrefix = "sha256:"

	// DefaultMultipartThreshold is the size above which uploads are split.
	DefaultMultipartThreshold = 8 << 20
	// DefaultMaxObjectSize bounds reads.
	DefaultMaxObjectSize = 64 << 20
)

// Options tunes a Store.
type Options struct {
	// Prefix is prepended to every object key.
	Prefix             string
	MultipartThreshold int
	MaxObjectSize      int64
}

// Store is a domain.ContentStore. Objects are keyed by the SHA-256 of their
// bytes, so storing the same bytes twice yields the same locator and a
// single object.
type Store struct {
	w    domain.BlobWriter
	r    domain.BlobReader
	opts Options
}

// New builds a Store over a bucket.
func New(w domain.BlobWriter, r domain.BlobReader, opts Options) *Store {
	if opts.MultipartThreshold <= 0 {
		opts.MultipartThreshold = DefaultMultipartThreshold
	}
	if opts.MaxObjectSize <= 0 {
		opts.MaxObjectSize = DefaultMaxObjectSize
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	return &Store{w: w, r: r, opts: opts}
}

// LocatorFor returns the locator data would be stored under.
func LocatorFor(data []byte) domain.Locator {
	sum := sha256.Sum256(data)
	return domain.Locator(locatorPrefix + hex.EncodeToString(sum[:]))
}

// ParseLocator validates loc and returns its hex digest.
func ParseLocator(loc domain.Locator) (string, error) {
	digest, ok := strings.CutPrefix(string(loc), locatorPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return "", domain.Invalid("locator %q: want %s<64 hex>", loc, locatorPrefix)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", domain.Invalid("locator %q: not hex", loc)
	}
	return strings.ToLower(digest), nil
}

func (s *Store) key(digest string) string {
	k := digest[:2] + "/" + digest
	if s.opts.Prefix == "" {
		return k
	}
	return s.opts.Prefix + "/" + k
}

// Put stores data and returns its locator.
func (s *Store) Put(ctx context.Context, data []byte) (domain.Locator, error) {
	if len(data) == 0 {
		return "", domain.Invalid("content: empty object")
	}
	loc := LocatorFor(data)
	digest, _ := ParseLocator(loc)
	key := s.key(digest)

	exists, err := s.r.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("content: put %s: %w: %v", loc, domain.ErrStoreUnavailable, err)
	}
	if exists {
		return loc, nil
	}

	if len(data) > s.opts.MultipartThreshold {
		err = s.w.PutMultipart(ctx, key, bytes.NewReader(data), int64(s.opts.MultipartThreshold))
	} else {
		err = s.w.Put(ctx, key, bytes.NewReader(data), http.DetectContentType(data))
	}
	if err != nil {
		return "", fmt.Errorf("content: put %s: %w: %v", loc, domain.ErrStoreUnavailable, err)
	}
	return loc, nil
}

// Get fetches the bytes behind loc and checks them against the digest.
func (s *Store) Get(ctx context.Context, loc domain.Locator) ([]byte, error) {
	digest, err := ParseLocator(loc)
	if err != nil {
		return nil, err
	}
	body, err := s.r.Get(ctx, s.key(digest))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("content: get %s: %w: %w", loc, domain.ErrStoreUnavailable, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("content: get %s: %w: %v", loc, domain.ErrStoreUnavailable, err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, s.opts.MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("content: read %s: %w: %v", loc, domain.ErrStoreUnavailable, err)
	}
	if int64(len(data)) > s.opts.MaxObjectSize {
		return nil, fmt.Errorf("content: %s exceeds %d bytes: %w", loc, s.opts.MaxObjectSize, domain.ErrStoreUnavailable)
	}
	if LocatorFor(data) != domain.Locator(locatorPrefix+digest) {
		return nil, fmt.Errorf("content: %s digest mismatch: %w", loc, domain.ErrStoreUnavailable)
	}
	return data, nil
}

// PutMetadata encodes m as JSON and stores it.
func PutMetadata(ctx context.Context, cs domain.ContentStore, m domain.Metadata) (domain.Locator, error) {
	if strings.TrimSpace(m.Title) == "" {
		return "", domain.Invalid("metadata: title is required")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("content: encode metadata: %w", err)
	}
	return cs.Put(ctx, raw)
}

// GetMetadata fetches and decodes a metadata document.
func GetMetadata(ctx context.Context, cs domain.ContentStore, loc domain.Locator) (domain.Metadata, error) {
	raw, err := cs.Get(ctx, loc)
	if err != nil {
		return domain.Metadata{}, err
	}
	var m domain.Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.Metadata{}, domain.Invalid("metadata %s: %v", loc, err)
	}
	return m, nil
}

var _ domain.ContentStore = (*Store)(nil)
