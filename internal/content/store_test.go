package content

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memblob "github.com/alanyoungcy/ipmarket/internal/blob/memory"
	"github.com/alanyoungcy/ipmarket/internal/domain"
)

func TestPutGetRoundTrip(t *testing.T) {
	bucket := memblob.New()
	s := New(bucket, bucket, Options{Prefix: "content/"})
	ctx := t.Context()

	loc, err := s.Put(ctx, []byte("patent drawing"))
	require.NoError(t, err)
	assert.Equal(t, LocatorFor([]byte("patent drawing")), loc)

	again, err := s.Put(ctx, []byte("patent drawing"))
	require.NoError(t, err)
	assert.Equal(t, loc, again)
	assert.Equal(t, 1, bucket.Len())

	got, err := s.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("patent drawing"), got)
}

func TestLargeObjectsUseMultipart(t *testing.T) {
	bucket := memblob.New()
	s := New(bucket, bucket, Options{MultipartThreshold: 16})
	data := bytes.Repeat([]byte("x"), 64)

	loc, err := s.Put(t.Context(), data)
	require.NoError(t, err)
	got, err := s.Get(t.Context(), loc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestGetDetectsCorruption(t *testing.T) {
	bucket := memblob.New()
	s := New(bucket, bucket, Options{})
	loc, err := s.Put(t.Context(), []byte("original"))
	require.NoError(t, err)

	digest, err := ParseLocator(loc)
	require.NoError(t, err)
	bucket.Corrupt(s.key(digest), []byte("tampered"))

	_, err = s.Get(t.Context(), loc)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestFailuresAreStoreUnavailable(t *testing.T) {
	bucket := memblob.New()
	s := New(bucket, bucket, Options{})
	bucket.Fail(errors.New("connection refused"))

	_, err := s.Put(t.Context(), []byte("doc"))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.ErrorIs(t, err, domain.ErrExternalUnavailable)

	bucket.Fail(nil)
	_, err = s.Get(t.Context(), LocatorFor([]byte("never stored")))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestParseLocator(t *testing.T) {
	_, err := ParseLocator("ipfs://bafy")
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = ParseLocator("sha256:zz")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestMetadataRoundTrip(t *testing.T) {
	bucket := memblob.New()
	s := New(bucket, bucket, Options{})
	m := domain.Metadata{Title: "Solar Kite", Description: "Tethered PV", Category: "Energy"}

	loc, err := PutMetadata(t.Context(), s, m)
	require.NoError(t, err)
	got, err := GetMetadata(t.Context(), s, loc)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = PutMetadata(t.Context(), s, domain.Metadata{})
	require.ErrorIs(t, err, domain.ErrValidation)
}
