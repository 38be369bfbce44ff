package postgres

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// openTestClient connects to IPMARKET_TEST_POSTGRES_DSN and truncates the
// tables, or skips.
func openTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("IPMARKET_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IPMARKET_TEST_POSTGRES_DSN not set")
	}
	c, err := New(t.Context(), ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(t.Context()))
	_, err = c.Pool().Exec(t.Context(),
		`TRUNCATE asset_snapshots, claim_snapshots, pending_transactions, audit_log`)
	require.NoError(t, err)
	return c
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/ipm?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "ipm", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: " postgres://x ", Host: "ignored"}))
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\%\_off\\`, escapeLike(`50%_off\`))
}

func TestProjectionStoreSequenceGuard(t *testing.T) {
	c := openTestClient(t)
	s := NewProjectionStore(c.Pool())
	ctx := t.Context()
	now := time.Now().UTC().Truncate(time.Second)

	snap := domain.AssetSnapshot{
		Asset: domain.Asset{
			TokenID:   1,
			Owner:     domain.MustIdentity("0x00000000000000000000000000000000000000b1"),
			ExpiresAt: now.Add(time.Hour),
			Metadata:  &domain.Metadata{Title: "Solar Kite", Category: "energy"},
		},
		Sequence:    5,
		RefreshedAt: now,
	}
	require.NoError(t, s.PutAsset(ctx, snap))

	older := snap
	older.Sequence = 4
	require.ErrorIs(t, s.PutAsset(ctx, older), domain.ErrStaleSnapshot)

	same := snap
	same.Asset.Owner = domain.MustIdentity("0x00000000000000000000000000000000000000b2")
	require.NoError(t, s.PutAsset(ctx, same))

	got, err := s.GetAsset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, same.Asset.Owner, got.Asset.Owner)

	hits, err := s.SearchAssets(ctx, "KITE")
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	_, err = s.GetAsset(ctx, 2)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPendingTxStoreRoundTrip(t *testing.T) {
	c := openTestClient(t)
	s := NewPendingTxStore(c.Pool())
	ctx := t.Context()

	tx := domain.PendingTx{
		Hash:        "0xabc",
		Kind:        domain.CallPlaceBid,
		Caller:      domain.MustIdentity("0x00000000000000000000000000000000000000b1"),
		TokenID:     3,
		SubmittedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.Add(ctx, tx))
	require.NoError(t, s.Add(ctx, tx))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tx, list[0])

	require.NoError(t, s.Remove(ctx, tx.Hash))
	_, err = s.Get(ctx, tx.Hash)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditStoreNewestFirst(t *testing.T) {
	c := openTestClient(t)
	s := NewAuditStore(c.Pool())
	ctx := t.Context()

	require.NoError(t, s.Log(ctx, "first", nil))
	require.NoError(t, s.Log(ctx, "second", map[string]any{"token_id": float64(1)}))

	entries, err := s.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Event)
	assert.Equal(t, float64(1), entries[0].Detail["token_id"])
}
