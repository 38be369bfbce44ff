package projection

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memblob "github.com/alanyoungcy/ipmarket/internal/blob/memory"
	"github.com/alanyoungcy/ipmarket/internal/cache/memory"
	"github.com/alanyoungcy/ipmarket/internal/clock"
	"github.com/alanyoungcy/ipmarket/internal/content"
	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/ledger/simledger"
)

var (
	authority = domain.MustIdentity("0x00000000000000000000000000000000000000a1")
	alice     = domain.MustIdentity("0x00000000000000000000000000000000000000b1")
	bob       = domain.MustIdentity("0x00000000000000000000000000000000000000b2")
)

type fixture struct {
	ledger  *simledger.Ledger
	store   *memory.ProjectionStore
	content *content.Store
	clock   *clock.Manual
	cache   *Cache
}

func newFixture(t *testing.T, ledger domain.Ledger) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewProjectionStore(),
		clock: clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	bucket := memblob.New()
	f.content = content.New(bucket, bucket, content.Options{})
	f.ledger = simledger.New(simledger.Options{
		Clock:       f.clock,
		Authorities: []domain.Identity{authority},
		MinDeposit:  domain.Ether("0.01"),
	})
	if ledger == nil {
		ledger = f.ledger
	}
	c, err := New(ledger, f.store, f.content, Options{
		Staleness:        time.Minute,
		ReadRetryInitial: time.Millisecond,
		Clock:            f.clock,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	f.cache = c
	return f
}

func (f *fixture) mint(t *testing.T, owner domain.Identity, title string) uint64 {
	t.Helper()
	ctx := t.Context()
	loc, err := content.PutMetadata(ctx, f.content, domain.Metadata{Title: title, Category: "invention"})
	require.NoError(t, err)
	out, err := f.ledger.Submit(ctx, domain.RequestOwnershipCall(owner, loc, domain.Ether("0.1")))
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, out.Status)
	out, err = f.ledger.Submit(ctx, domain.VerifyRequestCall(authority, *out.ClaimID, true))
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, out.Status)
	return *out.TokenID
}

func TestRefreshThenGetServesSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	id := f.mint(t, alice, "Tidal Lens")

	refreshed, err := f.cache.Refresh(t.Context(), id)
	require.NoError(t, err)
	require.NotNil(t, refreshed.Asset.Metadata)
	assert.Equal(t, "Tidal Lens", refreshed.Asset.Metadata.Title)

	// A fresh entry is served without touching the ledger.
	f.ledger.SetAvailable(false)
	got, err := f.cache.Get(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, refreshed.Sequence, got.Sequence)
	assert.Equal(t, alice, got.Asset.Owner)
}

func TestGetRefreshesStaleEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	id := f.mint(t, alice, "Tidal Lens")

	first, err := f.cache.Get(ctx, id)
	require.NoError(t, err)
	_, listed := first.Asset.ActiveListing()
	require.False(t, listed)

	out, err := f.ledger.Submit(ctx, domain.ListForSaleCall(alice, id, domain.Ether("1"), f.clock.Now().Add(24*time.Hour)))
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, out.Status)

	cached, err := f.cache.Get(ctx, id)
	require.NoError(t, err)
	_, listed = cached.Asset.ActiveListing()
	assert.False(t, listed, "within the bound the old entry is served")

	f.clock.Advance(2 * time.Minute)
	fresh, err := f.cache.Get(ctx, id)
	require.NoError(t, err)
	_, listed = fresh.Asset.ActiveListing()
	assert.True(t, listed)
	assert.Greater(t, fresh.Sequence, first.Sequence)
}

func TestGetUnknownToken(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.cache.Get(t.Context(), 42)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRefreshKeepsNewerEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	id := f.mint(t, alice, "Tidal Lens")

	snap, err := f.cache.Refresh(ctx, id)
	require.NoError(t, err)

	newer := snap
	newer.Sequence += 10
	newer.Asset.Owner = bob
	require.NoError(t, f.store.PutAsset(ctx, newer))

	got, err := f.cache.Refresh(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, newer.Sequence, got.Sequence)
	assert.Equal(t, bob, got.Asset.Owner)
}

// flakyLedger fails the first n View calls as unavailable.
type flakyLedger struct {
	domain.Ledger
	failures atomic.Int32
}

func (l *flakyLedger) View(ctx context.Context) (domain.LedgerView, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, domain.ErrLedgerUnavailable
	}
	return l.Ledger.View(ctx)
}

func TestReadsRetryUnavailableLedger(t *testing.T) {
	flaky := &flakyLedger{}
	f := newFixture(t, flaky)
	flaky.Ledger = f.ledger
	id := f.mint(t, alice, "Tidal Lens")

	flaky.failures.Store(2)
	snap, err := f.cache.Refresh(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, id, snap.Asset.TokenID)

	flaky.failures.Store(100)
	_, err = f.cache.Refresh(t.Context(), id)
	require.ErrorIs(t, err, domain.ErrExternalUnavailable)
}

func TestSearchMatchesMetadata(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	kite := f.mint(t, alice, "Solar Kite")
	f.mint(t, bob, "Tidal Lens")

	_, err := f.cache.Rebuild(ctx)
	require.NoError(t, err)

	hits, err := f.cache.Search(ctx, "KITE")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, kite, hits[0].TokenID)

	all, err := f.cache.Search(ctx, "invention")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRebuildReplaysFromGenesis(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	f.mint(t, alice, "Solar Kite")
	f.mint(t, bob, "Tidal Lens")
	out, err := f.ledger.Submit(ctx, domain.RequestOwnershipCall(bob, "sha256-pending", domain.Ether("0.1")))
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, out.Status)

	report, err := f.cache.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, RebuildReport{Claims: 3, Assets: 2}, report)

	claims, err := f.cache.Claims(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 3)
	assert.Equal(t, domain.ClaimPending, claims[2].Claim.Status)
	assert.Nil(t, claims[2].Claim.TokenID)
}

func TestTieredBackfillsHotStore(t *testing.T) {
	hot, durable := memory.NewProjectionStore(), memory.NewProjectionStore()
	tiered := NewTiered(hot, durable, slog.New(slog.DiscardHandler))
	ctx := t.Context()

	snap := domain.AssetSnapshot{Asset: domain.Asset{TokenID: 1, Owner: alice}, Sequence: 3}
	require.NoError(t, durable.PutAsset(ctx, snap))

	got, err := tiered.GetAsset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Sequence)

	fromHot, err := hot.GetAsset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), fromHot.Sequence)

	older := snap
	older.Sequence = 2
	require.ErrorIs(t, tiered.PutAsset(ctx, older), domain.ErrStaleSnapshot)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	id := f.mint(t, alice, "Tidal Lens")

	first, err := f.cache.Get(ctx, id)
	require.NoError(t, err)

	out, err := f.ledger.Submit(ctx, domain.ListForSaleCall(alice, id, domain.Ether("1"), f.clock.Now().Add(24*time.Hour)))
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, out.Status)

	f.cache.Invalidate(ctx, id)
	got, err := f.cache.Get(ctx, id)
	require.NoError(t, err)
	_, listed := got.Asset.ActiveListing()
	assert.True(t, listed, "invalidated entry is read through within the bound")
	assert.Greater(t, got.Sequence, first.Sequence)

	// Unknown ids are ignored.
	f.cache.Invalidate(ctx, 99)
	f.cache.InvalidateClaim(ctx, 99)
}

// flakyHot fails asset writes on demand.
type flakyHot struct {
	*memory.ProjectionStore
	fail atomic.Bool
}

func (s *flakyHot) PutAsset(ctx context.Context, snap domain.AssetSnapshot) error {
	if s.fail.Load() {
		return domain.ErrStoreUnavailable
	}
	return s.ProjectionStore.PutAsset(ctx, snap)
}

func TestTieredEvictsHotOnFailedWrite(t *testing.T) {
	hot := &flakyHot{ProjectionStore: memory.NewProjectionStore()}
	durable := memory.NewProjectionStore()
	tiered := NewTiered(hot, durable, slog.New(slog.DiscardHandler))
	ctx := t.Context()

	snap := domain.AssetSnapshot{Asset: domain.Asset{TokenID: 1, Owner: alice}, Sequence: 1}
	require.NoError(t, tiered.PutAsset(ctx, snap))

	hot.fail.Store(true)
	snap.Asset.Owner = bob
	snap.Sequence = 2
	require.NoError(t, tiered.PutAsset(ctx, snap))

	_, err := hot.GetAsset(ctx, 1)
	require.ErrorIs(t, err, domain.ErrNotFound)

	got, err := tiered.GetAsset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Sequence)
	assert.Equal(t, bob, got.Asset.Owner)
}
