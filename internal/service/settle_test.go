package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

func TestRetryAfterUnknownOutcomeDoesNotResubmit(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)
	h.list(t, id, alice)

	h.ledger.WithholdOutcomes(1)
	first, err := h.market.PlaceBid(ctx, id, bob, domain.Ether("1.5"))
	require.ErrorIs(t, err, domain.ErrUnknownOutcome)

	// The entry was marked stale, so the next read goes to the ledger.
	snap, err := h.cache.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, snap.ActiveBids(), 1)
	pending, err := h.pending.List(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	calls := len(h.ledger.Calls())
	retry, err := h.market.PlaceBid(ctx, id, bob, domain.Ether("1.5"))
	require.NoError(t, err)
	assert.Equal(t, first.Hash, retry.Hash)
	assert.Len(t, h.ledger.Calls(), calls, "retry settled, not resubmitted")

	v, err := h.ledger.View(ctx)
	require.NoError(t, err)
	onLedger, err := v.Bids(ctx, id)
	require.NoError(t, err)
	assert.Len(t, onLedger, 1)
	bal, err := v.Balance(ctx)
	require.NoError(t, err)
	// Mint deposit plus one escrowed bid.
	assert.Zero(t, bal.Cmp(domain.Ether("1.6")))

	pending, err = h.pending.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	bids, err := h.market.GetBids(ctx, id)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, bob, bids[0].Bidder)
}

func TestGetBidsSettlesJournal(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)
	h.list(t, id, alice)

	h.ledger.WithholdOutcomes(1)
	_, err := h.market.PlaceBid(ctx, id, carol, domain.Ether("2"))
	require.ErrorIs(t, err, domain.ErrUnknownOutcome)

	bids, err := h.market.GetBids(ctx, id)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, carol, bids[0].Bidder)

	pending, err := h.pending.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWriteBlockedWhileOutcomeUnknown(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)
	h.list(t, id, alice)
	require.NoError(t, h.pending.Add(ctx, domain.PendingTx{
		Hash:        "0x02",
		Kind:        domain.CallPlaceBid,
		Caller:      bob,
		TokenID:     id,
		SubmittedAt: h.clock.Now(),
	}))

	calls := len(h.ledger.Calls())
	_, err := h.market.PlaceBid(ctx, id, carol, domain.Ether("2"))
	var unknown *domain.UnknownOutcomeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, domain.TxHash("0x02"), unknown.Ref.Hash)
	assert.Len(t, h.ledger.Calls(), calls)

	// Other assets are unaffected.
	other := h.mint(t, bob)
	_, err = h.expiry.Extend(ctx, other, bob, 10, nil)
	require.NoError(t, err)

	// Once the entry ages out it is dropped and writes resume.
	h.clock.Advance(2 * time.Hour)
	_, err = h.market.PlaceBid(ctx, id, carol, domain.Ether("2"))
	require.NoError(t, err)
	pending, err := h.pending.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetriedExtensionAppliesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)
	before := h.ledgerAsset(t, id).ExpiresAt

	h.ledger.WithholdOutcomes(1)
	_, err := h.expiry.Extend(ctx, id, alice, 30, nil)
	require.ErrorIs(t, err, domain.ErrUnknownOutcome)
	_, err = h.expiry.Extend(ctx, id, alice, 30, nil)
	require.NoError(t, err)

	assert.Equal(t, before.Add(30*24*time.Hour), h.ledgerAsset(t, id).ExpiresAt)
}
