package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

func TestUnknownOutcomeIsJournaledAndReconciled(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)
	h.list(t, id, alice)

	h.ledger.WithholdOutcomes(1)
	ref, err := h.market.PlaceBid(ctx, id, bob, domain.Ether("1.5"))
	require.ErrorIs(t, err, domain.ErrUnknownOutcome)
	var unknown *domain.UnknownOutcomeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, ref.Hash, unknown.Ref.Hash)

	pending, err := h.pending.List(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.CallPlaceBid, pending[0].Kind)
	assert.Equal(t, id, pending[0].TokenID)

	report, err := h.recon.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Checked: 1, Committed: 1}, report)

	pending, err = h.pending.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	bids, err := h.market.GetBids(ctx, id)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, bob, bids[0].Bidder)
}

func TestStatusSettlesJournaledTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)

	h.ledger.WithholdOutcomes(1)
	ref, err := h.market.List(ctx, id, alice, domain.Ether("1"), 30)
	require.ErrorIs(t, err, domain.ErrUnknownOutcome)

	out, err := h.recon.Status(ctx, ref.Hash)
	require.NoError(t, err)
	assert.Equal(t, domain.TxCommitted, out.Status)

	_, err = h.pending.Get(ctx, ref.Hash)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.SaleListed, h.asset(t, id).SaleState(h.clock.Now()))

	_, err = h.recon.Status(ctx, "0xdeadbeef")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReconcilerDropsLostTransactions(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	lost := domain.PendingTx{
		Hash:        "0x01",
		Kind:        domain.CallPlaceBid,
		Caller:      bob,
		TokenID:     1,
		SubmittedAt: h.clock.Now(),
	}
	require.NoError(t, h.pending.Add(ctx, lost))

	report, err := h.recon.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Checked: 1, Pending: 1}, report)

	h.clock.Advance(2 * time.Hour)
	report, err = h.recon.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Checked: 1, Dropped: 1}, report)

	pending, err := h.pending.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQueries(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	first := h.mint(t, alice)
	h.mint(t, bob)
	second := h.mint(t, alice)

	owned, err := h.query.AssetsOf(ctx, alice)
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.ElementsMatch(t, []uint64{first, second}, []uint64{owned[0].Asset.TokenID, owned[1].Asset.TokenID})

	h.list(t, first, alice)
	_, err = h.market.PlaceBid(ctx, first, bob, domain.Ether("2"))
	require.NoError(t, err)

	bal, err := h.query.Balance(ctx)
	require.NoError(t, err)
	// Three deposits of 0.1 plus the escrowed bid.
	assert.Zero(t, bal.Cmp(domain.Ether("2.3")))

	hits, err := h.query.Search(ctx, "asset of "+bob.String())
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, bob, hits[0].Owner)
}
