package service

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

func TestListThenBid(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)
	h.list(t, id, alice)

	a := h.asset(t, id)
	assert.Equal(t, domain.SaleListed, a.SaleState(h.clock.Now()))
	assert.Equal(t, h.clock.Now().Add(30*24*time.Hour), a.Listing.EndsAt)

	calls := len(h.ledger.Calls())
	_, err := h.market.PlaceBid(ctx, id, bob, domain.Ether("0.5"))
	require.ErrorIs(t, err, domain.ErrBidTooLow)
	assert.Len(t, h.ledger.Calls(), calls, "rejected locally")

	ref, err := h.market.PlaceBid(ctx, id, bob, domain.Ether("1.5"))
	require.NoError(t, err)
	assert.NotEmpty(t, ref.Hash)

	bids, err := h.market.GetBids(ctx, id)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Active)
	assert.Equal(t, bob, bids[0].Bidder)
	assert.Zero(t, bids[0].Amount.Cmp(domain.Ether("1.5")))
}

func TestListDurationBounded(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)

	calls := len(h.ledger.Calls())
	_, err := h.market.List(ctx, id, alice, domain.Ether("1"), 200000)
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.market.List(ctx, id, alice, domain.Ether("1"), MaxDays+1)
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Len(t, h.ledger.Calls(), calls)

	_, err = h.market.List(ctx, id, alice, domain.Ether("1"), MaxDays)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(MaxDays*24*time.Hour), h.asset(t, id).Listing.EndsAt)
}

func TestAcceptBidTransfersOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)
	h.list(t, id, alice)
	_, err := h.market.PlaceBid(ctx, id, bob, domain.Ether("1.5"))
	require.NoError(t, err)
	_, err = h.market.PlaceBid(ctx, id, carol, domain.Ether("2"))
	require.NoError(t, err)

	events, err := h.bus.Subscribe(ctx, domain.ChannelAssets)
	require.NoError(t, err)

	_, err = h.market.AcceptBid(ctx, id, 0, alice)
	require.NoError(t, err)

	a := h.asset(t, id)
	assert.Equal(t, bob, a.Owner)
	assert.Nil(t, a.Listing)
	assert.Equal(t, domain.SaleUnlisted, a.SaleState(h.clock.Now()))

	bids, err := h.market.GetBids(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, bids)

	_, err = h.market.AcceptBid(ctx, id, 0, alice)
	require.ErrorIs(t, err, domain.ErrBidNotActive)
	_, err = h.market.AcceptBid(ctx, id, 0, bob)
	require.ErrorIs(t, err, domain.ErrBidNotActive)

	var ev domain.Event
	select {
	case raw := <-events:
		require.NoError(t, json.Unmarshal(raw, &ev))
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
	assert.Equal(t, domain.EventAssetSold, ev.Type)
	assert.Equal(t, id, ev.TokenID)
	assert.Equal(t, bob.String(), ev.Detail["buyer"])
}

func TestListRules(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)

	_, err := h.market.List(ctx, id, bob, domain.Ether("1"), 30)
	require.ErrorIs(t, err, domain.ErrNotOwner)

	_, err = h.market.List(ctx, id, alice, domain.Ether("0"), 30)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.market.List(ctx, id, alice, domain.Ether("1"), 0)
	require.ErrorIs(t, err, domain.ErrValidation)

	h.list(t, id, alice)
	_, err = h.market.List(ctx, id, alice, domain.Ether("2"), 10)
	require.ErrorIs(t, err, domain.ErrAlreadyListed)

	_, err = h.market.List(ctx, 99, alice, domain.Ether("1"), 10)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBidRules(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)

	_, err := h.market.PlaceBid(ctx, id, bob, domain.Ether("1"))
	require.ErrorIs(t, err, domain.ErrNoActiveListing)

	h.list(t, id, alice)
	_, err = h.market.PlaceBid(ctx, id, alice, domain.Ether("5"))
	require.ErrorIs(t, err, domain.ErrValidation)

	h.clock.Advance(31 * 24 * time.Hour)
	_, err = h.market.PlaceBid(ctx, id, bob, domain.Ether("5"))
	require.ErrorIs(t, err, domain.ErrListingExpired)
}

func TestWithdrawBid(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)
	h.list(t, id, alice)
	_, err := h.market.PlaceBid(ctx, id, bob, domain.Ether("1"))
	require.NoError(t, err)

	_, err = h.market.WithdrawBid(ctx, id, 0, carol)
	require.ErrorIs(t, err, domain.ErrNotOwner)

	_, err = h.market.WithdrawBid(ctx, id, 0, bob)
	require.NoError(t, err)

	_, err = h.market.WithdrawBid(ctx, id, 0, bob)
	require.ErrorIs(t, err, domain.ErrBidNotActive)

	bids, err := h.market.GetBids(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, bids)
}

func TestCancelListing(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)

	_, err := h.market.CancelListing(ctx, id, alice)
	require.ErrorIs(t, err, domain.ErrNoActiveListing)

	h.list(t, id, alice)
	_, err = h.market.CancelListing(ctx, id, bob)
	require.ErrorIs(t, err, domain.ErrNotOwner)

	_, err = h.market.CancelListing(ctx, id, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleUnlisted, h.asset(t, id).SaleState(h.clock.Now()))

	// Relisting after a cancel is allowed.
	h.list(t, id, alice)
}

func TestConcurrentAcceptBidSellsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)
	h.list(t, id, alice)
	_, err := h.market.PlaceBid(ctx, id, bob, domain.Ether("1.5"))
	require.NoError(t, err)
	_, err = h.market.PlaceBid(ctx, id, carol, domain.Ether("1.6"))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, index := range []uint64{0, 1, 0, 1} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.market.AcceptBid(ctx, id, index, alice)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, "StateConflictError", domain.KindOf(err), err.Error())
	}
	assert.Equal(t, 1, succeeded)

	onLedger := h.ledgerAsset(t, id)
	assert.Equal(t, onLedger.Owner, h.asset(t, id).Owner)
	assert.NotEqual(t, alice, onLedger.Owner)
}

func TestHeldLockFailsFast(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)

	unlock, err := h.tx.Lock(ctx, "asset", id)
	require.NoError(t, err)
	_, err = h.market.List(ctx, id, alice, domain.Ether("1"), 30)
	require.ErrorIs(t, err, domain.ErrOperationInProgress)
	unlock()

	h.list(t, id, alice)
}

func TestRefreshFailureKeepsCommittedOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	id := h.mint(t, alice)

	h.store.failPuts.Store(true)
	ref, err := h.market.List(ctx, id, alice, domain.Ether("1"), 30)
	require.NoError(t, err)
	assert.NotEmpty(t, ref.Hash)

	// The next read past the bound catches up with the ledger.
	h.store.failPuts.Store(false)
	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, domain.SaleListed, h.asset(t, id).SaleState(h.clock.Now()))
}

func TestSubmissionsAreAudited(t *testing.T) {
	h := newHarness(t)
	id := h.mint(t, alice)
	h.list(t, id, alice)

	entries, err := h.audit.List(t.Context(), domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tx_committed", entries[0].Event)
	assert.Equal(t, string(domain.CallListForSale), entries[0].Detail["call"])
}
