package simledger

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ipmarket/internal/clock"
	"github.com/alanyoungcy/ipmarket/internal/domain"
)

var (
	authority = domain.MustIdentity("0x00000000000000000000000000000000000000a1")
	alice     = domain.MustIdentity("0x00000000000000000000000000000000000000b1")
	bob       = domain.MustIdentity("0x00000000000000000000000000000000000000b2")
	carol     = domain.MustIdentity("0x00000000000000000000000000000000000000b3")
)

func newLedger(t *testing.T) (*Ledger, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(Options{
		Clock:       clk,
		Authorities: []domain.Identity{authority},
		MinDeposit:  domain.Ether("0.01"),
	}), clk
}

func mint(t *testing.T, l *Ledger, owner domain.Identity) uint64 {
	t.Helper()
	ctx := t.Context()
	out, err := l.Submit(ctx, domain.RequestOwnershipCall(owner, "sha256-ab", domain.Ether("0.1")))
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, out.Status)
	out, err = l.Submit(ctx, domain.VerifyRequestCall(authority, *out.ClaimID, true))
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, out.Status)
	require.NotNil(t, out.TokenID)
	return *out.TokenID
}

func TestRequestOwnershipRejectsSmallDeposit(t *testing.T) {
	l, _ := newLedger(t)
	out, err := l.Submit(t.Context(), domain.RequestOwnershipCall(alice, "sha256-ab", domain.Ether("0.001")))
	require.NoError(t, err)
	assert.Equal(t, domain.TxReverted, out.Status)
	assert.Equal(t, ReasonInsufficientDeposit, out.Reason)

	v, err := l.View(t.Context())
	require.NoError(t, err)
	n, err := v.ClaimCount(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint64(1), v.Sequence())
}

func TestVerifyRequestIsOneShot(t *testing.T) {
	l, _ := newLedger(t)
	ctx := t.Context()
	out, err := l.Submit(ctx, domain.RequestOwnershipCall(alice, "sha256-ab", domain.Ether("0.1")))
	require.NoError(t, err)
	id := *out.ClaimID

	out, err = l.Submit(ctx, domain.VerifyRequestCall(alice, id, true))
	require.NoError(t, err)
	assert.Equal(t, ReasonNotVerifier, out.Reason)

	out, err = l.Submit(ctx, domain.VerifyRequestCall(authority, id, false))
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, out.Status)
	assert.Nil(t, out.TokenID)

	out, err = l.Submit(ctx, domain.VerifyRequestCall(authority, id, true))
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadyProcessed, out.Reason)

	v, err := l.View(ctx)
	require.NoError(t, err)
	c, err := v.Claim(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimRejected, c.Status)
	bal, err := v.Balance(ctx)
	require.NoError(t, err)
	assert.Zero(t, bal.Sign(), "rejected deposit is refunded")
}

func TestAcceptBidTransfersAndRefunds(t *testing.T) {
	l, clk := newLedger(t)
	ctx := t.Context()
	id := mint(t, l, alice)

	out, err := l.Submit(ctx, domain.ListForSaleCall(alice, id, domain.Ether("1"), clk.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, out.Status)

	out, err = l.Submit(ctx, domain.PlaceBidCall(bob, id, domain.Ether("0.5")))
	require.NoError(t, err)
	assert.Equal(t, ReasonBidTooLow, out.Reason)

	for _, bidder := range []domain.Identity{bob, carol} {
		out, err = l.Submit(ctx, domain.PlaceBidCall(bidder, id, domain.Ether("1.5")))
		require.NoError(t, err)
		require.Equal(t, domain.TxCommitted, out.Status)
	}

	out, err = l.Submit(ctx, domain.AcceptBidCall(alice, id, 1))
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, out.Status)

	v, err := l.View(ctx)
	require.NoError(t, err)
	a, err := v.Asset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, carol, a.Owner)
	assert.Nil(t, a.Listing)
	bids, err := v.Bids(ctx, id)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.False(t, bids[0].Active)
	assert.False(t, bids[1].Active)

	// The original mint deposit remains; both bids left escrow.
	bal, err := v.Balance(ctx)
	require.NoError(t, err)
	assert.Zero(t, bal.Cmp(domain.Ether("0.1")))

	out, err = l.Submit(ctx, domain.AcceptBidCall(carol, id, 1))
	require.NoError(t, err)
	assert.Equal(t, ReasonNotForSale, out.Reason)
}

func TestExtendFromPreviousExpiry(t *testing.T) {
	l, clk := newLedger(t)
	ctx := t.Context()
	id := mint(t, l, alice)

	v, err := l.View(ctx)
	require.NoError(t, err)
	before, err := v.Asset(ctx, id)
	require.NoError(t, err)

	clk.Advance(DefaultTerm + 48*time.Hour)
	out, err := l.Submit(ctx, domain.ExtendDurationCall(alice, id, 10*86400, nil))
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, out.Status)

	v, err = l.View(ctx)
	require.NoError(t, err)
	after, err := v.Asset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.ExpiresAt.Add(10*24*time.Hour), after.ExpiresAt)
}

func TestExtensionNeverMovesExpiryBack(t *testing.T) {
	l, _ := newLedger(t)
	ctx := t.Context()
	id := mint(t, l, alice)

	v, err := l.View(ctx)
	require.NoError(t, err)
	before, err := v.Asset(ctx, id)
	require.NoError(t, err)

	for _, seconds := range []uint64{200000 * 86400, math.MaxInt64, math.MaxUint64} {
		out, err := l.Submit(ctx, domain.ExtendDurationCall(alice, id, seconds, nil))
		require.NoError(t, err)
		assert.Equal(t, ReasonInvalidDuration, out.Reason, "seconds=%d", seconds)
	}

	v, err = l.View(ctx)
	require.NoError(t, err)
	after, err := v.Asset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.ExpiresAt, after.ExpiresAt)
	assert.True(t, after.ExpiresAt.After(after.RegisteredAt))
}

func TestRegisterPatentRecordsProvenanceOnce(t *testing.T) {
	l, _ := newLedger(t)
	ctx := t.Context()
	id := mint(t, l, alice)

	out, err := l.Submit(ctx, domain.RegisterPatentCall(bob, id, "0xabc"))
	require.NoError(t, err)
	assert.Equal(t, ReasonNotOwner, out.Reason)
	out, err = l.Submit(ctx, domain.RegisterPatentCall(alice, id, ""))
	require.NoError(t, err)
	assert.Equal(t, ReasonNoProvenance, out.Reason)

	out, err = l.Submit(ctx, domain.RegisterPatentCall(authority, id, "0xabc"))
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, out.Status)
	out, err = l.Submit(ctx, domain.RegisterPatentCall(alice, id, "0xdef"))
	require.NoError(t, err)
	assert.Equal(t, ReasonProvenanceRecorded, out.Reason)

	v, err := l.View(ctx)
	require.NoError(t, err)
	a, err := v.Asset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TxHash("0xabc"), a.ProvenanceTx)
}

func TestCheckExpiryEnactsOnce(t *testing.T) {
	l, clk := newLedger(t)
	ctx := t.Context()
	id := mint(t, l, alice)

	out, err := l.Submit(ctx, domain.CheckExpiryCall(bob, id))
	require.NoError(t, err)
	assert.Equal(t, ReasonNotExpired, out.Reason)

	clk.Advance(DefaultTerm)
	out, err = l.Submit(ctx, domain.CheckExpiryCall(bob, id))
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, out.Status)

	out, err = l.Submit(ctx, domain.ExtendDurationCall(alice, id, 86400, nil))
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, out.Reason)
}

func TestWithheldOutcomeIsRecorded(t *testing.T) {
	l, _ := newLedger(t)
	ctx := t.Context()
	l.WithholdOutcomes(1)

	out, err := l.Submit(ctx, domain.RequestOwnershipCall(alice, "sha256-ab", domain.Ether("0.1")))
	require.NoError(t, err)
	assert.Equal(t, domain.TxUnknown, out.Status)
	assert.Nil(t, out.ClaimID)

	final, err := l.Outcome(ctx, out.Ref.Hash)
	require.NoError(t, err)
	assert.Equal(t, domain.TxCommitted, final.Status)
	require.NotNil(t, final.ClaimID)
	assert.Equal(t, uint64(1), *final.ClaimID)
}

func TestUnavailable(t *testing.T) {
	l, _ := newLedger(t)
	l.SetAvailable(false)
	_, err := l.View(t.Context())
	require.ErrorIs(t, err, domain.ErrExternalUnavailable)
	_, err = l.Submit(t.Context(), domain.CheckExpiryCall(bob, 1))
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}
