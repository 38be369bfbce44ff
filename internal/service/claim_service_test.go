package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ipmarket/internal/cache/memory"
	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/ledger/simledger"
)

func TestSubmitAndApproveClaim(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	receipt, err := h.claims.Submit(ctx, ClaimRequest{
		Requester: alice,
		Document:  metadataDoc(t, "Solar Kite"),
		Deposit:   domain.Ether("0.1"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.Tx.Hash)

	claim, err := h.claims.Get(ctx, receipt.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimPending, claim.Status)
	assert.Equal(t, alice, claim.Requester)

	res, err := h.claims.Resolve(ctx, receipt.ClaimID, true, authority)
	require.NoError(t, err)
	require.NotNil(t, res.TokenID)
	require.NotNil(t, res.Tx)
	assert.Equal(t, domain.ClaimApproved, res.Status)

	a := h.asset(t, *res.TokenID)
	assert.Equal(t, alice, a.Owner)
	assert.False(t, a.RegisteredAt.IsZero())
	assert.Equal(t, domain.SaleUnlisted, a.SaleState(h.clock.Now()))
	require.NotNil(t, a.Metadata)
	assert.Equal(t, "Solar Kite", a.Metadata.Title)
	assert.Equal(t, res.Tx.Hash, a.ProvenanceTx, "minting tx recorded on the ledger")
	assert.Equal(t, res.Tx.Hash, h.ledgerAsset(t, *res.TokenID).ProvenanceTx)
}

// receiptless drops the claim id from committed ownership requests, as when
// the receipt's events cannot be decoded.
type receiptless struct {
	*simledger.Ledger
}

func (l receiptless) Submit(ctx context.Context, call domain.Call) (domain.TxOutcome, error) {
	out, err := l.Ledger.Submit(ctx, call)
	if call.Kind == domain.CallRequestOwnership {
		out.ClaimID = nil
	}
	return out, err
}

func TestSubmitWithoutClaimIDIsJournaled(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	logger := slog.New(slog.DiscardHandler)
	tx := NewSubmitter(receiptless{h.ledger}, memory.NewLockManager(), h.pending, h.audit, h.bus, h.clock,
		SubmitterConfig{SubmitTimeout: 5 * time.Second}, logger)
	claims := NewClaimService(tx, h.cache, h.content, []domain.Identity{authority}, logger)
	req := ClaimRequest{Requester: alice, Document: metadataDoc(t, "Tide Clock"), Deposit: domain.Ether("0.1")}

	first, err := claims.Submit(ctx, req)
	var unknown *domain.UnknownOutcomeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, first.Tx.Hash, unknown.Ref.Hash)
	pending, err := h.pending.List(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.CallRequestOwnership, pending[0].Kind)

	// The retry recovers the id from the ledger instead of paying again.
	calls := len(h.ledger.Calls())
	retry, err := claims.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), retry.ClaimID)
	assert.Equal(t, first.Tx.Hash, retry.Tx.Hash)
	assert.Len(t, h.ledger.Calls(), calls)

	claim, err := h.claims.Get(ctx, retry.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimPending, claim.Status)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	_, err := h.claims.Submit(ctx, ClaimRequest{Requester: alice, Locator: "sha256:00", Deposit: domain.Ether("0")})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.claims.Submit(ctx, ClaimRequest{Requester: alice, Deposit: domain.Ether("0.1")})
	require.ErrorIs(t, err, domain.ErrValidation)

	assert.Empty(t, h.ledger.Calls())
}

func TestSubmitStoreUnavailableBeforeLedger(t *testing.T) {
	h := newHarness(t)
	h.bucket.Fail(errors.New("connection refused"))

	_, err := h.claims.Submit(t.Context(), ClaimRequest{
		Requester: alice,
		Document:  metadataDoc(t, "Solar Kite"),
		Deposit:   domain.Ether("0.1"),
	})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, "ExternalUnavailable", domain.KindOf(err))
	assert.Empty(t, h.ledger.Calls())
}

func TestSubmitRevertIsLedgerRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.claims.Submit(t.Context(), ClaimRequest{
		Requester: alice,
		Locator:   "sha256:ab",
		Deposit:   domain.Ether("0.001"),
	})
	require.ErrorIs(t, err, domain.ErrLedgerRejected)
	var rejected *domain.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, simledger.ReasonInsufficientDeposit, rejected.Reason)
}

func TestResolveRequiresAuthority(t *testing.T) {
	h := newHarness(t)
	receipt, err := h.claims.Submit(t.Context(), ClaimRequest{Requester: alice, Locator: "sha256:ab", Deposit: domain.Ether("0.1")})
	require.NoError(t, err)
	calls := len(h.ledger.Calls())

	_, err = h.claims.Resolve(t.Context(), receipt.ClaimID, true, bob)
	require.ErrorIs(t, err, domain.ErrNotAuthority)
	require.ErrorIs(t, err, domain.ErrAuthorization)
	assert.Len(t, h.ledger.Calls(), calls)
}

func TestResolveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	receipt, err := h.claims.Submit(ctx, ClaimRequest{Requester: alice, Locator: "sha256:ab", Deposit: domain.Ether("0.1")})
	require.NoError(t, err)

	first, err := h.claims.Resolve(ctx, receipt.ClaimID, true, authority)
	require.NoError(t, err)
	calls := len(h.ledger.Calls())

	second, err := h.claims.Resolve(ctx, receipt.ClaimID, true, authority)
	require.NoError(t, err)
	assert.Nil(t, second.Tx, "nothing submitted the second time")
	assert.Equal(t, *first.TokenID, *second.TokenID)
	assert.Len(t, h.ledger.Calls(), calls)

	_, err = h.claims.Resolve(ctx, receipt.ClaimID, false, authority)
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

func TestResolveReconcilesLedgerDecision(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	receipt, err := h.claims.Submit(ctx, ClaimRequest{Requester: alice, Locator: "sha256:ab", Deposit: domain.Ether("0.1")})
	require.NoError(t, err)

	// Rejected on the ledger by another process; the projection still says pending.
	out, err := h.ledger.Submit(ctx, domain.VerifyRequestCall(authority, receipt.ClaimID, false))
	require.NoError(t, err)
	require.Equal(t, domain.TxCommitted, out.Status)

	res, err := h.claims.Resolve(ctx, receipt.ClaimID, false, authority)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimRejected, res.Status)
	assert.Nil(t, res.TokenID)
	assert.Nil(t, res.Tx)
}

func TestListPendingReconcilesAgainstCounter(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	// Claims written straight to the ledger are unknown to the projection.
	var ids []uint64
	for _, who := range []domain.Identity{alice, bob, carol} {
		out, err := h.ledger.Submit(ctx, domain.RequestOwnershipCall(who, "sha256:ab", domain.Ether("0.1")))
		require.NoError(t, err)
		ids = append(ids, *out.ClaimID)
	}
	_, err := h.ledger.Submit(ctx, domain.VerifyRequestCall(authority, ids[1], true))
	require.NoError(t, err)

	pending, err := h.claims.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Equal(t, ids[2], pending[1].ID)

	// The sequence can be ranged over again.
	var again []uint64
	for c, err := range h.claims.Pending(ctx) {
		require.NoError(t, err)
		again = append(again, c.ID)
	}
	assert.Equal(t, []uint64{ids[0], ids[2]}, again)
}

func TestGetUnknownClaim(t *testing.T) {
	h := newHarness(t)
	_, err := h.claims.Get(t.Context(), 9)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
