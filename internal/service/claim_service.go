package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/big"
	"slices"
	"time"

	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/metrics"
	"github.com/alanyoungcy/ipmarket/internal/projection"
)

// ClaimRequest is the input to ClaimService.Submit. Exactly one of Document
// and Locator is set: a document is stored in the content store first.
type ClaimRequest struct {
	Requester domain.Identity
	Document  []byte
	Locator   domain.Locator
	Deposit   *big.Int
}

// ClaimReceipt identifies a submitted claim.
type ClaimReceipt struct {
	ClaimID uint64
	Tx      domain.TxRef
}

// Resolution is the outcome of ClaimService.Resolve. Tx is nil when the
// claim was already resolved on the ledger with the requested decision and
// nothing was submitted.
type Resolution struct {
	ClaimID uint64
	Status  domain.ClaimStatus
	TokenID *uint64
	Tx      *domain.TxRef
}

// ClaimService drives claims from submission to resolution.
type ClaimService struct {
	core
	content     domain.ContentStore
	authorities []domain.Identity
}

// NewClaimService creates a ClaimService. Only identities in authorities
// may resolve claims.
func NewClaimService(
	tx *Submitter,
	cache *projection.Cache,
	content domain.ContentStore,
	authorities []domain.Identity,
	logger *slog.Logger,
) *ClaimService {
	return &ClaimService{
		core:        core{tx: tx, cache: cache, logger: logger.With(slog.String("component", "claim_service"))},
		content:     content,
		authorities: authorities,
	}
}

// Submit records a new claim on the ledger with deposit attached.
func (s *ClaimService) Submit(ctx context.Context, req ClaimRequest) (ClaimReceipt, error) {
	if req.Requester.IsZero() {
		return ClaimReceipt{}, domain.Invalid("requester required")
	}
	if req.Deposit == nil || req.Deposit.Sign() <= 0 {
		return ClaimReceipt{}, domain.Invalid("deposit must be positive")
	}
	switch {
	case len(req.Document) > 0 && req.Locator != "":
		return ClaimReceipt{}, domain.Invalid("give either a metadata document or a locator, not both")
	case len(req.Document) == 0 && req.Locator == "":
		return ClaimReceipt{}, domain.Invalid("metadata document or locator required")
	}

	loc := req.Locator
	if len(req.Document) > 0 {
		var err error
		if loc, err = s.content.Put(ctx, req.Document); err != nil {
			return ClaimReceipt{}, fmt.Errorf("claim_service: store metadata: %w", err)
		}
	}

	call := domain.RequestOwnershipCall(req.Requester, loc, req.Deposit)
	prior, err := s.settlePending(ctx, call)
	if err != nil {
		return ClaimReceipt{}, fmt.Errorf("claim_service: submit: %w", err)
	}
	if prior != nil {
		if prior.ClaimID == nil {
			return ClaimReceipt{Tx: prior.Ref}, fmt.Errorf("claim_service: submit: no claim id in receipt: %w",
				&domain.UnknownOutcomeError{Ref: prior.Ref})
		}
		return ClaimReceipt{ClaimID: *prior.ClaimID, Tx: prior.Ref}, nil
	}

	out, err := s.tx.Send(ctx, call)
	if err != nil {
		return ClaimReceipt{Tx: out.Ref}, fmt.Errorf("claim_service: submit: %w", err)
	}
	if out.ClaimID == nil {
		// Committed, but the id could not be read from the receipt.
		s.tx.journal(context.WithoutCancel(ctx), call, out)
		return ClaimReceipt{Tx: out.Ref}, fmt.Errorf("claim_service: submit: no claim id in receipt: %w",
			&domain.UnknownOutcomeError{Ref: out.Ref})
	}
	id := *out.ClaimID
	s.refreshClaim(ctx, id)
	s.publish(ctx, domain.Event{
		Type:     domain.EventClaimSubmitted,
		ClaimID:  id,
		Actor:    req.Requester,
		TxHash:   out.Ref.Hash,
		Sequence: out.Sequence,
		Detail:   map[string]any{"locator": string(loc), "deposit": domain.FormatEther(req.Deposit)},
	})
	s.logger.InfoContext(ctx, "claim submitted",
		slog.Uint64("claim_id", id),
		slog.String("requester", req.Requester.String()),
		slog.String("tx", string(out.Ref.Hash)),
	)
	return ClaimReceipt{ClaimID: id, Tx: out.Ref}, nil
}

// Resolve approves or rejects a pending claim. Resolving a claim the ledger
// already resolved the same way returns the recorded outcome; a different
// decision fails with ErrAlreadyResolved.
func (s *ClaimService) Resolve(ctx context.Context, claimID uint64, approve bool, authority domain.Identity) (Resolution, error) {
	if claimID == 0 {
		return Resolution{}, domain.Invalid("claim id required")
	}
	if !slices.ContainsFunc(s.authorities, authority.Equal) {
		return Resolution{}, fmt.Errorf("claim_service: resolve %d by %s: %w", claimID, authority, domain.ErrNotAuthority)
	}

	unlock, err := s.tx.Lock(ctx, "claim", claimID)
	if err != nil {
		return Resolution{}, fmt.Errorf("claim_service: resolve %d: %w", claimID, err)
	}
	defer unlock()

	call := domain.VerifyRequestCall(authority, claimID, approve)
	if _, err := s.settlePending(ctx, call); err != nil {
		return Resolution{}, fmt.Errorf("claim_service: resolve %d: %w", claimID, err)
	}
	snap, err := s.cache.RefreshClaim(ctx, claimID)
	if err != nil {
		return Resolution{}, fmt.Errorf("claim_service: resolve %d: %w", claimID, err)
	}
	if snap.Claim.Status.Terminal() {
		return recorded(snap.Claim, approve)
	}

	out, err := s.tx.Send(ctx, call)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownOutcome) {
			s.cache.InvalidateClaim(context.WithoutCancel(ctx), claimID)
		}
		if errors.Is(err, domain.ErrLedgerRejected) {
			// Resolved concurrently elsewhere.
			if snap, ok := s.refreshClaim(ctx, claimID); ok && snap.Claim.Status.Terminal() {
				return recorded(snap.Claim, approve)
			}
		}
		return Resolution{}, fmt.Errorf("claim_service: resolve %d: %w", claimID, err)
	}

	res := Resolution{ClaimID: claimID, Status: domain.ClaimRejected, TokenID: out.TokenID, Tx: &out.Ref}
	if approve {
		res.Status = domain.ClaimApproved
	}
	if snap, ok := s.refreshClaim(ctx, claimID); ok {
		res.Status = snap.Claim.Status
		if res.TokenID == nil {
			res.TokenID = snap.Claim.TokenID
		}
	}
	ev := domain.Event{
		Type:     domain.EventClaimResolved,
		ClaimID:  claimID,
		Actor:    authority,
		TxHash:   out.Ref.Hash,
		Sequence: out.Sequence,
		Detail:   map[string]any{"status": res.Status.String()},
	}
	if res.TokenID != nil {
		s.recordProvenance(ctx, *res.TokenID, authority, out.Ref.Hash)
		s.refreshAsset(ctx, *res.TokenID)
		ev.TokenID = *res.TokenID
	}
	s.publish(ctx, ev)
	s.logger.InfoContext(ctx, "claim resolved",
		slog.Uint64("claim_id", claimID),
		slog.String("status", res.Status.String()),
		slog.String("tx", string(out.Ref.Hash)),
	)
	return res, nil
}

// recordProvenance writes the minting transaction hash onto a new token. The
// token exists either way, so a failure is logged and left for an operator.
func (s *ClaimService) recordProvenance(ctx context.Context, tokenID uint64, authority domain.Identity, mintTx domain.TxHash) {
	out, err := s.tx.Send(ctx, domain.RegisterPatentCall(authority, tokenID, mintTx))
	if err != nil {
		s.logger.WarnContext(ctx, "provenance not recorded",
			slog.Uint64("token_id", tokenID),
			slog.String("mint_tx", string(mintTx)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.DebugContext(ctx, "provenance recorded",
		slog.Uint64("token_id", tokenID),
		slog.String("tx", string(out.Ref.Hash)),
	)
}

func recorded(c domain.Claim, approve bool) (Resolution, error) {
	want := domain.ClaimRejected
	if approve {
		want = domain.ClaimApproved
	}
	if c.Status != want {
		return Resolution{}, fmt.Errorf("claim_service: claim %d is %s: %w", c.ID, c.Status, domain.ErrAlreadyResolved)
	}
	return Resolution{ClaimID: c.ID, Status: c.Status, TokenID: c.TokenID}, nil
}

// Pending yields the claims still awaiting resolution in ascending id
// order. The sequence is evaluated lazily and may be ranged over again.
// Ids up to the ledger's claim counter that are missing from the projection
// are read from the ledger first, as are stale pending entries.
func (s *ClaimService) Pending(ctx context.Context) iter.Seq2[domain.Claim, error] {
	return func(yield func(domain.Claim, error) bool) {
		count, _, err := s.cache.Counts(ctx)
		if err != nil {
			yield(domain.Claim{}, err)
			return
		}
		stored, err := s.cache.Claims(ctx)
		if err != nil {
			yield(domain.Claim{}, err)
			return
		}
		byID := make(map[uint64]domain.ClaimSnapshot, len(stored))
		for _, snap := range stored {
			byID[snap.Claim.ID] = snap
		}

		now := s.now()
		for id := uint64(1); id <= count; id++ {
			snap, ok := byID[id]
			switch {
			case !ok:
				snap, err = s.cache.RefreshClaim(ctx, id)
			case snap.Claim.Status == domain.ClaimPending && !snap.Fresh(now, s.cache.Staleness()):
				snap, err = s.cache.GetClaim(ctx, id)
			}
			if err != nil {
				yield(domain.Claim{}, err)
				return
			}
			if snap.Claim.Status != domain.ClaimPending {
				continue
			}
			if !yield(snap.Claim, nil) {
				return
			}
		}
	}
}

// ListPending collects Pending.
func (s *ClaimService) ListPending(ctx context.Context) (claims []domain.Claim, err error) {
	started := time.Now()
	defer func() { metrics.ObserveQuery("pending_claims", err, started) }()

	for c, err := range s.Pending(ctx) {
		if err != nil {
			return nil, fmt.Errorf("claim_service: list pending: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, nil
}

// Get returns a claim through the projection.
func (s *ClaimService) Get(ctx context.Context, claimID uint64) (domain.Claim, error) {
	if claimID == 0 {
		return domain.Claim{}, domain.Invalid("claim id required")
	}
	snap, err := s.cache.GetClaim(ctx, claimID)
	if err != nil {
		return domain.Claim{}, fmt.Errorf("claim_service: get %d: %w", claimID, err)
	}
	return snap.Claim, nil
}
