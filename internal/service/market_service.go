package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/projection"
)

// MarketService runs the per-asset sale state machine:
// unlisted, listed, sold (unlisted under a new owner) or expired.
type MarketService struct {
	core
}

// NewMarketService creates a MarketService.
func NewMarketService(tx *Submitter, cache *projection.Cache, logger *slog.Logger) *MarketService {
	return &MarketService{core: core{tx: tx, cache: cache, logger: logger.With(slog.String("component", "market_service"))}}
}

// List offers an asset for sale for durationDays from now.
func (s *MarketService) List(ctx context.Context, tokenID uint64, owner domain.Identity, minBid *big.Int, durationDays int) (domain.TxRef, error) {
	if err := requireToken(tokenID, owner); err != nil {
		return domain.TxRef{}, err
	}
	if minBid == nil || minBid.Sign() <= 0 {
		return domain.TxRef{}, domain.Invalid("minimum bid must be positive")
	}
	if durationDays <= 0 {
		return domain.TxRef{}, domain.Invalid("listing duration must be positive")
	}
	if durationDays > MaxDays {
		return domain.TxRef{}, domain.Invalid("listing duration exceeds %d days", MaxDays)
	}

	unlock, err := s.tx.Lock(ctx, "asset", tokenID)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: list %d: %w", tokenID, err)
	}
	defer unlock()

	now := s.now()
	endsAt := now.Add(time.Duration(durationDays) * 24 * time.Hour)
	call := domain.ListForSaleCall(owner, tokenID, minBid, endsAt)
	prior, err := s.settlePending(ctx, call)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: list %d: %w", tokenID, err)
	}
	if prior != nil {
		return prior.Ref, nil
	}

	snap, err := s.cache.Get(ctx, tokenID)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: list %d: %w", tokenID, err)
	}
	a := snap.Asset
	if a.IsExpired(now) {
		return domain.TxRef{}, fmt.Errorf("market_service: list %d: %w", tokenID, domain.ErrAssetExpired)
	}
	if !a.Owner.Equal(owner) {
		return domain.TxRef{}, fmt.Errorf("market_service: list %d: %w", tokenID, domain.ErrNotOwner)
	}
	if l, ok := a.ActiveListing(); ok && !l.Elapsed(now) {
		return domain.TxRef{}, fmt.Errorf("market_service: list %d: %w", tokenID, domain.ErrAlreadyListed)
	}

	out, err := s.send(ctx, call)
	if err != nil {
		return out.Ref, fmt.Errorf("market_service: list %d: %w", tokenID, err)
	}
	s.publish(ctx, domain.Event{
		Type:     domain.EventAssetListed,
		TokenID:  tokenID,
		Actor:    owner,
		TxHash:   out.Ref.Hash,
		Sequence: out.Sequence,
		Detail: map[string]any{
			"min_bid": domain.FormatEther(minBid),
			"ends_at": endsAt.Format(time.RFC3339),
		},
	})
	return out.Ref, nil
}

// CancelListing withdraws an active listing; open bids are refunded by the
// ledger.
func (s *MarketService) CancelListing(ctx context.Context, tokenID uint64, owner domain.Identity) (domain.TxRef, error) {
	if err := requireToken(tokenID, owner); err != nil {
		return domain.TxRef{}, err
	}
	unlock, err := s.tx.Lock(ctx, "asset", tokenID)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: cancel %d: %w", tokenID, err)
	}
	defer unlock()

	call := domain.CancelListingCall(owner, tokenID)
	prior, err := s.settlePending(ctx, call)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: cancel %d: %w", tokenID, err)
	}
	if prior != nil {
		return prior.Ref, nil
	}

	snap, err := s.cache.Get(ctx, tokenID)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: cancel %d: %w", tokenID, err)
	}
	if !snap.Asset.Owner.Equal(owner) {
		return domain.TxRef{}, fmt.Errorf("market_service: cancel %d: %w", tokenID, domain.ErrNotOwner)
	}
	if _, ok := snap.Asset.ActiveListing(); !ok {
		return domain.TxRef{}, fmt.Errorf("market_service: cancel %d: %w", tokenID, domain.ErrNoActiveListing)
	}

	out, err := s.send(ctx, call)
	if err != nil {
		return out.Ref, fmt.Errorf("market_service: cancel %d: %w", tokenID, err)
	}
	s.publish(ctx, domain.Event{
		Type:     domain.EventListingCanceled,
		TokenID:  tokenID,
		Actor:    owner,
		TxHash:   out.Ref.Hash,
		Sequence: out.Sequence,
	})
	return out.Ref, nil
}

// PlaceBid stakes amount against the asset's active listing. The ledger
// holds the amount in escrow until the bid is withdrawn, accepted or
// refunded.
func (s *MarketService) PlaceBid(ctx context.Context, tokenID uint64, bidder domain.Identity, amount *big.Int) (domain.TxRef, error) {
	if err := requireToken(tokenID, bidder); err != nil {
		return domain.TxRef{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.TxRef{}, domain.Invalid("bid amount must be positive")
	}
	unlock, err := s.tx.Lock(ctx, "asset", tokenID)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: bid %d: %w", tokenID, err)
	}
	defer unlock()

	call := domain.PlaceBidCall(bidder, tokenID, amount)
	prior, err := s.settlePending(ctx, call)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: bid %d: %w", tokenID, err)
	}
	if prior != nil {
		return prior.Ref, nil
	}

	snap, err := s.cache.Get(ctx, tokenID)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: bid %d: %w", tokenID, err)
	}
	now := s.now()
	a := snap.Asset
	if a.IsExpired(now) {
		return domain.TxRef{}, fmt.Errorf("market_service: bid %d: %w", tokenID, domain.ErrAssetExpired)
	}
	listing, ok := a.ActiveListing()
	if !ok {
		return domain.TxRef{}, fmt.Errorf("market_service: bid %d: %w", tokenID, domain.ErrNoActiveListing)
	}
	if listing.Elapsed(now) {
		return domain.TxRef{}, fmt.Errorf("market_service: bid %d: %w", tokenID, domain.ErrListingExpired)
	}
	if a.Owner.Equal(bidder) {
		return domain.TxRef{}, domain.Invalid("owner cannot bid on asset %d", tokenID)
	}
	if amount.Cmp(listing.MinBid) < 0 {
		return domain.TxRef{}, fmt.Errorf("market_service: bid %d: %s < %s: %w",
			tokenID, domain.FormatEther(amount), domain.FormatEther(listing.MinBid), domain.ErrBidTooLow)
	}

	out, err := s.send(ctx, call)
	if err != nil {
		return out.Ref, fmt.Errorf("market_service: bid %d: %w", tokenID, err)
	}
	s.publish(ctx, domain.Event{
		Type:     domain.EventBidPlaced,
		TokenID:  tokenID,
		Actor:    bidder,
		TxHash:   out.Ref.Hash,
		Sequence: out.Sequence,
		Detail:   map[string]any{"amount": domain.FormatEther(amount)},
	})
	return out.Ref, nil
}

// WithdrawBid cancels the bidder's own active bid and releases its escrow.
func (s *MarketService) WithdrawBid(ctx context.Context, tokenID, index uint64, bidder domain.Identity) (domain.TxRef, error) {
	if err := requireToken(tokenID, bidder); err != nil {
		return domain.TxRef{}, err
	}
	unlock, err := s.tx.Lock(ctx, "asset", tokenID)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: withdraw %d/%d: %w", tokenID, index, err)
	}
	defer unlock()

	call := domain.WithdrawBidCall(bidder, tokenID, index)
	prior, err := s.settlePending(ctx, call)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: withdraw %d/%d: %w", tokenID, index, err)
	}
	if prior != nil {
		return prior.Ref, nil
	}

	snap, err := s.cache.Get(ctx, tokenID)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: withdraw %d/%d: %w", tokenID, index, err)
	}
	bid, ok := snap.Bid(index)
	if !ok || !bid.Active {
		return domain.TxRef{}, fmt.Errorf("market_service: withdraw %d/%d: %w", tokenID, index, domain.ErrBidNotActive)
	}
	if !bid.Bidder.Equal(bidder) {
		return domain.TxRef{}, fmt.Errorf("market_service: withdraw %d/%d: %w", tokenID, index, domain.ErrNotOwner)
	}

	out, err := s.send(ctx, call)
	if err != nil {
		return out.Ref, fmt.Errorf("market_service: withdraw %d/%d: %w", tokenID, index, err)
	}
	s.publish(ctx, domain.Event{
		Type:     domain.EventBidWithdrawn,
		TokenID:  tokenID,
		Actor:    bidder,
		TxHash:   out.Ref.Hash,
		Sequence: out.Sequence,
		Detail:   map[string]any{"bid_index": index},
	})
	return out.Ref, nil
}

// GetBids returns the active bids on an asset in ascending index order.
// Journaled transactions on the asset are settled first.
func (s *MarketService) GetBids(ctx context.Context, tokenID uint64) ([]domain.Bid, error) {
	if tokenID == 0 {
		return nil, domain.Invalid("token id required")
	}
	s.settleForRead(ctx, tokenID)
	snap, err := s.cache.Get(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("market_service: bids %d: %w", tokenID, err)
	}
	return snap.ActiveBids(), nil
}

// AcceptBid sells the asset to the bidder at index. On commit the new owner,
// the closed listing and the deactivated bids land in one projection write.
func (s *MarketService) AcceptBid(ctx context.Context, tokenID, index uint64, owner domain.Identity) (domain.TxRef, error) {
	if err := requireToken(tokenID, owner); err != nil {
		return domain.TxRef{}, err
	}
	unlock, err := s.tx.Lock(ctx, "asset", tokenID)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: accept %d/%d: %w", tokenID, index, err)
	}
	defer unlock()

	call := domain.AcceptBidCall(owner, tokenID, index)
	prior, err := s.settlePending(ctx, call)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: accept %d/%d: %w", tokenID, index, err)
	}
	if prior != nil {
		return prior.Ref, nil
	}

	snap, err := s.cache.Get(ctx, tokenID)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("market_service: accept %d/%d: %w", tokenID, index, err)
	}
	a := snap.Asset
	if a.IsExpired(s.now()) {
		return domain.TxRef{}, fmt.Errorf("market_service: accept %d/%d: %w", tokenID, index, domain.ErrAssetExpired)
	}
	bid, ok := snap.Bid(index)
	if !ok || !bid.Active {
		return domain.TxRef{}, fmt.Errorf("market_service: accept %d/%d: %w", tokenID, index, domain.ErrBidNotActive)
	}
	if !a.Owner.Equal(owner) {
		return domain.TxRef{}, fmt.Errorf("market_service: accept %d/%d: %w", tokenID, index, domain.ErrNotOwner)
	}
	if _, ok := a.ActiveListing(); !ok {
		return domain.TxRef{}, fmt.Errorf("market_service: accept %d/%d: %w", tokenID, index, domain.ErrNoActiveListing)
	}

	out, err := s.send(ctx, call)
	if err != nil {
		return out.Ref, fmt.Errorf("market_service: accept %d/%d: %w", tokenID, index, err)
	}
	s.publish(ctx, domain.Event{
		Type:     domain.EventAssetSold,
		TokenID:  tokenID,
		Actor:    owner,
		TxHash:   out.Ref.Hash,
		Sequence: out.Sequence,
		Detail: map[string]any{
			"buyer": bid.Bidder.String(),
			"price": domain.FormatEther(bid.Amount),
		},
	})
	s.logger.InfoContext(ctx, "asset sold",
		slog.Uint64("token_id", tokenID),
		slog.String("buyer", bid.Bidder.String()),
		slog.String("tx", string(out.Ref.Hash)),
	)
	return out.Ref, nil
}

func requireToken(tokenID uint64, caller domain.Identity) error {
	if tokenID == 0 {
		return domain.Invalid("token id required")
	}
	if caller.IsZero() {
		return domain.Invalid("caller identity required")
	}
	return nil
}
