package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/projection"
)

// QueryService answers read-only questions about assets and the ledger.
type QueryService struct {
	cache  *projection.Cache
	logger *slog.Logger
}

// NewQueryService creates a QueryService.
func NewQueryService(cache *projection.Cache, logger *slog.Logger) *QueryService {
	return &QueryService{cache: cache, logger: logger.With(slog.String("component", "query_service"))}
}

// Asset returns an asset snapshot through the projection.
func (s *QueryService) Asset(ctx context.Context, tokenID uint64) (domain.AssetSnapshot, error) {
	if tokenID == 0 {
		return domain.AssetSnapshot{}, domain.Invalid("token id required")
	}
	snap, err := s.cache.Get(ctx, tokenID)
	if err != nil {
		return domain.AssetSnapshot{}, fmt.Errorf("query_service: asset %d: %w", tokenID, err)
	}
	return snap, nil
}

// Search matches cached metadata. Results are for discovery only.
func (s *QueryService) Search(ctx context.Context, query string) ([]domain.Asset, error) {
	assets, err := s.cache.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query_service: search: %w", err)
	}
	return assets, nil
}

// AssetsOf lists the assets the ledger records as owned by owner.
func (s *QueryService) AssetsOf(ctx context.Context, owner domain.Identity) ([]domain.AssetSnapshot, error) {
	if owner.IsZero() {
		return nil, domain.Invalid("owner identity required")
	}
	var ids []uint64
	err := s.cache.Read(ctx, func(v domain.LedgerView) error {
		var err error
		ids, err = v.OwnedBy(ctx, owner)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query_service: assets of %s: %w", owner, err)
	}
	out := make([]domain.AssetSnapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.cache.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("query_service: assets of %s: %w", owner, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// Balance returns the funds the registry contract holds: deposits and bid
// escrow.
func (s *QueryService) Balance(ctx context.Context) (*big.Int, error) {
	var bal *big.Int
	err := s.cache.Read(ctx, func(v domain.LedgerView) error {
		var err error
		bal, err = v.Balance(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query_service: balance: %w", err)
	}
	return bal, nil
}
