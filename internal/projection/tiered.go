package projection

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// evicter is implemented by hot stores that can drop a single entry.
type evicter interface {
	EvictAsset(ctx context.Context, tokenID uint64) error
	EvictClaim(ctx context.Context, claimID uint64) error
}

// Tiered layers a hot store (redis) over a durable one (postgres). Writes
// go to the durable store first, which decides staleness; the hot copy is
// best effort. A failed hot write evicts the hot entry so reads fall through
// to the durable store. Reads try the hot store and backfill it from the
// durable one.
type Tiered struct {
	hot     domain.ProjectionStore
	durable domain.ProjectionStore
	logger  *slog.Logger
}

func NewTiered(hot, durable domain.ProjectionStore, logger *slog.Logger) *Tiered {
	return &Tiered{hot: hot, durable: durable, logger: logger.With(slog.String("component", "projection_tiered"))}
}

func (t *Tiered) PutAsset(ctx context.Context, snap domain.AssetSnapshot) error {
	if err := t.durable.PutAsset(ctx, snap); err != nil {
		return err
	}
	t.hotPut(ctx, "asset", snap.Asset.TokenID, t.hot.PutAsset(ctx, snap))
	return nil
}

func (t *Tiered) GetAsset(ctx context.Context, tokenID uint64) (domain.AssetSnapshot, error) {
	if snap, err := t.hot.GetAsset(ctx, tokenID); err == nil {
		return snap, nil
	}
	snap, err := t.durable.GetAsset(ctx, tokenID)
	if err != nil {
		return snap, err
	}
	t.hotPut(ctx, "asset", tokenID, t.hot.PutAsset(ctx, snap))
	return snap, nil
}

func (t *Tiered) ListAssets(ctx context.Context) ([]domain.AssetSnapshot, error) {
	return t.durable.ListAssets(ctx)
}

// SearchAssets delegates to the durable store when it can search.
func (t *Tiered) SearchAssets(ctx context.Context, query string) ([]domain.AssetSnapshot, error) {
	if s, ok := t.durable.(searcher); ok {
		return s.SearchAssets(ctx, query)
	}
	all, err := t.durable.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.AssetSnapshot
	for _, s := range all {
		if s.Asset.Metadata != nil && s.Asset.Metadata.Matches(query) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *Tiered) PutClaim(ctx context.Context, snap domain.ClaimSnapshot) error {
	if err := t.durable.PutClaim(ctx, snap); err != nil {
		return err
	}
	t.hotPut(ctx, "claim", snap.Claim.ID, t.hot.PutClaim(ctx, snap))
	return nil
}

func (t *Tiered) GetClaim(ctx context.Context, claimID uint64) (domain.ClaimSnapshot, error) {
	if snap, err := t.hot.GetClaim(ctx, claimID); err == nil {
		return snap, nil
	}
	snap, err := t.durable.GetClaim(ctx, claimID)
	if err != nil {
		return snap, err
	}
	t.hotPut(ctx, "claim", claimID, t.hot.PutClaim(ctx, snap))
	return snap, nil
}

func (t *Tiered) ListClaims(ctx context.Context) ([]domain.ClaimSnapshot, error) {
	return t.durable.ListClaims(ctx)
}

func (t *Tiered) hotPut(ctx context.Context, kind string, id uint64, err error) {
	if err == nil || errors.Is(err, domain.ErrStaleSnapshot) {
		return
	}
	t.logger.WarnContext(ctx, "hot projection write failed",
		slog.String("kind", kind),
		slog.Uint64("id", id),
		slog.String("error", err.Error()),
	)
	e, ok := t.hot.(evicter)
	if !ok {
		return
	}
	if kind == "claim" {
		err = e.EvictClaim(ctx, id)
	} else {
		err = e.EvictAsset(ctx, id)
	}
	if err != nil {
		t.logger.ErrorContext(ctx, "hot projection evict failed, entry may be served stale",
			slog.String("kind", kind),
			slog.Uint64("id", id),
			slog.String("error", err.Error()),
		)
	}
}

var _ domain.ProjectionStore = (*Tiered)(nil)
