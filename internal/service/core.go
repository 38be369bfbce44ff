package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/projection"
)

// core is shared by the services that write to the ledger.
type core struct {
	tx     *Submitter
	cache  *projection.Cache
	logger *slog.Logger
}

func (c core) now() time.Time { return c.cache.Now() }

// refreshAsset re-reads tokenID after a write. A failure is logged and never
// changes the reported outcome of the write.
func (c core) refreshAsset(ctx context.Context, tokenID uint64) (domain.AssetSnapshot, bool) {
	snap, err := c.cache.Refresh(context.WithoutCancel(ctx), tokenID)
	if err != nil {
		c.logger.WarnContext(ctx, "refresh after write failed",
			slog.Uint64("token_id", tokenID),
			slog.String("error", err.Error()),
		)
		return domain.AssetSnapshot{}, false
	}
	return snap, true
}

func (c core) refreshClaim(ctx context.Context, claimID uint64) (domain.ClaimSnapshot, bool) {
	snap, err := c.cache.RefreshClaim(context.WithoutCancel(ctx), claimID)
	if err != nil {
		c.logger.WarnContext(ctx, "refresh after write failed",
			slog.Uint64("claim_id", claimID),
			slog.String("error", err.Error()),
		)
		return domain.ClaimSnapshot{}, false
	}
	return snap, true
}

// publish is Submitter.Publish with a context detached from the caller.
func (c core) publish(ctx context.Context, ev domain.Event) {
	c.tx.Publish(context.WithoutCancel(ctx), ev)
}

// send submits call for a token and refreshes the token afterwards. A
// revert refreshes too. An unknown outcome marks the entry stale instead.
func (c core) send(ctx context.Context, call domain.Call) (domain.TxOutcome, error) {
	out, err := c.tx.Send(ctx, call)
	switch {
	case err == nil || errors.Is(err, domain.ErrLedgerRejected):
		c.refreshAsset(ctx, call.TokenID)
	case errors.Is(err, domain.ErrUnknownOutcome):
		c.cache.Invalidate(context.WithoutCancel(ctx), call.TokenID)
	}
	return out, err
}
