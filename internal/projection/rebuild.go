package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// rebuildConcurrency bounds parallel refreshes during a rebuild.
const rebuildConcurrency = 8

// RebuildReport counts the entries written by a rebuild.
type RebuildReport struct {
	Claims int
	Assets int
}

// Rebuild replays the ledger from genesis: every claim id up to the claim
// counter and every token id up to the token counter is refreshed.
func (c *Cache) Rebuild(ctx context.Context) (RebuildReport, error) {
	claims, tokens, err := c.Counts(ctx)
	if err != nil {
		return RebuildReport{}, err
	}
	c.logger.InfoContext(ctx, "rebuilding projection",
		slog.Uint64("claims", claims),
		slog.Uint64("tokens", tokens),
	)

	var nClaims, nAssets atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildConcurrency)
	for id := uint64(1); id <= claims; id++ {
		g.Go(func() error {
			if _, err := c.RefreshClaim(gctx, id); err != nil {
				return err
			}
			nClaims.Add(1)
			return nil
		})
	}
	for id := uint64(1); id <= tokens; id++ {
		g.Go(func() error {
			if _, err := c.Refresh(gctx, id); err != nil {
				return err
			}
			nAssets.Add(1)
			return nil
		})
	}
	err = g.Wait()
	report := RebuildReport{Claims: int(nClaims.Load()), Assets: int(nAssets.Load())}
	if err != nil {
		return report, fmt.Errorf("projection: rebuild: %w", err)
	}
	c.logger.InfoContext(ctx, "projection rebuilt",
		slog.Int("claims", report.Claims),
		slog.Int("assets", report.Assets),
	)
	return report, nil
}
