// Package projection maintains the read-side projection of ledger state:
// assets with their bids and claims, each tagged with the ledger sequence
// it was read at. The ledger stays authoritative; entries older than the
// staleness bound are refreshed before they are served.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/ipmarket/internal/clock"
	"github.com/alanyoungcy/ipmarket/internal/content"
	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/metrics"
)

const (
	DefaultStaleness         = 30 * time.Second
	DefaultMetadataCacheSize = 1024
	DefaultReadRetryMax      = 4
)

// Options tunes a Cache. Zero values take the defaults above.
type Options struct {
	Staleness         time.Duration
	MetadataCacheSize int
	ReadRetryMax      uint64
	// ReadRetryInitial is the first backoff interval for ledger reads.
	ReadRetryInitial time.Duration
	Clock            clock.Clock
}

// searcher is implemented by stores that can filter by metadata themselves.
type searcher interface {
	SearchAssets(ctx context.Context, query string) ([]domain.AssetSnapshot, error)
}

// Cache is the read-through projection over a ledger.
type Cache struct {
	ledger  domain.Ledger
	store   domain.ProjectionStore
	content domain.ContentStore
	meta    *lru.Cache[domain.Locator, domain.Metadata]
	group   singleflight.Group

	clock        clock.Clock
	staleness    time.Duration
	retryMax     uint64
	retryInitial time.Duration
	logger       *slog.Logger
}

// New builds a Cache. cs may be nil, in which case metadata is not resolved.
func New(ledger domain.Ledger, store domain.ProjectionStore, cs domain.ContentStore, opts Options, logger *slog.Logger) (*Cache, error) {
	if opts.Staleness <= 0 {
		opts.Staleness = DefaultStaleness
	}
	if opts.MetadataCacheSize <= 0 {
		opts.MetadataCacheSize = DefaultMetadataCacheSize
	}
	if opts.ReadRetryMax == 0 {
		opts.ReadRetryMax = DefaultReadRetryMax
	}
	if opts.ReadRetryInitial <= 0 {
		opts.ReadRetryInitial = 100 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	meta, err := lru.New[domain.Locator, domain.Metadata](opts.MetadataCacheSize)
	if err != nil {
		return nil, fmt.Errorf("projection: metadata cache: %w", err)
	}
	return &Cache{
		ledger:       ledger,
		store:        store,
		content:      cs,
		meta:         meta,
		clock:        opts.Clock,
		staleness:    opts.Staleness,
		retryMax:     opts.ReadRetryMax,
		retryInitial: opts.ReadRetryInitial,
		logger:       logger.With(slog.String("component", "projection")),
	}, nil
}

// Staleness returns the configured bound.
func (c *Cache) Staleness() time.Duration { return c.staleness }

// Now returns the current time of the injected clock.
func (c *Cache) Now() time.Time { return c.clock.Now() }

// Read runs op against a fresh ledger view, retrying while the ledger is
// unavailable. Any other error ends the retry immediately.
func (c *Cache) Read(ctx context.Context, op func(domain.LedgerView) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.retryMax), ctx)

	return backoff.RetryNotify(func() error {
		view, err := c.ledger.View(ctx)
		if err == nil {
			err = op(view)
		}
		if err != nil && !errors.Is(err, domain.ErrExternalUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "ledger read failed, retrying",
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
}

// Refresh re-reads one asset and its bids from the ledger and replaces the
// projection entry. When a newer entry landed concurrently, that entry is
// returned instead.
func (c *Cache) Refresh(ctx context.Context, tokenID uint64) (snap domain.AssetSnapshot, err error) {
	started := time.Now()
	defer func() { metrics.ObserveRefresh("asset", err, started) }()

	err = c.Read(ctx, func(v domain.LedgerView) error {
		asset, err := v.Asset(ctx, tokenID)
		if err != nil {
			return err
		}
		bids, err := v.Bids(ctx, tokenID)
		if err != nil {
			return err
		}
		snap = domain.AssetSnapshot{Asset: asset, Bids: bids, Sequence: v.Sequence()}
		return nil
	})
	if err != nil {
		return domain.AssetSnapshot{}, fmt.Errorf("projection: refresh asset %d: %w", tokenID, err)
	}
	snap.Asset.Metadata = c.metadata(ctx, snap.Asset.MetadataLocator)
	snap.RefreshedAt = c.clock.Now()

	if err := c.store.PutAsset(ctx, snap); err != nil {
		if errors.Is(err, domain.ErrStaleSnapshot) {
			if newer, gerr := c.store.GetAsset(ctx, tokenID); gerr == nil {
				return newer, nil
			}
			return snap, nil
		}
		return domain.AssetSnapshot{}, fmt.Errorf("projection: store asset %d: %w", tokenID, errors.Join(domain.ErrStoreUnavailable, err))
	}
	return snap, nil
}

// RefreshClaim re-reads one claim and replaces its projection entry.
func (c *Cache) RefreshClaim(ctx context.Context, claimID uint64) (snap domain.ClaimSnapshot, err error) {
	started := time.Now()
	defer func() { metrics.ObserveRefresh("claim", err, started) }()

	err = c.Read(ctx, func(v domain.LedgerView) error {
		claim, err := v.Claim(ctx, claimID)
		if err != nil {
			return err
		}
		snap = domain.ClaimSnapshot{Claim: claim, Sequence: v.Sequence()}
		return nil
	})
	if err != nil {
		return domain.ClaimSnapshot{}, fmt.Errorf("projection: refresh claim %d: %w", claimID, err)
	}
	snap.RefreshedAt = c.clock.Now()

	if err := c.store.PutClaim(ctx, snap); err != nil {
		if errors.Is(err, domain.ErrStaleSnapshot) {
			if newer, gerr := c.store.GetClaim(ctx, claimID); gerr == nil {
				return newer, nil
			}
			return snap, nil
		}
		return domain.ClaimSnapshot{}, fmt.Errorf("projection: store claim %d: %w", claimID, errors.Join(domain.ErrStoreUnavailable, err))
	}
	return snap, nil
}

// Get serves the asset entry when it is within the staleness bound and
// refreshes it synchronously otherwise. Concurrent refreshes of the same
// token are collapsed.
func (c *Cache) Get(ctx context.Context, tokenID uint64) (domain.AssetSnapshot, error) {
	snap, err := c.store.GetAsset(ctx, tokenID)
	switch {
	case err == nil && snap.Fresh(c.clock.Now(), c.staleness):
		metrics.ObserveLookup("asset", "hit")
		return snap, nil
	case err == nil:
		metrics.ObserveLookup("asset", "stale")
	case errors.Is(err, domain.ErrNotFound):
		metrics.ObserveLookup("asset", "miss")
	default:
		metrics.ObserveLookup("asset", "miss")
		c.logger.WarnContext(ctx, "projection store read failed, falling back to ledger",
			slog.Uint64("token_id", tokenID),
			slog.String("error", err.Error()),
		)
	}

	v, err, _ := c.group.Do("asset:"+strconv.FormatUint(tokenID, 10), func() (any, error) {
		return c.Refresh(ctx, tokenID)
	})
	if err != nil {
		return domain.AssetSnapshot{}, err
	}
	return v.(domain.AssetSnapshot), nil
}

// Invalidate marks the stored asset entry stale so the next Get reads the
// ledger. A missing entry or a concurrent newer write leaves nothing to do.
func (c *Cache) Invalidate(ctx context.Context, tokenID uint64) {
	snap, err := c.store.GetAsset(ctx, tokenID)
	if err != nil {
		return
	}
	snap.RefreshedAt = time.Time{}
	if err := c.store.PutAsset(ctx, snap); err != nil && !errors.Is(err, domain.ErrStaleSnapshot) {
		c.logger.WarnContext(ctx, "projection invalidate failed",
			slog.Uint64("token_id", tokenID),
			slog.String("error", err.Error()),
		)
	}
}

// InvalidateClaim is Invalidate for claims.
func (c *Cache) InvalidateClaim(ctx context.Context, claimID uint64) {
	snap, err := c.store.GetClaim(ctx, claimID)
	if err != nil {
		return
	}
	snap.RefreshedAt = time.Time{}
	if err := c.store.PutClaim(ctx, snap); err != nil && !errors.Is(err, domain.ErrStaleSnapshot) {
		c.logger.WarnContext(ctx, "projection invalidate failed",
			slog.Uint64("claim_id", claimID),
			slog.String("error", err.Error()),
		)
	}
}

// Peek returns the stored asset entry regardless of age, falling back to
// Get when nothing is stored.
func (c *Cache) Peek(ctx context.Context, tokenID uint64) (domain.AssetSnapshot, error) {
	snap, err := c.store.GetAsset(ctx, tokenID)
	if err == nil {
		metrics.ObserveLookup("asset", "hit")
		return snap, nil
	}
	return c.Get(ctx, tokenID)
}

// GetClaim is Get for claims.
func (c *Cache) GetClaim(ctx context.Context, claimID uint64) (domain.ClaimSnapshot, error) {
	snap, err := c.store.GetClaim(ctx, claimID)
	switch {
	case err == nil && snap.Fresh(c.clock.Now(), c.staleness):
		metrics.ObserveLookup("claim", "hit")
		return snap, nil
	case err == nil:
		metrics.ObserveLookup("claim", "stale")
	default:
		metrics.ObserveLookup("claim", "miss")
	}

	v, err, _ := c.group.Do("claim:"+strconv.FormatUint(claimID, 10), func() (any, error) {
		return c.RefreshClaim(ctx, claimID)
	})
	if err != nil {
		return domain.ClaimSnapshot{}, err
	}
	return v.(domain.ClaimSnapshot), nil
}

// Claims returns every stored claim entry in ascending id order.
func (c *Cache) Claims(ctx context.Context) ([]domain.ClaimSnapshot, error) {
	snaps, err := c.store.ListClaims(ctx)
	if err != nil {
		return nil, fmt.Errorf("projection: list claims: %w", errors.Join(domain.ErrStoreUnavailable, err))
	}
	return snaps, nil
}

// Assets returns every stored asset entry in ascending token order.
func (c *Cache) Assets(ctx context.Context) ([]domain.AssetSnapshot, error) {
	snaps, err := c.store.ListAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("projection: list assets: %w", errors.Join(domain.ErrStoreUnavailable, err))
	}
	return snaps, nil
}

// Counts reads the claim and token counters from one ledger view.
func (c *Cache) Counts(ctx context.Context) (claims, tokens uint64, err error) {
	err = c.Read(ctx, func(v domain.LedgerView) error {
		var err error
		if claims, err = v.ClaimCount(ctx); err != nil {
			return err
		}
		tokens, err = v.TokenCount(ctx)
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("projection: counters: %w", err)
	}
	return claims, tokens, nil
}

// Search returns cached assets whose metadata matches query
// case-insensitively on title, description or category.
func (c *Cache) Search(ctx context.Context, query string) (out []domain.Asset, err error) {
	started := time.Now()
	defer func() { metrics.ObserveQuery("search", err, started) }()

	var snaps []domain.AssetSnapshot
	if s, ok := c.store.(searcher); ok {
		snaps, err = s.SearchAssets(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("projection: search: %w", errors.Join(domain.ErrStoreUnavailable, err))
		}
	} else {
		all, err := c.Assets(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range all {
			if s.Asset.Metadata != nil && s.Asset.Metadata.Matches(query) {
				snaps = append(snaps, s)
			}
		}
	}
	out = make([]domain.Asset, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s.Asset)
	}
	return out, nil
}

// metadata resolves the document at loc. Failures are logged and yield
// nil: metadata is descriptive only.
func (c *Cache) metadata(ctx context.Context, loc domain.Locator) *domain.Metadata {
	if c.content == nil || loc == "" {
		return nil
	}
	if m, ok := c.meta.Get(loc); ok {
		return &m
	}
	if _, err := content.ParseLocator(loc); err != nil {
		return nil
	}
	m, err := content.GetMetadata(ctx, c.content, loc)
	if err != nil {
		c.logger.WarnContext(ctx, "metadata unavailable",
			slog.String("locator", string(loc)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	c.meta.Add(loc, m)
	return &m
}
