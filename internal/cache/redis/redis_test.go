package redis

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// testClient connects to IPMARKET_TEST_REDIS_ADDR under a throwaway prefix,
// skipping when no server is configured.
func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("IPMARKET_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("IPMARKET_TEST_REDIS_ADDR not set")
	}
	c, err := New(t.Context(), ClientConfig{Addr: addr, KeyPrefix: "ipmtest-" + uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKeyNamespacing(t *testing.T) {
	c := NewFromUnderlying(goredis.NewClient(&goredis.Options{}), "")
	assert.Equal(t, "ipm:asset:7", c.key("asset", "7"))
	assert.Equal(t, "ipm:lock:asset:7", c.key("lock", "asset:7"))
}

func TestProjectionStoreSequenceGuard(t *testing.T) {
	c := testClient(t)
	s := NewProjectionStore(c)
	ctx := t.Context()
	owner := domain.MustIdentity("0x00000000000000000000000000000000000000b1")

	snap := domain.AssetSnapshot{
		Asset:    domain.Asset{TokenID: 7, Owner: owner, Listing: &domain.SaleListing{MinBid: domain.Ether("1"), Active: true}},
		Bids:     []domain.Bid{{Index: 0, Bidder: owner, Amount: domain.Ether("1.5"), Active: true}},
		Sequence: 10,
	}
	require.NoError(t, s.PutAsset(ctx, snap))
	require.ErrorIs(t, s.PutAsset(ctx, domain.AssetSnapshot{Asset: domain.Asset{TokenID: 7}, Sequence: 9}), domain.ErrStaleSnapshot)

	got, err := s.GetAsset(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, owner, got.Asset.Owner)
	assert.Zero(t, got.Bids[0].Amount.Cmp(domain.Ether("1.5")))

	all, err := s.ListAssets(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.GetClaim(ctx, 1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLockManagerExclusive(t *testing.T) {
	lm := NewLockManager(testClient(t))
	unlock, err := lm.Acquire(t.Context(), "asset:1", time.Minute)
	require.NoError(t, err)
	_, err = lm.Acquire(t.Context(), "asset:1", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	unlock()
	unlock()
	unlock2, err := lm.Acquire(t.Context(), "asset:1", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(testClient(t))
	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(t.Context(), "client", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(t.Context(), "client", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
