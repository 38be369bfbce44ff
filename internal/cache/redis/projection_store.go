package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// putSnapshotLua replaces an entry unless the stored sequence is newer, and
// indexes the id. Returns 0 when the write was refused.
//
//	KEYS[1] entry hash, KEYS[2] index set
//	ARGV[1] sequence, ARGV[2] JSON, ARGV[3] id
var putSnapshotLua = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
    return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'data', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`)

// ProjectionStore implements domain.ProjectionStore.
//
// Key schema:
//
//	{prefix}:asset:{id}  hash {seq, data}
//	{prefix}:assets      set of token ids
//	{prefix}:claim:{id}  hash {seq, data}
//	{prefix}:claims      set of claim ids
type ProjectionStore struct {
	c *Client
}

func NewProjectionStore(c *Client) *ProjectionStore {
	return &ProjectionStore{c: c}
}

func (s *ProjectionStore) put(ctx context.Context, kind string, id, seq uint64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: encode %s %d: %w", kind, id, err)
	}
	ids := strconv.FormatUint(id, 10)
	ok, err := putSnapshotLua.Run(ctx, s.c.rdb,
		[]string{s.c.key(kind, ids), s.c.key(kind + "s")},
		seq, data, ids,
	).Int()
	if err != nil {
		return fmt.Errorf("redis: put %s %d: %w", kind, id, err)
	}
	if ok == 0 {
		return fmt.Errorf("redis: put %s %d at %d: %w", kind, id, seq, domain.ErrStaleSnapshot)
	}
	return nil
}

func (s *ProjectionStore) get(ctx context.Context, kind string, id uint64, v any) error {
	data, err := s.c.rdb.HGet(ctx, s.c.key(kind, strconv.FormatUint(id, 10)), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: %s %d: %w", kind, id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("redis: get %s %d: %w", kind, id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("redis: decode %s %d: %w", kind, id, err)
	}
	return nil
}

// ids returns the indexed ids of kind in ascending order.
func (s *ProjectionStore) ids(ctx context.Context, kind string) ([]uint64, error) {
	members, err := s.c.rdb.SMembers(ctx, s.c.key(kind+"s")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list %ss: %w", kind, err)
	}
	ids := make([]uint64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *ProjectionStore) PutAsset(ctx context.Context, snap domain.AssetSnapshot) error {
	return s.put(ctx, "asset", snap.Asset.TokenID, snap.Sequence, snap)
}

func (s *ProjectionStore) GetAsset(ctx context.Context, tokenID uint64) (domain.AssetSnapshot, error) {
	var snap domain.AssetSnapshot
	err := s.get(ctx, "asset", tokenID, &snap)
	return snap, err
}

func (s *ProjectionStore) ListAssets(ctx context.Context) ([]domain.AssetSnapshot, error) {
	ids, err := s.ids(ctx, "asset")
	if err != nil {
		return nil, err
	}
	out := make([]domain.AssetSnapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.GetAsset(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *ProjectionStore) PutClaim(ctx context.Context, snap domain.ClaimSnapshot) error {
	return s.put(ctx, "claim", snap.Claim.ID, snap.Sequence, snap)
}

func (s *ProjectionStore) GetClaim(ctx context.Context, claimID uint64) (domain.ClaimSnapshot, error) {
	var snap domain.ClaimSnapshot
	err := s.get(ctx, "claim", claimID, &snap)
	return snap, err
}

func (s *ProjectionStore) ListClaims(ctx context.Context) ([]domain.ClaimSnapshot, error) {
	ids, err := s.ids(ctx, "claim")
	if err != nil {
		return nil, err
	}
	out := make([]domain.ClaimSnapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.GetClaim(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// EvictAsset deletes the asset entry and its index member.
func (s *ProjectionStore) EvictAsset(ctx context.Context, tokenID uint64) error {
	return s.evict(ctx, "asset", tokenID)
}

func (s *ProjectionStore) EvictClaim(ctx context.Context, claimID uint64) error {
	return s.evict(ctx, "claim", claimID)
}

func (s *ProjectionStore) evict(ctx context.Context, kind string, id uint64) error {
	ids := strconv.FormatUint(id, 10)
	_, err := s.c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.c.key(kind, ids))
		p.SRem(ctx, s.c.key(kind+"s"), ids)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: evict %s %d: %w", kind, id, err)
	}
	return nil
}

var _ domain.ProjectionStore = (*ProjectionStore)(nil)
