// Package memory holds single-process implementations of the cache ports:
// projection store, advisory locks, signal bus and the pending-tx journal.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// ProjectionStore keeps snapshots in maps guarded by one lock, so each put
// replaces an entry in a single step.
type ProjectionStore struct {
	mu     sync.RWMutex
	assets map[uint64]domain.AssetSnapshot
	claims map[uint64]domain.ClaimSnapshot
}

// NewProjectionStore returns an empty store.
func NewProjectionStore() *ProjectionStore {
	return &ProjectionStore{
		assets: make(map[uint64]domain.AssetSnapshot),
		claims: make(map[uint64]domain.ClaimSnapshot),
	}
}

func (s *ProjectionStore) PutAsset(_ context.Context, snap domain.AssetSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.assets[snap.Asset.TokenID]; ok && cur.Sequence > snap.Sequence {
		return fmt.Errorf("memory: put asset %d at %d < %d: %w",
			snap.Asset.TokenID, snap.Sequence, cur.Sequence, domain.ErrStaleSnapshot)
	}
	s.assets[snap.Asset.TokenID] = snap
	return nil
}

func (s *ProjectionStore) GetAsset(_ context.Context, tokenID uint64) (domain.AssetSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.assets[tokenID]
	if !ok {
		return domain.AssetSnapshot{}, fmt.Errorf("memory: asset %d: %w", tokenID, domain.ErrNotFound)
	}
	return snap, nil
}

func (s *ProjectionStore) ListAssets(context.Context) ([]domain.AssetSnapshot, error) {
	s.mu.RLock()
	out := make([]domain.AssetSnapshot, 0, len(s.assets))
	for _, snap := range s.assets {
		out = append(out, snap)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.AssetSnapshot) int { return cmp.Compare(a.Asset.TokenID, b.Asset.TokenID) })
	return out, nil
}

func (s *ProjectionStore) PutClaim(_ context.Context, snap domain.ClaimSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.claims[snap.Claim.ID]; ok && cur.Sequence > snap.Sequence {
		return fmt.Errorf("memory: put claim %d at %d < %d: %w",
			snap.Claim.ID, snap.Sequence, cur.Sequence, domain.ErrStaleSnapshot)
	}
	s.claims[snap.Claim.ID] = snap
	return nil
}

func (s *ProjectionStore) GetClaim(_ context.Context, claimID uint64) (domain.ClaimSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.claims[claimID]
	if !ok {
		return domain.ClaimSnapshot{}, fmt.Errorf("memory: claim %d: %w", claimID, domain.ErrNotFound)
	}
	return snap, nil
}

func (s *ProjectionStore) ListClaims(context.Context) ([]domain.ClaimSnapshot, error) {
	s.mu.RLock()
	out := make([]domain.ClaimSnapshot, 0, len(s.claims))
	for _, snap := range s.claims {
		out = append(out, snap)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.ClaimSnapshot) int { return cmp.Compare(a.Claim.ID, b.Claim.ID) })
	return out, nil
}

// EvictAsset drops the asset entry; a missing entry is not an error.
func (s *ProjectionStore) EvictAsset(_ context.Context, tokenID uint64) error {
	s.mu.Lock()
	delete(s.assets, tokenID)
	s.mu.Unlock()
	return nil
}

func (s *ProjectionStore) EvictClaim(_ context.Context, claimID uint64) error {
	s.mu.Lock()
	delete(s.claims, claimID)
	s.mu.Unlock()
	return nil
}

var _ domain.ProjectionStore = (*ProjectionStore)(nil)
