package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// ProjectionStore implements domain.ProjectionStore. Each row carries the
// full snapshot as JSONB plus a few columns lifted out of it for filtering.
// An upsert only lands when the stored sequence is not newer.
type ProjectionStore struct {
	pool *pgxpool.Pool
}

func NewProjectionStore(pool *pgxpool.Pool) *ProjectionStore {
	return &ProjectionStore{pool: pool}
}

func (s *ProjectionStore) PutAsset(ctx context.Context, snap domain.AssetSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: encode asset %d: %w", snap.Asset.TokenID, err)
	}
	var title, description, category string
	if m := snap.Asset.Metadata; m != nil {
		title, description, category = m.Title, m.Description, m.Category
	}
	_, listed := snap.Asset.ActiveListing()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO asset_snapshots
			(token_id, sequence, owner, expires_at, listed, title, description, category, snapshot, refreshed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (token_id) DO UPDATE SET
			sequence     = EXCLUDED.sequence,
			owner        = EXCLUDED.owner,
			expires_at   = EXCLUDED.expires_at,
			listed       = EXCLUDED.listed,
			title        = EXCLUDED.title,
			description  = EXCLUDED.description,
			category     = EXCLUDED.category,
			snapshot     = EXCLUDED.snapshot,
			refreshed_at = EXCLUDED.refreshed_at
		WHERE asset_snapshots.sequence <= EXCLUDED.sequence`,
		int64(snap.Asset.TokenID), int64(snap.Sequence), string(snap.Asset.Owner),
		snap.Asset.ExpiresAt, listed, title, description, category, data, snap.RefreshedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put asset %d: %w", snap.Asset.TokenID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: put asset %d at %d: %w", snap.Asset.TokenID, snap.Sequence, domain.ErrStaleSnapshot)
	}
	return nil
}

func (s *ProjectionStore) GetAsset(ctx context.Context, tokenID uint64) (domain.AssetSnapshot, error) {
	var snap domain.AssetSnapshot
	err := s.getOne(ctx, `SELECT snapshot FROM asset_snapshots WHERE token_id = $1`, int64(tokenID), &snap)
	if err != nil {
		return snap, fmt.Errorf("postgres: asset %d: %w", tokenID, err)
	}
	return snap, nil
}

func (s *ProjectionStore) ListAssets(ctx context.Context) ([]domain.AssetSnapshot, error) {
	return listSnapshots[domain.AssetSnapshot](ctx, s.pool, `SELECT snapshot FROM asset_snapshots ORDER BY token_id`)
}

// SearchAssets pushes the metadata match down to the database. An empty
// query matches everything.
func (s *ProjectionStore) SearchAssets(ctx context.Context, query string) ([]domain.AssetSnapshot, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return s.ListAssets(ctx)
	}
	pattern := "%" + escapeLike(q) + "%"
	return listSnapshots[domain.AssetSnapshot](ctx, s.pool, `
		SELECT snapshot FROM asset_snapshots
		WHERE title ILIKE $1 OR description ILIKE $1 OR category ILIKE $1
		ORDER BY token_id`, pattern)
}

func (s *ProjectionStore) PutClaim(ctx context.Context, snap domain.ClaimSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: encode claim %d: %w", snap.Claim.ID, err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO claim_snapshots (claim_id, sequence, status, requester, snapshot, refreshed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (claim_id) DO UPDATE SET
			sequence     = EXCLUDED.sequence,
			status       = EXCLUDED.status,
			requester    = EXCLUDED.requester,
			snapshot     = EXCLUDED.snapshot,
			refreshed_at = EXCLUDED.refreshed_at
		WHERE claim_snapshots.sequence <= EXCLUDED.sequence`,
		int64(snap.Claim.ID), int64(snap.Sequence), int16(snap.Claim.Status),
		string(snap.Claim.Requester), data, snap.RefreshedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put claim %d: %w", snap.Claim.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: put claim %d at %d: %w", snap.Claim.ID, snap.Sequence, domain.ErrStaleSnapshot)
	}
	return nil
}

func (s *ProjectionStore) GetClaim(ctx context.Context, claimID uint64) (domain.ClaimSnapshot, error) {
	var snap domain.ClaimSnapshot
	err := s.getOne(ctx, `SELECT snapshot FROM claim_snapshots WHERE claim_id = $1`, int64(claimID), &snap)
	if err != nil {
		return snap, fmt.Errorf("postgres: claim %d: %w", claimID, err)
	}
	return snap, nil
}

func (s *ProjectionStore) ListClaims(ctx context.Context) ([]domain.ClaimSnapshot, error) {
	return listSnapshots[domain.ClaimSnapshot](ctx, s.pool, `SELECT snapshot FROM claim_snapshots ORDER BY claim_id`)
}

func (s *ProjectionStore) getOne(ctx context.Context, query string, id int64, v any) error {
	var data []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func listSnapshots[T any](ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) {
		var (
			data []byte
			snap T
		)
		if err := row.Scan(&data); err != nil {
			return snap, err
		}
		return snap, json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots: %w", err)
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

var _ domain.ProjectionStore = (*ProjectionStore)(nil)
