package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// PendingTxStore implements domain.PendingTxStore.
type PendingTxStore struct {
	pool *pgxpool.Pool
}

func NewPendingTxStore(pool *pgxpool.Pool) *PendingTxStore {
	return &PendingTxStore{pool: pool}
}

func (s *PendingTxStore) Add(ctx context.Context, tx domain.PendingTx) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pending_transactions (tx_hash, call_kind, caller, token_id, claim_id, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_hash) DO NOTHING`,
		string(tx.Hash), string(tx.Kind), string(tx.Caller),
		int64(tx.TokenID), int64(tx.ClaimID), tx.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: add pending tx %s: %w", tx.Hash, err)
	}
	return nil
}

func (s *PendingTxStore) Get(ctx context.Context, hash domain.TxHash) (domain.PendingTx, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tx_hash, call_kind, caller, token_id, claim_id, submitted_at
		FROM pending_transactions WHERE tx_hash = $1`, string(hash))
	if err != nil {
		return domain.PendingTx{}, fmt.Errorf("postgres: get pending tx %s: %w", hash, err)
	}
	tx, err := pgx.CollectExactlyOneRow(rows, scanPendingTx)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PendingTx{}, fmt.Errorf("postgres: pending tx %s: %w", hash, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PendingTx{}, fmt.Errorf("postgres: get pending tx %s: %w", hash, err)
	}
	return tx, nil
}

// List returns journaled transactions oldest first.
func (s *PendingTxStore) List(ctx context.Context) ([]domain.PendingTx, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tx_hash, call_kind, caller, token_id, claim_id, submitted_at
		FROM pending_transactions ORDER BY submitted_at, tx_hash`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending txs: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanPendingTx)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending txs: %w", err)
	}
	return out, nil
}

func (s *PendingTxStore) Remove(ctx context.Context, hash domain.TxHash) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM pending_transactions WHERE tx_hash = $1`, string(hash)); err != nil {
		return fmt.Errorf("postgres: remove pending tx %s: %w", hash, err)
	}
	return nil
}

func scanPendingTx(row pgx.CollectableRow) (domain.PendingTx, error) {
	var (
		hash, kind, caller string
		tokenID, claimID   int64
		submitted          time.Time
	)
	if err := row.Scan(&hash, &kind, &caller, &tokenID, &claimID, &submitted); err != nil {
		return domain.PendingTx{}, err
	}
	return domain.PendingTx{
		Hash:        domain.TxHash(hash),
		Kind:        domain.CallKind(kind),
		Caller:      domain.Identity(caller),
		TokenID:     uint64(tokenID),
		ClaimID:     uint64(claimID),
		SubmittedAt: submitted.UTC(),
	}, nil
}

var _ domain.PendingTxStore = (*PendingTxStore)(nil)
