package domain

import (
	"context"
	"time"
)

// ListOpts controls pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ProjectionStore holds the derived projection of ledger state. Puts replace
// the whole entry and fail with ErrStaleSnapshot when the incoming sequence
// is lower than the stored one. Gets return ErrNotFound for missing entries.
type ProjectionStore interface {
	PutAsset(ctx context.Context, snap AssetSnapshot) error
	GetAsset(ctx context.Context, tokenID uint64) (AssetSnapshot, error)
	ListAssets(ctx context.Context) ([]AssetSnapshot, error)
	PutClaim(ctx context.Context, snap ClaimSnapshot) error
	GetClaim(ctx context.Context, claimID uint64) (ClaimSnapshot, error)
	ListClaims(ctx context.Context) ([]ClaimSnapshot, error)
}

// PendingTxStore journals submissions whose outcome is unknown.
type PendingTxStore interface {
	Add(ctx context.Context, tx PendingTx) error
	Get(ctx context.Context, hash TxHash) (PendingTx, error)
	List(ctx context.Context) ([]PendingTx, error)
	Remove(ctx context.Context, hash TxHash) error
}

// AuditEntry is one row of the append-only audit log.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
