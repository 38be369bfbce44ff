package domain

import (
	"context"
	"math/big"
)

// LedgerView answers read-only queries against ledger state pinned at a
// single sequence, so that values read from one view are mutually consistent.
type LedgerView interface {
	Sequence() uint64
	Claim(ctx context.Context, claimID uint64) (Claim, error)
	ClaimCount(ctx context.Context) (uint64, error)
	Asset(ctx context.Context, tokenID uint64) (Asset, error)
	Bids(ctx context.Context, tokenID uint64) ([]Bid, error)
	TokenCount(ctx context.Context) (uint64, error)
	OwnedBy(ctx context.Context, owner Identity) ([]uint64, error)
	Balance(ctx context.Context) (*big.Int, error)
}

// Ledger is the gateway to the authoritative ledger.
//
// Submit signs and sends call, then waits for its final status. A reverted
// or timed-out transaction is reported through TxOutcome.Status with a nil
// error; the error is reserved for failures before the transaction left the
// process. Claim and Asset return ErrNotFound for ids never issued.
type Ledger interface {
	Submit(ctx context.Context, call Call) (TxOutcome, error)
	Outcome(ctx context.Context, hash TxHash) (TxOutcome, error)
	View(ctx context.Context) (LedgerView, error)
	LatestSequence(ctx context.Context) (uint64, error)
}
