package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/metrics"
)

// statusDropped marks a journaled transaction the ledger never included.
const statusDropped domain.TxStatus = "dropped"

// settle resolves one journal entry against the ledger. A final outcome
// refreshes the entities the transaction touched and removes the entry. An
// entry the ledger has never heard of is dropped once older than maxAge and
// reported with status statusDropped.
func (c core) settle(ctx context.Context, tx domain.PendingTx, maxAge time.Duration) (domain.TxOutcome, error) {
	out, err := c.tx.ledger.Outcome(ctx, tx.Hash)
	if errors.Is(err, domain.ErrNotFound) {
		out = domain.TxOutcome{Ref: domain.TxRef{Hash: tx.Hash, SubmittedAt: tx.SubmittedAt}, Status: domain.TxUnknown}
		if c.now().Sub(tx.SubmittedAt) < maxAge {
			return out, nil
		}
		c.drop(ctx, tx)
		out.Status = statusDropped
		return out, nil
	}
	if err != nil {
		return domain.TxOutcome{}, err
	}
	if out.Status != domain.TxUnknown {
		c.finish(ctx, tx, out)
	}
	return out, nil
}

// settlePending settles the journaled transactions that touched the target
// of call before call is checked against the projection. The first one whose
// outcome is still unknown fails with its UnknownOutcomeError. For a
// repeatable call, a committed entry of the same kind by the same caller is
// taken as an earlier attempt of call and returned; the caller must not
// submit again.
func (c core) settlePending(ctx context.Context, call domain.Call) (*domain.TxOutcome, error) {
	txs, err := c.tx.pending.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending journal: %w", errors.Join(domain.ErrStoreUnavailable, err))
	}
	var prior *domain.TxOutcome
	for _, tx := range txs {
		if !touches(tx, call) {
			continue
		}
		out, err := c.settle(ctx, tx, c.tx.cfg.PendingMaxAge)
		if err != nil {
			return nil, fmt.Errorf("settle %s: %w", tx.Hash, err)
		}
		switch out.Status {
		case domain.TxUnknown:
			return nil, &domain.UnknownOutcomeError{Ref: out.Ref}
		case domain.TxCommitted:
			if prior == nil && call.Kind.Repeatable() && tx.Kind == call.Kind && tx.Caller.Equal(call.Caller) {
				prior = &out
			}
		}
	}
	return prior, nil
}

// settleForRead is settlePending for reads: entries still unknown are left
// to the reconciler and failures are logged only.
func (c core) settleForRead(ctx context.Context, tokenID uint64) {
	txs, err := c.tx.pending.List(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "pending journal read failed",
			slog.Uint64("token_id", tokenID),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, tx := range txs {
		if tx.TokenID != tokenID {
			continue
		}
		if _, err := c.settle(ctx, tx, c.tx.cfg.PendingMaxAge); err != nil {
			c.logger.WarnContext(ctx, "outcome lookup failed",
				slog.String("tx", string(tx.Hash)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// touches reports whether a journaled transaction targeted the same entity
// as call. Calls without an entity (new claims) match on kind and caller.
func touches(tx domain.PendingTx, call domain.Call) bool {
	switch {
	case call.TokenID != 0:
		return tx.TokenID == call.TokenID
	case call.ClaimID != 0:
		return tx.ClaimID == call.ClaimID
	default:
		return tx.TokenID == 0 && tx.ClaimID == 0 && tx.Kind == call.Kind && tx.Caller.Equal(call.Caller)
	}
}

func (c core) finish(ctx context.Context, tx domain.PendingTx, out domain.TxOutcome) {
	tokenID, claimID := tx.TokenID, tx.ClaimID
	if out.TokenID != nil {
		tokenID = *out.TokenID
	}
	if out.ClaimID != nil {
		claimID = *out.ClaimID
	}
	if claimID != 0 {
		c.refreshClaim(ctx, claimID)
	}
	if tokenID != 0 {
		c.refreshAsset(ctx, tokenID)
	}
	if err := c.tx.pending.Remove(ctx, tx.Hash); err != nil {
		c.logger.WarnContext(ctx, "pending journal remove failed",
			slog.String("tx", string(tx.Hash)),
			slog.String("error", err.Error()),
		)
	}

	metrics.ObserveReconciled(string(out.Status))
	c.tx.Audit(ctx, "tx_reconciled", callDetail(domain.Call{
		Kind:    tx.Kind,
		Caller:  tx.Caller,
		TokenID: tokenID,
		ClaimID: claimID,
	}, out))
	c.publish(ctx, domain.Event{
		Type:     domain.EventTxReconciled,
		TokenID:  tokenID,
		ClaimID:  claimID,
		Actor:    tx.Caller,
		TxHash:   tx.Hash,
		Sequence: out.Sequence,
		Detail:   map[string]any{"call": string(tx.Kind), "status": string(out.Status), "reason": out.Reason},
	})
}

func (c core) drop(ctx context.Context, tx domain.PendingTx) {
	if err := c.tx.pending.Remove(ctx, tx.Hash); err != nil {
		c.logger.WarnContext(ctx, "pending journal remove failed",
			slog.String("tx", string(tx.Hash)),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.ObserveReconciled(string(statusDropped))
	c.logger.WarnContext(ctx, "transaction dropped",
		slog.String("tx", string(tx.Hash)),
		slog.String("call", string(tx.Kind)),
		slog.Time("submitted_at", tx.SubmittedAt),
	)
	c.tx.Audit(ctx, "tx_dropped", map[string]any{
		"tx_hash": string(tx.Hash),
		"call":    string(tx.Kind),
		"caller":  string(tx.Caller),
	})
	c.publish(ctx, domain.Event{
		Type:    domain.EventTxReconciled,
		TokenID: tx.TokenID,
		ClaimID: tx.ClaimID,
		Actor:   tx.Caller,
		TxHash:  tx.Hash,
		Detail:  map[string]any{"call": string(tx.Kind), "status": string(statusDropped)},
	})
}
