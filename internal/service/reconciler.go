package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/metrics"
	"github.com/alanyoungcy/ipmarket/internal/projection"
)

// DefaultPendingMaxAge is how long a journaled transaction the ledger has
// never heard of is kept before it is considered dropped.
const DefaultPendingMaxAge = time.Hour

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Checked   int
	Committed int
	Reverted  int
	Dropped   int
	Pending   int
}

// Reconciler settles transactions whose outcome was not observed at submit
// time, refreshing the entities they touched.
type Reconciler struct {
	core
	ledger  domain.Ledger
	pending domain.PendingTxStore
	maxAge  time.Duration
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	ledger domain.Ledger,
	pending domain.PendingTxStore,
	tx *Submitter,
	cache *projection.Cache,
	maxAge time.Duration,
	logger *slog.Logger,
) *Reconciler {
	if maxAge <= 0 {
		maxAge = DefaultPendingMaxAge
	}
	return &Reconciler{
		core:    core{tx: tx, cache: cache, logger: logger.With(slog.String("component", "reconciler"))},
		ledger:  ledger,
		pending: pending,
		maxAge:  maxAge,
	}
}

// Run makes one pass over the pending journal.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	txs, err := r.pending.List(ctx)
	if err != nil {
		return report, fmt.Errorf("reconciler: list pending: %w", err)
	}
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		out, err := r.settle(ctx, tx, r.maxAge)
		if err != nil {
			r.logger.WarnContext(ctx, "outcome lookup failed",
				slog.String("tx", string(tx.Hash)),
				slog.String("error", err.Error()),
			)
			report.Pending++
			continue
		}
		switch out.Status {
		case domain.TxCommitted:
			report.Committed++
		case domain.TxReverted:
			report.Reverted++
		case statusDropped:
			report.Dropped++
		default:
			report.Pending++
		}
	}
	metrics.SetPending(report.Pending)
	if report.Checked > 0 {
		r.logger.InfoContext(ctx, "reconciliation pass",
			slog.Int("checked", report.Checked),
			slog.Int("committed", report.Committed),
			slog.Int("reverted", report.Reverted),
			slog.Int("dropped", report.Dropped),
			slog.Int("pending", report.Pending),
		)
	}
	return report, nil
}

// Status reports the outcome of a transaction. A journaled transaction whose
// outcome is now final is settled on the way.
func (r *Reconciler) Status(ctx context.Context, hash domain.TxHash) (domain.TxOutcome, error) {
	if hash == "" {
		return domain.TxOutcome{}, domain.Invalid("transaction hash required")
	}
	out, err := r.ledger.Outcome(ctx, hash)
	if err != nil {
		return domain.TxOutcome{}, fmt.Errorf("reconciler: status %s: %w", hash, err)
	}
	if out.Status == domain.TxUnknown {
		return out, nil
	}
	if tx, err := r.pending.Get(ctx, hash); err == nil {
		r.finish(ctx, tx, out)
	}
	return out, nil
}
