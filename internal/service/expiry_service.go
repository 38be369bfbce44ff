package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/metrics"
	"github.com/alanyoungcy/ipmarket/internal/projection"
)

const secondsPerDay = 24 * 60 * 60

// MaxDays bounds the day counts accepted for listings and extensions.
const MaxDays = 100 * 365

// ExpiryConfig tunes an ExpiryService.
type ExpiryConfig struct {
	// Enforce makes Sweep enact expiry on-ledger for elapsed assets.
	Enforce bool
	// Operator is the identity Sweep enforces expiry as.
	Operator domain.Identity
}

// SweepReport summarises one Sweep.
type SweepReport struct {
	Scanned   int
	Refreshed int
	Elapsed   int
	Enforced  int
	Failed    int
}

// ExpiryService tracks registration terms: checks, renewals and on-ledger
// enforcement of lapsed terms.
type ExpiryService struct {
	core
	cfg ExpiryConfig
}

// NewExpiryService creates an ExpiryService.
func NewExpiryService(tx *Submitter, cache *projection.Cache, cfg ExpiryConfig, logger *slog.Logger) *ExpiryService {
	return &ExpiryService{
		core: core{tx: tx, cache: cache, logger: logger.With(slog.String("component", "expiry_service"))},
		cfg:  cfg,
	}
}

// IsExpired answers from the projection as stored, whatever its age.
func (s *ExpiryService) IsExpired(ctx context.Context, tokenID uint64) (bool, error) {
	snap, err := s.cache.Peek(ctx, tokenID)
	if err != nil {
		return false, fmt.Errorf("expiry_service: is expired %d: %w", tokenID, err)
	}
	return snap.Asset.IsExpired(s.now()), nil
}

// CheckExpired is IsExpired on an entry no older than the staleness bound.
func (s *ExpiryService) CheckExpired(ctx context.Context, tokenID uint64) (bool, error) {
	snap, err := s.cache.Get(ctx, tokenID)
	if err != nil {
		return false, fmt.Errorf("expiry_service: check expired %d: %w", tokenID, err)
	}
	return snap.Asset.IsExpired(s.now()), nil
}

// Extend renews the registration term by additionalDays counted from the
// current expiry, not from now. payment may be nil.
func (s *ExpiryService) Extend(ctx context.Context, tokenID uint64, owner domain.Identity, additionalDays int, payment *big.Int) (domain.TxRef, error) {
	if err := requireToken(tokenID, owner); err != nil {
		return domain.TxRef{}, err
	}
	if additionalDays <= 0 {
		return domain.TxRef{}, fmt.Errorf("expiry_service: extend %d by %d days: %w", tokenID, additionalDays, domain.ErrNegativeDuration)
	}
	if additionalDays > MaxDays {
		return domain.TxRef{}, domain.Invalid("extension exceeds %d days", MaxDays)
	}
	if payment != nil && payment.Sign() < 0 {
		return domain.TxRef{}, domain.Invalid("payment must not be negative")
	}

	unlock, err := s.tx.Lock(ctx, "asset", tokenID)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("expiry_service: extend %d: %w", tokenID, err)
	}
	defer unlock()

	call := domain.ExtendDurationCall(owner, tokenID, uint64(additionalDays)*secondsPerDay, payment)
	prior, err := s.settlePending(ctx, call)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("expiry_service: extend %d: %w", tokenID, err)
	}
	if prior != nil {
		return prior.Ref, nil
	}

	snap, err := s.cache.Get(ctx, tokenID)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("expiry_service: extend %d: %w", tokenID, err)
	}
	if !snap.Asset.Owner.Equal(owner) {
		return domain.TxRef{}, fmt.Errorf("expiry_service: extend %d: %w", tokenID, domain.ErrNotOwner)
	}
	if snap.Asset.Expired {
		return domain.TxRef{}, fmt.Errorf("expiry_service: extend %d: %w", tokenID, domain.ErrAssetExpired)
	}

	out, err := s.send(ctx, call)
	if err != nil {
		return out.Ref, fmt.Errorf("expiry_service: extend %d: %w", tokenID, err)
	}
	ev := domain.Event{
		Type:     domain.EventAssetExtended,
		TokenID:  tokenID,
		Actor:    owner,
		TxHash:   out.Ref.Hash,
		Sequence: out.Sequence,
		Detail: map[string]any{
			"days":            additionalDays,
			"previous_expiry": snap.Asset.ExpiresAt.Format(time.RFC3339),
		},
	}
	if after, err := s.cache.Peek(ctx, tokenID); err == nil {
		ev.Detail["expires_at"] = after.Asset.ExpiresAt.Format(time.RFC3339)
	}
	s.publish(ctx, ev)
	return out.Ref, nil
}

// Enforce enacts expiry on the ledger for an asset whose term has lapsed.
// Any identity may do so.
func (s *ExpiryService) Enforce(ctx context.Context, tokenID uint64, caller domain.Identity) (domain.TxRef, error) {
	if err := requireToken(tokenID, caller); err != nil {
		return domain.TxRef{}, err
	}
	unlock, err := s.tx.Lock(ctx, "asset", tokenID)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("expiry_service: enforce %d: %w", tokenID, err)
	}
	defer unlock()
	return s.enforce(ctx, tokenID, caller)
}

func (s *ExpiryService) enforce(ctx context.Context, tokenID uint64, caller domain.Identity) (domain.TxRef, error) {
	call := domain.CheckExpiryCall(caller, tokenID)
	if _, err := s.settlePending(ctx, call); err != nil {
		return domain.TxRef{}, fmt.Errorf("expiry_service: enforce %d: %w", tokenID, err)
	}
	snap, err := s.cache.Get(ctx, tokenID)
	if err != nil {
		return domain.TxRef{}, fmt.Errorf("expiry_service: enforce %d: %w", tokenID, err)
	}
	if snap.Asset.Expired {
		return domain.TxRef{}, fmt.Errorf("expiry_service: enforce %d: already enacted: %w", tokenID, domain.ErrAssetExpired)
	}
	if !snap.Asset.IsExpired(s.now()) {
		return domain.TxRef{}, fmt.Errorf("expiry_service: enforce %d: term runs until %s: %w",
			tokenID, snap.Asset.ExpiresAt.Format(time.RFC3339), domain.ErrStateConflict)
	}

	out, err := s.send(ctx, call)
	if err != nil {
		return out.Ref, fmt.Errorf("expiry_service: enforce %d: %w", tokenID, err)
	}
	s.publish(ctx, domain.Event{
		Type:     domain.EventAssetExpired,
		TokenID:  tokenID,
		Actor:    caller,
		TxHash:   out.Ref.Hash,
		Sequence: out.Sequence,
		Detail:   map[string]any{"owner": snap.Asset.Owner.String()},
	})
	return out.Ref, nil
}

// Sweep walks every token the ledger has issued. Entries missing from the
// projection or older than the staleness bound are refreshed and, when
// enforcement is enabled, lapsed assets are expired on-ledger. Per-asset
// failures are counted and logged; the sweep carries on.
func (s *ExpiryService) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	_, tokens, err := s.cache.Counts(ctx)
	if err != nil {
		return report, fmt.Errorf("expiry_service: sweep: %w", err)
	}
	stored, err := s.cache.Assets(ctx)
	if err != nil {
		return report, fmt.Errorf("expiry_service: sweep: %w", err)
	}
	byID := make(map[uint64]domain.AssetSnapshot, len(stored))
	for _, snap := range stored {
		byID[snap.Asset.TokenID] = snap
	}

	for id := uint64(1); id <= tokens; id++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		snap, ok := byID[id]
		if !ok || !snap.Fresh(s.now(), s.cache.Staleness()) {
			snap, err = s.cache.Refresh(ctx, id)
			if err != nil {
				report.Failed++
				s.logger.WarnContext(ctx, "sweep refresh failed",
					slog.Uint64("token_id", id),
					slog.String("error", err.Error()),
				)
				continue
			}
			report.Refreshed++
		}
		if snap.Asset.Expired || !snap.Asset.IsExpired(s.now()) {
			continue
		}
		report.Elapsed++
		if !s.cfg.Enforce || s.cfg.Operator.IsZero() {
			continue
		}
		if err := s.sweepEnforce(ctx, id); err != nil {
			report.Failed++
			s.logger.WarnContext(ctx, "sweep enforce failed",
				slog.Uint64("token_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.Enforced++
	}

	metrics.ObserveSweep(report.Refreshed, report.Enforced, report.Failed)
	s.logger.InfoContext(ctx, "expiry sweep complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("refreshed", report.Refreshed),
		slog.Int("elapsed", report.Elapsed),
		slog.Int("enforced", report.Enforced),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *ExpiryService) sweepEnforce(ctx context.Context, tokenID uint64) error {
	unlock, err := s.tx.Lock(ctx, "asset", tokenID)
	if err != nil {
		return err
	}
	defer unlock()
	_, err = s.enforce(ctx, tokenID, s.cfg.Operator)
	if errors.Is(err, domain.ErrUnknownOutcome) {
		// Journaled; the reconciler settles it.
		return nil
	}
	return err
}
