package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ipmarket/internal/clock"
	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/metrics"
)

const (
	DefaultSubmitTimeout = 2 * time.Minute
	lockGrace            = 30 * time.Second
)

// Announcer forwards events to operators (chat notifications).
type Announcer interface {
	Announce(ctx context.Context, ev domain.Event) error
}

// SubmitterConfig tunes a Submitter.
type SubmitterConfig struct {
	// SubmitTimeout bounds the wait for a transaction outcome.
	SubmitTimeout time.Duration
	// LockTTL bounds how long an entity lock survives a crashed holder.
	// Defaults to SubmitTimeout plus a grace period.
	LockTTL time.Duration
	// PendingMaxAge is how long a journaled transaction the ledger has never
	// heard of blocks further writes to its entity before it is dropped.
	PendingMaxAge time.Duration
}

// Submitter sends state-changing calls to the ledger and does the
// bookkeeping around each one: entity locks, the pending journal for
// unknown outcomes, the audit log and change events.
type Submitter struct {
	ledger    domain.Ledger
	locks     domain.LockManager
	pending   domain.PendingTxStore
	audit     domain.AuditStore
	bus       domain.SignalBus
	announcer Announcer
	clock     clock.Clock
	cfg       SubmitterConfig
	logger    *slog.Logger
}

// NewSubmitter wires a Submitter. audit and bus may be nil.
func NewSubmitter(
	ledger domain.Ledger,
	locks domain.LockManager,
	pending domain.PendingTxStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	clk clock.Clock,
	cfg SubmitterConfig,
	logger *slog.Logger,
) *Submitter {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.SubmitTimeout + lockGrace
	}
	if cfg.PendingMaxAge <= 0 {
		cfg.PendingMaxAge = DefaultPendingMaxAge
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Submitter{
		ledger:  ledger,
		locks:   locks,
		pending: pending,
		audit:   audit,
		bus:     bus,
		clock:   clk,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "submitter")),
	}
}

// SetAnnouncer attaches an operator notifier.
func (s *Submitter) SetAnnouncer(a Announcer) { s.announcer = a }

// Lock takes the advisory lock for one entity ("asset" or "claim"). A lock
// held elsewhere fails fast with ErrOperationInProgress.
func (s *Submitter) Lock(ctx context.Context, scope string, id uint64) (func(), error) {
	unlock, err := s.locks.Acquire(ctx, fmt.Sprintf("%s:%d", scope, id), s.cfg.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		metrics.ObserveLockContention(scope)
		return nil, fmt.Errorf("%s %d: %w", scope, id, domain.ErrOperationInProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s %d: %w: %w", scope, id, domain.ErrExternalUnavailable, err)
	}
	return unlock, nil
}

// Send submits call and waits for its outcome. The wait is detached from
// the caller's context: once sent, a transaction is tracked to its outcome
// regardless of whether the caller is still listening.
//
// A committed outcome returns a nil error. A revert returns a
// *domain.RejectedError and an unobserved outcome is journaled and returned
// as a *domain.UnknownOutcomeError. Other errors mean nothing was sent.
func (s *Submitter) Send(ctx context.Context, call domain.Call) (domain.TxOutcome, error) {
	started := time.Now()
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SubmitTimeout)
	defer cancel()

	out, err := s.ledger.Submit(sendCtx, call)
	if err != nil {
		metrics.ObserveSubmission(string(call.Kind), "error", started)
		s.logger.WarnContext(ctx, "submission failed before send",
			slog.String("call", string(call.Kind)),
			slog.String("error", err.Error()),
		)
		return out, fmt.Errorf("%s: %w", call.Kind, err)
	}
	metrics.ObserveSubmission(string(call.Kind), string(out.Status), started)

	bg := context.WithoutCancel(ctx)
	s.Audit(bg, "tx_"+string(out.Status), callDetail(call, out))

	switch out.Status {
	case domain.TxCommitted:
		return out, nil
	case domain.TxReverted:
		s.logger.InfoContext(ctx, "transaction reverted",
			slog.String("call", string(call.Kind)),
			slog.String("tx", string(out.Ref.Hash)),
			slog.String("reason", out.Reason),
		)
		return out, &domain.RejectedError{Ref: out.Ref, Reason: out.Reason}
	default:
		s.journal(bg, call, out)
		return out, &domain.UnknownOutcomeError{Ref: out.Ref}
	}
}

func (s *Submitter) journal(ctx context.Context, call domain.Call, out domain.TxOutcome) {
	tx := domain.PendingTx{
		Hash:        out.Ref.Hash,
		Kind:        call.Kind,
		Caller:      call.Caller,
		TokenID:     call.TokenID,
		ClaimID:     call.ClaimID,
		SubmittedAt: out.Ref.SubmittedAt,
	}
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = s.clock.Now()
	}
	if err := s.pending.Add(ctx, tx); err != nil {
		s.logger.ErrorContext(ctx, "pending journal write failed",
			slog.String("tx", string(tx.Hash)),
			slog.String("error", err.Error()),
		)
	}
	s.logger.WarnContext(ctx, "transaction outcome unknown",
		slog.String("call", string(call.Kind)),
		slog.String("tx", string(tx.Hash)),
	)
	s.Publish(ctx, domain.Event{
		Type:    domain.EventTxUnknown,
		TokenID: call.TokenID,
		ClaimID: call.ClaimID,
		Actor:   call.Caller,
		TxHash:  tx.Hash,
		Detail:  map[string]any{"call": string(call.Kind)},
	})
}

// Audit appends to the audit log; failures are logged only.
func (s *Submitter) Audit(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// Publish stamps ev, puts it on the signal bus and forwards it to the
// announcer. Failures are logged only.
func (s *Submitter) Publish(ctx context.Context, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	if s.bus != nil {
		channel := domain.ChannelAssets
		if ev.TokenID == 0 {
			channel = domain.ChannelClaims
		}
		payload, err := json.Marshal(ev)
		if err == nil {
			err = s.bus.Publish(ctx, channel, payload)
		}
		if err != nil {
			s.logger.WarnContext(ctx, "event publish failed",
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.announcer != nil {
		if err := s.announcer.Announce(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "announce failed",
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func callDetail(call domain.Call, out domain.TxOutcome) map[string]any {
	d := map[string]any{
		"call":     string(call.Kind),
		"caller":   string(call.Caller),
		"tx_hash":  string(out.Ref.Hash),
		"status":   string(out.Status),
		"sequence": out.Sequence,
	}
	if call.TokenID != 0 {
		d["token_id"] = call.TokenID
	}
	if call.ClaimID != 0 {
		d["claim_id"] = call.ClaimID
	}
	if call.Value != nil {
		d["value_wei"] = call.Value.String()
	}
	if out.Reason != "" {
		d["reason"] = out.Reason
	}
	return d
}
