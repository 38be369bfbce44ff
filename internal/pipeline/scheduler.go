// Package pipeline runs the background maintenance loops: the expiry sweep
// on a cron schedule and the pending-transaction reconciler on an interval.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/ipmarket/internal/service"
)

// Sweeper walks every asset, refreshing and enforcing expiry.
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepReport, error)
}

// Reconciler settles journaled transactions.
type Reconciler interface {
	Run(ctx context.Context) (service.ReconcileReport, error)
}

// SchedulerConfig selects which loops run. An empty SweepCron or a zero
// ReconcileInterval disables that loop.
type SchedulerConfig struct {
	// SweepCron is a standard 5-field expression or descriptor such as
	// "@hourly" or "@every 15m".
	SweepCron         string
	ReconcileInterval time.Duration
}

// Scheduler owns the maintenance loops.
type Scheduler struct {
	sweeper   Sweeper
	recon     Reconciler
	schedule  cron.Schedule
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	sweepCron string
}

// NewScheduler validates cfg and returns a Scheduler. sweeper and recon may
// be nil when their loop is disabled.
func NewScheduler(cfg SchedulerConfig, sweeper Sweeper, recon Reconciler, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		sweeper:   sweeper,
		recon:     recon,
		interval:  cfg.ReconcileInterval,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "scheduler")),
		sweepCron: cfg.SweepCron,
	}
	if cfg.SweepCron != "" {
		if sweeper == nil {
			return nil, errors.New("pipeline: sweep schedule without a sweeper")
		}
		sched, err := cron.ParseStandard(cfg.SweepCron)
		if err != nil {
			return nil, fmt.Errorf("pipeline: sweep cron %q: %w", cfg.SweepCron, err)
		}
		s.schedule = sched
	}
	if cfg.ReconcileInterval > 0 && recon == nil {
		return nil, errors.New("pipeline: reconcile interval without a reconciler")
	}
	return s, nil
}

// Run starts the enabled loops and blocks until ctx is cancelled or a loop
// fails. Clean shutdown returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting",
		slog.String("sweep_cron", s.sweepCron),
		slog.Duration("reconcile_interval", s.interval),
	)
	g, ctx := errgroup.WithContext(ctx)
	if s.schedule != nil {
		g.Go(func() error { return s.sweepLoop(ctx) })
	}
	if s.interval > 0 {
		g.Go(func() error { return s.reconcileLoop(ctx) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) sweepLoop(ctx context.Context) error {
	for {
		next := s.schedule.Next(s.now())
		s.logger.Debug("sweep scheduled", slog.Time("next_run", next))
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one expiry sweep and logs its report.
func (s *Scheduler) SweepOnce(ctx context.Context) {
	started := s.now()
	report, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
		return
	}
	s.logger.InfoContext(ctx, "sweep finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("refreshed", report.Refreshed),
		slog.Int("elapsed", report.Elapsed),
		slog.Int("enforced", report.Enforced),
		slog.Int("failed", report.Failed),
		slog.Duration("took", s.now().Sub(started)),
	)
}

func (s *Scheduler) reconcileLoop(ctx context.Context) error {
	s.ReconcileOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce runs one reconciler pass. Quiet passes are not logged.
func (s *Scheduler) ReconcileOnce(ctx context.Context) {
	report, err := s.recon.Run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "reconcile failed", slog.String("error", err.Error()))
		return
	}
	if report.Checked == 0 {
		return
	}
	s.logger.InfoContext(ctx, "reconcile finished",
		slog.Int("checked", report.Checked),
		slog.Int("committed", report.Committed),
		slog.Int("reverted", report.Reverted),
		slog.Int("dropped", report.Dropped),
		slog.Int("pending", report.Pending),
	)
}
