package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/ipmarket/internal/pipeline"
	"github.com/alanyoungcy/ipmarket/internal/server"
	"github.com/alanyoungcy/ipmarket/internal/server/handler"
	"github.com/alanyoungcy/ipmarket/internal/server/middleware"
	"github.com/alanyoungcy/ipmarket/internal/server/ws"
)

// ServerMode serves the HTTP API and WebSocket stream and reconciles
// unknown outcomes in the background.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startNotifier(ctx, g, deps)
	if err := a.startScheduler(ctx, g, deps, false); err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	if err := a.startHTTPServer(ctx, g, deps); err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	return g.Wait()
}

// WorkerMode runs the expiry sweep and the reconciler without the API.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode",
		slog.String("sweep_cron", a.cfg.Expiry.SweepCron),
		slog.Bool("enforce", a.cfg.Expiry.Enforce),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startNotifier(ctx, g, deps)
	if err := a.startScheduler(ctx, g, deps, true); err != nil {
		return fmt.Errorf("worker mode: %w", err)
	}
	if err := a.startMetricsServer(ctx, g); err != nil {
		return fmt.Errorf("worker mode: %w", err)
	}
	return g.Wait()
}

// FullMode runs the API together with every background loop.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startNotifier(ctx, g, deps)
	if err := a.startScheduler(ctx, g, deps, true); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if err := a.startHTTPServer(ctx, g, deps); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	return g.Wait()
}

// RebuildMode replays the projection from genesis and returns.
func (a *App) RebuildMode(ctx context.Context, deps *Dependencies) error {
	start := time.Now()
	report, err := deps.Cache.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild mode: %w", err)
	}
	a.logger.InfoContext(ctx, "projection rebuilt",
		slog.Int("claims", report.Claims),
		slog.Int("assets", report.Assets),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

func (a *App) startNotifier(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Notifier == nil {
		return
	}
	g.Go(func() error {
		return deps.Notifier.Run(ctx)
	})
}

// startScheduler runs the reconciler, and the expiry sweep when sweep is
// set.
func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies, sweep bool) error {
	cfg := pipeline.SchedulerConfig{ReconcileInterval: a.cfg.Reconciler.Interval.Duration}
	var sweeper pipeline.Sweeper
	if sweep {
		cfg.SweepCron = a.cfg.Expiry.SweepCron
		sweeper = deps.Expiry
	}
	sched, err := pipeline.NewScheduler(cfg, sweeper, deps.Reconciler, a.logger)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return sched.Run(ctx)
	})
	return nil
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	hub := ws.NewHub(deps.SignalBus, ws.Config{AllowedOrigins: a.cfg.Server.CORSOrigins}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Health, a.logger),
		Claims: handler.NewClaimHandler(deps.Claims, a.logger),
		Assets: handler.NewAssetHandler(deps.Queries, deps.Market, a.logger),
		Expiry: handler.NewExpiryHandler(deps.Expiry, a.logger),
		Ledger: handler.NewLedgerHandler(deps.Reconciler, deps.Queries, a.logger),
	}
	if !a.cfg.Server.RequireSignature {
		a.logger.WarnContext(ctx, "caller signatures are not verified; identity headers are trusted as sent")
	}
	srv := server.NewServer(server.Config{
		Addr:        a.cfg.Server.Addr,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
		Identity: middleware.IdentityConfig{
			RequireSignature: a.cfg.Server.RequireSignature,
			MaxSkew:          a.cfg.Server.SignatureMaxAge.Duration,
		},
	}, handlers, hub, deps.RateLimiter, a.logger)

	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("http server: listen %s: %w", a.cfg.Server.Addr, err)
	}
	g.Go(func() error {
		return srv.Serve(ctx, ln, a.cfg.Server.ShutdownGrace.Duration)
	})
	return nil
}

// startMetricsServer exposes /metrics on metrics.addr for modes without the
// API server. An empty address disables it.
func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group) error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics server: listen %s: %w", a.cfg.Metrics.Addr, err)
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "metrics server listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return nil
}
