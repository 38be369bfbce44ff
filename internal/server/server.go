// Package server exposes the claim, marketplace and expiry operations over
// HTTP, plus a WebSocket event stream and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/server/handler"
	"github.com/alanyoungcy/ipmarket/internal/server/middleware"
	"github.com/alanyoungcy/ipmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string
	// APIKey gates every route but health and metrics; empty disables it.
	APIKey string
	// RateLimit is the per-client request budget per RateWindow. Zero
	// disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
	Identity   middleware.IdentityConfig
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health *handler.HealthHandler
	Claims *handler.ClaimHandler
	Assets *handler.AssetHandler
	Expiry *handler.ExpiryHandler
	Ledger *handler.LedgerHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and wraps them in the middleware chain.
// limiter and hub may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewHandler(cfg, handlers, hub, limiter, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Writes wait on ledger outcomes bounded by the submit timeout.
			WriteTimeout: 3 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/claims", handlers.Claims.Submit)
	mux.HandleFunc("GET /api/claims/pending", handlers.Claims.ListPending)
	mux.HandleFunc("GET /api/claims/{id}", handlers.Claims.Get)
	mux.HandleFunc("POST /api/claims/{id}/resolve", handlers.Claims.Resolve)

	mux.HandleFunc("GET /api/assets", handlers.Assets.Search)
	mux.HandleFunc("GET /api/assets/{id}", handlers.Assets.Get)
	mux.HandleFunc("POST /api/assets/{id}/listing", handlers.Assets.List)
	mux.HandleFunc("DELETE /api/assets/{id}/listing", handlers.Assets.CancelListing)
	mux.HandleFunc("GET /api/assets/{id}/bids", handlers.Assets.Bids)
	mux.HandleFunc("POST /api/assets/{id}/bids", handlers.Assets.PlaceBid)
	mux.HandleFunc("DELETE /api/assets/{id}/bids/{index}", handlers.Assets.WithdrawBid)
	mux.HandleFunc("POST /api/assets/{id}/bids/{index}/accept", handlers.Assets.AcceptBid)
	mux.HandleFunc("GET /api/identities/{id}/assets", handlers.Assets.OwnedBy)

	mux.HandleFunc("GET /api/assets/{id}/expiry", handlers.Expiry.Status)
	mux.HandleFunc("POST /api/assets/{id}/extend", handlers.Expiry.Extend)
	mux.HandleFunc("POST /api/assets/{id}/expire", handlers.Expiry.Expire)

	mux.HandleFunc("GET /api/tx/{hash}", handlers.Ledger.TxStatus)
	mux.HandleFunc("GET /api/ledger/balance", handlers.Ledger.Balance)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Identity(cfg.Identity)(h)
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics", "/ws")(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Serve runs the server on ln until ctx is cancelled, then shuts down
// gracefully within grace.
func (s *Server) Serve(ctx context.Context, ln net.Listener, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
