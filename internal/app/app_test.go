package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ipmarket/internal/config"
	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/service"
)

const (
	authority = "0x00000000000000000000000000000000000000a1"
	requester = "0x00000000000000000000000000000000000000b1"
)

func simulatedConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.Ledger.Simulated = true
	cfg.Content.Backend = "memory"
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.RequireSignature = false
	cfg.Wallet.Authorities = []string{authority}
	require.NoError(t, cfg.Validate())
	return &cfg
}

func TestWireSimulated(t *testing.T) {
	cfg := simulatedConfig(t, "full")
	deps, cleanup, err := Wire(t.Context(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.Notifier, "no channels configured")
	require.Contains(t, deps.Health, "ledger")
	assert.NotContains(t, deps.Health, "redis")
	assert.NoError(t, deps.Health["ledger"].Ping(t.Context()))

	receipt, err := deps.Claims.Submit(t.Context(), service.ClaimRequest{
		Requester: domain.MustIdentity(requester),
		Document:  []byte(`{"title":"Folding Ladder","description":"compact"}`),
		Deposit:   domain.Ether("0.05"),
	})
	require.NoError(t, err)

	res, err := deps.Claims.Resolve(t.Context(), receipt.ClaimID, true, domain.MustIdentity(authority))
	require.NoError(t, err)
	require.NotNil(t, res.TokenID)

	report, err := deps.Cache.Rebuild(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claims)
	assert.Equal(t, 1, report.Assets)
}

func TestRunRebuildReturns(t *testing.T) {
	a := New(simulatedConfig(t, "rebuild"), slog.New(slog.DiscardHandler))
	defer a.Close()
	require.NoError(t, a.Run(t.Context()))
}

func TestRunFullStopsOnCancel(t *testing.T) {
	a := New(simulatedConfig(t, "full"), slog.New(slog.DiscardHandler))
	defer a.Close()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("full mode did not stop")
	}
}
