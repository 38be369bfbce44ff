package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memblob "github.com/alanyoungcy/ipmarket/internal/blob/memory"
	"github.com/alanyoungcy/ipmarket/internal/cache/memory"
	"github.com/alanyoungcy/ipmarket/internal/clock"
	"github.com/alanyoungcy/ipmarket/internal/content"
	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/ledger/simledger"
	"github.com/alanyoungcy/ipmarket/internal/projection"
	"github.com/alanyoungcy/ipmarket/internal/server/handler"
	"github.com/alanyoungcy/ipmarket/internal/server/middleware"
	"github.com/alanyoungcy/ipmarket/internal/service"
)

var (
	authority = domain.MustIdentity("0x00000000000000000000000000000000000000a1")
	alice     = domain.MustIdentity("0x00000000000000000000000000000000000000b1")
	bob       = domain.MustIdentity("0x00000000000000000000000000000000000000b2")
)

const testAPIKey = "secret"

type testAPI struct {
	t       *testing.T
	handler http.Handler
	clock   *clock.Manual
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ledger := simledger.New(simledger.Options{
		Clock:       clk,
		Authorities: []domain.Identity{authority},
		MinDeposit:  domain.Ether("0.01"),
	})
	bucket := memblob.New()
	cs := content.New(bucket, bucket, content.Options{})
	cache, err := projection.New(ledger, memory.NewProjectionStore(), cs, projection.Options{
		Staleness:        time.Minute,
		ReadRetryInitial: time.Millisecond,
		Clock:            clk,
	}, logger)
	require.NoError(t, err)

	pending := memory.NewPendingTxStore()
	bus := memory.NewSignalBus()
	tx := service.NewSubmitter(ledger, memory.NewLockManager(), pending, memory.NewAuditStore(), bus, clk,
		service.SubmitterConfig{SubmitTimeout: 5 * time.Second}, logger)
	query := service.NewQueryService(cache, logger)

	h := NewHandler(Config{APIKey: testAPIKey}, Handlers{
		Health: handler.NewHealthHandler(nil, logger),
		Claims: handler.NewClaimHandler(service.NewClaimService(tx, cache, cs, []domain.Identity{authority}, logger), logger),
		Assets: handler.NewAssetHandler(query, service.NewMarketService(tx, cache, logger), logger),
		Expiry: handler.NewExpiryHandler(service.NewExpiryService(tx, cache, service.ExpiryConfig{}, logger), logger),
		Ledger: handler.NewLedgerHandler(service.NewReconciler(ledger, pending, tx, cache, time.Hour, logger), query, logger),
	}, nil, memory.NewRateLimiter(), logger)
	return &testAPI{t: t, handler: h, clock: clk}
}

// do sends a request as caller (none when empty) and decodes the JSON
// response into a map.
func (a *testAPI) do(method, path string, caller domain.Identity, body any) (int, map[string]any) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", testAPIKey)
	if caller != "" {
		req.Header.Set(middleware.HeaderIdentity, caller.String())
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func (a *testAPI) mint(owner domain.Identity, title string) float64 {
	a.t.Helper()
	code, out := a.do(http.MethodPost, "/api/claims", owner, map[string]any{
		"metadata": map[string]string{"title": title, "description": "a device", "category": "invention"},
		"deposit":  "0.1",
	})
	require.Equal(a.t, http.StatusCreated, code, out)
	claimID := out["claim_id"].(float64)

	code, out = a.do(http.MethodPost, "/api/claims/"+itoa(claimID)+"/resolve", authority, map[string]any{"approve": true})
	require.Equal(a.t, http.StatusOK, code, out)
	assert.Equal(a.t, "approved", out["status"])
	return out["token_id"].(float64)
}

func itoa(f float64) string {
	b, _ := json.Marshal(int64(f))
	return string(b)
}

func TestClaimToSaleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := itoa(api.mint(alice, "Perpetual Motion Lamp"))

	code, out := api.do(http.MethodGet, "/api/assets/"+token, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, alice.String(), out["owner"])
	assert.Equal(t, "Perpetual Motion Lamp", out["metadata"].(map[string]any)["title"])

	code, out = api.do(http.MethodPost, "/api/assets/"+token+"/listing", alice, map[string]any{"min_bid": "1.0"})
	require.Equal(t, http.StatusOK, code, out)

	code, out = api.do(http.MethodPost, "/api/assets/"+token+"/bids", bob, map[string]any{"amount": "0.5"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "BidTooLow", out["code"])

	code, out = api.do(http.MethodPost, "/api/assets/"+token+"/bids", bob, map[string]any{"amount": "1.5"})
	require.Equal(t, http.StatusOK, code, out)

	code, out = api.do(http.MethodGet, "/api/assets/"+token+"/bids", "", nil)
	require.Equal(t, http.StatusOK, code)
	bids := out["bids"].([]any)
	require.Len(t, bids, 1)
	assert.Equal(t, "1.5", bids[0].(map[string]any)["amount"])

	code, out = api.do(http.MethodPost, "/api/assets/"+token+"/bids/0/accept", bob, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NotOwner", out["code"])

	code, out = api.do(http.MethodPost, "/api/assets/"+token+"/bids/0/accept", alice, nil)
	require.Equal(t, http.StatusOK, code, out)
	txHash := out["tx"].(map[string]any)["tx_hash"].(string)

	code, out = api.do(http.MethodGet, "/api/assets/"+token, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, bob.String(), out["owner"])
	assert.Nil(t, out["listing"])

	code, out = api.do(http.MethodGet, "/api/identities/"+bob.String()+"/assets", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out["assets"], 1)

	code, out = api.do(http.MethodGet, "/api/tx/"+txHash, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "committed", out["status"])

	code, out = api.do(http.MethodGet, "/api/ledger/balance", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0.1", out["balance"])
}

func TestClaimEndpoints(t *testing.T) {
	api := newTestAPI(t)

	code, out := api.do(http.MethodPost, "/api/claims", "", map[string]any{"locator": "sha256-ab", "deposit": "0.1"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, out = api.do(http.MethodPost, "/api/claims", alice, map[string]any{"locator": "sha256-ab", "deposit": "0.001"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "LedgerRejected", out["kind"])
	assert.NotEmpty(t, out["reason"])

	code, out = api.do(http.MethodPost, "/api/claims", alice, map[string]any{"locator": "sha256-ab", "deposit": "-1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ValidationError", out["kind"])

	code, out = api.do(http.MethodPost, "/api/claims", alice, map[string]any{"locator": "sha256-ab", "deposit": "0.1"})
	require.Equal(t, http.StatusCreated, code, out)

	code, out = api.do(http.MethodGet, "/api/claims/pending", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out["claims"], 1)
	assert.Equal(t, "pending", out["claims"].([]any)[0].(map[string]any)["status"])

	code, out = api.do(http.MethodPost, "/api/claims/1/resolve", bob, map[string]any{"approve": true})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NotAuthority", out["code"])

	code, _ = api.do(http.MethodPost, "/api/claims/1/resolve", authority, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = api.do(http.MethodPost, "/api/claims/1/resolve", authority, map[string]any{"approve": false})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rejected", out["status"])

	code, out = api.do(http.MethodPost, "/api/claims/1/resolve", authority, map[string]any{"approve": true})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "AlreadyResolved", out["code"])

	code, _ = api.do(http.MethodGet, "/api/claims/99", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestExpiryEndpoints(t *testing.T) {
	api := newTestAPI(t)
	token := itoa(api.mint(alice, "Lamp"))

	code, out := api.do(http.MethodPost, "/api/assets/"+token+"/extend", alice, map[string]any{"additional_days": 0})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "NegativeDuration", out["code"])

	code, out = api.do(http.MethodPost, "/api/assets/"+token+"/extend", alice, map[string]any{"additional_days": 30})
	require.Equal(t, http.StatusOK, code, out)

	code, out = api.do(http.MethodGet, "/api/assets/"+token+"/expiry", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, out["expired"])

	api.clock.Advance(simledger.DefaultTerm + 31*24*time.Hour)
	code, out = api.do(http.MethodPost, "/api/assets/"+token+"/expire", bob, nil)
	require.Equal(t, http.StatusOK, code, out)

	code, out = api.do(http.MethodPost, "/api/assets/"+token+"/listing", alice, map[string]any{"min_bid": "1"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "AssetExpired", out["code"])
}

func TestAPIKeyAndOpenRoutes(t *testing.T) {
	api := newTestAPI(t)

	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/assets", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))
}

func TestSearch(t *testing.T) {
	api := newTestAPI(t)
	api.mint(alice, "Solar Kettle")
	api.mint(bob, "Wind Organ")

	code, out := api.do(http.MethodGet, "/api/assets?q=kettle", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out["assets"], 1)
	assert.Equal(t, alice.String(), out["assets"].([]any)[0].(map[string]any)["owner"])
}
