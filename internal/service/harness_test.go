package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memblob "github.com/alanyoungcy/ipmarket/internal/blob/memory"
	"github.com/alanyoungcy/ipmarket/internal/cache/memory"
	"github.com/alanyoungcy/ipmarket/internal/clock"
	"github.com/alanyoungcy/ipmarket/internal/content"
	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/ledger/simledger"
	"github.com/alanyoungcy/ipmarket/internal/projection"
)

var (
	authority = domain.MustIdentity("0x00000000000000000000000000000000000000a1")
	operator  = domain.MustIdentity("0x00000000000000000000000000000000000000a2")
	alice     = domain.MustIdentity("0x00000000000000000000000000000000000000b1")
	bob       = domain.MustIdentity("0x00000000000000000000000000000000000000b2")
	carol     = domain.MustIdentity("0x00000000000000000000000000000000000000b3")
)

var errStoreDown = errors.New("store down")

// flakyStore fails asset puts on demand.
type flakyStore struct {
	*memory.ProjectionStore
	failPuts atomic.Bool
}

func (s *flakyStore) PutAsset(ctx context.Context, snap domain.AssetSnapshot) error {
	if s.failPuts.Load() {
		return errStoreDown
	}
	return s.ProjectionStore.PutAsset(ctx, snap)
}

type harness struct {
	clock   *clock.Manual
	ledger  *simledger.Ledger
	bucket  *memblob.Bucket
	content *content.Store
	store   *flakyStore
	pending *memory.PendingTxStore
	audit   *memory.AuditStore
	bus     *memory.SignalBus
	cache   *projection.Cache
	tx      *Submitter

	claims *ClaimService
	market *MarketService
	expiry *ExpiryService
	recon  *Reconciler
	query  *QueryService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	h := &harness{
		clock:   clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		bucket:  memblob.New(),
		store:   &flakyStore{ProjectionStore: memory.NewProjectionStore()},
		pending: memory.NewPendingTxStore(),
		audit:   memory.NewAuditStore(),
		bus:     memory.NewSignalBus(),
	}
	h.content = content.New(h.bucket, h.bucket, content.Options{})
	h.ledger = simledger.New(simledger.Options{
		Clock:       h.clock,
		Authorities: []domain.Identity{authority},
		MinDeposit:  domain.Ether("0.01"),
	})

	var err error
	h.cache, err = projection.New(h.ledger, h.store, h.content, projection.Options{
		Staleness:        time.Minute,
		ReadRetryInitial: time.Millisecond,
		Clock:            h.clock,
	}, logger)
	require.NoError(t, err)

	h.tx = NewSubmitter(h.ledger, memory.NewLockManager(), h.pending, h.audit, h.bus, h.clock,
		SubmitterConfig{SubmitTimeout: 5 * time.Second}, logger)
	h.claims = NewClaimService(h.tx, h.cache, h.content, []domain.Identity{authority}, logger)
	h.market = NewMarketService(h.tx, h.cache, logger)
	h.expiry = NewExpiryService(h.tx, h.cache, ExpiryConfig{Enforce: true, Operator: operator}, logger)
	h.recon = NewReconciler(h.ledger, h.pending, h.tx, h.cache, time.Hour, logger)
	h.query = NewQueryService(h.cache, logger)
	return h
}

func metadataDoc(t *testing.T, title string) []byte {
	t.Helper()
	doc, err := json.Marshal(domain.Metadata{Title: title, Description: "test asset", Category: "invention"})
	require.NoError(t, err)
	return doc
}

// mint registers and approves an asset for owner through the services.
func (h *harness) mint(t *testing.T, owner domain.Identity) uint64 {
	t.Helper()
	ctx := t.Context()
	receipt, err := h.claims.Submit(ctx, ClaimRequest{
		Requester: owner,
		Document:  metadataDoc(t, "Asset of "+owner.String()),
		Deposit:   domain.Ether("0.1"),
	})
	require.NoError(t, err)
	res, err := h.claims.Resolve(ctx, receipt.ClaimID, true, authority)
	require.NoError(t, err)
	require.NotNil(t, res.TokenID)
	return *res.TokenID
}

// list puts tokenID up for sale with a 1.0 minimum for 30 days.
func (h *harness) list(t *testing.T, tokenID uint64, owner domain.Identity) {
	t.Helper()
	_, err := h.market.List(t.Context(), tokenID, owner, domain.Ether("1"), 30)
	require.NoError(t, err)
}

func (h *harness) asset(t *testing.T, tokenID uint64) domain.Asset {
	t.Helper()
	snap, err := h.query.Asset(t.Context(), tokenID)
	require.NoError(t, err)
	return snap.Asset
}

func (h *harness) ledgerAsset(t *testing.T, tokenID uint64) domain.Asset {
	t.Helper()
	v, err := h.ledger.View(t.Context())
	require.NoError(t, err)
	a, err := v.Asset(t.Context(), tokenID)
	require.NoError(t, err)
	return a
}
