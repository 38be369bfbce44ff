package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// defaultListingDays applies when a listing request omits its duration.
const defaultListingDays = 30

// AssetQueries defines the read side the asset handler requires.
type AssetQueries interface {
	Asset(ctx context.Context, tokenID uint64) (domain.AssetSnapshot, error)
	Search(ctx context.Context, query string) ([]domain.Asset, error)
	AssetsOf(ctx context.Context, owner domain.Identity) ([]domain.AssetSnapshot, error)
}

// Marketplace defines the sale operations the asset handler requires.
type Marketplace interface {
	List(ctx context.Context, tokenID uint64, owner domain.Identity, minBid *big.Int, durationDays int) (domain.TxRef, error)
	CancelListing(ctx context.Context, tokenID uint64, owner domain.Identity) (domain.TxRef, error)
	PlaceBid(ctx context.Context, tokenID uint64, bidder domain.Identity, amount *big.Int) (domain.TxRef, error)
	WithdrawBid(ctx context.Context, tokenID, index uint64, bidder domain.Identity) (domain.TxRef, error)
	GetBids(ctx context.Context, tokenID uint64) ([]domain.Bid, error)
	AcceptBid(ctx context.Context, tokenID, index uint64, owner domain.Identity) (domain.TxRef, error)
}

// AssetHandler serves asset lookup, search and marketplace endpoints.
type AssetHandler struct {
	queries AssetQueries
	market  Marketplace
	logger  *slog.Logger
}

// NewAssetHandler creates an AssetHandler.
func NewAssetHandler(queries AssetQueries, market Marketplace, logger *slog.Logger) *AssetHandler {
	return &AssetHandler{queries: queries, market: market, logger: logHandler(logger, "assets")}
}

// Get returns an asset with its active bids.
// GET /api/assets/{id}
func (h *AssetHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	snap, err := h.queries.Asset(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotView(snap))
}

// Search matches asset metadata against q. An empty q lists every cached
// asset.
// GET /api/assets?q=
func (h *AssetHandler) Search(w http.ResponseWriter, r *http.Request) {
	assets, err := h.queries.Search(r.Context(), strings.TrimSpace(r.URL.Query().Get("q")))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]assetView, 0, len(assets))
	for _, a := range assets {
		out = append(out, newAssetView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": out})
}

// OwnedBy lists the assets held by an identity.
// GET /api/identities/{id}/assets
func (h *AssetHandler) OwnedBy(w http.ResponseWriter, r *http.Request) {
	owner, err := domain.ParseIdentity(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	snaps, err := h.queries.AssetsOf(r.Context(), owner)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]assetView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, newSnapshotView(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "assets": out})
}

type listRequest struct {
	MinBid       string `json:"min_bid"`
	DurationDays int    `json:"duration_days"`
}

// List offers the caller's asset for sale.
// POST /api/assets/{id}/listing
func (h *AssetHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	var req listRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	minBid, err := amountParam("min_bid", req.MinBid)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if req.DurationDays == 0 {
		req.DurationDays = defaultListingDays
	}
	h.respondTx(w, r)(h.market.List(r.Context(), id, caller, minBid, req.DurationDays))
}

// CancelListing withdraws the caller's active listing.
// DELETE /api/assets/{id}/listing
func (h *AssetHandler) CancelListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.respondTx(w, r)(h.market.CancelListing(r.Context(), id, caller))
}

// Bids returns the active bids on an asset in index order.
// GET /api/assets/{id}/bids
func (h *AssetHandler) Bids(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	bids, err := h.market.GetBids(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token_id": id, "bids": newBidViews(bids)})
}

type bidRequest struct {
	Amount string `json:"amount"`
}

// PlaceBid escrows a bid from the caller.
// POST /api/assets/{id}/bids
func (h *AssetHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	var req bidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	amount, err := amountParam("amount", req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if amount == nil || amount.Sign() <= 0 {
		writeDomainError(w, r, h.logger, domain.Invalid("amount must be positive"))
		return
	}
	h.respondTx(w, r)(h.market.PlaceBid(r.Context(), id, caller, amount))
}

// WithdrawBid returns the caller's escrowed bid.
// DELETE /api/assets/{id}/bids/{index}
func (h *AssetHandler) WithdrawBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, index, err := tokenAndIndex(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.respondTx(w, r)(h.market.WithdrawBid(r.Context(), id, index, caller))
}

// AcceptBid sells the caller's asset to the bidder at index.
// POST /api/assets/{id}/bids/{index}/accept
func (h *AssetHandler) AcceptBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, index, err := tokenAndIndex(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.respondTx(w, r)(h.market.AcceptBid(r.Context(), id, index, caller))
}

func tokenAndIndex(r *http.Request) (uint64, uint64, error) {
	id, err := idParam(r, "id")
	if err != nil {
		return 0, 0, err
	}
	index, err := idParam(r, "index")
	if err != nil {
		return 0, 0, err
	}
	return id, index, nil
}

// respondTx writes the result of a state-changing call.
func (h *AssetHandler) respondTx(w http.ResponseWriter, r *http.Request) func(domain.TxRef, error) {
	return txResponder(w, r, h.logger)
}

func txResponder(w http.ResponseWriter, r *http.Request, logger *slog.Logger) func(domain.TxRef, error) {
	return func(ref domain.TxRef, err error) {
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": string(domain.TxCommitted), "tx": newTxView(ref)})
	}
}
