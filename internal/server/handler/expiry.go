package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// ExpiryService defines the term operations the expiry handler requires.
type ExpiryService interface {
	IsExpired(ctx context.Context, tokenID uint64) (bool, error)
	Extend(ctx context.Context, tokenID uint64, owner domain.Identity, additionalDays int, payment *big.Int) (domain.TxRef, error)
	Enforce(ctx context.Context, tokenID uint64, caller domain.Identity) (domain.TxRef, error)
}

// ExpiryHandler serves registration term endpoints.
type ExpiryHandler struct {
	expiry ExpiryService
	logger *slog.Logger
}

// NewExpiryHandler creates an ExpiryHandler.
func NewExpiryHandler(expiry ExpiryService, logger *slog.Logger) *ExpiryHandler {
	return &ExpiryHandler{expiry: expiry, logger: logHandler(logger, "expiry")}
}

// Status reports whether the asset's term has lapsed.
// GET /api/assets/{id}/expiry
func (h *ExpiryHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	expired, err := h.expiry.IsExpired(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token_id": id, "expired": expired})
}

type extendRequest struct {
	AdditionalDays int    `json:"additional_days"`
	Payment        string `json:"payment,omitempty"`
}

// Extend renews the caller's asset.
// POST /api/assets/{id}/extend
func (h *ExpiryHandler) Extend(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	var req extendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	payment, err := amountParam("payment", req.Payment)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	txResponder(w, r, h.logger)(h.expiry.Extend(r.Context(), id, caller, req.AdditionalDays, payment))
}

// Expire enacts expiry on the ledger for a lapsed asset.
// POST /api/assets/{id}/expire
func (h *ExpiryHandler) Expire(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	txResponder(w, r, h.logger)(h.expiry.Enforce(r.Context(), id, caller))
}
