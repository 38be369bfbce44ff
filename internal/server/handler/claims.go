package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/service"
)

// ClaimService defines the methods that the claim handler requires from
// the service layer.
type ClaimService interface {
	Submit(ctx context.Context, req service.ClaimRequest) (service.ClaimReceipt, error)
	Resolve(ctx context.Context, claimID uint64, approve bool, authority domain.Identity) (service.Resolution, error)
	ListPending(ctx context.Context) ([]domain.Claim, error)
	Get(ctx context.Context, claimID uint64) (domain.Claim, error)
}

// ClaimHandler serves claim submission and resolution endpoints.
type ClaimHandler struct {
	claims ClaimService
	logger *slog.Logger
}

// NewClaimHandler creates a ClaimHandler.
func NewClaimHandler(claims ClaimService, logger *slog.Logger) *ClaimHandler {
	return &ClaimHandler{claims: claims, logger: logHandler(logger, "claims")}
}

// submitClaimRequest carries either an inline metadata document or the
// locator of one already in the content store.
type submitClaimRequest struct {
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Locator  string          `json:"locator,omitempty"`
	Deposit  string          `json:"deposit"`
}

type submitClaimResponse struct {
	ClaimID uint64 `json:"claim_id"`
	txView
}

// Submit records a claim for the calling identity.
// POST /api/claims
func (h *ClaimHandler) Submit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req submitClaimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	deposit, err := amountParam("deposit", req.Deposit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if len(req.Metadata) > 0 {
		var doc domain.Metadata
		if err := json.Unmarshal(req.Metadata, &doc); err != nil {
			writeDomainError(w, r, h.logger, domain.Invalid("metadata: %v", err))
			return
		}
		if doc.Title == "" {
			writeDomainError(w, r, h.logger, domain.Invalid("metadata: title required"))
			return
		}
	}

	receipt, err := h.claims.Submit(r.Context(), service.ClaimRequest{
		Requester: caller,
		Document:  req.Metadata,
		Locator:   domain.Locator(req.Locator),
		Deposit:   deposit,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitClaimResponse{ClaimID: receipt.ClaimID, txView: newTxView(receipt.Tx)})
}

// Get returns one claim.
// GET /api/claims/{id}
func (h *ClaimHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	c, err := h.claims.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newClaimView(c))
}

// ListPending returns every claim awaiting resolution.
// GET /api/claims/pending
func (h *ClaimHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	claims, err := h.claims.ListPending(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]claimView, 0, len(claims))
	for _, c := range claims {
		out = append(out, newClaimView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": out})
}

type resolveRequest struct {
	Approve *bool `json:"approve"`
}

type resolveResponse struct {
	ClaimID uint64  `json:"claim_id"`
	Status  string  `json:"status"`
	TokenID *uint64 `json:"token_id,omitempty"`
	Tx      *txView `json:"tx,omitempty"`
}

// Resolve approves or rejects a claim as the calling authority.
// POST /api/claims/{id}/resolve
func (h *ClaimHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if req.Approve == nil {
		writeDomainError(w, r, h.logger, domain.Invalid("approve required"))
		return
	}

	res, err := h.claims.Resolve(r.Context(), id, *req.Approve, caller)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	resp := resolveResponse{ClaimID: res.ClaimID, Status: res.Status.String(), TokenID: res.TokenID}
	if res.Tx != nil {
		tv := newTxView(*res.Tx)
		resp.Tx = &tv
	}
	writeJSON(w, http.StatusOK, resp)
}
