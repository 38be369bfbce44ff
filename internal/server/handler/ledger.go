package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// TxStatusSource resolves transaction outcomes, settling journaled ones.
type TxStatusSource interface {
	Status(ctx context.Context, hash domain.TxHash) (domain.TxOutcome, error)
}

// BalanceSource reports the registry's held funds.
type BalanceSource interface {
	Balance(ctx context.Context) (*big.Int, error)
}

// LedgerHandler serves transaction and balance lookups.
type LedgerHandler struct {
	txs     TxStatusSource
	balance BalanceSource
	logger  *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(txs TxStatusSource, balance BalanceSource, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{txs: txs, balance: balance, logger: logHandler(logger, "ledger")}
}

type txStatusResponse struct {
	TxHash   string  `json:"tx_hash"`
	Status   string  `json:"status"`
	Sequence uint64  `json:"sequence,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	ClaimID  *uint64 `json:"claim_id,omitempty"`
	TokenID  *uint64 `json:"token_id,omitempty"`
}

// TxStatus reports a transaction's outcome.
// GET /api/tx/{hash}
func (h *LedgerHandler) TxStatus(w http.ResponseWriter, r *http.Request) {
	hash := domain.TxHash(r.PathValue("hash"))
	out, err := h.txs.Status(r.Context(), hash)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, txStatusResponse{
		TxHash:   string(hash),
		Status:   string(out.Status),
		Sequence: out.Sequence,
		Reason:   out.Reason,
		ClaimID:  out.ClaimID,
		TokenID:  out.TokenID,
	})
}

// Balance reports deposits plus bid escrow held by the registry.
// GET /api/ledger/balance
func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.balance.Balance(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": domain.FormatEther(bal)})
}
