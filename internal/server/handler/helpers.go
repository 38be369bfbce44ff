package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/server/middleware"
)

// maxBodyBytes bounds request bodies, metadata documents included.
const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
	TxHash string `json:"tx_hash,omitempty"`
	Status string `json:"status,omitempty"`
}

// writeError sends a JSON-formatted error response for a request problem
// detected in the handler itself.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kindForStatus(status), Code: kindForStatus(status)})
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "ValidationError"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "AuthorizationError"
	case http.StatusNotFound:
		return "NotFound"
	}
	return "Internal"
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrExternalUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrLedgerRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUnknownOutcome):
		return http.StatusAccepted
	}
	return http.StatusInternalServerError
}

// writeDomainError maps a service error onto a response. An unknown
// outcome is not a failure: the transaction hash is returned with 202 so
// the caller can poll /api/tx/{hash}.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Kind: domain.KindOf(err), Code: domain.Code(err)}

	var rejected *domain.RejectedError
	if errors.As(err, &rejected) {
		resp.Reason = rejected.Reason
		resp.TxHash = string(rejected.Ref.Hash)
	}
	var unknown *domain.UnknownOutcomeError
	if errors.As(err, &unknown) {
		resp.TxHash = string(unknown.Ref.Hash)
		resp.Status = string(domain.TxUnknown)
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("kind", resp.Kind),
			slog.String("error", err.Error()),
		)
		if status == http.StatusInternalServerError {
			resp.Error = "internal server error"
		}
	}
	writeJSON(w, status, resp)
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid("request body: %v", err)
	}
	return nil
}

// idParam parses a positive numeric path parameter.
func idParam(r *http.Request, name string) (uint64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, domain.Invalid("%s %q: not a number", name, raw)
	}
	return id, nil
}

// amountParam converts an ether display string; empty yields nil.
func amountParam(field, s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	v, err := domain.ParseEther(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

// requireCaller returns the verified caller identity or writes 401.
func requireCaller(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	id, ok := middleware.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "caller identity required")
	}
	return id, ok
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
