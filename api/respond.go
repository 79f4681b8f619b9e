package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"ticketchain/blockchain"
	"ticketchain/chain"
	"ticketchain/store"
	"ticketchain/token"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// tokenErrors are failures of the presented token itself. They are
// answered with the holder-facing reason.
var tokenErrors = []error{
	token.ErrMalformedToken,
	token.ErrMalformedTimestamp,
	token.ErrExpired,
	token.ErrFutureTimestamp,
	token.ErrBadSignature,
	token.ErrTicketMismatch,
}

func isTokenError(err error) bool {
	for _, target := range tokenErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// respondError maps service errors to status codes.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case isTokenError(err):
		writeError(w, http.StatusBadRequest, token.Reason(err))
	case errors.Is(err, token.ErrTicketUsed), errors.Is(err, token.ErrTicketCancelled):
		writeError(w, http.StatusConflict, token.Reason(err))
	case errors.Is(err, chain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "ticket not found")
	case errors.Is(err, blockchain.ErrLedgerCompromised):
		writeError(w, http.StatusServiceUnavailable, "ledger integrity check failed; writes are suspended")
	case errors.Is(err, token.ErrIssuedExpired):
		writeError(w, http.StatusServiceUnavailable, "token expired before it could be issued, please retry")
	case errors.Is(err, chain.ErrMiningExhausted), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "mining did not complete, please retry")
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
