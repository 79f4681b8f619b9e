package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"ticketchain/blockchain"
	"ticketchain/token"
)

const maxScanBody = 64 << 10

// ScannedByHeader names the scanning staff member when the scan body
// does not.
const ScannedByHeader = "X-Scanned-By"

type verifyResponse struct {
	Valid     bool                     `json:"valid"`
	TicketID  string                   `json:"ticketId"`
	Message   string                   `json:"message"`
	ExpiresAt int64                    `json:"expiresAt,omitempty"`
	Status    *blockchain.TicketStatus `json:"status,omitempty"`
}

type scanRequest struct {
	Data      string `json:"data"`
	ScannedBy string `json:"scannedBy"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	issued, err := s.tokens.Generate(r.Context(), r.PathValue("ticketId"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// handleVerify is the page a scanned QR code opens. It checks the token
// only; redeeming is the admin scan.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ticketID := r.PathValue("ticketId")
	param := r.URL.Query().Get("data")
	if param == "" {
		writeJSON(w, http.StatusBadRequest, verifyResponse{
			TicketID: ticketID,
			Message:  "missing data parameter",
		})
		return
	}

	data, err := s.tokens.CheckParam(param)
	if err == nil && data.TicketID != ticketID {
		err = token.ErrTicketMismatch
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, verifyResponse{
			TicketID: ticketID,
			Message:  token.Reason(err),
		})
		return
	}

	status := s.events.Status(ticketID)
	writeJSON(w, http.StatusOK, verifyResponse{
		Valid:     true,
		TicketID:  ticketID,
		Message:   token.Reason(nil),
		ExpiresAt: data.ExpiresAt,
		Status:    &status,
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	body := http.MaxBytesReader(w, r.Body, maxScanBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Data == "" {
		req.Data = r.URL.Query().Get("data")
	}
	if req.Data == "" {
		writeError(w, http.StatusBadRequest, "missing data parameter")
		return
	}
	if req.ScannedBy == "" {
		req.ScannedBy = r.Header.Get(ScannedByHeader)
	}
	if req.ScannedBy == "" {
		req.ScannedBy = "admin"
	}

	redemption, err := s.tokens.Redeem(r.Context(), r.PathValue("ticketId"), req.Data, req.ScannedBy)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redemption)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.history.GetHistory(r.Context(), r.PathValue("ticketId"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.events.Status(r.PathValue("ticketId")))
}
