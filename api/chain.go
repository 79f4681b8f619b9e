package api

import (
	"net/http"

	"ticketchain/chain"
	"ticketchain/consensus"
)

type statsResponse struct {
	chain.Stats
	PendingTransactions int  `json:"pendingTransactions"`
	Valid               bool `json:"valid"`
}

type mineResponse struct {
	Mined   bool         `json:"mined"`
	Block   *chain.Block `json:"block,omitempty"`
	Pending int          `json:"pending"`
}

// handleBlocks lists the chain. With ?ticketId= only blocks carrying
// that ticket are listed, each trimmed to the ticket's transactions.
func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	blocks := s.events.Ledger().Blocks()
	ticketID := r.URL.Query().Get("ticketId")
	if ticketID == "" {
		writeJSON(w, http.StatusOK, blocks)
		return
	}

	filtered := make([]chain.Block, 0)
	for _, block := range blocks {
		var txs []chain.TicketTransaction
		for _, tx := range block.Transactions {
			if tx.TicketID == ticketID {
				txs = append(txs, tx)
			}
		}
		if len(txs) == 0 {
			continue
		}
		block.Transactions = txs
		filtered = append(filtered, block)
	}
	writeJSON(w, http.StatusOK, filtered)
}

func (s *Server) handleChainStats(w http.ResponseWriter, r *http.Request) {
	ledger := s.events.Ledger()
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:               ledger.Stats(),
		PendingTransactions: s.events.Pool().Size(),
		Valid:               ledger.IsValid(),
	})
}

func (s *Server) handleChainValidate(w http.ResponseWriter, r *http.Request) {
	var report consensus.Report
	if s.guard != nil {
		report = s.guard.Check()
	} else {
		mismatches := s.events.Ledger().Verify()
		report = consensus.Report{
			CheckedAt:  s.events.Clock().Now(),
			Blocks:     s.events.Ledger().Len(),
			Valid:      len(mismatches) == 0,
			Mismatches: mismatches,
		}
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

func (s *Server) handleChainMine(w http.ResponseWriter, r *http.Request) {
	block, err := s.events.Mine(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if block == nil {
		writeJSON(w, http.StatusOK, mineResponse{Pending: s.events.Pool().Size()})
		return
	}
	writeJSON(w, http.StatusCreated, mineResponse{
		Mined:   true,
		Block:   block,
		Pending: s.events.Pool().Size(),
	})
}

func (s *Server) handleChainSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot archive is not configured")
		return
	}
	receipt, err := s.archive.PublishSnapshot(r.Context(), s.events.Ledger().Snapshot())
	if err != nil {
		s.logger.Error("snapshot publish failed", "error", err)
		writeError(w, http.StatusBadGateway, "snapshot publish failed")
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}
