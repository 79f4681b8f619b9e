package blockchain

import "ticketchain/chain"

const (
	StatusNone      = "none"
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
)

// TicketStatus summarises a ticket's presence on the ledger.
type TicketStatus struct {
	TicketID      string       `json:"ticketId"`
	State         chain.State  `json:"state"`
	Status        string       `json:"status"`
	Message       string       `json:"message"`
	Confirmed     int          `json:"confirmed"`
	Pending       int          `json:"pending"`
	LastBlockHash string       `json:"lastBlockHash,omitempty"`
	LastAction    chain.Action `json:"lastAction,omitempty"`
	LastTimestamp int64        `json:"lastTimestamp,omitempty"`
}

// Status reports where the ticket's transactions stand. A ticket with
// anything unmined is pending even if older transactions are confirmed.
func (s *Service) Status(ticketID string) TicketStatus {
	located := s.Transactions(ticketID)
	status := TicketStatus{
		TicketID: ticketID,
		State:    s.State(ticketID),
		Status:   StatusNone,
		Message:  "Ticket has no ledger history",
	}
	for _, lt := range located {
		if lt.Pending() {
			status.Pending++
		} else {
			status.Confirmed++
			status.LastBlockHash = lt.BlockHash
		}
		status.LastAction = lt.Transaction.Action
		status.LastTimestamp = lt.Transaction.Timestamp
	}
	switch {
	case status.Pending > 0:
		status.Status = StatusPending
		status.Message = "Transactions waiting to be mined"
	case status.Confirmed > 0:
		status.Status = StatusConfirmed
		status.Message = "Transactions confirmed in block"
	}
	return status
}
