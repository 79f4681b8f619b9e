package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ticketchain/blockchain"
	"ticketchain/chain"
	"ticketchain/store"
)

// TransferRecord is a transfer sourced from outside the ledger, such
// as an audit log row or the legacy ticket fields.
type TransferRecord struct {
	TicketID   string
	EventID    string
	FromUserID string
	ToUserID   string
	Timestamp  int64
}

// ReconcileResult reports what one ReconcileTicket call changed.
type ReconcileResult struct {
	TicketID  string `json:"ticketId"`
	Recorded  int    `json:"recorded"`
	Skipped   int    `json:"skipped"`
	BlockHash string `json:"blockHash,omitempty"`
}

// BackfillSummary totals a Backfill run.
type BackfillSummary struct {
	Scanned         int `json:"scanned"`
	AlreadyRecorded int `json:"alreadyRecorded"`
	Reconciled      int `json:"reconciled"`
	Transactions    int `json:"transactions"`
	Failed          int `json:"failed"`
}

// Syncer copies transfers that only exist in the audit log or the
// legacy ticket fields onto the ledger.
type Syncer struct {
	events  *blockchain.Service
	tickets store.TicketStore
	audit   store.AuditLogStore
	logger  *slog.Logger
}

func NewSyncer(events *blockchain.Service, tickets store.TicketStore, audit store.AuditLogStore, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Syncer{events: events, tickets: tickets, audit: audit, logger: logger}
}

// SyncTransfer records rec on the ledger with its original timestamp
// unless an equivalent transfer is already there. It reports whether a
// transaction was added.
func (s *Syncer) SyncTransfer(ctx context.Context, rec TransferRecord) (bool, error) {
	_, added, err := s.events.RecordTransferOnce(ctx, blockchain.Event{
		TicketID:   rec.TicketID,
		EventID:    rec.EventID,
		Action:     chain.ActionTransfer,
		FromUserID: rec.FromUserID,
		ToUserID:   rec.ToUserID,
		Timestamp:  rec.Timestamp,
	})
	if err != nil {
		return false, fmt.Errorf("sync transfer of %s: %w", rec.TicketID, err)
	}
	return added, nil
}

// ReconcileTicket replays the ticket's audit log transfers, or its
// legacy transfer fields when the log has none, into the ledger. New
// transactions are mined, the sync is logged against the block hash,
// and the ticket's verification info is updated.
func (s *Syncer) ReconcileTicket(ctx context.Context, ticketID string) (ReconcileResult, error) {
	result := ReconcileResult{TicketID: ticketID}

	ticket, err := s.tickets.FindByID(ctx, ticketID)
	if err != nil {
		return result, fmt.Errorf("reconcile %s: loading ticket: %w", ticketID, err)
	}
	records, err := s.transferRecords(ctx, ticket)
	if err != nil {
		return result, err
	}
	if len(records) == 0 {
		return result, nil
	}

	for _, rec := range records {
		added, err := s.SyncTransfer(ctx, rec)
		switch {
		case errors.Is(err, chain.ErrInvalidTransition):
			// The ledger already holds a terminal event for this
			// ticket; older transfers cannot be placed after it.
			s.logger.Warn("transfer not replayable onto ledger",
				"ticket_id", ticketID,
				"timestamp", rec.Timestamp,
				"error", err,
			)
			result.Skipped++
			continue
		case err != nil:
			return result, err
		}
		if added {
			result.Recorded++
		} else {
			result.Skipped++
		}
	}

	if result.Recorded > 0 {
		block, err := s.events.Mine(ctx)
		if err != nil {
			return result, fmt.Errorf("reconcile %s: %w", ticketID, err)
		}
		if block != nil {
			result.BlockHash = block.Hash
		}
	}
	if result.BlockHash == "" {
		result.BlockHash = lastTransferBlock(s.events.Transactions(ticketID))
	}

	if result.BlockHash != "" {
		if err := s.audit.LogBlockchainSync(ctx, ticketID, result.BlockHash); err != nil {
			return result, fmt.Errorf("reconcile %s: logging sync: %w", ticketID, err)
		}
	}
	info := store.VerificationInfo{OriginalOwner: records[0].FromUserID, IsTransferred: true}
	if _, err := s.tickets.Update(ctx, ticketID, store.TicketUpdate{VerificationInfo: &info}); err != nil {
		return result, fmt.Errorf("reconcile %s: updating ticket: %w", ticketID, err)
	}

	s.logger.Info("ticket reconciled onto ledger",
		"ticket_id", ticketID,
		"recorded", result.Recorded,
		"skipped", result.Skipped,
		"block_hash", result.BlockHash,
	)
	return result, nil
}

func (s *Syncer) transferRecords(ctx context.Context, ticket store.Ticket) ([]TransferRecord, error) {
	logs, err := s.audit.GetLogsByTicketID(ctx, ticket.ID, store.AuditTicketTransferred)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: reading audit log: %w", ticket.ID, err)
	}
	var records []TransferRecord
	for _, entry := range logs {
		records = append(records, TransferRecord{
			TicketID:   ticket.ID,
			EventID:    ticket.EventID,
			FromUserID: entry.FromUserID,
			ToUserID:   entry.ToUserID,
			Timestamp:  entry.Timestamp.UnixMilli(),
		})
	}
	if len(records) == 0 && ticket.HasLegacyTransfer() {
		records = append(records, legacyTransfer(ticket))
	}
	return records, nil
}

func legacyTransfer(ticket store.Ticket) TransferRecord {
	return TransferRecord{
		TicketID:   ticket.ID,
		EventID:    ticket.EventID,
		FromUserID: ticket.TransferredFrom,
		ToUserID:   ticket.UserID,
		Timestamp:  ticket.TransferredAt.UnixMilli(),
	}
}

func lastTransferBlock(located []chain.LocatedTransaction) string {
	hash := ""
	for _, lt := range located {
		if lt.Transaction.Action == chain.ActionTransfer && !lt.Pending() {
			hash = lt.BlockHash
		}
	}
	return hash
}

// Backfill reconciles every ticket with transfer entries in the audit
// log that has not yet been synced. A failing ticket is logged and
// counted; the run continues with the next one.
func (s *Syncer) Backfill(ctx context.Context) (BackfillSummary, error) {
	var summary BackfillSummary
	ids, err := s.audit.TicketIDsWithAction(ctx, store.AuditTicketTransferred)
	if err != nil {
		return summary, fmt.Errorf("backfill: listing tickets: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Scanned++

		recorded, err := s.audit.IsRecordedOnBlockchain(ctx, id)
		if err != nil {
			s.logger.Error("backfill: sync check failed", "ticket_id", id, "error", err)
			summary.Failed++
			continue
		}
		if recorded {
			summary.AlreadyRecorded++
			continue
		}

		result, err := s.ReconcileTicket(ctx, id)
		if err != nil {
			s.logger.Error("backfill: reconcile failed", "ticket_id", id, "error", err)
			summary.Failed++
			continue
		}
		summary.Reconciled++
		summary.Transactions += result.Recorded
	}

	s.logger.Info("backfill finished",
		"scanned", summary.Scanned,
		"already_recorded", summary.AlreadyRecorded,
		"reconciled", summary.Reconciled,
		"transactions", summary.Transactions,
		"failed", summary.Failed,
	)
	return summary, nil
}
