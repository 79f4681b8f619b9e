// Package store holds the ticket record and audit log collaborators the
// ledger reconciles against. Both have an in-memory and a MySQL
// implementation.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

type VerificationInfo struct {
	OriginalOwner string `json:"originalOwner,omitempty"`
	IsTransferred bool   `json:"isTransferred"`
}

// Ticket is the subset of the ticket record reconciliation needs.
// TransferredAt and TransferredFrom are the denormalized fields written
// by transfers that predate the ledger.
type Ticket struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	EventID          string           `json:"eventId"`
	TransferredAt    *time.Time       `json:"transferredAt,omitempty"`
	TransferredFrom  string           `json:"transferredFrom,omitempty"`
	VerificationInfo VerificationInfo `json:"verificationInfo"`
}

// HasLegacyTransfer reports whether the ticket carries transfer fields.
func (t Ticket) HasLegacyTransfer() bool {
	return t.TransferredAt != nil && t.TransferredFrom != ""
}

// TicketUpdate is a partial update; nil fields are left alone.
type TicketUpdate struct {
	UserID           *string
	TransferredAt    *time.Time
	TransferredFrom  *string
	VerificationInfo *VerificationInfo
}

func (u TicketUpdate) apply(t *Ticket) {
	if u.UserID != nil {
		t.UserID = *u.UserID
	}
	if u.TransferredAt != nil {
		at := *u.TransferredAt
		t.TransferredAt = &at
	}
	if u.TransferredFrom != nil {
		t.TransferredFrom = *u.TransferredFrom
	}
	if u.VerificationInfo != nil {
		t.VerificationInfo = *u.VerificationInfo
	}
}

type TicketStore interface {
	FindByID(ctx context.Context, id string) (Ticket, error)
	Update(ctx context.Context, id string, update TicketUpdate) (Ticket, error)
}

type AuditAction string

const (
	AuditTicketCreated     AuditAction = "ticket_created"
	AuditTicketTransferred AuditAction = "ticket_transferred"
	AuditTicketUsed        AuditAction = "ticket_used"
	AuditTicketCancelled   AuditAction = "ticket_cancelled"
	AuditBlockchainSync    AuditAction = "blockchain_sync"
)

// AuditLogEntry is one row of the audit log. Reference holds the block
// hash for blockchain_sync entries.
type AuditLogEntry struct {
	ID         string      `json:"id"`
	TicketID   string      `json:"ticketId"`
	Action     AuditAction `json:"action"`
	UserID     string      `json:"userId,omitempty"`
	FromUserID string      `json:"fromUserId,omitempty"`
	ToUserID   string      `json:"toUserId,omitempty"`
	Reference  string      `json:"reference,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

type AuditLogStore interface {
	// Log stores entry, filling in ID and Timestamp when unset.
	Log(ctx context.Context, entry AuditLogEntry) (AuditLogEntry, error)

	// GetLogsByTicketID returns the ticket's entries oldest first,
	// restricted to actions when any are given.
	GetLogsByTicketID(ctx context.Context, ticketID string, actions ...AuditAction) ([]AuditLogEntry, error)

	// GetBlockchainHistory returns the ticket's blockchain_sync entries.
	GetBlockchainHistory(ctx context.Context, ticketID string) ([]AuditLogEntry, error)

	IsRecordedOnBlockchain(ctx context.Context, ticketID string) (bool, error)
	LogBlockchainSync(ctx context.Context, ticketID, blockHash string) error

	// TicketIDsWithAction lists distinct tickets having an entry for action.
	TicketIDsWithAction(ctx context.Context, action AuditAction) ([]string, error)
}
