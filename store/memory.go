package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryTicketStore struct {
	tickets map[string]Ticket
	mu      sync.RWMutex
}

func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{tickets: make(map[string]Ticket)}
}

// Put inserts or replaces ticket.
func (m *MemoryTicketStore) Put(ticket Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[ticket.ID] = cloneTicket(ticket)
}

func (m *MemoryTicketStore) FindByID(ctx context.Context, id string) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ticket, ok := m.tickets[id]
	if !ok {
		return Ticket{}, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	return cloneTicket(ticket), nil
}

func (m *MemoryTicketStore) Update(ctx context.Context, id string, update TicketUpdate) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ticket, ok := m.tickets[id]
	if !ok {
		return Ticket{}, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	update.apply(&ticket)
	m.tickets[id] = ticket
	return cloneTicket(ticket), nil
}

func cloneTicket(t Ticket) Ticket {
	if t.TransferredAt != nil {
		at := *t.TransferredAt
		t.TransferredAt = &at
	}
	return t
}

type MemoryAuditLog struct {
	entries []AuditLogEntry
	mu      sync.RWMutex
	now     func() time.Time
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{now: time.Now}
}

func (m *MemoryAuditLog) Log(ctx context.Context, entry AuditLogEntry) (AuditLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return AuditLogEntry{}, err
	}
	if entry.TicketID == "" {
		return AuditLogEntry{}, fmt.Errorf("audit log: ticket id is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *MemoryAuditLog) GetLogsByTicketID(ctx context.Context, ticketID string, actions ...AuditAction) ([]AuditLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found []AuditLogEntry
	for _, entry := range m.entries {
		if entry.TicketID != ticketID {
			continue
		}
		if len(actions) > 0 && !slices.Contains(actions, entry.Action) {
			continue
		}
		found = append(found, entry)
	}
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Timestamp.Before(found[j].Timestamp)
	})
	return found, nil
}

func (m *MemoryAuditLog) GetBlockchainHistory(ctx context.Context, ticketID string) ([]AuditLogEntry, error) {
	return m.GetLogsByTicketID(ctx, ticketID, AuditBlockchainSync)
}

func (m *MemoryAuditLog) IsRecordedOnBlockchain(ctx context.Context, ticketID string) (bool, error) {
	synced, err := m.GetBlockchainHistory(ctx, ticketID)
	if err != nil {
		return false, err
	}
	return len(synced) > 0, nil
}

func (m *MemoryAuditLog) LogBlockchainSync(ctx context.Context, ticketID, blockHash string) error {
	_, err := m.Log(ctx, AuditLogEntry{
		TicketID:  ticketID,
		Action:    AuditBlockchainSync,
		Reference: blockHash,
	})
	return err
}

func (m *MemoryAuditLog) TicketIDsWithAction(ctx context.Context, action AuditAction) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var ids []string
	for _, entry := range m.entries {
		if entry.Action != action {
			continue
		}
		if _, ok := seen[entry.TicketID]; ok {
			continue
		}
		seen[entry.TicketID] = struct{}{}
		ids = append(ids, entry.TicketID)
	}
	sort.Strings(ids)
	return ids, nil
}
