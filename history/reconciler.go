// Package history answers "what happened to this ticket?" from the
// ledger, falling back to the audit log and then to the legacy transfer
// fields on the ticket record. It also syncs those fallbacks onto the
// ledger so later lookups are answered from it.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ticketchain/blockchain"
	"ticketchain/chain"
	"ticketchain/metrics"
	"ticketchain/store"
)

// Source names which store answered a history lookup.
type Source string

const (
	SourceLedger      Source = "ledger"
	SourceAudit       Source = "audit_log"
	SourceSynthesized Source = "synthesized"
	SourceNone        Source = "none"
)

const DefaultSyncTimeout = 30 * time.Second

// Event is one entry of a ticket's history, whatever its source.
type Event struct {
	TicketID   string       `json:"ticketId"`
	EventID    string       `json:"eventId,omitempty"`
	Action     chain.Action `json:"action"`
	Timestamp  int64        `json:"timestamp"`
	FromUserID string       `json:"fromUserId,omitempty"`
	ToUserID   string       `json:"toUserId,omitempty"`

	// Ledger events only.
	BlockIndex *int64 `json:"blockIndex,omitempty"`
	BlockHash  string `json:"blockHash,omitempty"`
	Pending    bool   `json:"pending,omitempty"`
	Signature  string `json:"signature,omitempty"`
}

type History struct {
	TicketID string  `json:"ticketId"`
	Source   Source  `json:"source"`
	Events   []Event `json:"events"`

	// SyncScheduled is set when a background reconcile was started.
	SyncScheduled bool `json:"syncScheduled,omitempty"`
}

type Config struct {
	Events  *blockchain.Service
	Tickets store.TicketStore
	Audit   store.AuditLogStore

	// SyncTimeout bounds each background reconcile. Zero means
	// DefaultSyncTimeout.
	SyncTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Reconciler struct {
	events      *blockchain.Service
	tickets     store.TicketStore
	audit       store.AuditLogStore
	syncer      *Syncer
	syncTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Events == nil || cfg.Tickets == nil || cfg.Audit == nil {
		return nil, fmt.Errorf("history: events, tickets and audit log are required")
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{
		events:      cfg.Events,
		tickets:     cfg.Tickets,
		audit:       cfg.Audit,
		syncer:      NewSyncer(cfg.Events, cfg.Tickets, cfg.Audit, cfg.Logger),
		syncTimeout: cfg.SyncTimeout,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		inflight:    make(map[string]struct{}),
	}, nil
}

func (r *Reconciler) Syncer() *Syncer { return r.syncer }

// GetHistory returns the ticket's events oldest first from the first
// source that has any. A ticket with no history anywhere yields
// SourceNone and no error.
func (r *Reconciler) GetHistory(ctx context.Context, ticketID string) (History, error) {
	if err := ctx.Err(); err != nil {
		return History{}, err
	}
	h := r.lookup(ctx, ticketID)
	r.metrics.ObserveHistory(string(h.Source))
	return h, nil
}

func (r *Reconciler) lookup(ctx context.Context, ticketID string) History {
	if events := ledgerEvents(r.events.Transactions(ticketID)); len(events) > 0 {
		return History{TicketID: ticketID, Source: SourceLedger, Events: events}
	}

	logs, err := r.audit.GetLogsByTicketID(ctx, ticketID, store.AuditTicketTransferred, store.AuditTicketUsed)
	if err != nil {
		r.logger.Warn("audit log lookup failed", "ticket_id", ticketID, "error", err)
	} else if events := auditEvents(logs); len(events) > 0 {
		return History{TicketID: ticketID, Source: SourceAudit, Events: events}
	}

	ticket, err := r.tickets.FindByID(ctx, ticketID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("ticket lookup failed", "ticket_id", ticketID, "error", err)
		}
		return History{TicketID: ticketID, Source: SourceNone, Events: []Event{}}
	}
	if !ticket.HasLegacyTransfer() {
		return History{TicketID: ticketID, Source: SourceNone, Events: []Event{}}
	}

	rec := legacyTransfer(ticket)
	return History{
		TicketID: ticketID,
		Source:   SourceSynthesized,
		Events: []Event{{
			TicketID:   rec.TicketID,
			EventID:    rec.EventID,
			Action:     chain.ActionTransfer,
			Timestamp:  rec.Timestamp,
			FromUserID: rec.FromUserID,
			ToUserID:   rec.ToUserID,
		}},
		SyncScheduled: r.scheduleSync(ctx, ticketID),
	}
}

// scheduleSync starts a background reconcile for ticketID unless one is
// already running or the reconciler is closed.
func (r *Reconciler) scheduleSync(ctx context.Context, ticketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, running := r.inflight[ticketID]; running {
		return true
	}
	r.inflight[ticketID] = struct{}{}
	r.wg.Add(1)

	// Detached from the request so the reconcile outlives it.
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.syncTimeout)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, ticketID)
			r.mu.Unlock()
		}()
		if _, err := r.syncer.ReconcileTicket(syncCtx, ticketID); err != nil {
			r.logger.Error("background reconcile failed", "ticket_id", ticketID, "error", err)
		}
	}()
	return true
}

// Close stops new background reconciles and waits for running ones.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

func ledgerEvents(located []chain.LocatedTransaction) []Event {
	events := make([]Event, 0, len(located))
	for _, lt := range located {
		tx := lt.Transaction
		ev := Event{
			TicketID:   tx.TicketID,
			EventID:    tx.EventID,
			Action:     tx.Action,
			Timestamp:  tx.Timestamp,
			FromUserID: tx.FromUserID,
			ToUserID:   tx.ToUserID,
			Pending:    lt.Pending(),
			Signature:  tx.Signature,
		}
		if !lt.Pending() {
			index := lt.BlockIndex
			ev.BlockIndex = &index
			ev.BlockHash = lt.BlockHash
		}
		events = append(events, ev)
	}
	// Chain order breaks timestamp ties.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
	return events
}

func auditEvents(logs []store.AuditLogEntry) []Event {
	events := make([]Event, 0, len(logs))
	for _, entry := range logs {
		action, ok := auditAction(entry.Action)
		if !ok {
			continue
		}
		events = append(events, Event{
			TicketID:   entry.TicketID,
			Action:     action,
			Timestamp:  entry.Timestamp.UnixMilli(),
			FromUserID: entry.FromUserID,
			ToUserID:   entry.ToUserID,
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
	return events
}

// auditAction maps an audit action to the ledger action it describes.
func auditAction(a store.AuditAction) (chain.Action, bool) {
	switch a {
	case store.AuditTicketCreated:
		return chain.ActionCreate, true
	case store.AuditTicketTransferred:
		return chain.ActionTransfer, true
	case store.AuditTicketUsed:
		return chain.ActionUse, true
	case store.AuditTicketCancelled:
		return chain.ActionCancel, true
	case store.AuditBlockchainSync:
		return "", false
	}
	return "", false
}
