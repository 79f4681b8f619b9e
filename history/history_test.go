package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"ticketchain/blockchain"
	"ticketchain/chain"
	"ticketchain/clock"
	"ticketchain/signer"
	"ticketchain/store"
)

var start = time.UnixMilli(1_700_000_000_000)

type fixture struct {
	clock   *clock.FakeClock
	events  *blockchain.Service
	tickets *store.MemoryTicketStore
	audit   *store.MemoryAuditLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(start)
	s, err := signer.New("history-secret")
	if err != nil {
		t.Fatalf("signer.New: %v", err)
	}
	miner, err := chain.NewMiner(chain.MinerConfig{Difficulty: 2, Clock: clk})
	if err != nil {
		t.Fatalf("NewMiner: %v", err)
	}
	events, err := blockchain.NewService(blockchain.Config{
		Ledger: chain.NewLedger(start.UnixMilli()),
		Miner:  miner,
		Signer: s,
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("blockchain.NewService: %v", err)
	}
	return &fixture{
		clock:   clk,
		events:  events,
		tickets: store.NewMemoryTicketStore(),
		audit:   store.NewMemoryAuditLog(),
	}
}

func (f *fixture) reconciler(t *testing.T, tickets store.TicketStore, audit store.AuditLogStore) *Reconciler {
	t.Helper()
	if tickets == nil {
		tickets = f.tickets
	}
	if audit == nil {
		audit = f.audit
	}
	r, err := NewReconciler(Config{Events: f.events, Tickets: tickets, Audit: audit})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestHistoryFromLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := start.UnixMilli()
	if _, err := f.events.Record(ctx, blockchain.Event{TicketID: "T1", EventID: "E1", Action: chain.ActionCreate, Timestamp: ts}); err != nil {
		t.Fatalf("Record create: %v", err)
	}
	if _, err := f.events.Record(ctx, blockchain.Event{
		TicketID: "T1", EventID: "E1", Action: chain.ActionTransfer,
		FromUserID: "alice", ToUserID: "bob", Timestamp: ts + 1000,
	}); err != nil {
		t.Fatalf("Record transfer: %v", err)
	}
	block, err := f.events.Mine(ctx)
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	// An audit entry must not be consulted when the ledger has data.
	f.audit.Log(ctx, store.AuditLogEntry{TicketID: "T1", Action: store.AuditTicketUsed, Timestamp: start})

	h, err := f.reconciler(t, nil, nil).GetHistory(ctx, "T1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if h.Source != SourceLedger {
		t.Fatalf("source %s, want ledger", h.Source)
	}
	if len(h.Events) != 2 || h.Events[0].Action != chain.ActionCreate || h.Events[1].Action != chain.ActionTransfer {
		t.Fatalf("unexpected events %+v", h.Events)
	}
	if h.Events[1].BlockHash != block.Hash || h.Events[1].BlockIndex == nil || *h.Events[1].BlockIndex != block.Index {
		t.Errorf("ledger event missing block reference: %+v", h.Events[1])
	}
}

func TestHistoryLedgerSortsByTimestampAndIncludesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := start.UnixMilli()
	// Transfer recorded first but stamped later than the verify.
	if _, err := f.events.Record(ctx, blockchain.Event{
		TicketID: "T1", EventID: "E1", Action: chain.ActionTransfer,
		FromUserID: "alice", ToUserID: "bob", Timestamp: ts + 5000,
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := f.events.Mine(ctx); err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if _, err := f.events.Record(ctx, blockchain.Event{TicketID: "T1", EventID: "E1", Action: chain.ActionVerify, Timestamp: ts}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	h, err := f.reconciler(t, nil, nil).GetHistory(ctx, "T1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(h.Events) != 2 || h.Events[0].Action != chain.ActionVerify || !h.Events[0].Pending {
		t.Fatalf("expected pending verify first, got %+v", h.Events)
	}
	if h.Events[1].Pending {
		t.Error("mined transfer marked pending")
	}
}

func TestHistoryFallsBackToAuditLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.audit.Log(ctx, store.AuditLogEntry{TicketID: "T1", Action: store.AuditTicketUsed, Timestamp: start.Add(time.Hour)})
	f.audit.Log(ctx, store.AuditLogEntry{TicketID: "T1", Action: store.AuditTicketTransferred, FromUserID: "alice", ToUserID: "bob", Timestamp: start})
	f.audit.Log(ctx, store.AuditLogEntry{TicketID: "T1", Action: store.AuditBlockchainSync, Timestamp: start})

	h, err := f.reconciler(t, nil, nil).GetHistory(ctx, "T1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if h.Source != SourceAudit {
		t.Fatalf("source %s, want audit_log", h.Source)
	}
	if len(h.Events) != 2 || h.Events[0].Action != chain.ActionTransfer || h.Events[1].Action != chain.ActionUse {
		t.Fatalf("unexpected events %+v", h.Events)
	}
	if h.Events[0].FromUserID != "alice" || h.Events[0].Timestamp != start.UnixMilli() {
		t.Errorf("transfer not mapped: %+v", h.Events[0])
	}
	if h.SyncScheduled {
		t.Error("audit path should not schedule a sync")
	}
}

func TestHistorySynthesizesLegacyTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	transferredAt := start.Add(-24 * time.Hour)
	f.tickets.Put(store.Ticket{ID: "T1", UserID: "bob", EventID: "E1", TransferredAt: &transferredAt, TransferredFrom: "alice"})

	r := f.reconciler(t, nil, nil)
	h, err := r.GetHistory(ctx, "T1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if h.Source != SourceSynthesized || !h.SyncScheduled {
		t.Fatalf("unexpected history %+v", h)
	}
	want := Event{
		TicketID:   "T1",
		EventID:    "E1",
		Action:     chain.ActionTransfer,
		Timestamp:  transferredAt.UnixMilli(),
		FromUserID: "alice",
		ToUserID:   "bob",
	}
	if len(h.Events) != 1 || h.Events[0] != want {
		t.Fatalf("events %+v, want [%+v]", h.Events, want)
	}

	r.Close()

	txs := f.events.Transactions("T1")
	if len(txs) != 1 || txs[0].Pending() || txs[0].Transaction.Timestamp != transferredAt.UnixMilli() {
		t.Fatalf("background sync did not mine the legacy transfer: %+v", txs)
	}
	synced, err := f.audit.GetBlockchainHistory(ctx, "T1")
	if err != nil || len(synced) != 1 || synced[0].Reference != txs[0].BlockHash {
		t.Errorf("sync not logged against block hash: %+v err=%v", synced, err)
	}
	ticket, _ := f.tickets.FindByID(ctx, "T1")
	if !ticket.VerificationInfo.IsTransferred || ticket.VerificationInfo.OriginalOwner != "alice" {
		t.Errorf("verification info not updated: %+v", ticket.VerificationInfo)
	}

	again, err := f.reconciler(t, nil, nil).GetHistory(ctx, "T1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if again.Source != SourceLedger {
		t.Errorf("after sync, source %s, want ledger", again.Source)
	}
}

func TestHistoryNone(t *testing.T) {
	f := newFixture(t)
	f.tickets.Put(store.Ticket{ID: "T1", UserID: "alice", EventID: "E1"})
	r := f.reconciler(t, nil, nil)

	for _, id := range []string{"T1", "missing"} {
		h, err := r.GetHistory(context.Background(), id)
		if err != nil {
			t.Fatalf("GetHistory(%s): %v", id, err)
		}
		if h.Source != SourceNone || len(h.Events) != 0 || h.SyncScheduled {
			t.Errorf("GetHistory(%s) = %+v, want empty none", id, h)
		}
	}
}

type failingAudit struct{ store.AuditLogStore }

func (failingAudit) GetLogsByTicketID(context.Context, string, ...store.AuditAction) ([]store.AuditLogEntry, error) {
	return nil, errors.New("audit log unavailable")
}

type failingTickets struct{}

func (failingTickets) FindByID(context.Context, string) (store.Ticket, error) {
	return store.Ticket{}, errors.New("ticket store unavailable")
}

func (failingTickets) Update(context.Context, string, store.TicketUpdate) (store.Ticket, error) {
	return store.Ticket{}, errors.New("ticket store unavailable")
}

func TestHistorySurvivesFailingSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	transferredAt := start
	f.tickets.Put(store.Ticket{ID: "T1", UserID: "bob", EventID: "E1", TransferredAt: &transferredAt, TransferredFrom: "alice"})

	h, err := f.reconciler(t, nil, failingAudit{f.audit}).GetHistory(ctx, "T1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if h.Source != SourceSynthesized {
		t.Errorf("with a failing audit log, source %s, want synthesized", h.Source)
	}

	h, err = f.reconciler(t, failingTickets{}, failingAudit{f.audit}).GetHistory(ctx, "T2")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if h.Source != SourceNone {
		t.Errorf("with every source failing, source %s, want none", h.Source)
	}
}

func TestSyncTransferReplayRecordsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	syncer := NewSyncer(f.events, f.tickets, f.audit, nil)
	rec := TransferRecord{TicketID: "T1", EventID: "E1", FromUserID: "alice", ToUserID: "bob", Timestamp: start.UnixMilli()}

	added, err := syncer.SyncTransfer(ctx, rec)
	if err != nil || !added {
		t.Fatalf("first sync: added=%v err=%v", added, err)
	}
	rec.Timestamp += 4000
	added, err = syncer.SyncTransfer(ctx, rec)
	if err != nil || added {
		t.Fatalf("replay: added=%v err=%v", added, err)
	}
	if _, err := f.events.Mine(ctx); err != nil {
		t.Fatalf("Mine: %v", err)
	}

	var transfers int
	for _, lt := range f.events.Transactions("T1") {
		if lt.Transaction.Action == chain.ActionTransfer {
			transfers++
		}
	}
	if transfers != 1 {
		t.Errorf("ledger holds %d transfers, want 1", transfers)
	}
}

func TestBackfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"T1", "T2", "T3"} {
		f.tickets.Put(store.Ticket{ID: id, UserID: "bob", EventID: "E1"})
		f.audit.Log(ctx, store.AuditLogEntry{TicketID: id, Action: store.AuditTicketTransferred, FromUserID: "alice", ToUserID: "bob", Timestamp: start})
	}
	f.audit.LogBlockchainSync(ctx, "T3", "already")
	// T4 has audit history but no ticket record.
	f.audit.Log(ctx, store.AuditLogEntry{TicketID: "T4", Action: store.AuditTicketTransferred, FromUserID: "alice", ToUserID: "bob", Timestamp: start})

	syncer := NewSyncer(f.events, f.tickets, f.audit, nil)
	summary, err := syncer.Backfill(ctx)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	want := BackfillSummary{Scanned: 4, AlreadyRecorded: 1, Reconciled: 2, Transactions: 2, Failed: 1}
	if summary != want {
		t.Errorf("summary %+v, want %+v", summary, want)
	}

	again, err := syncer.Backfill(ctx)
	if err != nil {
		t.Fatalf("second Backfill: %v", err)
	}
	if again.Reconciled != 0 || again.AlreadyRecorded != 3 {
		t.Errorf("second run %+v, expected nothing new", again)
	}
	if !f.events.Ledger().IsValid() {
		t.Error("ledger invalid after backfill")
	}
}
