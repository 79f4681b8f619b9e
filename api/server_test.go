package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ticketchain/blockchain"
	"ticketchain/chain"
	"ticketchain/clock"
	"ticketchain/history"
	"ticketchain/metrics"
	"ticketchain/signer"
	"ticketchain/store"
	"ticketchain/token"
)

const adminToken = "admin-secret"

var start = time.UnixMilli(1_700_000_000_000)

type fixture struct {
	clock   *clock.FakeClock
	events  *blockchain.Service
	handler http.Handler
}

func newFixture(t *testing.T, admin string) *fixture {
	t.Helper()
	clk := clock.Fake(start)
	s, err := signer.New("api-secret")
	if err != nil {
		t.Fatalf("signer.New: %v", err)
	}
	m := metrics.New()
	miner, err := chain.NewMiner(chain.MinerConfig{Difficulty: 1, Clock: clk, Observer: m})
	if err != nil {
		t.Fatalf("NewMiner: %v", err)
	}
	events, err := blockchain.NewService(blockchain.Config{
		Ledger:  chain.NewLedger(start.UnixMilli()),
		Miner:   miner,
		Signer:  s,
		Clock:   clk,
		Metrics: m,
	})
	if err != nil {
		t.Fatalf("blockchain.NewService: %v", err)
	}

	tickets := store.NewMemoryTicketStore()
	tickets.Put(store.Ticket{ID: "T1", UserID: "alice", EventID: "E1"})
	tickets.Put(store.Ticket{ID: "T2", UserID: "bob", EventID: "E1"})
	audit := store.NewMemoryAuditLog()

	tokens, err := token.NewService(token.Config{
		Events:  events,
		Tickets: tickets,
		Audit:   audit,
		Metrics: m,
	})
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	reconciler, err := history.NewReconciler(history.Config{
		Events:  events,
		Tickets: tickets,
		Audit:   audit,
		Metrics: m,
	})
	if err != nil {
		t.Fatalf("history.NewReconciler: %v", err)
	}
	t.Cleanup(reconciler.Close)

	server, err := NewServer(Config{
		Events:     events,
		Tokens:     tokens,
		History:    reconciler,
		Metrics:    m,
		AdminToken: admin,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &fixture{clock: clk, events: events, handler: server.Handler()}
}

func (f *fixture) do(t *testing.T, method, target, bearer string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) record(t *testing.T, ticketID string, action chain.Action) {
	t.Helper()
	if _, err := f.events.Record(context.Background(), blockchain.Event{
		TicketID: ticketID,
		EventID:  "E1",
		Action:   action,
	}); err != nil {
		t.Fatalf("Record(%s, %s): %v", ticketID, action, err)
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		presented  string
		wantStatus int
	}{
		{"disabled without configured token", "", adminToken, http.StatusForbidden},
		{"missing bearer", adminToken, "", http.StatusUnauthorized},
		{"wrong bearer", adminToken, "guess", http.StatusForbidden},
		{"correct bearer", adminToken, adminToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.configured)
			w := f.do(t, http.MethodGet, "/api/chain/stats", tt.presented, "")
			if w.Code != tt.wantStatus {
				t.Errorf("status %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestBlocksFilteredByTicket(t *testing.T) {
	f := newFixture(t, adminToken)
	f.record(t, "T1", chain.ActionCreate)
	f.record(t, "T2", chain.ActionCreate)
	if _, err := f.events.Mine(context.Background()); err != nil {
		t.Fatalf("Mine: %v", err)
	}

	all := decode[[]chain.Block](t, f.do(t, http.MethodGet, "/api/blocks", adminToken, ""))
	if len(all) != 2 {
		t.Fatalf("expected genesis and one mined block, got %d", len(all))
	}
	if len(all[1].Transactions) != 2 {
		t.Errorf("unfiltered block has %d transactions, want 2", len(all[1].Transactions))
	}

	filtered := decode[[]chain.Block](t, f.do(t, http.MethodGet, "/api/blocks?ticketId=T1", adminToken, ""))
	if len(filtered) != 1 {
		t.Fatalf("expected one block for T1, got %d", len(filtered))
	}
	if len(filtered[0].Transactions) != 1 || filtered[0].Transactions[0].TicketID != "T1" {
		t.Errorf("filtered transactions %+v", filtered[0].Transactions)
	}
	if filtered[0].Hash != all[1].Hash {
		t.Error("filtering should not change the block hash")
	}

	none := decode[[]chain.Block](t, f.do(t, http.MethodGet, "/api/blocks?ticketId=T9", adminToken, ""))
	if len(none) != 0 {
		t.Errorf("expected no blocks for unknown ticket, got %d", len(none))
	}
}

func TestChainStatsCountsPending(t *testing.T) {
	f := newFixture(t, adminToken)
	f.record(t, "T1", chain.ActionCreate)

	w := f.do(t, http.MethodGet, "/api/chain/stats", adminToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	stats := decode[map[string]any](t, w)
	if stats["totalBlocks"] != float64(1) {
		t.Errorf("totalBlocks %v, want 1", stats["totalBlocks"])
	}
	if stats["pendingTransactions"] != float64(1) {
		t.Errorf("pendingTransactions %v, want 1", stats["pendingTransactions"])
	}
	if stats["valid"] != true {
		t.Errorf("valid %v, want true", stats["valid"])
	}
	if stats["genesisTimestamp"] != float64(start.UnixMilli()) {
		t.Errorf("genesisTimestamp %v", stats["genesisTimestamp"])
	}
}

func TestChainMineAndValidate(t *testing.T) {
	f := newFixture(t, adminToken)
	f.record(t, "T1", chain.ActionCreate)

	w := f.do(t, http.MethodPost, "/api/chain/mine", adminToken, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	mined := decode[mineResponse](t, w)
	if !mined.Mined || mined.Block == nil || mined.Block.Index != 1 {
		t.Errorf("unexpected mine response %+v", mined)
	}

	w = f.do(t, http.MethodPost, "/api/chain/mine", adminToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("empty pool mine status %d", w.Code)
	}
	if again := decode[mineResponse](t, w); again.Mined {
		t.Error("empty pool should not mine a block")
	}

	w = f.do(t, http.MethodGet, "/api/chain/validate", adminToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("validate status %d: %s", w.Code, w.Body.String())
	}
	if report := decode[map[string]any](t, w); report["valid"] != true || report["blocks"] != float64(2) {
		t.Errorf("unexpected report %v", report)
	}
}

func TestSnapshotWithoutArchive(t *testing.T) {
	f := newFixture(t, adminToken)
	w := f.do(t, http.MethodPost, "/api/chain/snapshot", adminToken, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", w.Code)
	}
}

func TestIssueAndVerifyToken(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/tickets/T1/qr", "", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("issue status %d: %s", w.Code, w.Body.String())
	}
	issued := decode[token.Issued](t, w)
	if !strings.HasPrefix(issued.URL, "/verify-ticket/T1?data=") {
		t.Fatalf("unexpected verification URL %q", issued.URL)
	}

	w = f.do(t, http.MethodGet, issued.URL, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("verify status %d: %s", w.Code, w.Body.String())
	}
	ok := decode[verifyResponse](t, w)
	if !ok.Valid || ok.Status == nil || ok.Status.Confirmed != 1 {
		t.Errorf("unexpected verify response %+v", ok)
	}

	w = f.do(t, http.MethodGet, strings.Replace(issued.URL, "/T1?", "/T2?", 1), "", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("cross-ticket verify status %d", w.Code)
	}
	if got := decode[verifyResponse](t, w); got.Message != "token does not belong to this ticket" {
		t.Errorf("message %q", got.Message)
	}

	f.clock.Advance(2 * time.Minute)
	w = f.do(t, http.MethodGet, issued.URL, "", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expired verify status %d", w.Code)
	}
	if got := decode[verifyResponse](t, w); got.Valid || got.Message != "expired, please refresh" {
		t.Errorf("unexpected expired response %+v", got)
	}
}

func TestVerifyRejectsMissingOrGarbledData(t *testing.T) {
	f := newFixture(t, "")
	tests := map[string]string{
		"missing":  "/verify-ticket/T1",
		"garbled":  "/verify-ticket/T1?data=%25%25%25",
		"not json": "/verify-ticket/T1?data=aGVsbG8",
	}
	for name, target := range tests {
		t.Run(name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, target, "", "")
			if w.Code != http.StatusBadRequest {
				t.Errorf("status %d, want 400", w.Code)
			}
		})
	}
}

func TestIssueUnknownTicket(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(t, http.MethodPost, "/api/tickets/nope/qr", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", w.Code)
	}
}

func TestScanRedeemsOnce(t *testing.T) {
	f := newFixture(t, adminToken)
	issued := decode[token.Issued](t, f.do(t, http.MethodPost, "/api/tickets/T1/qr", "", ""))
	body := `{"data":"` + issued.Param + `","scannedBy":"door-2"}`

	w := f.do(t, http.MethodPost, "/api/tickets/T1/scan", adminToken, body)
	if w.Code != http.StatusOK {
		t.Fatalf("scan status %d: %s", w.Code, w.Body.String())
	}
	redemption := decode[token.Redemption](t, w)
	if redemption.Transaction.Action != chain.ActionUse {
		t.Errorf("recorded action %q, want use", redemption.Transaction.Action)
	}

	w = f.do(t, http.MethodPost, "/api/tickets/T1/scan", adminToken, body)
	if w.Code != http.StatusConflict {
		t.Fatalf("second scan status %d, want 409", w.Code)
	}
	if got := decode[errorResponse](t, w); got.Error != "ticket already used" {
		t.Errorf("error %q", got.Error)
	}

	if f.events.State("T1") != chain.StateUsed {
		t.Errorf("state %q, want used", f.events.State("T1"))
	}
}

func TestScanRequiresAdmin(t *testing.T) {
	f := newFixture(t, adminToken)
	w := f.do(t, http.MethodPost, "/api/tickets/T1/scan", "", `{"data":"x"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", w.Code)
	}
}

func TestHistoryAndStatusEndpoints(t *testing.T) {
	f := newFixture(t, "")
	f.record(t, "T1", chain.ActionCreate)
	if _, err := f.events.Mine(context.Background()); err != nil {
		t.Fatalf("Mine: %v", err)
	}
	f.record(t, "T1", chain.ActionVerify)

	w := f.do(t, http.MethodGet, "/api/tickets/T1/status", "", "")
	if status := decode[blockchain.TicketStatus](t, w); status.Status != blockchain.StatusPending || status.Confirmed != 1 {
		t.Errorf("unexpected status %+v", status)
	}

	w = f.do(t, http.MethodGet, "/api/tickets/T2/history", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("history status %d", w.Code)
	}
	if h := decode[history.History](t, w); h.Source != history.SourceNone || len(h.Events) != 0 {
		t.Errorf("unexpected history for T2 %+v", h)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	f.do(t, http.MethodPost, "/api/tickets/T1/qr", "", "")

	w := f.do(t, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ticketchain_blocks_mined_total 1") {
		t.Errorf("metrics missing mined block counter:\n%s", w.Body.String())
	}
}
