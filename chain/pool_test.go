package chain

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestPoolDrainAll(t *testing.T) {
	pool := NewTransactionPool()
	pool.Add(TicketTransaction{TicketID: "T1"})
	pool.Add(TicketTransaction{TicketID: "T2"})

	drained := pool.DrainAll()
	if len(drained) != 2 || drained[0].TicketID != "T1" || drained[1].TicketID != "T2" {
		t.Fatalf("unexpected drain %+v", drained)
	}
	if pool.Size() != 0 {
		t.Errorf("pool not empty after drain: %d", pool.Size())
	}
	if again := pool.DrainAll(); len(again) != 0 {
		t.Errorf("second drain returned %d transactions", len(again))
	}
}

func TestPoolRequeueKeepsOrder(t *testing.T) {
	pool := NewTransactionPool()
	pool.Add(TicketTransaction{TicketID: "A"})
	batch := pool.DrainAll()
	pool.Add(TicketTransaction{TicketID: "B"})
	pool.Requeue(batch)

	pending := pool.Pending()
	if len(pending) != 2 || pending[0].TicketID != "A" || pending[1].TicketID != "B" {
		t.Errorf("unexpected order after requeue: %+v", pending)
	}
}

func TestPoolLocatePending(t *testing.T) {
	pool := NewTransactionPool()
	pool.Add(TicketTransaction{TicketID: "T1", Action: ActionCreate})
	pool.Add(TicketTransaction{TicketID: "T2", Action: ActionCreate})
	pool.Add(TicketTransaction{TicketID: "T1", Action: ActionVerify})

	found := pool.Locate(NewLedger(1000), "T1")
	if len(found) != 2 {
		t.Fatalf("expected 2 pooled transactions for T1, got %d", len(found))
	}
	for _, lt := range found {
		if !lt.Pending() {
			t.Errorf("pooled transaction not marked pending: %+v", lt)
		}
	}
}

func TestPoolConcurrentAddDrainLosesNothing(t *testing.T) {
	pool := NewTransactionPool()
	const writers, perWriter = 8, 200

	var collected []TicketTransaction
	var collectedMu sync.Mutex
	done := make(chan struct{})

	go func() {
		for {
			batch := pool.DrainAll()
			collectedMu.Lock()
			collected = append(collected, batch...)
			collectedMu.Unlock()
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				pool.Add(TicketTransaction{TicketID: "T"})
			}
		}()
	}
	wg.Wait()
	close(done)

	// The drainer may have exited before the last adds.
	collectedMu.Lock()
	total := len(collected) + len(pool.DrainAll())
	collectedMu.Unlock()
	if total != writers*perWriter {
		t.Errorf("expected %d transactions, collected %d", writers*perWriter, total)
	}
}

func TestPoolFindSeesInflightBatch(t *testing.T) {
	pool := NewTransactionPool()
	pool.Add(TicketTransaction{TicketID: "T1", Action: ActionCreate})
	pool.DrainAll()
	pool.Add(TicketTransaction{TicketID: "T1", Action: ActionUse})

	found := pool.Locate(NewLedger(1000), "T1")
	if len(found) != 2 || found[0].Transaction.Action != ActionCreate {
		t.Fatalf("expected inflight create before pending use, got %+v", found)
	}

	if err := pool.Commit(func() error { return nil }); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if found := pool.Locate(NewLedger(1000), "T1"); len(found) != 1 {
		t.Errorf("committed batch still visible: %+v", found)
	}
}

func TestPoolCommitFailureKeepsBatchInFlight(t *testing.T) {
	pool := NewTransactionPool()
	pool.Add(TicketTransaction{TicketID: "T1", Action: ActionCreate})
	batch := pool.DrainAll()

	failure := errors.New("journal unavailable")
	if err := pool.Commit(func() error { return failure }); !errors.Is(err, failure) {
		t.Fatalf("Commit error = %v, want %v", err, failure)
	}
	if found := pool.Locate(NewLedger(1000), "T1"); len(found) != 1 {
		t.Fatalf("batch lost after failed commit: %+v", found)
	}
	pool.Requeue(batch)
	if pool.Size() != 1 {
		t.Errorf("requeued pool size %d, want 1", pool.Size())
	}
}

// A lookup racing a commit sees the batch exactly once.
func TestPoolLocateDuringCommit(t *testing.T) {
	s := testSigner(t)
	ledger := NewLedger(1000)
	pool := NewTransactionPool()
	tx := TicketTransaction{TicketID: "T1", EventID: "E1", Timestamp: 2000, Action: ActionCreate}
	if err := tx.Sign(s); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pool.Add(tx)
	batch := pool.DrainAll()

	head := ledger.Head()
	block := Block{Index: 1, Timestamp: 3000, Transactions: batch, PreviousHash: head.Hash}
	block.Hash = block.ComputeHash()

	results := make(chan []LocatedTransaction, 1)
	err := pool.Commit(func() error {
		go func() { results <- pool.Locate(ledger, "T1") }()
		return ledger.Append(context.Background(), block)
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	found := <-results
	if len(found) != 1 {
		t.Fatalf("expected the batch once, got %+v", found)
	}
	if found[0].Pending() || found[0].BlockIndex != 1 {
		t.Errorf("expected the mined copy, got %+v", found[0])
	}
}
