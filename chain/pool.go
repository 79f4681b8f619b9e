package chain

import "sync"

// TransactionPool holds signed transactions waiting to be mined, in
// insertion order. A drained batch stays visible to Locate until it is
// committed or requeued, so lookups made while a block is being mined
// still see it.
type TransactionPool struct {
	mu       sync.Mutex
	pending  []TicketTransaction
	inflight []TicketTransaction
}

func NewTransactionPool() *TransactionPool {
	return &TransactionPool{}
}

// Add appends tx and returns it.
func (pool *TransactionPool) Add(tx TicketTransaction) TicketTransaction {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.pending = append(pool.pending, tx)
	return tx
}

// DrainAll atomically empties the pool and returns what it held.
func (pool *TransactionPool) DrainAll() []TicketTransaction {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	drained := pool.pending
	pool.pending = nil
	pool.inflight = drained
	return drained
}

// Commit runs appendBlock, which must put the drained batch on the
// ledger, under the pool lock and forgets the batch if it succeeds.
// Locate holds the same lock, so it sees the batch either in flight or
// mined, never both and never neither. On error the batch stays in
// flight for Requeue.
func (pool *TransactionPool) Commit(appendBlock func() error) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if err := appendBlock(); err != nil {
		return err
	}
	pool.inflight = nil
	return nil
}

// Requeue puts a drained batch back in front of anything added since,
// so a failed mining attempt does not reorder or lose transactions.
func (pool *TransactionPool) Requeue(txs []TicketTransaction) {
	if len(txs) == 0 {
		return
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	merged := make([]TicketTransaction, 0, len(txs)+len(pool.pending))
	merged = append(merged, txs...)
	merged = append(merged, pool.pending...)
	pool.pending = merged
	pool.inflight = nil
}

// Pending returns a copy of the pooled transactions.
func (pool *TransactionPool) Pending() []TicketTransaction {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return append([]TicketTransaction(nil), pool.pending...)
}

// Locate returns ticketID's mined transactions from ledger in chain
// order followed by its unmined ones, the batch being mined first, as
// one consistent view.
func (pool *TransactionPool) Locate(ledger *Ledger, ticketID string) []LocatedTransaction {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	found := ledger.FindTransactions(ticketID)
	for _, tx := range pool.inflight {
		if tx.TicketID == ticketID {
			found = append(found, LocatedTransaction{Transaction: tx, BlockIndex: -1})
		}
	}
	for _, tx := range pool.pending {
		if tx.TicketID == ticketID {
			found = append(found, LocatedTransaction{Transaction: tx, BlockIndex: -1})
		}
	}
	return found
}

func (pool *TransactionPool) Size() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.pending)
}
