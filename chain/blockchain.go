package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Journal persists mined blocks so the ledger survives restarts.
// AppendBlock must be durable before it returns.
type Journal interface {
	AppendBlock(ctx context.Context, block Block) error
	LoadBlocks(ctx context.Context) ([]Block, error)
}

// Ledger is the append-only, in-memory sequence of blocks. It is never
// empty: construction always produces a genesis block. Blocks handed
// out are copies, so nothing outside the ledger can mutate a block.
type Ledger struct {
	mu      sync.RWMutex
	blocks  []Block
	journal Journal
	logger  *slog.Logger
}

// NewLedger returns a memory-only ledger holding just a genesis block
// stamped with genesisTimestamp (ms). Its contents are lost when the
// process exits.
func NewLedger(genesisTimestamp int64) *Ledger {
	return &Ledger{
		blocks: []Block{NewGenesisBlock(genesisTimestamp)},
		logger: slog.New(slog.DiscardHandler),
	}
}

// OpenLedger rebuilds a ledger by replaying journal. An empty journal
// is seeded with a genesis block. Every later Append writes through to
// the journal before the block becomes visible.
func OpenLedger(ctx context.Context, journal Journal, genesisTimestamp int64, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	stored, err := journal.LoadBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading journal: %w", err)
	}

	ledger := &Ledger{journal: journal, logger: logger}

	if len(stored) == 0 {
		genesis := NewGenesisBlock(genesisTimestamp)
		if err := journal.AppendBlock(ctx, genesis); err != nil {
			return nil, fmt.Errorf("writing genesis block: %w", err)
		}
		ledger.blocks = []Block{genesis}
		logger.Info("ledger initialized with genesis block")
		return ledger, nil
	}

	for i, block := range stored {
		if block.Index != int64(i) {
			return nil, fmt.Errorf("journal gap: position %d holds block index %d", i, block.Index)
		}
	}
	if stored[0].Hash != GenesisHash || stored[0].PreviousHash != GenesisHash {
		return nil, fmt.Errorf("journal block 0 is not a genesis block")
	}
	ledger.blocks = stored

	if mismatches := ledger.Verify(); len(mismatches) > 0 {
		logger.Warn("replayed ledger fails integrity check",
			"mismatches", len(mismatches),
			"first_bad_index", mismatches[0].Index,
		)
	}
	logger.Info("ledger replayed from journal", "blocks", len(stored))
	return ledger, nil
}

// Head returns the last block.
func (l *Ledger) Head() Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[len(l.blocks)-1].clone()
}

// Append adds a mined block. The caller guarantees the block already
// satisfies the hash and link invariants; nothing is re-validated here.
func (l *Ledger) Append(ctx context.Context, block Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	block = block.clone()
	if l.journal != nil {
		if err := l.journal.AppendBlock(ctx, block); err != nil {
			return fmt.Errorf("journal append block %d: %w", block.Index, err)
		}
	}
	l.blocks = append(l.blocks, block)
	return nil
}

// Len returns the number of blocks including genesis.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// Block returns the block at index.
func (l *Ledger) Block(index int64) (Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= int64(len(l.blocks)) {
		return Block{}, false
	}
	return l.blocks[index].clone(), true
}

// Blocks returns a copy of the whole chain.
func (l *Ledger) Blocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Block, len(l.blocks))
	for i, block := range l.blocks {
		out[i] = block.clone()
	}
	return out
}

// FindTransactions returns every mined transaction for ticketID in
// chain order.
func (l *Ledger) FindTransactions(ticketID string) []LocatedTransaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var found []LocatedTransaction
	for _, block := range l.blocks[1:] {
		for _, tx := range block.Transactions {
			if tx.TicketID == ticketID {
				found = append(found, LocatedTransaction{
					Transaction: tx,
					BlockIndex:  block.Index,
					BlockHash:   block.Hash,
				})
			}
		}
	}
	return found
}

// MismatchKind names which invariant a block broke.
type MismatchKind string

const (
	MismatchIndex        MismatchKind = "index"
	MismatchHash         MismatchKind = "hash"
	MismatchPreviousHash MismatchKind = "previous_hash"
)

// Mismatch describes one integrity failure found by Verify.
type Mismatch struct {
	Index    int64        `json:"index"`
	Kind     MismatchKind `json:"kind"`
	Expected string       `json:"expected"`
	Actual   string       `json:"actual"`
}

func (m Mismatch) String() string {
	return fmt.Sprintf("block %d: %s mismatch (expected %s, got %s)", m.Index, m.Kind, m.Expected, m.Actual)
}

// Verify walks blocks 1..n and reports every block whose stored hash
// does not match its recomputed hash, whose previousHash does not match
// the prior block's hash, or whose index is out of sequence.
func (l *Ledger) Verify() []Mismatch {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyBlocks(l.blocks)
}

// VerifyBlocks applies the ledger's integrity checks to an arbitrary
// block sequence, such as an archived snapshot. Block 0 is trusted.
func VerifyBlocks(blocks []Block) []Mismatch {
	var mismatches []Mismatch
	for i := 1; i < len(blocks); i++ {
		current := &blocks[i]
		previous := &blocks[i-1]

		if current.Index != int64(i) {
			mismatches = append(mismatches, Mismatch{
				Index:    current.Index,
				Kind:     MismatchIndex,
				Expected: fmt.Sprint(i),
				Actual:   fmt.Sprint(current.Index),
			})
		}
		if recomputed := current.ComputeHash(); recomputed != current.Hash {
			mismatches = append(mismatches, Mismatch{
				Index:    current.Index,
				Kind:     MismatchHash,
				Expected: recomputed,
				Actual:   current.Hash,
			})
		}
		if current.PreviousHash != previous.Hash {
			mismatches = append(mismatches, Mismatch{
				Index:    current.Index,
				Kind:     MismatchPreviousHash,
				Expected: previous.Hash,
				Actual:   current.PreviousHash,
			})
		}
	}
	return mismatches
}

// IsValid reports whether Verify found nothing. The result is advisory;
// the ledger never repairs or quarantines itself.
func (l *Ledger) IsValid() bool {
	return len(l.Verify()) == 0
}

// Stats summarizes the chain for introspection.
type Stats struct {
	TotalBlocks       int   `json:"totalBlocks"`
	TotalTransactions int   `json:"totalTransactions"`
	GenesisTimestamp  int64 `json:"genesisTimestamp"`
	LatestTimestamp   int64 `json:"latestTimestamp"`
}

func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return statsOf(l.blocks)
}

func statsOf(blocks []Block) Stats {
	if len(blocks) == 0 {
		return Stats{}
	}
	stats := Stats{
		TotalBlocks:      len(blocks),
		GenesisTimestamp: blocks[0].Timestamp,
		LatestTimestamp:  blocks[len(blocks)-1].Timestamp,
	}
	for _, block := range blocks {
		stats.TotalTransactions += len(block.Transactions)
	}
	return stats
}

// Snapshot is a point-in-time export of the chain.
type Snapshot struct {
	Blocks []Block `json:"blocks"`
	Stats  Stats   `json:"stats"`
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	blocks := make([]Block, len(l.blocks))
	for i := range l.blocks {
		blocks[i] = l.blocks[i].clone()
	}
	return Snapshot{Blocks: blocks, Stats: statsOf(blocks)}
}

// Verify checks the snapshot's blocks the way Ledger.Verify does.
func (s Snapshot) Verify() []Mismatch {
	return VerifyBlocks(s.Blocks)
}

// ToJSON encodes the chain for export.
func (l *Ledger) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(l.Snapshot(), "", "  ")
	if err != nil {
		return nil, err
	}
	return data, nil
}
