package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ticketchain/clock"
	"ticketchain/util"
)

const (
	// DefaultDifficulty is the number of leading zero hex characters a
	// block hash must have.
	DefaultDifficulty = 4
	// MaxDifficulty is the length of a hex SHA-256 digest.
	MaxDifficulty = 64
	// DefaultMaxAttempts bounds the nonce search so a misconfigured
	// difficulty cannot hang the process.
	DefaultMaxAttempts = 1 << 28

	ctxCheckInterval = 1024
)

// ErrMiningExhausted is returned when the nonce search hits MaxAttempts.
var ErrMiningExhausted = errors.New("mining exhausted attempt budget")

// MineObserver is told about every committed block.
type MineObserver interface {
	ObserveMined(block Block, attempts int64, elapsed time.Duration)
}

// MinerConfig configures a Miner. Zero values take defaults.
type MinerConfig struct {
	Difficulty  int
	MaxAttempts int64
	Clock       clock.Clock
	Logger      *slog.Logger
	Observer    MineObserver
}

// Miner turns the pending pool into proof-of-work blocks.
type Miner struct {
	difficulty  int
	maxAttempts int64
	clock       clock.Clock
	logger      *slog.Logger
	observer    MineObserver

	// mu serializes MineAndCommit so two batches never build on the
	// same head.
	mu sync.Mutex
}

// NewMiner validates cfg and returns a Miner. A zero Difficulty means
// DefaultDifficulty; use a negative value for none.
func NewMiner(cfg MinerConfig) (*Miner, error) {
	difficulty := cfg.Difficulty
	if difficulty == 0 {
		difficulty = DefaultDifficulty
	} else if difficulty < 0 {
		difficulty = 0
	}
	if difficulty > MaxDifficulty {
		return nil, fmt.Errorf("difficulty %d exceeds maximum %d", difficulty, MaxDifficulty)
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Miner{
		difficulty:  difficulty,
		maxAttempts: maxAttempts,
		clock:       clk,
		logger:      logger,
		observer:    cfg.Observer,
	}, nil
}

func (m *Miner) Difficulty() int { return m.difficulty }

// MeetsDifficulty reports whether hash has the required leading zeros.
func (m *Miner) MeetsDifficulty(hash string) bool {
	return util.HasLeadingZeros(hash, m.difficulty)
}

// MineBlock searches nonces from 0 upward until the candidate's hash
// meets the difficulty. It returns the mined block and the number of
// hashes computed.
func (m *Miner) MineBlock(ctx context.Context, candidate Block) (Block, int64, error) {
	candidate.Nonce = 0
	payload := candidate.PayloadBytes()
	var attempts int64
	for {
		attempts++
		candidate.Hash = util.CalculateHash(candidate.Index, candidate.Timestamp, payload, candidate.PreviousHash, candidate.Nonce)
		if m.MeetsDifficulty(candidate.Hash) {
			return candidate, attempts, nil
		}
		if attempts >= m.maxAttempts {
			return Block{}, attempts, fmt.Errorf("block %d after %d attempts: %w", candidate.Index, attempts, ErrMiningExhausted)
		}
		if attempts%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Block{}, attempts, fmt.Errorf("mining block %d: %w", candidate.Index, err)
			}
		}
		candidate.Nonce++
	}
}

// MineAndCommit drains pool into a new block on top of ledger's head,
// mines it, and appends it. An empty pool is a no-op returning nil. On
// any failure the drained batch is requeued.
func (m *Miner) MineAndCommit(ctx context.Context, ledger *Ledger, pool *TransactionPool) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := pool.DrainAll()
	if len(batch) == 0 {
		return nil, nil
	}

	head := ledger.Head()
	candidate := Block{
		Index:        head.Index + 1,
		Timestamp:    clock.UnixMilli(m.clock),
		Transactions: batch,
		PreviousHash: head.Hash,
	}

	started := time.Now()
	mined, attempts, err := m.MineBlock(ctx, candidate)
	if err != nil {
		pool.Requeue(batch)
		return nil, err
	}
	if err := pool.Commit(func() error { return ledger.Append(ctx, mined) }); err != nil {
		pool.Requeue(batch)
		return nil, err
	}
	elapsed := time.Since(started)

	m.logger.Info("block mined",
		"block_index", mined.Index,
		"hash", mined.Hash,
		"transactions", len(mined.Transactions),
		"nonce", mined.Nonce,
		"elapsed", elapsed,
	)
	if m.observer != nil {
		m.observer.ObserveMined(mined, attempts, elapsed)
	}
	return &mined, nil
}
