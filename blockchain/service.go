// Package blockchain is the ticket-event service layered over the
// ledger: it validates lifecycle events against the ticket state
// machine, signs them, pools them, and mines them off the request path.
package blockchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ticketchain/chain"
	"ticketchain/clock"
	"ticketchain/metrics"
)

// TransferDedupWindow is how close two transfers with the same ticket,
// sender and recipient must be for the second to count as a replay.
const TransferDedupWindow = 10 * time.Second

var ErrLedgerCompromised = errors.New("ledger failed its integrity check; writes are frozen")

// IntegrityGate decides whether new transactions may be accepted.
type IntegrityGate interface {
	AllowWrites() bool
}

type Config struct {
	Ledger *chain.Ledger
	Pool   *chain.TransactionPool
	Miner  *chain.Miner
	Signer chain.Signer

	// Gate is consulted before every write. Nil accepts all writes.
	Gate IntegrityGate

	// MineTimeout bounds a single MineAsync call. Zero means only the
	// caller's context and the miner's attempt limit apply.
	MineTimeout time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Event is a ticket lifecycle event before it is signed.
type Event struct {
	TicketID   string
	EventID    string
	Action     chain.Action
	FromUserID string
	ToUserID   string

	// Timestamp is milliseconds since the epoch. Zero means now.
	Timestamp int64
}

// MineResult is delivered once per MineAsync call. Block is nil when
// the pool was empty.
type MineResult struct {
	Block *chain.Block
	Err   error
}

type Service struct {
	ledger      *chain.Ledger
	pool        *chain.TransactionPool
	miner       *chain.Miner
	signer      chain.Signer
	gate        IntegrityGate
	mineTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics

	// writeMu makes the state check and the pool insert one step.
	writeMu sync.Mutex
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("blockchain: ledger is required")
	}
	if cfg.Miner == nil {
		return nil, fmt.Errorf("blockchain: miner is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("blockchain: signer is required")
	}
	if cfg.Pool == nil {
		cfg.Pool = chain.NewTransactionPool()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		ledger:      cfg.Ledger,
		pool:        cfg.Pool,
		miner:       cfg.Miner,
		signer:      cfg.Signer,
		gate:        cfg.Gate,
		mineTimeout: cfg.MineTimeout,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

func (s *Service) Ledger() *chain.Ledger        { return s.ledger }
func (s *Service) Pool() *chain.TransactionPool { return s.pool }
func (s *Service) Signer() chain.Signer         { return s.signer }
func (s *Service) Clock() clock.Clock           { return s.clock }

// Record signs ev and adds it to the pending pool. The event must be a
// legal transition from the ticket's current ledger state.
func (s *Service) Record(ctx context.Context, ev Event) (chain.TicketTransaction, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.recordLocked(ctx, ev)
}

// RecordTransferOnce records a transfer unless an equivalent one is
// already mined or pending. It reports whether a transaction was added.
func (s *Service) RecordTransferOnce(ctx context.Context, ev Event) (chain.TicketTransaction, bool, error) {
	if ev.Action != chain.ActionTransfer {
		return chain.TicketTransaction{}, false, fmt.Errorf("blockchain: RecordTransferOnce needs a transfer, got %s", ev.Action)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ts := ev.Timestamp
	if ts == 0 {
		ts = clock.UnixMilli(s.clock)
	}
	if existing, ok := s.findTransfer(ev.TicketID, ev.FromUserID, ev.ToUserID, ts); ok {
		s.logger.Debug("transfer already on ledger",
			"ticket_id", ev.TicketID,
			"timestamp", ts,
			"existing_timestamp", existing.Timestamp,
		)
		return existing, false, nil
	}
	ev.Timestamp = ts
	tx, err := s.recordLocked(ctx, ev)
	if err != nil {
		return chain.TicketTransaction{}, false, err
	}
	return tx, true, nil
}

func (s *Service) recordLocked(ctx context.Context, ev Event) (chain.TicketTransaction, error) {
	if err := ctx.Err(); err != nil {
		return chain.TicketTransaction{}, err
	}
	if s.gate != nil && !s.gate.AllowWrites() {
		return chain.TicketTransaction{}, ErrLedgerCompromised
	}

	tx := chain.TicketTransaction{
		TicketID:   ev.TicketID,
		EventID:    ev.EventID,
		Timestamp:  ev.Timestamp,
		Action:     ev.Action,
		FromUserID: ev.FromUserID,
		ToUserID:   ev.ToUserID,
	}
	if tx.Timestamp == 0 {
		tx.Timestamp = clock.UnixMilli(s.clock)
	}
	if err := tx.Validate(); err != nil {
		return chain.TicketTransaction{}, err
	}

	current := s.State(ev.TicketID)
	if _, err := chain.NextState(current, tx.Action); err != nil {
		return chain.TicketTransaction{}, fmt.Errorf("ticket %s: %w", tx.TicketID, err)
	}

	if err := tx.Sign(s.signer); err != nil {
		return chain.TicketTransaction{}, err
	}
	s.pool.Add(tx)
	s.metrics.ObserveRecorded(tx.Action)
	s.logger.Info("transaction pooled",
		"ticket_id", tx.TicketID,
		"action", tx.Action.String(),
		"timestamp", tx.Timestamp,
		"pool_size", s.pool.Size(),
	)
	return tx, nil
}

// MineAsync mines the pending pool on its own goroutine. The returned
// channel receives exactly one result and is then closed.
func (s *Service) MineAsync(ctx context.Context) <-chan MineResult {
	results := make(chan MineResult, 1)
	go func() {
		defer close(results)
		if s.gate != nil && !s.gate.AllowWrites() {
			results <- MineResult{Err: ErrLedgerCompromised}
			return
		}
		mineCtx := ctx
		if s.mineTimeout > 0 {
			var cancel context.CancelFunc
			mineCtx, cancel = context.WithTimeout(ctx, s.mineTimeout)
			defer cancel()
		}
		block, err := s.miner.MineAndCommit(mineCtx, s.ledger, s.pool)
		if err != nil {
			s.logger.Error("mining failed",
				"error", err,
				"pending", s.pool.Size(),
			)
			err = fmt.Errorf("mining pending transactions: %w", err)
		}
		results <- MineResult{Block: block, Err: err}
	}()
	return results
}

// Mine runs MineAsync and waits for it, or for ctx.
func (s *Service) Mine(ctx context.Context) (*chain.Block, error) {
	select {
	case result := <-s.MineAsync(ctx):
		return result.Block, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Transactions returns the ticket's mined transactions in chain order
// followed by its pending ones.
func (s *Service) Transactions(ticketID string) []chain.LocatedTransaction {
	return s.pool.Locate(s.ledger, ticketID)
}

// State replays the ticket's ledger view through the state machine.
func (s *Service) State(ticketID string) chain.State {
	located := s.Transactions(ticketID)
	txs := make([]chain.TicketTransaction, len(located))
	for i, lt := range located {
		txs[i] = lt.Transaction
	}
	return chain.ReplayState(txs)
}

// HasTransfer reports whether a transfer of ticketID from one user to
// another is mined or pending within TransferDedupWindow of timestamp.
func (s *Service) HasTransfer(ticketID, fromUserID, toUserID string, timestamp int64) bool {
	_, ok := s.findTransfer(ticketID, fromUserID, toUserID, timestamp)
	return ok
}

func (s *Service) findTransfer(ticketID, fromUserID, toUserID string, timestamp int64) (chain.TicketTransaction, bool) {
	window := TransferDedupWindow.Milliseconds()
	for _, lt := range s.Transactions(ticketID) {
		tx := lt.Transaction
		if tx.Action != chain.ActionTransfer || tx.FromUserID != fromUserID || tx.ToUserID != toUserID {
			continue
		}
		delta := tx.Timestamp - timestamp
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			return tx, true
		}
	}
	return chain.TicketTransaction{}, false
}
