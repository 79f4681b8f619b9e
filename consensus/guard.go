// Package consensus keeps watch over the local ledger's integrity. The
// ledger itself never acts on a failed check; the Guard turns that
// result into a health signal and, in strict mode, a write freeze.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ticketchain/chain"
	"ticketchain/clock"
	"ticketchain/metrics"
	"ticketchain/util"
)

// MismatchProofOfWork marks a block whose hash is consistent but does
// not meet the required difficulty.
const MismatchProofOfWork chain.MismatchKind = "proof_of_work"

const DefaultInterval = time.Minute

type Config struct {
	Ledger *chain.Ledger

	// Difficulty each non-genesis block hash must meet. Zero skips the
	// proof-of-work check.
	Difficulty int

	// Interval between checks in Run. Zero means DefaultInterval.
	Interval time.Duration

	// Strict refuses writes while the last check failed.
	Strict bool

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Report is the outcome of one integrity check.
type Report struct {
	CheckedAt  time.Time        `json:"checkedAt"`
	Blocks     int              `json:"blocks"`
	Valid      bool             `json:"valid"`
	Mismatches []chain.Mismatch `json:"mismatches,omitempty"`
}

type Guard struct {
	ledger     *chain.Ledger
	difficulty int
	interval   time.Duration
	strict     bool
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu      sync.RWMutex
	last    Report
	checked bool
}

func NewGuard(cfg Config) (*Guard, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("consensus: ledger is required")
	}
	if cfg.Difficulty < 0 || cfg.Difficulty > chain.MaxDifficulty {
		return nil, fmt.Errorf("consensus: difficulty %d out of range", cfg.Difficulty)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Guard{
		ledger:     cfg.Ledger,
		difficulty: cfg.Difficulty,
		interval:   cfg.Interval,
		strict:     cfg.Strict,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Check verifies the ledger now and records the result.
func (g *Guard) Check() Report {
	blocks := g.ledger.Blocks()
	mismatches := chain.VerifyBlocks(blocks)
	if g.difficulty > 0 {
		for _, block := range blocks[1:] {
			if !util.HasLeadingZeros(block.Hash, g.difficulty) {
				mismatches = append(mismatches, chain.Mismatch{
					Index:    block.Index,
					Kind:     MismatchProofOfWork,
					Expected: fmt.Sprintf("%d leading zeros", g.difficulty),
					Actual:   block.Hash,
				})
			}
		}
	}

	report := Report{
		CheckedAt:  g.clock.Now(),
		Blocks:     len(blocks),
		Valid:      len(mismatches) == 0,
		Mismatches: mismatches,
	}

	g.mu.Lock()
	wasValid := !g.checked || g.last.Valid
	g.last = report
	g.checked = true
	g.mu.Unlock()

	g.metrics.SetChainValid(report.Valid)
	switch {
	case !report.Valid:
		g.logger.Error("ledger integrity check failed",
			"blocks", report.Blocks,
			"mismatches", len(mismatches),
			"first_bad_index", mismatches[0].Index,
			"first_bad_kind", string(mismatches[0].Kind),
			"strict", g.strict,
		)
	case !wasValid:
		g.logger.Info("ledger integrity restored", "blocks", report.Blocks)
	default:
		g.logger.Debug("ledger integrity check passed", "blocks", report.Blocks)
	}
	return report
}

// Run checks immediately and then every interval until ctx is done.
func (g *Guard) Run(ctx context.Context) {
	g.Check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.clock.After(g.interval):
			g.Check()
		}
	}
}

// LastReport returns the most recent report and whether any check has
// run yet.
func (g *Guard) LastReport() (Report, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.last, g.checked
}

// Healthy reports whether the last check passed. It is true before the
// first check.
func (g *Guard) Healthy() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return !g.checked || g.last.Valid
}

// AllowWrites implements blockchain.IntegrityGate.
func (g *Guard) AllowWrites() bool {
	return !g.strict || g.Healthy()
}

func (g *Guard) Strict() bool { return g.strict }
