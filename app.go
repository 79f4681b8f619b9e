package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"ticketchain/api"
	"ticketchain/archive"
	"ticketchain/blockchain"
	"ticketchain/chain"
	"ticketchain/config"
	"ticketchain/consensus"
	"ticketchain/history"
	"ticketchain/journal"
	"ticketchain/metrics"
	"ticketchain/signer"
	"ticketchain/store"
	"ticketchain/token"
)

// app holds the wired components for one command.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	events     *blockchain.Service
	guard      *consensus.Guard
	tokens     *token.Service
	reconciler *history.Reconciler
	archive    *archive.Publisher

	closers []func()
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// openLedger replays the journal when one is configured. The returned
// close function is always safe to call.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*chain.Ledger, func(), error) {
	if cfg.Journal.Path == "" {
		logger.Warn("no journal.path configured; the ledger is held in memory and lost on restart")
		return chain.NewLedger(time.Now().UnixMilli()), func() {}, nil
	}
	j, err := journal.Open(journal.Config{Path: cfg.Journal.Path, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	ledger, err := chain.OpenLedger(ctx, j, time.Now().UnixMilli(), logger)
	if err != nil {
		j.Close()
		return nil, nil, err
	}
	closeJournal := func() {
		if err := j.Close(); err != nil {
			logger.Error("closing journal", "error", err)
		}
	}
	return ledger, closeJournal, nil
}

// minerDifficulty maps the configured difficulty onto MinerConfig,
// where zero means the default.
func minerDifficulty(configured int) int {
	if configured == 0 {
		return -1
	}
	return configured
}

func newGuard(cfg *config.Config, ledger *chain.Ledger, logger *slog.Logger, m *metrics.Metrics) (*consensus.Guard, error) {
	return consensus.NewGuard(consensus.Config{
		Ledger:     ledger,
		Difficulty: cfg.Mining.Difficulty,
		Interval:   cfg.Integrity.Interval,
		Strict:     cfg.Integrity.Strict,
		Logger:     logger.With("component", "integrity"),
		Metrics:    m,
	})
}

// newPublisher returns nil when no IPFS API is configured.
func newPublisher(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*archive.Publisher, error) {
	if cfg.IPFS.API == "" {
		return nil, nil
	}
	return archive.NewPublisher(archive.Config{
		APIAddr: cfg.IPFS.API,
		Timeout: cfg.IPFS.Timeout,
		Logger:  logger.With("component", "archive"),
		Metrics: m,
	})
}

func newStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.TicketStore, store.AuditLogStore, func(), error) {
	if cfg.MySQL.DSN == "" {
		logger.Warn("no mysql.dsn configured; using empty in-memory ticket and audit stores")
		return store.NewMemoryTicketStore(), store.NewMemoryAuditLog(), func() {}, nil
	}
	db, err := store.OpenMySQL(ctx, cfg.MySQL.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			logger.Error("closing mysql", "error", err)
		}
	}
	return db.Tickets(), db.AuditLog(), closeDB, nil
}

// newApp wires every component. A missing signing secret is fatal.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	secret, err := cfg.Secret()
	if err != nil {
		return nil, err
	}
	hmacSigner, err := signer.New(secret)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	ledger, closeJournal, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeJournal)

	miner, err := chain.NewMiner(chain.MinerConfig{
		Difficulty:  minerDifficulty(cfg.Mining.Difficulty),
		MaxAttempts: cfg.Mining.MaxAttempts,
		Observer:    a.metrics,
		Logger:      logger.With("component", "miner"),
	})
	if err != nil {
		return nil, err
	}

	a.guard, err = newGuard(cfg, ledger, logger, a.metrics)
	if err != nil {
		return nil, err
	}
	if report := a.guard.Check(); !report.Valid && a.guard.Strict() {
		logger.Error("ledger failed startup verification; writes are suspended",
			"mismatches", len(report.Mismatches),
		)
	}

	a.events, err = blockchain.NewService(blockchain.Config{
		Ledger:      ledger,
		Pool:        chain.NewTransactionPool(),
		Miner:       miner,
		Signer:      hmacSigner,
		Gate:        a.guard,
		MineTimeout: cfg.Mining.Timeout,
		Logger:      logger.With("component", "events"),
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, err
	}

	tickets, audit, closeStores, err := newStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStores)

	a.tokens, err = token.NewService(token.Config{
		Events:           a.events,
		Tickets:          tickets,
		Audit:            audit,
		FreshnessWindow:  cfg.Token.FreshnessWindow,
		ClockDrift:       cfg.Token.ClockDrift,
		VerificationPath: cfg.Token.VerificationPath,
		BaseURL:          cfg.Token.BaseURL,
		Logger:           logger.With("component", "token"),
		Metrics:          a.metrics,
	})
	if err != nil {
		return nil, err
	}

	a.reconciler, err = history.NewReconciler(history.Config{
		Events:      a.events,
		Tickets:     tickets,
		Audit:       audit,
		SyncTimeout: cfg.History.SyncTimeout,
		Logger:      logger.With("component", "history"),
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.reconciler.Close)

	a.archive, err = newPublisher(cfg, logger, a.metrics)
	if err != nil {
		return nil, err
	}
	if a.archive != nil {
		a.closers = append(a.closers, func() { a.archive.Close() })
	}
	return a, nil
}

func (a *app) server() (*api.Server, error) {
	adminToken := a.cfg.AdminToken()
	if adminToken == "" {
		a.logger.Warn("no admin token configured; admin endpoints are disabled",
			"env", a.cfg.AdminTokenEnv,
		)
	}
	server, err := api.NewServer(api.Config{
		Events:     a.events,
		Tokens:     a.tokens,
		History:    a.reconciler,
		Guard:      a.guard,
		Archive:    a.archive,
		Metrics:    a.metrics,
		AdminToken: adminToken,
		Logger:     a.logger.With("component", "api"),
	})
	if err != nil {
		return nil, fmt.Errorf("building api server: %w", err)
	}
	return server, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
