package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"ticketchain/chain"
	"ticketchain/config"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	if err := run([]string{"mint"}); err == nil {
		t.Fatal("expected an error for an unknown command")
	}
	if err := run(nil); err == nil {
		t.Fatal("expected an error without a command")
	}
}

func TestLoadConfigDefaultsWithoutPath(t *testing.T) {
	t.Setenv(config.ConfigEnv, "")
	cfg, err := loadConfig(commonFlags{logLevel: "debug"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Listen != config.Default().Listen || cfg.Log.Level != "debug" {
		t.Errorf("unexpected config %+v", cfg)
	}

	if _, err := loadConfig(commonFlags{logLevel: "loud"}); err == nil {
		t.Error("expected an invalid --log-level to be rejected")
	}
}

func TestNewAppRequiresSecret(t *testing.T) {
	cfg := config.Default()
	cfg.SecretEnv = "TICKETCHAIN_TEST_MAIN_SECRET"
	t.Setenv(cfg.SecretEnv, "")

	_, err := newApp(context.Background(), cfg, slog.New(slog.DiscardHandler))
	if !errors.Is(err, config.ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestNewAppWithJournal(t *testing.T) {
	cfg := config.Default()
	cfg.SecretEnv = "TICKETCHAIN_TEST_MAIN_SECRET"
	cfg.Journal.Path = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Mining.Difficulty = 1
	t.Setenv(cfg.SecretEnv, "s3cret")

	a, err := newApp(context.Background(), cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if _, err := a.server(); err != nil {
		t.Fatalf("server: %v", err)
	}
	if !a.guard.Healthy() {
		t.Error("fresh ledger should verify")
	}
	a.Close()

	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		t.Errorf("journal not created: %v", err)
	}
}

func TestMinerDifficulty(t *testing.T) {
	if got := minerDifficulty(0); got != -1 {
		t.Errorf("minerDifficulty(0) = %d, want -1", got)
	}
	if got := minerDifficulty(3); got != 3 {
		t.Errorf("minerDifficulty(3) = %d, want 3", got)
	}
}

func TestMatchesLocal(t *testing.T) {
	ledger := chain.NewLedger(1_700_000_000_000)
	snap := ledger.Snapshot()
	if !matchesLocal(ledger, snap) {
		t.Error("a ledger's own snapshot should match it")
	}

	snap.Blocks[0].Hash = "ff"
	if matchesLocal(ledger, snap) {
		t.Error("a different head hash should not match")
	}
	if matchesLocal(ledger, chain.Snapshot{}) {
		t.Error("an empty snapshot should not match")
	}
}
