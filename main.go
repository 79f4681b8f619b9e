// ticketchain runs the ticket integrity ledger.
//
//	ticketchain serve     serve the HTTP API
//	ticketchain backfill  record legacy transfers on the ledger
//	ticketchain verify    check the ledger, or a published snapshot
//
// Configuration comes from --config or TICKETCHAIN_CONFIG. Without
// either, development defaults apply.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"ticketchain/chain"
	"ticketchain/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ticketchain: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}
	command, rest := args[0], args[1:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "serve":
		return runServe(ctx, rest)
	case "backfill":
		return runBackfill(ctx, rest)
	case "verify":
		return runVerify(ctx, rest)
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	printUsage()
	return fmt.Errorf("unknown command %q", command)
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: ticketchain <command> [flags]

Commands:
  serve      serve the HTTP API
  backfill   record legacy transfers from the audit log on the ledger
  verify     check ledger integrity, or a snapshot with --snapshot CID

Run "ticketchain <command> --help" for command flags.
`)
}

// commonFlags are accepted by every command.
type commonFlags struct {
	configPath string
	logLevel   string
}

func newFlagSet(name string, common *commonFlags) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringVarP(&common.configPath, "config", "c", "", "path to ticketchain.yaml (default: $"+config.ConfigEnv+")")
	flagSet.StringVar(&common.logLevel, "log-level", "", "override log.level")
	return flagSet
}

// parseFlags returns errHelpShown when --help was requested.
func parseFlags(flagSet *pflag.FlagSet, args []string) error {
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errHelpShown
		}
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return nil
}

var errHelpShown = errors.New("help shown")

func loadConfig(common commonFlags) (*config.Config, error) {
	path := common.configPath
	if path == "" {
		path = os.Getenv(config.ConfigEnv)
	}
	var cfg *config.Config
	var err error
	if path == "" {
		cfg, err = config.Parse(nil)
	} else {
		cfg, err = config.LoadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if common.logLevel != "" {
		cfg.Log.Level = common.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func runServe(ctx context.Context, args []string) error {
	var common commonFlags
	flagSet := newFlagSet("serve", &common)
	listen := flagSet.String("listen", "", "override listen address")
	if err := parseFlags(flagSet, args); err != nil {
		if errors.Is(err, errHelpShown) {
			return nil
		}
		return err
	}
	cfg, err := loadConfig(common)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := a.server()
	if err != nil {
		return err
	}
	go a.guard.Run(ctx)
	return server.ListenAndServe(ctx, cfg.Listen, shutdownTimeout)
}

func runBackfill(ctx context.Context, args []string) error {
	var common commonFlags
	flagSet := newFlagSet("backfill", &common)
	if err := parseFlags(flagSet, args); err != nil {
		if errors.Is(err, errHelpShown) {
			return nil
		}
		return err
	}
	cfg, err := loadConfig(common)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	if cfg.MySQL.DSN == "" {
		logger.Warn("no mysql.dsn configured; backfilling the empty in-memory audit log")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.reconciler.Syncer().Backfill(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(summary); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d tickets failed to reconcile", summary.Failed)
	}
	return nil
}

type snapshotReport struct {
	CID          string           `json:"cid"`
	Blocks       int              `json:"blocks"`
	Valid        bool             `json:"valid"`
	Mismatches   []chain.Mismatch `json:"mismatches,omitempty"`
	MatchesLocal bool             `json:"matchesLocal"`
}

func runVerify(ctx context.Context, args []string) error {
	var common commonFlags
	flagSet := newFlagSet("verify", &common)
	snapshotCID := flagSet.String("snapshot", "", "verify the snapshot published under this CID instead of the local ledger")
	if err := parseFlags(flagSet, args); err != nil {
		if errors.Is(err, errHelpShown) {
			return nil
		}
		return err
	}
	cfg, err := loadConfig(common)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ledger, closeJournal, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeJournal()

	if *snapshotCID == "" {
		guard, err := newGuard(cfg, ledger, logger, nil)
		if err != nil {
			return err
		}
		report := guard.Check()
		if err := printJSON(report); err != nil {
			return err
		}
		if !report.Valid {
			return fmt.Errorf("ledger failed verification with %d mismatches", len(report.Mismatches))
		}
		return nil
	}

	publisher, err := newPublisher(cfg, logger, nil)
	if err != nil {
		return err
	}
	if publisher == nil {
		return errors.New("--snapshot requires ipfs.api to be configured")
	}
	defer publisher.Close()

	snap, err := publisher.Fetch(ctx, *snapshotCID)
	if err != nil {
		return err
	}
	mismatches := snap.Verify()
	report := snapshotReport{
		CID:          *snapshotCID,
		Blocks:       len(snap.Blocks),
		Valid:        len(mismatches) == 0,
		Mismatches:   mismatches,
		MatchesLocal: matchesLocal(ledger, snap),
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if !report.Valid {
		return fmt.Errorf("snapshot %s failed verification with %d mismatches", *snapshotCID, len(mismatches))
	}
	return nil
}

// matchesLocal reports whether the snapshot's head is a block of the
// local ledger.
func matchesLocal(ledger *chain.Ledger, snap chain.Snapshot) bool {
	if len(snap.Blocks) == 0 {
		return false
	}
	head := snap.Blocks[len(snap.Blocks)-1]
	local, ok := ledger.Block(head.Index)
	return ok && local.Hash == head.Hash
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
