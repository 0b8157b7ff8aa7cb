// Command ledgerdb opens a ledgerdb data directory and runs
// operational subcommands against it: report its tree state, take a
// checkpoint, or serve Prometheus metrics while idling. It follows the
// eth2028 command's flag-parse-then-dispatch shape, trimmed to the
// handful of operations a storage engine (rather than a full node)
// exposes at the CLI.
//
// Usage:
//
//	ledgerdb -datadir <dir> <command> [args]
//
// Commands:
//
//	status                  print the latest version and tree state
//	checkpoint <dest>       take a physical checkpoint at <dest>
//	serve-metrics           open the store and export /metrics on -metrics.addr until signaled
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jellyfish-labs/ledgerdb/db"
	"github.com/jellyfish-labs/ledgerdb/log"
	"github.com/jellyfish-labs/ledgerdb/metrics"
	"github.com/jellyfish-labs/ledgerdb/pruner"
)

var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ledgerdb", flag.ContinueOnError)
	datadir := fs.String("datadir", "ledgerdb-data", "data directory")
	readonly := fs.Bool("readonly", false, "open the store read-only")
	pruneWindow := fs.Uint64("prune.window", 0, "versions of history to retain; 0 disables the pruner")
	logLevel := fs.String("loglevel", "info", "log verbosity (debug, info, warn, error)")
	metricsAddr := fs.String("metrics.addr", ":9090", "listen address for serve-metrics")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Printf("ledgerdb %s (commit %s)\n", version, commit)
		return 0
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ledgerdb -datadir <dir> <status|checkpoint <dest>|serve-metrics>")
		return 2
	}
	cmd, cmdArgs := rest[0], rest[1:]

	logger := log.New("ledgerdb", log.Config{Level: parseLevel(*logLevel)})

	cfg := db.Config{
		Path:     *datadir,
		ReadOnly: *readonly || cmd == "status" || cmd == "checkpoint",
		Pruner:   pruner.Config{Enabled: *pruneWindow > 0, WindowSize: *pruneWindow},
		Logger:   logger,
	}

	store, err := db.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerdb: open: %v\n", err)
		return 1
	}
	defer store.Close()

	switch cmd {
	case "status":
		return runStatus(store)
	case "checkpoint":
		return runCheckpoint(store, cmdArgs)
	case "serve-metrics":
		return runServeMetrics(store, *metricsAddr, logger)
	default:
		fmt.Fprintf(os.Stderr, "ledgerdb: unknown command %q\n", cmd)
		return 2
	}
}

func parseLevel(s string) log.Level {
	switch s {
	case "debug":
		return log.Debug
	case "warn":
		return log.Warn
	case "error":
		return log.Error
	default:
		return log.Info
	}
}

func runStatus(store *db.DB) int {
	info, err := store.Reader.GetStartupInfo()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerdb: status: %v\n", err)
		return 1
	}
	if info == nil {
		fmt.Println("empty store: no transactions committed")
		return 0
	}
	fmt.Printf("latest version:     %d\n", info.LatestVersion)
	fmt.Printf("checkpoint version: %d\n", info.TreeState.CheckpointVersion)
	fmt.Printf("leaf count:         %d\n", info.TreeState.LeafCount)
	if info.LatestLedgerInfo != nil {
		fmt.Printf("epoch:              %d\n", info.LatestLedgerInfo.LedgerInfo.Epoch)
	}
	return 0
}

func runCheckpoint(store *db.DB, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: ledgerdb checkpoint <dest>")
		return 2
	}
	if err := store.Checkpoint(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerdb: checkpoint: %v\n", err)
		return 1
	}
	return 0
}

func runServeMetrics(store *db.DB, addr string, logger *log.Logger) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		<-sigCh
		close(done)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	logger.Infof("serving metrics", log.Fields{"addr": addr})
	metrics.ServeBackground(ctx, addr, store.Metrics, logger)
	return 0
}
