// Package db wires rawdb, statestore, ledger and pruner together into
// the single entry point callers use to open a ledgerdb instance:
// resolve configuration, open storage, start background services, hand
// back one handle.
package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/jellyfish-labs/ledgerdb/jmt"
	"github.com/jellyfish-labs/ledgerdb/ledger"
	"github.com/jellyfish-labs/ledgerdb/log"
	"github.com/jellyfish-labs/ledgerdb/metrics"
	"github.com/jellyfish-labs/ledgerdb/pruner"
	"github.com/jellyfish-labs/ledgerdb/rawdb"
	"github.com/jellyfish-labs/ledgerdb/statestore"
)

// Config bundles every knob db.Open accepts. Zero values pick sane
// defaults.
type Config struct {
	// Path is the data directory. It is created if absent, unless
	// ReadOnly is set.
	Path string
	// ReadOnly opens the store without a writer or pruner: a readonly
	// mode forbids a non-empty pruner window.
	ReadOnly bool
	// Secondary, if set, opens Path as a secondary/follower instance
	// trailing the primary database at this path.
	Secondary string
	// MaxOpenFiles bounds the backing pebble store's file descriptor
	// budget.
	MaxOpenFiles int
	// Pruner configures the background history-reclamation loop.
	Pruner pruner.Config
	// Namespace prefixes every exported Prometheus metric, so multiple
	// instances in one process don't collide.
	Namespace string
	// Logger receives structured log output. A discarding logger is
	// used if nil.
	Logger *log.Logger
}

// DB is an opened ledgerdb instance: storage, the JMT-backed state
// store, the commit pipeline, the read surface, and a background
// pruner, all bound to one on-disk data directory.
type DB struct {
	cfg Config

	store rawdb.KVStore
	lock  *flock.Flock

	State  *statestore.StateStore
	Writer *ledger.Writer
	Reader *ledger.Reader
	Pruner *pruner.Pruner

	Metrics *metrics.Registry
	log     *log.Logger

	pruneWake chan jmt.Version
}

const lockFileName = "LOCK"

// Open creates or opens a ledgerdb data directory at cfg.Path,
// acquires an exclusive advisory lock on it (two processes must never
// hold the same data directory open for writing), and returns a
// ready-to-use DB. Callers must call Close when done.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db: Path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "ledgerdb"
	}

	if !cfg.ReadOnly {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("db: create data dir: %w", err)
		}
	}

	fl := flock.New(filepath.Join(cfg.Path, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("db: acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("db: data directory %s is already open by another process", cfg.Path)
	}

	store, err := rawdb.OpenPebble(cfg.Path, rawdb.PebbleOptions{
		ReadOnly:     cfg.ReadOnly,
		MaxOpenFiles: cfg.MaxOpenFiles,
		Secondary:    cfg.Secondary,
	})
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("db: open pebble store: %w", err)
	}

	reg := metrics.NewRegistry(cfg.Namespace)
	logger := cfg.Logger
	state := statestore.New(store, logger, reg)

	d := &DB{
		cfg:     cfg,
		store:   store,
		lock:    fl,
		State:   state,
		Metrics: reg,
		log:     logger,
	}

	if cfg.ReadOnly && cfg.Pruner.Enabled {
		_ = d.Close()
		return nil, fmt.Errorf("db: pruner cannot run against a readonly store")
	}

	// NewWriter only recovers the latest-version/ledger-info cache from
	// whatever is already durable; it performs no writes, so it is safe
	// to construct even against a readonly store, purely to give Reader
	// its cache.
	d.pruneWake = make(chan jmt.Version, 1)
	writer, err := ledger.NewWriter(store, state, logger, reg, d.pruneWake)
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("db: init writer: %w", err)
	}
	d.Reader = ledger.NewReader(store, state, writer, reg)

	if cfg.ReadOnly {
		return d, nil
	}
	d.Writer = writer

	d.Pruner = pruner.New(store, logger, reg, cfg.Pruner, d.pruneWake)
	if cfg.Pruner.Enabled {
		go d.Pruner.Run()
	}

	return d, nil
}

// Checkpoint performs a physical, point-in-time copy of the data
// directory to path.
func (d *DB) Checkpoint(path string) error {
	return d.store.Checkpoint(path)
}

// Close stops the background pruner (if running) and releases the
// storage handle and the data-directory lock.
func (d *DB) Close() error {
	if d.Pruner != nil && d.cfg.Pruner.Enabled {
		d.Pruner.Stop()
	}
	var storeErr error
	if d.store != nil {
		storeErr = d.store.Close()
	}
	if d.lock != nil {
		_ = d.lock.Unlock()
	}
	if storeErr != nil {
		return fmt.Errorf("db: close store: %w", storeErr)
	}
	return nil
}
