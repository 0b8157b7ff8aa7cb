// Package pruner reclaims jellyfish-merkle nodes and state values that
// have fallen below the configured history window. The stale-node-index
// already tells it exactly which node keys became unreachable and when,
// so there is no need to walk the tree to rebuild reachability — the
// sweep reads the index directly. A hashed dedup set (xxhash) guards
// against processing the same node key twice within one sweep.
package pruner

import (
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/jellyfish-labs/ledgerdb/jmt"
	"github.com/jellyfish-labs/ledgerdb/log"
	"github.com/jellyfish-labs/ledgerdb/metrics"
	"github.com/jellyfish-labs/ledgerdb/rawdb"
)

// Config controls how aggressively the pruner reclaims history.
type Config struct {
	// Enabled turns the background pruner loop on. A readonly store
	// must leave this false: a readonly mode forbids a non-empty
	// pruner window.
	Enabled bool
	// WindowSize is how many of the most recent versions are kept
	// fully readable; anything older is eligible for reclamation once
	// its stale-node-index entry's stale_since_version falls at or
	// below latest-WindowSize.
	WindowSize uint64
	// BatchSize caps how many delete operations accumulate in one
	// rawdb batch before it is flushed, bounding memory use during a
	// large sweep.
	BatchSize int
}

const defaultBatchSize = 4096

// Pruner reclaims stale JMT nodes (and the state values only they
// reference) up to a configurable trailing window behind the latest
// committed version. It is woken by a single-slot channel from the
// commit pipeline; missed wake-ups are harmless since each wake reads
// the latest version itself rather than trusting the signal's payload.
type Pruner struct {
	db     rawdb.KVStore
	log    *log.Logger
	metr   *metrics.Registry
	config Config

	wake chan jmt.Version
	stop chan struct{}
	done chan struct{}

	leastReadable atomic.Uint64
}

// New constructs a Pruner. wake is the single-slot channel the commit
// pipeline sends the new latest version on after every successful
// save_transactions.
func New(db rawdb.KVStore, logger *log.Logger, reg *metrics.Registry, config Config, wake chan jmt.Version) *Pruner {
	if config.BatchSize == 0 {
		config.BatchSize = defaultBatchSize
	}
	return &Pruner{
		db:     db,
		log:    logger.With("pruner"),
		metr:   reg,
		config: config,
		wake:   wake,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// LeastReadableVersion returns the lowest version readers may safely
// query, below which history has been or is being reclaimed.
func (p *Pruner) LeastReadableVersion() jmt.Version {
	return jmt.Version(p.leastReadable.Load())
}

// Run is the pruner's background loop; it exits when stop is closed,
// a shutdown signal delivered through a single-slot channel.
func (p *Pruner) Run() {
	defer close(p.done)
	if !p.config.Enabled {
		return
	}
	for {
		select {
		case <-p.stop:
			return
		case _, ok := <-p.wake:
			if !ok {
				return
			}
			it := p.db.NewReverseIterator(rawdb.CFTransactionInfo, nil, nil)
			found := it.Next()
			var latest jmt.Version
			if found {
				latest = jmt.Version(rawdb.DecodeVersion(it.Key()))
			}
			it.Release()
			if !found {
				continue
			}
			if err := p.pruneTo(latest); err != nil {
				p.log.Errorf("sweep failed", log.Fields{"err": err.Error()})
			}
		}
	}
}

// Stop signals the background loop to exit and waits for it to do so.
func (p *Pruner) Stop() {
	close(p.stop)
	<-p.done
}

// pruneTo reclaims every stale-node-index entry with
// stale_since_version at or below latest-WindowSize, deleting the
// superseded node (and, if it was a leaf, its owning state-value
// entry) from storage. Entries above the horizon are left untouched.
func (p *Pruner) pruneTo(latest jmt.Version) error {
	if p.config.WindowSize == 0 || uint64(latest) < p.config.WindowSize {
		p.leastReadable.Store(0)
		return nil
	}
	horizon := jmt.Version(uint64(latest) - p.config.WindowSize)
	p.leastReadable.Store(uint64(horizon) + 1)

	seen := make(map[uint64]struct{})
	b := p.db.NewBatch()
	pending := 0

	it := p.db.NewIterator(rawdb.CFStaleNodeIndex, nil, nil)
	defer it.Release()

	for it.Next() {
		full := it.Key()
		if len(full) < 8 {
			continue
		}
		staleSince := jmt.Version(rawdb.DecodeVersion(full[:8]))
		if staleSince > horizon {
			continue
		}
		nodeKeyBytes := full[8:]
		h := xxhash.Sum64(nodeKeyBytes)
		if _, dup := seen[h]; dup {
			b.Delete(rawdb.CFStaleNodeIndex, append([]byte(nil), full...))
			continue
		}
		seen[h] = struct{}{}

		nodeKey, err := jmt.DecodeNodeKey(nodeKeyBytes)
		if err != nil {
			return fmt.Errorf("pruner: decode stale node key: %w", err)
		}

		if err := p.reclaimNode(b, nodeKey); err != nil {
			return err
		}
		b.Delete(rawdb.CFStaleNodeIndex, append([]byte(nil), full...))
		pending++

		if pending >= p.config.BatchSize {
			if err := b.Write(); err != nil {
				return fmt.Errorf("pruner: flush sweep batch: %w", err)
			}
			b = p.db.NewBatch()
			pending = 0
		}
	}

	if pending > 0 {
		if err := b.Write(); err != nil {
			return fmt.Errorf("pruner: flush sweep batch: %w", err)
		}
	}
	return nil
}

// reclaimNode deletes the stale node itself, and if it was a leaf,
// the state-value row it was the sole remaining owner of.
func (p *Pruner) reclaimNode(b rawdb.Batch, nodeKey jmt.NodeKey) error {
	raw, err := p.db.Get(rawdb.CFJellyfishMerkleNode, nodeKey.Encode())
	if err == rawdb.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pruner: read stale node: %w", err)
	}
	node, err := jmt.DecodeNode(raw)
	if err != nil {
		return fmt.Errorf("pruner: decode stale node: %w", err)
	}
	b.Delete(rawdb.CFJellyfishMerkleNode, nodeKey.Encode())
	p.metr.PrunedNodes.Inc()

	if leaf, ok := node.(*jmt.LeafNode); ok {
		valueKey := append(append([]byte(nil), leaf.Key...), rawdb.EncodeVersion(uint64(leaf.ValueVersion))...)
		b.Delete(rawdb.CFStateValue, valueKey)
		p.metr.PrunedValues.Inc()
	}
	return nil
}
