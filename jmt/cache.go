package jmt

// TreeCache buffers everything a batch of value sets writes before it
// is handed to storage as one NodeBatch. It generalizes a two-tier
// dirty-in-memory-map-backed-by-a-disk-reader node database to three
// tiers, because a single call to BatchPutValueSets applies many value
// sets in sequence and each one
// needs to see the nodes the previous one in the same call wrote,
// without yet being allowed to mutate them (they've already been
// "frozen" into their own version):
//
//   - persistent: the real, already-committed tree, read through a
//     TreeReader.
//   - frozen: nodes written by earlier value sets in this same call,
//     immutable from here on.
//   - current: nodes written by the value set being applied right now,
//     the only tier this cache still mutates.
type TreeCache struct {
	reader TreeReader

	frozenNodes  NodeBatch
	frozenRoot   NodeKey
	currentNodes NodeBatch
	currentRoot  NodeKey

	staleIndex StaleNodeIndexBatch
	stats      NodeStats
	statsByVersion map[Version]NodeStats

	nextVersion Version
}

// NewTreeCache starts a cache for a batch of value sets being applied
// starting from baseRoot (the root node key of the version the first
// value set is layered on top of), reading any node not yet produced
// in this batch through reader.
func NewTreeCache(reader TreeReader, baseRoot NodeKey, firstVersion Version) *TreeCache {
	return &TreeCache{
		reader:       reader,
		frozenNodes:  make(NodeBatch),
		frozenRoot:   baseRoot,
		currentNodes: make(NodeBatch),
		currentRoot:  baseRoot,
		nextVersion:  firstVersion,
		statsByVersion: make(map[Version]NodeStats),
	}
}

// GetNode resolves a node by key, checking current writes, then
// frozen writes from earlier value sets in this batch, then falling
// through to persistent storage.
func (c *TreeCache) GetNode(key NodeKey) (Node, error) {
	if n, ok := c.currentNodes[key]; ok {
		return n, nil
	}
	if n, ok := c.frozenNodes[key]; ok {
		return n, nil
	}
	return c.reader.GetNode(key)
}

// PutNode records a newly created node under key, bumping the new-node
// (or new-leaf) counter for the version being applied.
func (c *TreeCache) PutNode(key NodeKey, n Node) {
	c.currentNodes[key] = n
	if n.IsLeaf() {
		c.stats.NewLeaves++
	} else {
		c.stats.NewNodes++
	}
}

// DeleteNode marks key as superseded as of the version currently being
// applied. isLeaf controls which stale counter is bumped; a node that
// was written by the value set currently being applied is simply
// dropped (and its new-node or new-leaf count taken back) rather than
// recorded as stale, since it never became externally visible. A node
// written by an earlier value set of the same batch is recorded as
// stale like any persisted node.
func (c *TreeCache) DeleteNode(key NodeKey, isLeaf bool) {
	if _, ok := c.currentNodes[key]; ok {
		delete(c.currentNodes, key)
		if isLeaf {
			c.stats.NewLeaves--
		} else {
			c.stats.NewNodes--
		}
		return
	}
	if _, ok := c.frozenNodes[key]; ok {
		// Still record the stale index: an earlier value set in this
		// same batch produced it and it will be flushed to storage.
	}
	c.staleIndex = append(c.staleIndex, StaleNodeIndex{NodeKey: key, StaleSinceVersion: c.nextVersion})
	if isLeaf {
		c.stats.StaleLeaves++
	} else {
		c.stats.StaleNodes++
	}
}

// GetRootNodeKey returns the node key of the current root, as of
// whatever has been applied to this cache so far in the value set
// being built.
func (c *TreeCache) GetRootNodeKey() NodeKey {
	return c.currentRoot
}

// SetRootNodeKey updates the root node key as value-set application
// reshapes the tree.
func (c *TreeCache) SetRootNodeKey(key NodeKey) {
	c.currentRoot = key
}

// Freeze folds the current tier into the frozen tier once a value set
// has been fully applied, records its NodeStats against the version
// that was just built, resets the per-value-set counters, and advances
// the version counter so the next value set's writes get their own
// version. Matches the original design's "freeze the cache after each
// value set so later ones in the same batch see it as immutable,
// already-numbered history".
func (c *TreeCache) Freeze() {
	for k, v := range c.currentNodes {
		c.frozenNodes[k] = v
	}
	c.currentNodes = make(NodeBatch)
	c.frozenRoot = c.currentRoot
	c.statsByVersion[c.nextVersion] = c.stats
	c.stats = NodeStats{}
	c.nextVersion++
}

// Stats returns the accumulated NodeStats for the value set currently
// being applied (i.e. since the last Freeze).
func (c *TreeCache) Stats() NodeStats {
	return c.stats
}

// IntoUpdateBatch drains every node and stale-index entry accumulated
// across the whole call (every value set applied since NewTreeCache),
// for the caller to persist atomically.
func (c *TreeCache) IntoUpdateBatch() *TreeUpdateBatch {
	batch := newTreeUpdateBatch()
	for k, v := range c.frozenNodes {
		batch.NodeBatch[k] = v
	}
	for k, v := range c.currentNodes {
		batch.NodeBatch[k] = v
	}
	batch.StaleNodeIndexBatch = c.staleIndex
	for ver, stats := range c.statsByVersion {
		batch.NodeStatsByVersion[ver] = stats
	}
	return batch
}
