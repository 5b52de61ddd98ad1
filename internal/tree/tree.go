// Package tree implements the fractal-tree node logic: routing a key to
// a child, buffering inserts/deletes into a child's message buffer,
// eagerly promoting a buffered message when its target is already cache
// resident, applying ancestor messages on lookup, and the split/merge
// rebalancing that keeps nodes within their configured fanout and
// basement size (spec.md §4.F).
//
// internal/node supplies the data structures this package walks;
// internal/cachetable supplies residency, pinning, and the cleaner
// thread this package supplies the CleanHook for.
package tree

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/fractaltree/internal/blocktable"
	"github.com/calvinalkan/fractaltree/internal/cachetable"
	"github.com/calvinalkan/fractaltree/internal/node"
)

// Config tunes the tree's reactivity thresholds. All sizes are
// uncompressed-byte estimates, matching node.Basement/MessageBuffer's
// UncompressedSize accounting.
type Config struct {
	Comparator node.Comparator

	// BasementSize is the per-leaf-partition byte budget before a split
	// is triggered, and (at a quarter of it) the threshold below which
	// two adjacent partitions are merged back together.
	BasementSize uint64

	// FanoutTarget bounds how many children a node may hold before it
	// splits into two siblings at the same height.
	FanoutTarget int

	// NodeSize sets the "gorged" threshold (spec.md §4.F): once a child's
	// message buffer reaches a quarter of NodeSize (1 MiB when NodeSize
	// is 0), messages are flushed into it even when it is not cache
	// resident.
	NodeSize uint64
}

func (c Config) gorgedThreshold() uint64 {
	if c.NodeSize == 0 {
		return 1 << 20
	}

	return c.NodeSize / 4
}

func (c Config) mergeThreshold() uint64 {
	if c.BasementSize == 0 {
		return 0
	}

	return c.BasementSize / 4
}

// Blocks is the subset of internal/blocktable.Table the tree needs to
// create new sibling nodes during a split.
type Blocks interface {
	AllocateNew() blocktable.BlockNum
}

// Tree is one open fractal tree: a root block number plus the cache and
// allocator it routes reads and writes through.
type Tree struct {
	cfg    Config
	cache  *cachetable.Table
	blocks Blocks

	rootMu sync.RWMutex
	root   blocktable.BlockNum

	msn atomic.Uint64
}

// New wraps an already-open cache table and block allocator into a
// tree rooted at root. Callers create the root's node (typically a
// single empty leaf partition) before calling New for a brand-new tree.
func New(cfg Config, cache *cachetable.Table, blocks Blocks, root blocktable.BlockNum, lastMSN uint64) *Tree {
	if cfg.Comparator == nil {
		cfg.Comparator = node.DefaultComparator
	}

	t := &Tree{cfg: cfg, cache: cache, blocks: blocks, root: root}
	t.msn.Store(lastMSN)

	return t
}

// Root returns the current root block number.
func (t *Tree) Root() blocktable.BlockNum {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()

	return t.root
}

func (t *Tree) setRoot(bn blocktable.BlockNum) {
	t.rootMu.Lock()
	t.root = bn
	t.rootMu.Unlock()
}

// LastMSN returns the highest message sequence number issued so far,
// for the checkpointer to persist in the header.
func (t *Tree) LastMSN() uint64 { return t.msn.Load() }

func (t *Tree) nextMSN() uint64 { return t.msn.Add(1) }

// splitResult describes a node that outgrew its fanout and split into
// two siblings at the same height: the caller must insert a new pivot
// and child pointing at newRightBlock immediately to the right of the
// child that split.
type splitResult struct {
	pivotKey      []byte
	newRightBlock blocktable.BlockNum
}

func insertPivotAt(pivots [][]byte, idx int, key []byte) [][]byte {
	pivots = append(pivots, nil)
	copy(pivots[idx+1:], pivots[idx:])
	pivots[idx] = key

	return pivots
}

func insertChildPartitionAt(children []*node.Partition, idx int, p *node.Partition) []*node.Partition {
	children = append(children, nil)
	copy(children[idx+1:], children[idx:])
	children[idx] = p

	return children
}

// insertChildAt splices a brand-new sibling (pivotKey, childBN) into n
// immediately to the right of position idx-1, i.e. at Children[idx].
func insertChildAt(n *node.Node, idx int, pivotKey []byte, childBN blocktable.BlockNum) {
	newPart := node.NewInternalPartition(childBN)
	n.Pivots = insertPivotAt(n.Pivots, idx-1, pivotKey)
	n.Children = insertChildPartitionAt(n.Children, idx, newPart)
}

var errCorrupt = fmt.Errorf("tree: node has wrong partition kind for its height")

func (t *Tree) get(ctx context.Context, bn blocktable.BlockNum) (*cachetable.CachePair, error) {
	return t.cache.Get(ctx, bn)
}

// NewEmptyRoot allocates and registers a brand-new, single-partition
// leaf node as a tree's root, for a fresh Create (spec.md §8 scenario
// 1: a tree always starts as one empty leaf).
func NewEmptyRoot(cache *cachetable.Table, blocks Blocks) blocktable.BlockNum {
	bn := blocks.AllocateNew()
	n := &node.Node{BlockNum: bn, Height: 0, Children: []*node.Partition{node.NewLeafPartition()}}

	p := cache.CreateNew(bn, n)
	cache.Unpin(p)

	return bn
}
