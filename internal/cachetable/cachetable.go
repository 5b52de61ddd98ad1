// Package cachetable implements the page cache: the lookup+pin protocol,
// clock eviction, partial (per-partition) eviction, and the
// clone-for-checkpoint path that lets a checkpoint serialize a
// consistent snapshot of a node while writers keep mutating the live
// one (spec.md §4.E).
//
// Locking architecture: each CachePair has its own mutex ("value lock")
// guarding its node/dirty/pin fields; the Table has a single mutex
// ("pair list lock") guarding the pair map and clock list. The pair list
// lock is always acquired first and released before a value lock is
// taken for longer than a field access, so fetching a pair from disk
// (which can block on I/O) never holds the pair list lock. A goroutine
// that finds a pair mid-fetch waits on that pair's condition variable
// instead of retrying the whole lookup (TRY_AGAIN in spec.md's source
// material becomes a Cond.Wait here rather than a caller-visible retry
// loop).
package cachetable

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/calvinalkan/fractaltree/internal/blocktable"
	"github.com/calvinalkan/fractaltree/internal/metrics"
	"github.com/calvinalkan/fractaltree/internal/node"
)

// Source is how the cachetable reads and writes nodes; implemented by
// pkg/fractaltree on top of the block allocator, block table, and the
// node codec.
type Source interface {
	ReadNode(ctx context.Context, bn blocktable.BlockNum) (*node.Node, error)
	WriteNode(ctx context.Context, bn blocktable.BlockNum, n *node.Node) error
}

// CachePair is one cached node and its residency bookkeeping.
type CachePair struct {
	blockNum blocktable.BlockNum

	mu       sync.Mutex
	cond     *sync.Cond
	n        *node.Node
	dirty    bool
	pinCount int
	fetching bool
	fetchErr error

	clockBit uint32

	elem *list.Element // this pair's position in the table's clock list
}

// BlockNum returns the pair's identity.
func (p *CachePair) BlockNum() blocktable.BlockNum { return p.blockNum }

// Node returns the pair's node. Callers must hold a pin.
func (p *CachePair) Node() *node.Node {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.n
}

// MarkDirty flags the pair as needing a flush before its next eviction
// or the next checkpoint, whichever comes first.
func (p *CachePair) MarkDirty() {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
}

func (p *CachePair) touch() {
	p.mu.Lock()
	p.clockBit = 1
	p.mu.Unlock()
}

// Table is the page cache for one open tree.
type Table struct {
	mu        sync.Mutex
	pairs     map[blocktable.BlockNum]*CachePair
	clockList *list.List // of *CachePair, clock-sweep order

	source   Source
	metrics  *metrics.Set
	cleaner  *cleaner

	maxPairs int // recorded pair-count cap; not consulted by any method
}

// New creates an empty cache table. maxPairs is recorded on the table
// but not enforced: Get and CreateNew never evict, so the number of
// resident pairs shrinks only when a caller runs EvictSome.
func New(source Source, maxPairs int, m *metrics.Set) *Table {
	return &Table{
		pairs:     make(map[blocktable.BlockNum]*CachePair),
		clockList: list.New(),
		source:    source,
		metrics:   m,
		maxPairs:  maxPairs,
	}
}

// SetCleanHook installs the cleaner thread's work callback (normally
// internal/tree's flush-to-child logic). Must be called before the
// cleaner is started.
func (t *Table) SetCleanHook(hook CleanHook) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cleaner == nil {
		t.cleaner = newCleaner(t, hook)
	} else {
		t.cleaner.hook = hook
	}
}

// StartCleaner launches the background cleaner goroutine; Stop via the
// returned function (or ctx cancellation) before Close.
func (t *Table) StartCleaner(ctx context.Context) (stop func()) {
	t.mu.Lock()
	if t.cleaner == nil {
		t.cleaner = newCleaner(t, noopCleanHook{})
	}
	c := t.cleaner
	t.mu.Unlock()

	return c.start(ctx)
}

// Get fetches the pair for bn, pinning it. Callers must Unpin when done.
// If another goroutine is already fetching bn from disk, Get blocks
// until that fetch completes rather than issuing a second read.
func (t *Table) Get(ctx context.Context, bn blocktable.BlockNum) (*CachePair, error) {
	t.mu.Lock()

	p, ok := t.pairs[bn]
	if !ok {
		p = &CachePair{blockNum: bn, fetching: true, pinCount: 1, clockBit: 1}
		p.cond = sync.NewCond(&p.mu)
		p.elem = t.clockList.PushBack(p)
		t.pairs[bn] = p
		t.mu.Unlock()

		n, err := t.source.ReadNode(ctx, bn)

		p.mu.Lock()
		p.fetching = false
		if err != nil {
			p.fetchErr = err
		} else {
			p.n = n
		}
		p.cond.Broadcast()
		p.mu.Unlock()

		if t.metrics != nil {
			t.metrics.CacheMisses.Inc()
		}

		if err != nil {
			// Don't cache the failure: remove the placeholder so a later
			// Get retries the read instead of replaying a stale error.
			t.mu.Lock()
			if cur, ok := t.pairs[bn]; ok && cur == p {
				t.clockList.Remove(p.elem)
				delete(t.pairs, bn)
			}
			t.mu.Unlock()

			return nil, fmt.Errorf("cachetable: fetch block %d: %w", bn, err)
		}

		return p, nil
	}

	p.mu.Lock()
	t.mu.Unlock()

	for p.fetching {
		p.cond.Wait()
	}

	if p.fetchErr != nil {
		err := p.fetchErr
		p.mu.Unlock()

		return nil, err
	}

	p.pinCount++
	p.clockBit = 1
	p.mu.Unlock()

	if t.metrics != nil {
		t.metrics.CacheHits.Inc()
	}

	return p, nil
}

// Peek reports whether bn is currently resident, without fetching it
// from the source and without pinning it. Used by promotion logic to
// decide whether pushing a message one level deeper right now is free
// (the child is already in memory) or should wait for the cleaner
// thread instead (spec.md §4.F promotion).
func (t *Table) Peek(bn blocktable.BlockNum) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pairs[bn]
	if !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return !p.fetching && p.fetchErr == nil
}

// CreateNew registers a brand-new, already-pinned, dirty pair for a
// freshly allocated block (used when the tree logic creates a node,
// e.g. a split's new sibling).
func (t *Table) CreateNew(bn blocktable.BlockNum, n *node.Node) *CachePair {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &CachePair{blockNum: bn, n: n, dirty: true, pinCount: 1, clockBit: 1}
	p.cond = sync.NewCond(&p.mu)
	p.elem = t.clockList.PushBack(p)
	t.pairs[bn] = p

	return p
}

// Unpin releases one pin on p.
func (t *Table) Unpin(p *CachePair) {
	p.mu.Lock()
	if p.pinCount == 0 {
		p.mu.Unlock()
		panic("cachetable: unpin of pair with zero pins")
	}
	p.pinCount--
	p.mu.Unlock()
}

// Flush writes p's node via the source if dirty, clearing the dirty bit
// on success. Caller must hold a pin (so the node can't be concurrently
// evicted out from under the read of p.n).
func (t *Table) Flush(ctx context.Context, p *CachePair) error {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return nil
	}
	n := p.n
	p.mu.Unlock()

	if err := t.source.WriteNode(ctx, p.blockNum, n); err != nil {
		return fmt.Errorf("cachetable: flush block %d: %w", p.blockNum, err)
	}

	p.mu.Lock()
	p.dirty = false
	p.mu.Unlock()

	return nil
}

// CloneForCheckpoint returns a deep copy of p's node for the
// checkpointer to serialize, without blocking concurrent mutation of
// the live pair (spec.md §4.E/§4.G). Caller must hold a pin.
func (t *Table) CloneForCheckpoint(p *CachePair) *node.Node {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.n.Clone()
}

// DirtySnapshot is one dirty pair as of the moment SnapshotAndClearDirty
// observed it.
type DirtySnapshot struct {
	BlockNum blocktable.BlockNum
	Node     *node.Node
	Stats    node.StatDelta
}

// SnapshotAndClearDirty clones every currently-dirty resident pair's node
// under that pair's own lock — so the clone is consistent even though
// other goroutines may keep mutating the live node afterward — clears
// the dirty bit, and collects each leaf partition's accumulated stat
// delta. This is the checkpoint Begin phase's core step (spec.md §4.E
// clone-for-checkpoint, §4.G step 2): the checkpointer serializes these
// clones while writers carry on against the live pairs.
func (t *Table) SnapshotAndClearDirty() []DirtySnapshot {
	t.mu.Lock()
	pairs := make([]*CachePair, 0, len(t.pairs))
	for _, p := range t.pairs {
		pairs = append(pairs, p)
	}
	t.mu.Unlock()

	var out []DirtySnapshot

	for _, p := range pairs {
		p.mu.Lock()
		if !p.dirty || p.n == nil {
			p.mu.Unlock()
			continue
		}

		clone := p.n.Clone()

		var delta node.StatDelta
		for _, c := range p.n.Children {
			if bm, ok := c.Basement(); ok {
				delta.Add(bm.TakeStatDelta())
			}
		}

		p.dirty = false
		p.mu.Unlock()

		out = append(out, DirtySnapshot{BlockNum: p.blockNum, Node: clone, Stats: delta})
	}

	return out
}

// Remove drops an unpinned, non-dirty pair from the table entirely
// (used once a block has been permanently freed, e.g. after a merge).
func (t *Table) Remove(bn blocktable.BlockNum) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pairs[bn]
	if !ok {
		return
	}

	t.clockList.Remove(p.elem)
	delete(t.pairs, bn)
}

// Len returns the number of resident pairs.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pairs)
}

// FlushAllDirty writes every currently-dirty pair via the source,
// without evicting or stopping the cleaner. The checkpointer does not
// use it: it writes the clones returned by SnapshotAndClearDirty itself.
func (t *Table) FlushAllDirty(ctx context.Context) error {
	t.mu.Lock()
	pairs := make([]*CachePair, 0, len(t.pairs))
	for _, p := range t.pairs {
		pairs = append(pairs, p)
	}
	t.mu.Unlock()

	for _, p := range pairs {
		if err := t.Flush(ctx, p); err != nil {
			return err
		}
	}

	return nil
}

// Close flushes every dirty pair. Callers must ensure no other goroutine
// holds a pin during Close.
func (t *Table) Close(ctx context.Context) error {
	if t.cleaner != nil {
		t.cleaner.stopAndWait()
	}

	t.mu.Lock()
	pairs := make([]*CachePair, 0, len(t.pairs))
	for _, p := range t.pairs {
		pairs = append(pairs, p)
	}
	t.mu.Unlock()

	for _, p := range pairs {
		if err := t.Flush(ctx, p); err != nil {
			return err
		}
	}

	return nil
}
