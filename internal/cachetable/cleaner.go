package cachetable

import (
	"container/heap"
	"context"
	"time"
)

// CleanHook does the actual work the cleaner thread schedules: flushing
// some of a buffer's messages further down the tree (normally
// internal/tree's flush-to-child). Defined here only as the seam the
// cachetable drives; internal/tree supplies the real implementation.
type CleanHook interface {
	Clean(ctx context.Context, p *CachePair) error
}

type noopCleanHook struct{}

func (noopCleanHook) Clean(context.Context, *CachePair) error { return nil }

// workdoneItem is one entry in the cleaner's priority queue: a resident
// pair ranked by the total Workdone accumulated across all of its
// partitions (SPEC_FULL.md "Supplemented features": the cleaner always
// attacks the node with the most pending work, cutting across
// individual buffers the way TokuDB's cleaner thread does, rather than
// picking round-robin or oldest-first).
type workdoneItem struct {
	pair     *CachePair
	workdone uint64
	index    int
}

type workdoneHeap []*workdoneItem

func (h workdoneHeap) Len() int            { return len(h) }
func (h workdoneHeap) Less(i, j int) bool  { return h[i].workdone > h[j].workdone } // max-heap
func (h workdoneHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *workdoneHeap) Push(x any) {
	it := x.(*workdoneItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *workdoneHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return it
}

// cleaner periodically picks the highest cross-node-workdone resident
// pair and hands it to hook.Clean.
type cleaner struct {
	table *Table
	hook  CleanHook

	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func newCleaner(t *Table, hook CleanHook) *cleaner {
	return &cleaner{table: t, hook: hook, interval: 100 * time.Millisecond}
}

func (c *cleaner) start(ctx context.Context) (stop func()) {
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	go func() {
		defer close(c.doneCh)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				_ = c.runOnce(ctx)
			}
		}
	}()

	return c.stopAndWait
}

func (c *cleaner) stopAndWait() {
	if c.stopCh == nil {
		return
	}

	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}

	<-c.doneCh
}

// runOnce builds a fresh priority queue from every currently-resident
// pair and cleans the single highest-workdone candidate. Rebuilding each
// tick keeps this simple and correct under concurrent mutation, at the
// cost of an O(n) scan per tick; n is the resident set size, which the
// cache's own eviction keeps bounded.
func (c *cleaner) runOnce(ctx context.Context) error {
	t := c.table

	t.mu.Lock()
	items := make(workdoneHeap, 0, len(t.pairs))
	for _, p := range t.pairs {
		items = append(items, &workdoneItem{pair: p, workdone: totalWorkdone(p)})
	}
	t.mu.Unlock()

	if len(items) == 0 {
		return nil
	}

	heap.Init(&items)

	top := heap.Pop(&items).(*workdoneItem)
	if top.workdone == 0 {
		return nil
	}

	return c.hook.Clean(ctx, top.pair)
}

func totalWorkdone(p *CachePair) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.n == nil {
		return 0
	}

	var total uint64
	for _, c := range p.n.Children {
		total += c.Workdone
	}

	return total
}
