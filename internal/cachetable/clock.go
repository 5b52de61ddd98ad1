package cachetable

import (
	"context"

	"github.com/calvinalkan/fractaltree/internal/node"
)

// EvictSome runs one clock sweep, evicting unpinned pairs whose clock
// bit is already clear and clearing the clock bit of everything else it
// passes, until it has evicted target pairs or completed a full
// revolution without finding any more candidates (spec.md §4.E).
//
// Pinned pairs and pairs with a set clock bit survive a pass; a pair
// only becomes evictable once it has gone untouched for a full sweep.
func (t *Table) EvictSome(ctx context.Context, target int) (evicted int, err error) {
	t.mu.Lock()
	start := t.clockList.Front()
	n := t.clockList.Len()
	t.mu.Unlock()

	if start == nil {
		return 0, nil
	}

	cur := start

	for i := 0; i < n && evicted < target; i++ {
		t.mu.Lock()
		next := cur.Next()
		if next == nil {
			next = t.clockList.Front()
		}
		p := cur.Value.(*CachePair)
		t.mu.Unlock()

		p.mu.Lock()
		switch {
		case p.pinCount > 0:
			// Pinned: skip, do not touch its clock bit.
		case p.clockBit == 1:
			p.clockBit = 0
		default:
			dirty := p.dirty
			nd := p.n
			p.mu.Unlock()

			if dirty {
				if werr := t.source.WriteNode(ctx, p.blockNum, nd); werr != nil {
					err = werr
					cur = next
					continue
				}
			}

			t.mu.Lock()
			t.clockList.Remove(cur)
			delete(t.pairs, p.blockNum)
			t.mu.Unlock()

			if t.metrics != nil {
				t.metrics.CacheEvictions.Inc()
			}

			evicted++
			cur = next

			continue
		}
		p.mu.Unlock()

		cur = next
	}

	return evicted, err
}

// PartialEvict drops the in-memory Payload of every clean (clock bit 0),
// currently-avail partition in p's node, transitioning it back to
// StateOnDisk while preserving Workdone and the disk-location metadata
// recorded at the last flush (spec.md §4.E partial eviction; Workdone
// survival is SPEC_FULL.md Open Question #2). Partitions with a set
// clock bit have it cleared instead of being evicted, matching the
// clock algorithm's two-pass behavior at the partition granularity.
//
// Only partitions whose DiskOffset/CompressedSize are already valid
// (i.e. the node has been flushed at least once since the partition was
// last modified) are eligible; a partition that has never been written
// cannot be evicted without losing data.
func (t *Table) PartialEvict(p *CachePair) (evictedPartitions int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.n == nil || p.dirty {
		return 0
	}

	for _, c := range p.n.Children {
		if c.State() != node.StateAvail {
			continue
		}

		if c.ClockCount() == 1 {
			c.ClearClock()
			continue
		}

		if c.CompressedSize == 0 {
			continue
		}

		c.Payload = nil
		c.SetState(node.StateOnDisk)
		evictedPartitions++

		if t.metrics != nil {
			t.metrics.PartialEvictions.Inc()
		}
	}

	return evictedPartitions
}
