// Package node implements the in-memory tree node — pivots, per-child
// partitions holding either a message buffer (internal nodes) or a
// basement (leaves) — and its on-disk serialization, each partition
// independently compressible and fetchable (spec.md §3 Node, §4.D).
package node

import (
	"bytes"
	"sync/atomic"

	"github.com/calvinalkan/fractaltree/internal/blocktable"
)

// Comparator orders two user keys, the same way bytes.Compare does.
// The real comparison-function registry lives outside this core (spec.md
// §1); callers inject one (bytes.Compare is the default for byte-string
// keys).
type Comparator func(a, b []byte) int

// DefaultComparator orders keys lexicographically.
func DefaultComparator(a, b []byte) int { return bytes.Compare(a, b) }

// PartitionState is a child partition's residency state (spec.md §3).
type PartitionState uint8

const (
	StateInvalid PartitionState = iota
	StateOnDisk
	StateCompressed
	StateAvail
)

func (s PartitionState) String() string {
	switch s {
	case StateOnDisk:
		return "on_disk"
	case StateCompressed:
		return "compressed"
	case StateAvail:
		return "avail"
	default:
		return "invalid"
	}
}

// Partition is one child slot of a node: either a MessageBuffer
// (height > 0) or a Basement (height == 0).
type Partition struct {
	ChildBlockNum blocktable.BlockNum // internal nodes only

	// Workdone is the cumulative bytes of messages applied toward this
	// child; it is metadata on the descriptor, not the buffer payload, so
	// it survives partial eviction of Payload (SPEC_FULL.md Open Question
	// #2).
	Workdone uint64

	state PartitionState // guarded by the owning node's lock in cachetable

	// clockCount is touched by readers holding only a shared lock
	// (spec.md §9 design note), hence atomic rather than a plain field.
	clockCount atomic.Uint32

	// DiskOffset/CompressedSize describe where this partition's
	// sub-block lives once the node has been serialized at least once;
	// valid whenever State() != StateAvail-from-birth.
	DiskOffset     uint64
	CompressedSize uint64

	// Payload is a *MessageBuffer for internal partitions or a *Basement
	// for leaf partitions, valid only when State() == StateAvail.
	Payload any
}

func NewInternalPartition(child blocktable.BlockNum) *Partition {
	p := &Partition{ChildBlockNum: child, Payload: NewMessageBuffer()}
	p.state = StateAvail
	return p
}

func NewLeafPartition() *Partition {
	p := &Partition{Payload: NewBasement()}
	p.state = StateAvail
	return p
}

func (p *Partition) State() PartitionState { return p.state }
func (p *Partition) SetState(s PartitionState) { p.state = s }

// ClockCount returns the eviction clock bit (0 or 1).
func (p *Partition) ClockCount() uint32 { return p.clockCount.Load() }

// TouchClock sets the clock bit to 1, as every access does (spec.md §4.E).
func (p *Partition) TouchClock() { p.clockCount.Store(1) }

// ClearClock clears the clock bit, as the eviction sweep does on its
// first pass over an unpinned, marked pair.
func (p *Partition) ClearClock() { p.clockCount.Store(0) }

// clone deep-copies a partition descriptor. A StateAvail payload is
// deep-copied; any other state carries only its disk-location metadata,
// which is immutable until the partition is refetched.
func (p *Partition) clone() *Partition {
	out := &Partition{
		ChildBlockNum:  p.ChildBlockNum,
		Workdone:       p.Workdone,
		state:          p.state,
		DiskOffset:     p.DiskOffset,
		CompressedSize: p.CompressedSize,
	}
	out.clockCount.Store(p.clockCount.Load())

	switch payload := p.Payload.(type) {
	case *MessageBuffer:
		out.Payload = payload.Clone()
	case *Basement:
		out.Payload = payload.Clone()
	}

	return out
}

// MessageBuffer returns Payload as a *MessageBuffer, for internal
// partitions whose state is StateAvail.
func (p *Partition) MessageBuffer() (*MessageBuffer, bool) {
	mb, ok := p.Payload.(*MessageBuffer)
	return mb, ok
}

// Basement returns Payload as a *Basement, for leaf partitions whose
// state is StateAvail.
func (p *Partition) Basement() (*Basement, bool) {
	b, ok := p.Payload.(*Basement)
	return b, ok
}

// Node is the unit cached and persisted (spec.md §3).
type Node struct {
	BlockNum      blocktable.BlockNum
	Height        uint32 // 0 = leaf
	Dirty         bool
	LayoutVersion uint32
	FullHash      uint64

	// Pivots has len(Children)-1 entries; Pivots[i] is the largest key
	// that can appear in Children[i] (and any key > Pivots[i] and
	// <= Pivots[i+1], or unbounded for the last child, belongs to
	// Children[i+1]).
	Pivots   [][]byte
	Children []*Partition
}

// IsLeaf reports whether this node's children hold basements.
func (n *Node) IsLeaf() bool { return n.Height == 0 }

// ChildIndexForKey returns which child a key routes to, given the
// node's pivots, using cmp for ordering.
func (n *Node) ChildIndexForKey(key []byte, cmp Comparator) int {
	lo, hi := 0, len(n.Pivots)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(key, n.Pivots[mid]) <= 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}

	return lo
}

// Clone returns a deep copy of n, suitable for the cachetable's
// clone-for-checkpoint path (spec.md §4.E/§4.G): the checkpointer
// serializes the clone while the original keeps accepting new writes.
// Partitions that are not StateAvail are copied by reference to their
// disk-location metadata only (there is no in-memory payload to copy).
func (n *Node) Clone() *Node {
	out := &Node{
		BlockNum:      n.BlockNum,
		Height:        n.Height,
		Dirty:         n.Dirty,
		LayoutVersion: n.LayoutVersion,
		FullHash:      n.FullHash,
		Pivots:        make([][]byte, len(n.Pivots)),
		Children:      make([]*Partition, len(n.Children)),
	}

	for i, p := range n.Pivots {
		out.Pivots[i] = append([]byte(nil), p...)
	}

	for i, c := range n.Children {
		out.Children[i] = c.clone()
	}

	return out
}

// TotalUncompressedSize sums the uncompressed size of every resident
// partition payload, used to decide splittability (spec.md §4.F).
// Partitions not currently AVAIL contribute their last known compressed
// size as an estimate, matching TokuDB's behavior of sizing against
// whatever is cheaply known.
func (n *Node) TotalUncompressedSize() uint64 {
	var total uint64

	for _, c := range n.Children {
		switch c.State() {
		case StateAvail:
			if mb, ok := c.MessageBuffer(); ok {
				total += mb.UncompressedSize()
			} else if b, ok := c.Basement(); ok {
				total += b.UncompressedSize()
			}
		default:
			total += c.CompressedSize
		}
	}

	return total
}
