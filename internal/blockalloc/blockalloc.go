// Package blockalloc implements the first-fit byte-extent allocator that
// sits under the block table: it hands out aligned, non-overlapping
// [offset, offset+size) ranges within a single file and reclaims them on
// Free.
//
// The allocator keeps a single sorted-by-offset array of live extents and
// searches it with binary search. Every invariant violation (overlap,
// misaligned alloc_at, free of a non-existent offset) is a corruption bug,
// not a recoverable error: the spec mandates the process abort rather than
// limp along with a possibly-corrupt extent map, so those paths panic with
// a *CorruptionError instead of returning one. Callers that need to turn
// that into a normal error (e.g. an RPC handler) should recover() at the
// boundary and wrap the panic value.
package blockalloc

import (
	"fmt"
	"sort"
)

// CorruptionError is panicked (never returned) when the allocator detects
// that its invariants have already been violated — e.g. by a caller
// passing overlapping extents. There is no way to safely continue once
// this happens.
type CorruptionError struct {
	Msg string
}

func (e *CorruptionError) Error() string { return "blockalloc: corruption: " + e.Msg }

func corrupt(format string, args ...any) {
	panic(&CorruptionError{Msg: fmt.Sprintf(format, args...)})
}

// Extent is a single allocated byte range.
type Extent struct {
	Offset uint64
	Size   uint64
}

func (e Extent) end() uint64 { return e.Offset + e.Size }

// Pair is an (offset, size) input to AllocMany.
type Pair struct {
	Offset uint64
	Size   uint64
}

// Allocator is a first-fit extent allocator over one file.
//
// Not safe for concurrent use; callers serialize access with their own
// lock (spec.md §5 names this the "block-allocator lock").
type Allocator struct {
	reserveAtBeginning uint64
	alignment          uint64
	extents            []Extent // sorted strictly by Offset, non-overlapping
	totalSize          uint64   // sum of all live extent sizes, kept in sync
}

// New creates an allocator with no live extents. alignment must be >= 512
// and a multiple of 512. reserveAtBeginning bytes at the start of the file
// are never handed out.
func New(reserveAtBeginning, alignment uint64) *Allocator {
	if alignment < 512 || alignment%512 != 0 {
		corrupt("alignment %d must be >= 512 and a multiple of 512", alignment)
	}

	return &Allocator{
		reserveAtBeginning: reserveAtBeginning,
		alignment:          alignment,
	}
}

// NewFromPairs creates an allocator and bulk-loads pairs via AllocMany.
// Used at file-open to reload the block table's extents in one pass.
func NewFromPairs(reserveAtBeginning, alignment uint64, pairs []Pair) *Allocator {
	a := New(reserveAtBeginning, alignment)
	a.AllocMany(pairs)

	return a
}

func (a *Allocator) alignUp(x uint64) uint64 {
	rem := x % a.alignment
	if rem == 0 {
		return x
	}

	return x + (a.alignment - rem)
}

// search returns the index of the first extent with Offset >= offset.
func (a *Allocator) search(offset uint64) int {
	return sort.Search(len(a.extents), func(i int) bool {
		return a.extents[i].Offset >= offset
	})
}

// overlapsAny reports whether [offset, offset+size) overlaps any live
// extent other than the one at skipIndex (pass -1 to check all).
func (a *Allocator) overlapsAny(offset, size uint64, skipIndex int) bool {
	end := offset + size

	idx := a.search(offset)

	// Check the extent immediately before idx (may end after offset).
	if idx > 0 && idx-1 != skipIndex {
		if a.extents[idx-1].end() > offset {
			return true
		}
	}

	for i := idx; i < len(a.extents); i++ {
		if i == skipIndex {
			continue
		}

		if a.extents[i].Offset >= end {
			break
		}

		return true
	}

	return false
}

func (a *Allocator) insertAt(idx int, e Extent) {
	a.extents = append(a.extents, Extent{})
	copy(a.extents[idx+1:], a.extents[idx:])
	a.extents[idx] = e
	a.totalSize += e.Size
}

// Alloc returns an aligned offset for a new extent of the given size,
// chosen by first-fit over the sorted extent list: we compact toward the
// start of the file so the tail can eventually be truncated, rather than
// next-fit which would spread allocations evenly.
func (a *Allocator) Alloc(size uint64) uint64 {
	if size == 0 {
		corrupt("alloc of zero-size extent")
	}

	candidate := a.alignUp(a.reserveAtBeginning)

	for i := 0; i < len(a.extents); i++ {
		e := a.extents[i]
		if candidate+size <= e.Offset {
			break
		}

		next := a.alignUp(e.end())
		if next > candidate {
			candidate = next
		}
	}

	idx := a.search(candidate)
	a.insertAt(idx, Extent{Offset: candidate, Size: size})

	return candidate
}

// AllocAt allocates an extent of the given size at a caller-chosen offset.
// Panics (corruption) on overlap or misalignment.
func (a *Allocator) AllocAt(size, offset uint64) {
	if size == 0 {
		corrupt("alloc_at of zero-size extent")
	}

	if offset%a.alignment != 0 {
		corrupt("alloc_at offset %d is not a multiple of alignment %d", offset, a.alignment)
	}

	if offset < a.reserveAtBeginning {
		corrupt("alloc_at offset %d overlaps reserved region [0,%d)", offset, a.reserveAtBeginning)
	}

	if a.overlapsAny(offset, size, -1) {
		corrupt("alloc_at [%d,%d) overlaps an existing extent", offset, offset+size)
	}

	idx := a.search(offset)
	a.insertAt(idx, Extent{Offset: offset, Size: size})
}

// AllocMany bulk-loads pairs (sorted by offset internally, then merged
// into the existing sorted array in one linear pass) — used at file-open
// to reload the entire block table's extents at once instead of one
// alloc_at call per block.
func (a *Allocator) AllocMany(pairs []Pair) {
	if len(pairs) == 0 {
		return
	}

	sorted := make([]Pair, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	merged := make([]Extent, 0, len(a.extents)+len(sorted))

	i, j := 0, 0
	for i < len(a.extents) || j < len(sorted) {
		switch {
		case j >= len(sorted) || (i < len(a.extents) && a.extents[i].Offset < sorted[j].Offset):
			merged = append(merged, a.extents[i])
			i++
		default:
			p := sorted[j]
			if p.Size == 0 {
				corrupt("alloc_many: zero-size extent at offset %d", p.Offset)
			}

			if p.Offset%a.alignment != 0 {
				corrupt("alloc_many: offset %d is not a multiple of alignment %d", p.Offset, a.alignment)
			}

			merged = append(merged, Extent{Offset: p.Offset, Size: p.Size})
			a.totalSize += p.Size
			j++
		}
	}

	for k := 1; k < len(merged); k++ {
		if merged[k-1].end() > merged[k].Offset {
			corrupt("alloc_many: extent [%d,%d) overlaps [%d,%d)",
				merged[k-1].Offset, merged[k-1].end(), merged[k].Offset, merged[k].end())
		}
	}

	if len(merged) > 0 && merged[0].Offset < a.reserveAtBeginning {
		corrupt("alloc_many: extent at offset %d overlaps reserved region [0,%d)", merged[0].Offset, a.reserveAtBeginning)
	}

	a.extents = merged
}

// Free removes the extent that starts at offset. Panics (corruption) if no
// extent starts there.
func (a *Allocator) Free(offset uint64) {
	idx := a.search(offset)
	if idx >= len(a.extents) || a.extents[idx].Offset != offset {
		corrupt("free of non-existent offset %d", offset)
	}

	a.totalSize -= a.extents[idx].Size
	a.extents = append(a.extents[:idx], a.extents[idx+1:]...)
}

// SizeAt returns the size of the live extent starting at offset, if any.
func (a *Allocator) SizeAt(offset uint64) (uint64, bool) {
	idx := a.search(offset)
	if idx >= len(a.extents) || a.extents[idx].Offset != offset {
		return 0, false
	}

	return a.extents[idx].Size, true
}

// NthInLayoutOrder returns the i'th extent in on-disk (offset) order.
func (a *Allocator) NthInLayoutOrder(i int) (Extent, bool) {
	if i < 0 || i >= len(a.extents) {
		return Extent{}, false
	}

	return a.extents[i], true
}

// AllocatedLimit returns one-past-the-end of the last live extent, i.e.
// the minimum file size that holds every live extent. With no live
// extents it returns the size of the reserved region.
func (a *Allocator) AllocatedLimit() uint64 {
	if len(a.extents) == 0 {
		return a.reserveAtBeginning
	}

	return a.extents[len(a.extents)-1].end()
}

// TotalAllocatedBytes returns the sum of all live extent sizes.
func (a *Allocator) TotalAllocatedBytes() uint64 {
	return a.totalSize
}

// Extents returns a copy of the live extent list in layout order, for
// inspection (checkpoint snapshotting, cmd/ftinspect, tests).
func (a *Allocator) Extents() []Extent {
	out := make([]Extent, len(a.extents))
	copy(out, a.extents)

	return out
}
