// Package checkpoint implements the Begin/Write/End checkpoint protocol
// that publishes a crash-consistent, point-in-time snapshot of the tree
// to disk (spec.md §4.G): clone every dirty node under its cache pair's
// own lock so writers can keep mutating live pairs, serialize the clones to
// freshly allocated extents, publish a new translation table, and
// finally publish a new header slot — the single fsync'd write that
// makes the whole checkpoint durable.
package checkpoint

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/calvinalkan/fractaltree/internal/blockalloc"
	"github.com/calvinalkan/fractaltree/internal/blocktable"
	"github.com/calvinalkan/fractaltree/internal/cachetable"
	"github.com/calvinalkan/fractaltree/internal/header"
	"github.com/calvinalkan/fractaltree/internal/metrics"
	"github.com/calvinalkan/fractaltree/internal/node"
	"github.com/calvinalkan/fractaltree/internal/tree"
	"github.com/calvinalkan/fractaltree/internal/walcontract"
	"github.com/calvinalkan/fractaltree/pkg/fs"
)

// RootTree is the subset of internal/tree.Tree the checkpointer needs.
type RootTree interface {
	Root() blocktable.BlockNum
	LastMSN() uint64
}

var _ RootTree = (*tree.Tree)(nil)

// Checkpointer drives one open database file's checkpoint protocol. It
// owns the single long-lived file handle used for in-place block writes
// (pwrite/fsync style, via File.Seek+Write+Sync), matching TokuDB's
// single-file-with-alternating-header-slots layout (spec.md §4.C/§4.G).
type Checkpointer struct {
	fsys fs.FS
	file fs.File

	alloc  *blockalloc.Allocator
	blocks *blocktable.Table
	cache  *cachetable.Table
	tr     RootTree
	codec  node.Codec
	log    walcontract.Log // optional; nil means no external WAL is wired yet
	metrics *metrics.Set

	mu     sync.Mutex // only one checkpoint runs at a time
	header header.Header
}

// Open opens (or reopens) path for read/write via fsys and returns a
// Checkpointer seeded with the most recently known header. Callers
// obtain the initial header by reading both slots at file-open time
// (internal/header.Pick) and pass it here.
func Open(fsys fs.FS, path string, alloc *blockalloc.Allocator, blocks *blocktable.Table, cache *cachetable.Table, tr RootTree, codec node.Codec, log walcontract.Log, m *metrics.Set, h header.Header) (*Checkpointer, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}

	return &Checkpointer{
		fsys: fsys, file: f, alloc: alloc, blocks: blocks, cache: cache,
		tr: tr, codec: codec, log: log, metrics: m, header: h,
	}, nil
}

// Close releases the checkpointer's file handle.
func (c *Checkpointer) Close() error { return c.file.Close() }

// Header returns the most recently published header.
func (c *Checkpointer) Header() header.Header {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.header
}

// inFlight carries state between the three protocol phases.
type inFlight struct {
	lsn       uint64
	snapshots []cachetable.DirtySnapshot
	delta     node.StatDelta

	// prevTransLoc/prevTransSize locate the translation table extent
	// the checkpoint about to run is replacing; it can only be released
	// once the new header is durable, so End frees it alongside the
	// node extents blocktable.EndCheckpoint reports (spec.md §4.G).
	prevTransLoc  uint64
	prevTransSize uint64
}

// Begin freezes a consistent snapshot to serialize: it takes the tree's
// last issued MSN as the checkpoint's LSN and passes it to the optional
// WAL's BeginCheckpoint (the WAL's LastLSN is not consulted), freezes the
// block table's
// current translation as "inprogress" (so concurrent NoteFrees during
// the write defer their physical release), and clones every dirty
// cached node (spec.md §4.G step 1-2).
func (c *Checkpointer) Begin() (*inFlight, error) {
	lsn := c.tr.LastMSN()

	if c.log != nil {
		if err := c.log.BeginCheckpoint(lsn); err != nil {
			return nil, fmt.Errorf("checkpoint: begin: %w", err)
		}
	}

	c.blocks.BeginCheckpoint()

	snaps := c.cache.SnapshotAndClearDirty()

	var delta node.StatDelta
	for _, s := range snaps {
		delta.Add(s.Stats)
	}

	if c.metrics != nil {
		c.metrics.CheckpointsStarted.Inc()
	}

	return &inFlight{
		lsn: lsn, snapshots: snaps, delta: delta,
		prevTransLoc: c.header.TranslationLoc, prevTransSize: c.header.TranslationSize,
	}, nil
}

// Write serializes every snapshot taken by Begin to a freshly allocated
// extent, publishes a new translation table, and publishes the next
// header slot — the durable commit point of the checkpoint (spec.md
// §4.G step 3).
func (c *Checkpointer) Write(ctx context.Context, in *inFlight) error {
	for _, snap := range in.snapshots {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.writeNode(snap); err != nil {
			return err
		}
	}

	translation := blocktable.Serialize(c.blocks.Snapshot())

	transOffset := c.alloc.Alloc(uint64(len(translation)))
	if err := c.pwrite(transOffset, translation); err != nil {
		return fmt.Errorf("checkpoint: write translation table: %w", err)
	}

	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("checkpoint: sync before header publish: %w", err)
	}

	stats := c.header.Stats
	stats.NumInserts += uint64(in.delta.Inserts)
	stats.NumDeletes += uint64(in.delta.Deletes)
	stats.NumFlushes++
	stats.LogicalBytes += uint64(in.delta.Bytes)
	stats.OnDiskBytes = c.alloc.TotalAllocatedBytes()

	next := header.NextForCheckpoint(c.header, in.lsn, uint64(c.tr.Root()), transOffset, uint64(len(translation)), stats)

	slotOff := header.SlotOffset(next)
	if err := c.pwrite(uint64(slotOff), header.Encode(next)); err != nil {
		return fmt.Errorf("checkpoint: publish header: %w", err)
	}

	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("checkpoint: sync header publish: %w", err)
	}

	c.header = next

	return nil
}

func (c *Checkpointer) writeNode(snap cachetable.DirtySnapshot) error {
	buf, err := node.EncodeNode(snap.Node, c.codec)
	if err != nil {
		return fmt.Errorf("checkpoint: encode block %d: %w", snap.BlockNum, err)
	}

	if _, err := c.blocks.Get(snap.BlockNum); err == nil {
		c.blocks.NoteFree(snap.BlockNum) // old extent released only after End
	}

	offset := c.alloc.Alloc(uint64(len(buf)))
	if err := c.pwrite(offset, buf); err != nil {
		return fmt.Errorf("checkpoint: write block %d: %w", snap.BlockNum, err)
	}

	c.blocks.Assign(snap.BlockNum, offset, uint64(len(buf)))

	return nil
}

func (c *Checkpointer) pwrite(offset uint64, buf []byte) error {
	if _, err := c.file.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}

	_, err := c.file.Write(buf)

	return err
}

// End releases every extent freed while the checkpoint was in flight
// and notifies the optional WAL (spec.md §4.G step 4).
func (c *Checkpointer) End(in *inFlight) error {
	freed := c.blocks.EndCheckpoint()
	for _, e := range freed {
		c.alloc.Free(e.Offset)
	}

	if in.prevTransSize > 0 {
		c.alloc.Free(in.prevTransLoc)
	}

	if c.metrics != nil {
		c.metrics.CheckpointsFinished.Inc()
	}

	if c.log != nil {
		return c.log.EndCheckpoint(in.lsn)
	}

	return nil
}

// Run executes Begin, Write, and End in sequence — the common case for
// a caller that does not need to interleave other work between phases.
// Only one Run may be in flight at a time.
func (c *Checkpointer) Run(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	in, err := c.Begin()
	if err != nil {
		return err
	}

	if err := c.Write(ctx, in); err != nil {
		return err
	}

	return c.End(in)
}
