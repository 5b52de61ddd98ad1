// Package fractaltree is the public facade over the storage engine: it
// glues the block allocator, block table, page cache, tree-node logic,
// and checkpointer into a single open database handle (spec.md
// PACKAGE LAYOUT). Everything below this package is an internal
// implementation detail; callers only ever see DB and its methods.
package fractaltree

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/fractaltree/internal/blockalloc"
	"github.com/calvinalkan/fractaltree/internal/blocktable"
	"github.com/calvinalkan/fractaltree/internal/cachetable"
	"github.com/calvinalkan/fractaltree/internal/checkpoint"
	"github.com/calvinalkan/fractaltree/internal/header"
	"github.com/calvinalkan/fractaltree/internal/metrics"
	"github.com/calvinalkan/fractaltree/internal/node"
	"github.com/calvinalkan/fractaltree/internal/tree"
	"github.com/calvinalkan/fractaltree/internal/walcontract"
	"github.com/calvinalkan/fractaltree/pkg/fs"
)

// Options configures an Open call. The zero value is valid: it uses
// bytes.Compare key ordering, no external WAL coordination, no metrics,
// an unbounded cache, and accepts any checkpoint LSN found on disk.
type Options struct {
	// Comparator orders keys; nil uses node.DefaultComparator.
	Comparator node.Comparator

	// Log is the external write-ahead log/transaction manager the
	// checkpointer coordinates with, if any (spec.md §8 Checkpointer).
	Log walcontract.Log

	// Metrics, if non-nil, receives cache/checkpoint instrumentation
	// (SPEC_FULL.md Domain Stack #4).
	Metrics *metrics.Set

	// MaxCachedPairs is passed to the page cache, which records it but
	// does not enforce it: the cache never evicts pairs on its own, so
	// residency is not bounded by this value.
	MaxCachedPairs int

	// MaxAcceptableLSN bounds which on-disk header slot recovery may
	// pick (spec.md §6); 0 means "derive from Log.LastLSN() if Log is
	// set, otherwise accept any LSN".
	MaxAcceptableLSN uint64

	// EnableBackgroundCleaner starts the cachetable's cleaner thread
	// (spec.md §4.E) so buffered messages drain without waiting for a
	// synchronous Insert/Delete to pass through their target.
	EnableBackgroundCleaner bool
}

// DB is one open fractal-tree database file.
type DB struct {
	fsys fs.FS
	path string
	file fs.File

	diskMu *sync.Mutex // shared with fileSource; see source.go

	alloc  *blockalloc.Allocator
	blocks *blocktable.Table
	cache  *cachetable.Table
	tr     *tree.Tree
	cp     *checkpoint.Checkpointer

	stopCleaner func()

	mu     sync.Mutex
	closed bool
}

// Create initializes a brand-new, empty-tree database file at path. It
// refuses to overwrite an existing file. The bootstrap image (header
// slot A, with slot B left zeroed, a single empty root leaf, and its
// translation table) is
// assembled in memory and published through pkg/fs's AtomicWriter, so a
// crash mid-create can never leave Open a partially-written file to
// misinterpret (spec.md §8 scenario 1).
func Create(fsys fs.FS, path string, tuning TuningOptions) error {
	if exists, err := fsys.Exists(path); err != nil {
		return fmt.Errorf("fractaltree: create %s: %w", path, err)
	} else if exists {
		return fmt.Errorf("fractaltree: create %s: %w", path, os.ErrExist)
	}

	if tuning.FanoutTarget < 2 {
		return fmt.Errorf("fractaltree: fanout target must be >= 2, got %d", tuning.FanoutTarget)
	}

	codec, err := node.CodecFor(tuning.Compression)
	if err != nil {
		return fmt.Errorf("fractaltree: create %s: %w", path, err)
	}

	blocks := blocktable.New()
	alloc := blockalloc.New(header.HeaderReserve, 512)

	rootBN := blocks.AllocateNew()
	root := &node.Node{BlockNum: rootBN, Height: 0, Children: []*node.Partition{node.NewLeafPartition()}}

	rootBuf, err := node.EncodeNode(root, codec)
	if err != nil {
		return fmt.Errorf("fractaltree: encode root node: %w", err)
	}

	rootOffset := alloc.Alloc(uint64(len(rootBuf)))
	blocks.Assign(rootBN, rootOffset, uint64(len(rootBuf)))

	translation := blocktable.Serialize(blocks.Snapshot())
	transOffset := alloc.Alloc(uint64(len(translation)))

	hdr := header.New(uint64(rootBN), tuning.NodeSize, tuning.BasementSize, tuning.Compression)
	hdr.FanoutTarget = tuning.FanoutTarget
	hdr.TranslationLoc = transOffset
	hdr.TranslationSize = uint64(len(translation))

	total := transOffset + uint64(len(translation))
	if end := rootOffset + uint64(len(rootBuf)); end > total {
		total = end
	}

	buf := make([]byte, total)
	copy(buf[header.SlotAOffset:], header.Encode(hdr))
	copy(buf[rootOffset:], rootBuf)
	copy(buf[transOffset:], translation)

	aw := fs.NewAtomicWriter(fsys)
	if err := aw.WriteWithDefaults(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("fractaltree: create %s: %w", path, err)
	}

	return nil
}

// Open opens an existing database file, picking whichever header slot
// recovery accepts (spec.md §4.C/§6/§7) and reconstructing the block
// allocator, block table, page cache, and tree from it.
func Open(fsys fs.FS, path string, opts Options) (*DB, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("fractaltree: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fractaltree: open %s: already locked by another process: %w", path, err)
	}

	hdr, err := readHeader(f, opts, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	codec, err := node.CodecFor(hdr.CompressionMethod)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fractaltree: open %s: %w", path, err)
	}

	blocks, alloc, err := loadTranslation(f, hdr)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fractaltree: open %s: %w", path, err)
	}

	diskMu := &sync.Mutex{}
	source := &fileSource{diskMu: diskMu, file: f, alloc: alloc, blocks: blocks, codec: codec}
	cache := cachetable.New(source, opts.MaxCachedPairs, opts.Metrics)

	cmp := opts.Comparator
	if cmp == nil {
		cmp = node.DefaultComparator
	}

	cfg := tree.Config{
		Comparator:   cmp,
		BasementSize: uint64(hdr.BasementSize),
		FanoutTarget: int(hdr.FanoutTarget),
		NodeSize:     uint64(hdr.NodeSize),
	}

	tr := tree.New(cfg, cache, blocks, blocktable.BlockNum(hdr.RootBlockNum), hdr.CheckpointLSN)
	cache.SetCleanHook(tr)

	cp, err := checkpoint.Open(fsys, path, alloc, blocks, cache, tr, codec, opts.Log, opts.Metrics, hdr)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fractaltree: open %s: %w", path, err)
	}

	db := &DB{
		fsys: fsys, path: path, file: f, diskMu: diskMu,
		alloc: alloc, blocks: blocks, cache: cache, tr: tr, cp: cp,
	}

	if opts.EnableBackgroundCleaner {
		db.stopCleaner = cache.StartCleaner(context.Background())
	}

	return db, nil
}

func readHeader(f fs.File, opts Options, path string) (header.Header, error) {
	slotA := make([]byte, header.SlotSize)
	if _, err := readAtFull(f, slotA, header.SlotAOffset); err != nil {
		return header.Header{}, fmt.Errorf("fractaltree: %s: read header slot A: %w", path, err)
	}

	slotB := make([]byte, header.SlotSize)
	if _, err := readAtFull(f, slotB, header.SlotBOffset); err != nil {
		return header.Header{}, fmt.Errorf("fractaltree: %s: read header slot B: %w", path, err)
	}

	maxLSN := opts.MaxAcceptableLSN
	switch {
	case maxLSN != 0:
	case opts.Log != nil:
		maxLSN = opts.Log.LastLSN()
	default:
		maxLSN = ^uint64(0)
	}

	hdr, err := header.Pick(toSlotCandidate(slotA), toSlotCandidate(slotB), maxLSN)
	if err != nil {
		return header.Header{}, fmt.Errorf("fractaltree: %s: %w", path, err)
	}

	return hdr, nil
}

func toSlotCandidate(slot []byte) header.SlotCandidate {
	hdr, err := header.Decode(slot)
	return header.SlotCandidate{Header: hdr, Err: err}
}

func loadTranslation(f fs.File, hdr header.Header) (*blocktable.Table, *blockalloc.Allocator, error) {
	transBuf := make([]byte, hdr.TranslationSize)
	if _, err := readAtFull(f, transBuf, int64(hdr.TranslationLoc)); err != nil {
		return nil, nil, fmt.Errorf("read translation table: %w", err)
	}

	entries, err := blocktable.Deserialize(transBuf)
	if err != nil {
		return nil, nil, fmt.Errorf("decode translation table: %w", err)
	}

	blocks := blocktable.New()
	blocks.LoadFromSnapshot(entries)

	alloc := blockalloc.New(header.HeaderReserve, 512)

	pairs := make([]blockalloc.Pair, 0, len(entries))
	for _, e := range entries {
		pairs = append(pairs, blockalloc.Pair{Offset: e.Offset, Size: e.Size})
	}

	alloc.AllocMany(pairs)
	alloc.AllocAt(hdr.TranslationSize, hdr.TranslationLoc)

	return blocks, alloc, nil
}

// Insert applies an upsert for key (spec.md §4.F); the write lands in
// the routed child's message buffer and is promoted toward the leaf
// eagerly or lazily depending on cache residency (see internal/tree).
func (db *DB) Insert(ctx context.Context, key, value []byte) error {
	return db.tr.Insert(ctx, key, value)
}

// Delete buffers a tombstone for key, applied the same way Insert is.
func (db *DB) Delete(ctx context.Context, key []byte) error {
	return db.tr.Delete(ctx, key)
}

// Get looks up key, descending the tree and folding in any fresher
// not-yet-flushed ancestor message along the way (spec.md §4.F).
func (db *DB) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return db.tr.Get(ctx, key)
}

// Checkpoint publishes a crash-consistent snapshot of the current tree
// state, serialized against any concurrent eviction-driven write via
// the same disk mutex fileSource uses (spec.md §4.G).
func (db *DB) Checkpoint(ctx context.Context) error {
	db.diskMu.Lock()
	defer db.diskMu.Unlock()

	return db.cp.Run(ctx)
}

// Stats returns the running statistics as of the most recently
// published checkpoint (spec.md §4.C Header.Stats; exact accounting is
// checkpoint-granularity, matching TokuDB's STAT64 semantics).
func (db *DB) Stats() header.Stats {
	return db.cp.Header().Stats
}

// Header returns the most recently published on-disk header, for
// inspection tooling.
func (db *DB) Header() header.Header {
	return db.cp.Header()
}

// BlockEntries returns a snapshot of the block table's current
// logical-block to on-disk-extent mapping, for inspection tooling.
func (db *DB) BlockEntries() map[blocktable.BlockNum]blocktable.Entry {
	return db.blocks.Snapshot()
}

// Extents returns the allocator's live extents in on-disk layout order,
// for inspection tooling.
func (db *DB) Extents() []blockalloc.Extent {
	return db.alloc.Extents()
}

// Walk performs a depth-first traversal of the tree starting at the
// root, fetching each visited node through the page cache and invoking
// fn with it before descending into its children. It is meant for
// inspection tooling (cmd/ftinspect), not the hot insert/get path.
func (db *DB) Walk(ctx context.Context, fn func(n *node.Node) error) error {
	return db.walk(ctx, db.tr.Root(), fn)
}

func (db *DB) walk(ctx context.Context, bn blocktable.BlockNum, fn func(n *node.Node) error) error {
	pair, err := db.cache.Get(ctx, bn)
	if err != nil {
		return fmt.Errorf("fractaltree: walk block %d: %w", bn, err)
	}

	n := pair.Node()
	if err := fn(n); err != nil {
		db.cache.Unpin(pair)
		return err
	}

	if n.IsLeaf() {
		db.cache.Unpin(pair)
		return nil
	}

	children := make([]blocktable.BlockNum, len(n.Children))
	for i, c := range n.Children {
		children[i] = c.ChildBlockNum
	}

	db.cache.Unpin(pair)

	for _, child := range children {
		if err := db.walk(ctx, child, fn); err != nil {
			return err
		}
	}

	return nil
}

// Close runs a final checkpoint, flushes anything a concurrent writer
// may have dirtied since, and releases the file handle.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	if db.stopCleaner != nil {
		db.stopCleaner()
	}

	if err := db.Checkpoint(ctx); err != nil {
		return fmt.Errorf("fractaltree: checkpoint on close: %w", err)
	}

	if err := db.cache.Close(ctx); err != nil {
		return fmt.Errorf("fractaltree: flush on close: %w", err)
	}

	if err := db.cp.Close(); err != nil {
		return fmt.Errorf("fractaltree: close checkpointer: %w", err)
	}

	_ = unix.Flock(int(db.file.Fd()), unix.LOCK_UN)

	return db.file.Close()
}

// readAtFull reads len(buf) bytes at offset from a fs.File, which
// (unlike os.File) does not expose ReadAt directly.
func readAtFull(f fs.File, buf []byte, offset int64) (int, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	return io.ReadFull(f, buf)
}
