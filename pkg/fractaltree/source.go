package fractaltree

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/calvinalkan/fractaltree/internal/blockalloc"
	"github.com/calvinalkan/fractaltree/internal/blocktable"
	"github.com/calvinalkan/fractaltree/internal/node"
	"github.com/calvinalkan/fractaltree/pkg/fs"
)

// fileSource implements cachetable.Source on top of one open database
// file: a dirty node is always written to a freshly allocated extent
// (blocktable.Table never mutates an assigned extent in place, spec.md
// §4.B/§4.D), and the old extent is released immediately unless a
// checkpoint is in flight, in which case blocktable.NoteFree defers it.
//
// diskMu serializes every Seek+Read/Write against the shared file
// handle together with every allocator/block-table mutation; DB.Checkpoint
// holds the very same mutex around Checkpointer.Run, so an
// eviction-driven flush here can never race a checkpoint's own writes
// to the allocator or the translation table.
type fileSource struct {
	diskMu *sync.Mutex
	file   fs.File
	alloc  *blockalloc.Allocator
	blocks *blocktable.Table
	codec  node.Codec
}

func (s *fileSource) ReadNode(_ context.Context, bn blocktable.BlockNum) (*node.Node, error) {
	s.diskMu.Lock()
	defer s.diskMu.Unlock()

	entry, err := s.blocks.Get(bn)
	if err != nil {
		return nil, fmt.Errorf("fractaltree: read block %d: %w", bn, err)
	}

	buf := make([]byte, entry.Size)
	if _, err := readAtFull(s.file, buf, int64(entry.Offset)); err != nil {
		return nil, fmt.Errorf("fractaltree: read block %d: %w", bn, err)
	}

	dn, err := node.DecodeNodeInfo(buf, s.codec)
	if err != nil {
		return nil, fmt.Errorf("fractaltree: decode block %d: %w", bn, err)
	}

	for i := range dn.Dir {
		if err := node.DecodePartition(dn, buf, i, s.codec); err != nil {
			return nil, fmt.Errorf("fractaltree: decode block %d partition %d: %w", bn, i, err)
		}
	}

	return dn.Node, nil
}

func (s *fileSource) WriteNode(_ context.Context, bn blocktable.BlockNum, n *node.Node) error {
	buf, err := node.EncodeNode(n, s.codec)
	if err != nil {
		return fmt.Errorf("fractaltree: encode block %d: %w", bn, err)
	}

	s.diskMu.Lock()
	defer s.diskMu.Unlock()

	if _, err := s.blocks.Get(bn); err == nil {
		if freed, ok := s.blocks.NoteFree(bn); ok {
			s.alloc.Free(freed.Offset)
		}
	}

	offset := s.alloc.Alloc(uint64(len(buf)))
	if _, err := s.file.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}

	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("fractaltree: write block %d: %w", bn, err)
	}

	s.blocks.Assign(bn, offset, uint64(len(buf)))

	return nil
}
