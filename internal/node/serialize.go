package node

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"

	"github.com/calvinalkan/fractaltree/internal/blocktable"
)

// Sub-block on-disk layout (spec.md §6): each sub-block is
// uncompressed_size(4) + compressed_size(4) + checksum(4) + payload,
// padded so the whole sub-block is a multiple of 512 bytes.
const subBlockHeaderSize = 12
const subBlockAlign = 512

var (
	ErrBadNodeMagic  = errors.New("node: bad sub-block magic/checksum")
	ErrShortBuffer   = errors.New("node: buffer too short")
	ErrPartitionSkew = errors.New("node: partition directory inconsistent with node height")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func alignUp512(n int) int {
	rem := n % subBlockAlign
	if rem == 0 {
		return n
	}

	return n + (subBlockAlign - rem)
}

// encodeSubBlock compresses payload with codec and wraps it in the
// fixed sub-block header, padded to a 512-byte multiple.
func encodeSubBlock(payload []byte, codec Codec) ([]byte, error) {
	compressed, err := codec.Compress(payload)
	if err != nil {
		return nil, fmt.Errorf("compress sub-block: %w", err)
	}

	total := alignUp512(subBlockHeaderSize + len(compressed))
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(compressed)))
	copy(buf[subBlockHeaderSize:], compressed)

	crc := crc32.Checksum(buf[subBlockHeaderSize:subBlockHeaderSize+len(compressed)], crcTable)
	binary.LittleEndian.PutUint32(buf[8:], crc)

	return buf, nil
}

// decodeSubBlock reads one sub-block starting at buf[0], returning its
// decompressed payload and the number of (512-aligned) bytes consumed.
func decodeSubBlock(buf []byte, codec Codec) (payload []byte, consumed int, err error) {
	if len(buf) < subBlockHeaderSize {
		return nil, 0, ErrShortBuffer
	}

	uncompressedSize := binary.LittleEndian.Uint32(buf[0:])
	compressedSize := binary.LittleEndian.Uint32(buf[4:])
	storedCRC := binary.LittleEndian.Uint32(buf[8:])

	consumed = alignUp512(subBlockHeaderSize + int(compressedSize))
	if len(buf) < consumed {
		return nil, 0, fmt.Errorf("sub-block needs %d bytes, have %d: %w", consumed, len(buf), ErrShortBuffer)
	}

	compressed := buf[subBlockHeaderSize : subBlockHeaderSize+compressedSize]

	if crc32.Checksum(compressed, crcTable) != storedCRC {
		return nil, 0, ErrBadNodeMagic
	}

	payload, err = codec.Decompress(compressed, int(uncompressedSize))
	if err != nil {
		return nil, 0, fmt.Errorf("decompress sub-block: %w", err)
	}

	return payload, consumed, nil
}

// partitionDirEntry is one row of the node-info partition directory.
type partitionDirEntry struct {
	ChildBlockNum    blocktable.BlockNum
	StartOffset      uint64 // byte offset of this partition's sub-block within the node's extent
	CompressedSize   uint64
	UncompressedSize uint64
}

// EncodeNode serializes n into a single byte stream: the node-info
// sub-block, followed by one sub-block per partition in child order
// (spec.md §4.D, §6). Every resident (StateAvail) partition is encoded;
// callers must ensure all partitions are resident before calling (the
// cachetable's clone-for-checkpoint path does this by construction).
func EncodeNode(n *Node, codec Codec) ([]byte, error) {
	partitionBlocks := make([][]byte, len(n.Children))
	dir := make([]partitionDirEntry, len(n.Children))

	for i, c := range n.Children {
		payload, err := encodePartitionPayload(n, c)
		if err != nil {
			return nil, fmt.Errorf("encode partition %d: %w", i, err)
		}

		sb, err := encodeSubBlock(payload, codec)
		if err != nil {
			return nil, err
		}

		partitionBlocks[i] = sb
		dir[i] = partitionDirEntry{
			ChildBlockNum:    c.ChildBlockNum,
			CompressedSize:   uint64(len(sb)),
			UncompressedSize: uint64(len(payload)),
		}
	}

	// Partition sub-blocks are laid out immediately after the node-info
	// sub-block; StartOffset is relative to the start of the node's
	// extent so a partial fetch can pread just one partition's bytes.
	infoPayload := encodeNodeInfoPayload(n, dir)
	infoBlock, err := encodeSubBlock(infoPayload, codec)
	if err != nil {
		return nil, err
	}

	offset := uint64(len(infoBlock))
	for i := range dir {
		dir[i].StartOffset = offset
		offset += uint64(len(partitionBlocks[i]))
	}

	// Re-encode node-info now that StartOffset is known.
	infoPayload = encodeNodeInfoPayload(n, dir)
	infoBlock, err = encodeSubBlock(infoPayload, codec)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(infoBlock)+int(offset))
	out = append(out, infoBlock...)

	for _, pb := range partitionBlocks {
		out = append(out, pb...)
	}

	return out, nil
}

func encodeNodeInfoPayload(n *Node, dir []partitionDirEntry) []byte {
	var buf []byte

	putU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	putU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf = append(buf, b[:]...)
	}
	putBytes := func(b []byte) {
		putU32(uint32(len(b)))
		buf = append(buf, b...)
	}

	putU32(n.Height)
	putU64(uint64(n.BlockNum))
	putU32(uint32(len(n.Children)))

	for _, p := range n.Pivots {
		putBytes(p)
	}

	for _, d := range dir {
		putU64(uint64(d.ChildBlockNum))
		putU64(d.StartOffset)
		putU64(d.CompressedSize)
		putU64(d.UncompressedSize)
	}

	return buf
}

// DecodedNodeInfo is the result of reading just the node-info sub-block:
// enough to build a Node with every partition left StateOnDisk, plus the
// directory needed to fetch any one partition on demand.
type DecodedNodeInfo struct {
	Node *Node
	Dir  []partitionDirEntry

	// InfoBlockLen is the number of bytes the node-info sub-block
	// occupied on disk, i.e. where partition 0's sub-block starts.
	InfoBlockLen int
}

// DecodeNodeInfo parses the node-info sub-block at the start of buf.
func DecodeNodeInfo(buf []byte, codec Codec) (*DecodedNodeInfo, error) {
	payload, consumed, err := decodeSubBlock(buf, codec)
	if err != nil {
		return nil, fmt.Errorf("decode node-info: %w", err)
	}

	r := newReader(payload)

	height := r.u32()
	blockNum := blocktable.BlockNum(r.u64())
	numChildren := r.u32()

	n := &Node{
		BlockNum:      blockNum,
		Height:        height,
		LayoutVersion: 0,
		Children:      make([]*Partition, numChildren),
	}

	for i := uint32(0); i < numChildren; i++ {
		if i > 0 {
			n.Pivots = append(n.Pivots, r.bytes())
		}
	}

	if err := r.err(); err != nil {
		return nil, err
	}

	dir := make([]partitionDirEntry, numChildren)
	for i := range dir {
		dir[i] = partitionDirEntry{
			ChildBlockNum:    blocktable.BlockNum(r.u64()),
			StartOffset:      r.u64(),
			CompressedSize:   r.u64(),
			UncompressedSize: r.u64(),
		}

		n.Children[i] = &Partition{ChildBlockNum: dir[i].ChildBlockNum}
		n.Children[i].SetState(StateOnDisk)
		n.Children[i].CompressedSize = dir[i].CompressedSize
	}

	if err := r.err(); err != nil {
		return nil, err
	}

	return &DecodedNodeInfo{Node: n, Dir: dir, InfoBlockLen: consumed}, nil
}

// DecodePartition fetches and decodes partition i from buf (the bytes of
// the node's full extent), transitioning it StateOnDisk -> StateAvail.
// This is the "partial fetch" spec.md §4.E/§4.D describe: a caller may
// read and decompress exactly one partition without touching the
// others.
func DecodePartition(dn *DecodedNodeInfo, buf []byte, i int, codec Codec) error {
	if i < 0 || i >= len(dn.Dir) {
		return fmt.Errorf("partition index %d out of range: %w", i, ErrPartitionSkew)
	}

	d := dn.Dir[i]
	start := d.StartOffset

	if uint64(len(buf)) < start {
		return ErrShortBuffer
	}

	payload, _, err := decodeSubBlock(buf[start:], codec)
	if err != nil {
		return fmt.Errorf("decode partition %d: %w", i, err)
	}

	p := dn.Node.Children[i]

	if dn.Node.IsLeaf() {
		bm, err := decodeBasement(payload)
		if err != nil {
			return err
		}

		p.Payload = bm
	} else {
		mb, err := decodeMessageBuffer(payload)
		if err != nil {
			return err
		}

		p.Payload = mb
	}

	p.SetState(StateAvail)

	return nil
}

// FullHash computes the node's identity hash (distinct from any
// checksum): xxhash64 over the node-info payload and every resident
// partition's uncompressed payload, in child order (SPEC_FULL.md Domain
// Stack #2).
func FullHash(n *Node) uint64 {
	h := xxhash.New()

	dummyDir := make([]partitionDirEntry, len(n.Children))
	for i, c := range n.Children {
		dummyDir[i] = partitionDirEntry{ChildBlockNum: c.ChildBlockNum}
	}

	_, _ = h.Write(encodeNodeInfoPayload(n, dummyDir))

	for _, c := range n.Children {
		if mb, ok := c.MessageBuffer(); ok {
			_, _ = h.Write(encodeMessageBuffer(mb))
		} else if bm, ok := c.Basement(); ok {
			_, _ = h.Write(encodeBasement(bm))
		}
	}

	return h.Sum64()
}
