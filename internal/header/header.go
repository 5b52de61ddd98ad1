// Package header implements the crash-consistent file header: two
// alternating 4096-byte slots at offsets 0 and 4096, exactly as
// TokuDB's ft-serialize.cc maintains ft_header_t. Publishing a new header
// is the single atomic step that makes a checkpoint durable; opening a
// file means picking whichever of the two slots is valid and newest.
package header

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/google/uuid"
)

// Errors returned by Open/Decode, classified per spec.md §4.C/§7.
var (
	ErrTooOld    = errors.New("header: layout version too old")
	ErrTooNew    = errors.New("header: layout version too new")
	ErrNoHeader  = errors.New("header: no valid header slot")
	ErrBadMagic  = errors.New("header: bad magic")
	ErrChecksum  = errors.New("header: checksum mismatch")
	ErrTooFuture = errors.New("header: checkpoint_lsn exceeds max_acceptable_lsn")
)

// On-disk layout constants (spec.md §6).
const (
	Magic = "tokudata"

	// SlotSize is the fixed, 512-byte-aligned size of one header slot.
	SlotSize = 4096

	// SlotAOffset, SlotBOffset are the two alternating header locations.
	SlotAOffset = 0
	SlotBOffset = 4096

	// HeaderReserve is the total reserved region at the start of the file
	// (both slots); the block allocator never hands out bytes in here.
	HeaderReserve = SlotAOffset + SlotBOffset + SlotSize // matches spec.md's 8192

	// CurrentLayoutVersion is this module's on-disk format version.
	CurrentLayoutVersion = 2

	// OldestSupportedLayoutVersion is the oldest layout this module will
	// still open for read (TokuDB's two-version compatibility window,
	// see SPEC_FULL.md "Supplemented features").
	OldestSupportedLayoutVersion = 1

	// DefaultNodeSize and DefaultBasementSize are the §4.D tuning
	// defaults.
	DefaultNodeSize     = 4 << 20  // 4 MiB
	DefaultBasementSize = 128 << 10 // 128 KiB
)

// CompressionMethod identifies the codec used for a node's partitions.
type CompressionMethod uint8

const (
	CompressionNone CompressionMethod = iota
	CompressionZstd
	CompressionSnappy
)

// Stats is the per-tree running statistics block (SPEC_FULL.md
// "Supplemented features": TokuDB ft-internal.h's STAT64 equivalent).
type Stats struct {
	NumInserts    uint64
	NumDeletes    uint64
	NumFlushes    uint64
	LogicalBytes  uint64 // estimate of live user-visible bytes
	OnDiskBytes   uint64 // last-known allocated-extent total
}

// Header is the decoded in-memory form of one 4096-byte slot.
type Header struct {
	LayoutVersion     uint32
	BuildID           uuid.UUID
	CheckpointCount   uint64
	CheckpointLSN     uint64
	RootBlockNum      uint64
	NodeSize          uint32
	BasementSize      uint32
	CompressionMethod CompressionMethod
	FanoutTarget      uint32
	Stats             Stats
	TranslationLoc    uint64
	TranslationSize   uint64

	// ReservedFlags carries forward TOKU_DB_VALCMP_BUILTIN_13's bit
	// position: stripped on old-version load, no new meaning assigned.
	ReservedFlags uint32
}

// slotForCheckpointCount returns the slot (0 = A, 1 = B) that
// checkpointCount's parity selects as "current" (spec.md §3 Header
// invariant).
func (h Header) slotForCheckpointCount() uint64 {
	return h.CheckpointCount % 2
}

// New creates a fresh header for a brand-new database file.
func New(rootBlockNum uint64, nodeSize, basementSize uint32, method CompressionMethod) Header {
	id := uuid.New()

	return Header{
		LayoutVersion:     CurrentLayoutVersion,
		BuildID:           id,
		CheckpointCount:   0,
		CheckpointLSN:     0,
		RootBlockNum:      rootBlockNum,
		NodeSize:          nodeSize,
		BasementSize:      basementSize,
		CompressionMethod: method,
		FanoutTarget:      16,
	}
}

// Field byte offsets within a slot, following the fixed big-endian prefix
// (magic/version/build_id/size) required by spec.md §4.C, with a
// host-order stamp separating it from the rest.
const (
	offMagic           = 0  // [8]byte, big-endian bytes (ASCII, order-neutral)
	offVersion         = 8  // uint32 big-endian
	offSize            = 12 // uint32 big-endian: encoded payload size
	offBuildID         = 16 // [16]byte
	offByteOrderStamp  = 32 // uint64 host-order
	offCheckpointCount = 40 // uint64 host-order
	offCheckpointLSN   = 48
	offRootBlockNum    = 56
	offNodeSize        = 64 // uint32
	offBasementSize    = 68 // uint32
	offCompression     = 72 // uint8
	offReservedFlags   = 73 // uint32 (unaligned but fine for byte slices)
	offFanoutTarget    = 77 // uint32
	offTranslationLoc  = 81 // uint64
	offTranslationSize = 89 // uint64
	offStatsStart      = 97
	statsSize          = 8 * 5
	offChecksum        = offStatsStart + statsSize // uint32, little-endian, last field

	byteOrderStampValue = 0x0102030405060708
)

// Encode serializes h into a SlotSize-byte buffer with a trailing CRC32-C
// checksum. The magic/version/size prefix is big-endian regardless of
// host order; the byte-order stamp establishes the endianness of
// everything after it (here always host-native, i.e. little-endian on
// every platform this module targets, but the stamp lets a reader detect
// a foreign-endian file instead of silently misreading it).
func Encode(h Header) []byte {
	buf := make([]byte, SlotSize)

	copy(buf[offMagic:], Magic)
	binary.BigEndian.PutUint32(buf[offVersion:], h.LayoutVersion)
	binary.BigEndian.PutUint32(buf[offSize:], offChecksum+4)
	copy(buf[offBuildID:], h.BuildID[:])
	binary.LittleEndian.PutUint64(buf[offByteOrderStamp:], byteOrderStampValue)
	binary.LittleEndian.PutUint64(buf[offCheckpointCount:], h.CheckpointCount)
	binary.LittleEndian.PutUint64(buf[offCheckpointLSN:], h.CheckpointLSN)
	binary.LittleEndian.PutUint64(buf[offRootBlockNum:], h.RootBlockNum)
	binary.LittleEndian.PutUint32(buf[offNodeSize:], h.NodeSize)
	binary.LittleEndian.PutUint32(buf[offBasementSize:], h.BasementSize)
	buf[offCompression] = byte(h.CompressionMethod)
	binary.LittleEndian.PutUint32(buf[offReservedFlags:], h.ReservedFlags)
	binary.LittleEndian.PutUint32(buf[offFanoutTarget:], h.FanoutTarget)
	binary.LittleEndian.PutUint64(buf[offTranslationLoc:], h.TranslationLoc)
	binary.LittleEndian.PutUint64(buf[offTranslationSize:], h.TranslationSize)

	s := buf[offStatsStart:]
	binary.LittleEndian.PutUint64(s[0:], h.Stats.NumInserts)
	binary.LittleEndian.PutUint64(s[8:], h.Stats.NumDeletes)
	binary.LittleEndian.PutUint64(s[16:], h.Stats.NumFlushes)
	binary.LittleEndian.PutUint64(s[24:], h.Stats.LogicalBytes)
	binary.LittleEndian.PutUint64(s[32:], h.Stats.OnDiskBytes)

	crc := crc32.Checksum(buf[:offChecksum], crc32.MakeTable(crc32.Castagnoli))
	binary.LittleEndian.PutUint32(buf[offChecksum:], crc)

	return buf
}

// Decode validates and parses a SlotSize-byte buffer. It returns a
// specific sentinel error (ErrBadMagic, ErrChecksum, ErrTooOld, ErrTooNew)
// rather than a generic decode failure, so Open can distinguish "no valid
// slot at all" from "this slot is stale".
func Decode(buf []byte) (Header, error) {
	if len(buf) < SlotSize {
		return Header{}, fmt.Errorf("header: short slot read (%d bytes): %w", len(buf), ErrNoHeader)
	}

	if string(buf[offMagic:offMagic+8]) != Magic {
		return Header{}, ErrBadMagic
	}

	storedCRC := binary.LittleEndian.Uint32(buf[offChecksum:])
	computed := crc32.Checksum(buf[:offChecksum], crc32.MakeTable(crc32.Castagnoli))

	if storedCRC != computed {
		return Header{}, ErrChecksum
	}

	if binary.LittleEndian.Uint64(buf[offByteOrderStamp:]) != byteOrderStampValue {
		return Header{}, fmt.Errorf("header: byte-order stamp mismatch: %w", ErrBadMagic)
	}

	version := binary.BigEndian.Uint32(buf[offVersion:])

	switch {
	case version > CurrentLayoutVersion:
		return Header{}, ErrTooNew
	case version < OldestSupportedLayoutVersion:
		return Header{}, ErrTooOld
	}

	var h Header
	h.LayoutVersion = version
	copy(h.BuildID[:], buf[offBuildID:offBuildID+16])
	h.CheckpointCount = binary.LittleEndian.Uint64(buf[offCheckpointCount:])
	h.CheckpointLSN = binary.LittleEndian.Uint64(buf[offCheckpointLSN:])
	h.RootBlockNum = binary.LittleEndian.Uint64(buf[offRootBlockNum:])
	h.NodeSize = binary.LittleEndian.Uint32(buf[offNodeSize:])
	h.BasementSize = binary.LittleEndian.Uint32(buf[offBasementSize:])
	h.CompressionMethod = CompressionMethod(buf[offCompression])
	h.ReservedFlags = binary.LittleEndian.Uint32(buf[offReservedFlags:])
	h.FanoutTarget = binary.LittleEndian.Uint32(buf[offFanoutTarget:])
	h.TranslationLoc = binary.LittleEndian.Uint64(buf[offTranslationLoc:])
	h.TranslationSize = binary.LittleEndian.Uint64(buf[offTranslationSize:])

	s := buf[offStatsStart:]
	h.Stats.NumInserts = binary.LittleEndian.Uint64(s[0:])
	h.Stats.NumDeletes = binary.LittleEndian.Uint64(s[8:])
	h.Stats.NumFlushes = binary.LittleEndian.Uint64(s[16:])
	h.Stats.LogicalBytes = binary.LittleEndian.Uint64(s[24:])
	h.Stats.OnDiskBytes = binary.LittleEndian.Uint64(s[32:])

	return h, nil
}

// SlotCandidate is the result of validating one on-disk slot.
type SlotCandidate struct {
	Header Header
	Err    error // nil iff Header is usable
}

// Pick selects the current header among two decoded slot candidates,
// honoring maxAcceptableLSN (the caller-supplied recovery bound from the
// external WAL, spec.md §6). Mirrors TokuDB's toku_read_and_pin_header:
// accept a slot iff it decodes cleanly and its checkpoint_lsn does not
// exceed the bound; among acceptable slots prefer the larger
// checkpoint_count; if both are acceptable their counts must differ by
// exactly 1 or the file is corrupt (two "current" headers is impossible
// under the alternating-slot protocol).
func Pick(a, b SlotCandidate, maxAcceptableLSN uint64) (Header, error) {
	acceptable := func(c SlotCandidate) bool {
		return c.Err == nil && c.Header.CheckpointLSN <= maxAcceptableLSN
	}

	aOK, bOK := acceptable(a), acceptable(b)

	switch {
	case aOK && bOK:
		diff := int64(a.Header.CheckpointCount) - int64(b.Header.CheckpointCount)
		if diff != 1 && diff != -1 {
			return Header{}, fmt.Errorf("header: checkpoint_count skew %d between slots: %w", diff, ErrChecksum)
		}

		if a.Header.CheckpointCount >= b.Header.CheckpointCount {
			return a.Header, nil
		}

		return b.Header, nil
	case aOK:
		return a.Header, nil
	case bOK:
		return b.Header, nil
	default:
		// Neither slot is acceptable: report the most specific reason we
		// have, preferring "too new"/"too old" over a generic no-header.
		for _, c := range []SlotCandidate{a, b} {
			if errors.Is(c.Err, ErrTooNew) || errors.Is(c.Err, ErrTooOld) {
				return Header{}, c.Err
			}
		}

		if a.Header.CheckpointLSN > maxAcceptableLSN || b.Header.CheckpointLSN > maxAcceptableLSN {
			return Header{}, ErrTooFuture
		}

		return Header{}, ErrNoHeader
	}
}

// NextForCheckpoint returns h advanced to the next checkpoint: count
// incremented (flipping which slot is "current"), and lsn/root/stats set
// to the caller-supplied post-checkpoint values.
func NextForCheckpoint(h Header, lsn, rootBlockNum uint64, translationLoc, translationSize uint64, stats Stats) Header {
	next := h
	next.CheckpointCount++
	next.CheckpointLSN = lsn
	next.RootBlockNum = rootBlockNum
	next.TranslationLoc = translationLoc
	next.TranslationSize = translationSize
	next.Stats = stats

	return next
}

// SlotOffset returns the file offset to write h to, based on its
// checkpoint count's parity.
func SlotOffset(h Header) int64 {
	if h.slotForCheckpointCount() == 0 {
		return SlotAOffset
	}

	return SlotBOffset
}

// MaxUint32 is the largest value the uint32 header fields (NodeSize,
// BasementSize) can hold.
const MaxUint32 = math.MaxUint32
