package node

import "sort"

// basementEntry pairs a key with its leaf entry, kept sorted by key.
type basementEntry struct {
	key   []byte
	entry LeafEntry
}

// Basement is the leaf equivalent of a message buffer: an ordered
// container of leaf entries plus the metadata needed to avoid
// re-applying a message twice (spec.md §3 Basement).
type Basement struct {
	entries []basementEntry

	MaxMSNApplied uint64
	SeqInsert     uint64

	// StatDelta accumulates the net effect on per-tree stats (inserts,
	// deletes, byte estimate) since this basement was last serialized;
	// the checkpointer/tree folds it into Header.Stats and resets it.
	StatDelta StatDelta

	// StaleAncestorMSN records, per query, the highest ancestor MSN
	// already folded in, so a query descending repeatedly through the
	// same ancestor buffers does not reapply messages (spec.md §4.F
	// "Ancestor messages").
	StaleAncestorMSN uint64
}

// StatDelta is the local, not-yet-folded-into-Header.Stats change since
// the last write.
type StatDelta struct {
	Inserts int64
	Deletes int64
	Bytes   int64
}

// Add accumulates o into d, for folding several basements' deltas into
// one running total (spec.md §4.G checkpoint Begin).
func (d *StatDelta) Add(o StatDelta) {
	d.Inserts += o.Inserts
	d.Deletes += o.Deletes
	d.Bytes += o.Bytes
}

// TakeStatDelta returns bm's accumulated delta and resets it to zero,
// transferring responsibility for folding it into Header.Stats to the
// caller (normally a checkpoint's Begin phase, spec.md §4.G).
func (bm *Basement) TakeStatDelta() StatDelta {
	d := bm.StatDelta
	bm.StatDelta = StatDelta{}

	return d
}

// NewBasement returns an empty basement.
func NewBasement() *Basement {
	return &Basement{}
}

func (bm *Basement) find(key []byte, cmp Comparator) (int, bool) {
	idx := sort.Search(len(bm.entries), func(i int) bool {
		return cmp(bm.entries[i].key, key) >= 0
	})

	if idx < len(bm.entries) && cmp(bm.entries[idx].key, key) == 0 {
		return idx, true
	}

	return idx, false
}

// Get looks up a key's leaf entry.
func (bm *Basement) Get(key []byte, cmp Comparator) (LeafEntry, bool) {
	idx, ok := bm.find(key, cmp)
	if !ok {
		return LeafEntry{}, false
	}

	return bm.entries[idx].entry, true
}

// Put inserts or replaces a key's leaf entry directly (used by
// ApplyMessage and by bulk-load paths).
func (bm *Basement) Put(key []byte, entry LeafEntry, cmp Comparator) {
	idx, ok := bm.find(key, cmp)
	if ok {
		bm.entries[idx].entry = entry
		return
	}

	bm.entries = append(bm.entries, basementEntry{})
	copy(bm.entries[idx+1:], bm.entries[idx:])
	bm.entries[idx] = basementEntry{key: key, entry: entry}
}

// Delete removes a key entirely (used for compaction; a live delete is
// normally represented as a tombstone record via ApplyMessage, not a
// removal).
func (bm *Basement) Delete(key []byte, cmp Comparator) bool {
	idx, ok := bm.find(key, cmp)
	if !ok {
		return false
	}

	bm.entries = append(bm.entries[:idx], bm.entries[idx+1:]...)

	return true
}

// SplitAt splits bm roughly in half by entry count, returning the left
// and right halves and the pivot key (the largest key kept in left) —
// the rebalance TokuDB's partition_leafentry code performs when a leaf
// partition's basement outgrows basement_size (spec.md §4.D). bm must
// have at least 2 entries.
func (bm *Basement) SplitAt() (left, right *Basement, pivotKey []byte) {
	mid := len(bm.entries) / 2

	left = &Basement{entries: append([]basementEntry(nil), bm.entries[:mid]...)}
	right = &Basement{entries: append([]basementEntry(nil), bm.entries[mid:]...)}
	left.StatDelta = bm.StatDelta

	pivotKey = append([]byte(nil), left.entries[len(left.entries)-1].key...)

	return left, right, pivotKey
}

// MergeFrom appends other's entries after bm's own, keeping key order
// (used to recombine two adjacent leaf partitions whose combined size no
// longer warrants a split, spec.md §4.F merge). Caller must ensure every
// key in other sorts after every key in bm.
func (bm *Basement) MergeFrom(other *Basement) {
	bm.entries = append(bm.entries, other.entries...)
	bm.StatDelta.Add(other.StatDelta)
}

// Clone returns a deep copy of the basement.
func (bm *Basement) Clone() *Basement {
	out := &Basement{
		entries:          make([]basementEntry, len(bm.entries)),
		MaxMSNApplied:    bm.MaxMSNApplied,
		SeqInsert:        bm.SeqInsert,
		StatDelta:        bm.StatDelta,
		StaleAncestorMSN: bm.StaleAncestorMSN,
	}

	for i, e := range bm.entries {
		out.entries[i] = basementEntry{
			key:   append([]byte(nil), e.key...),
			entry: e.entry.clone(),
		}
	}

	return out
}

// Len returns the number of keys in the basement.
func (bm *Basement) Len() int { return len(bm.entries) }

// Each iterates entries in key order; stop early by returning false.
func (bm *Basement) Each(fn func(key []byte, entry LeafEntry) bool) {
	for _, e := range bm.entries {
		if !fn(e.key, e.entry) {
			return
		}
	}
}

// UncompressedSize estimates the basement's serialized size.
func (bm *Basement) UncompressedSize() uint64 {
	var total uint64

	for _, e := range bm.entries {
		total += uint64(len(e.key)) + e.entry.Size() + basementEntryOverhead
	}

	return total
}

const basementEntryOverhead = 4 // key length prefix

// ApplyMessage applies one message to the basement (spec.md §4.F "Apply
// to basement"): messages with MSN <= MaxMSNApplied are skipped (the
// tree-level MSN invariant), otherwise the MVCC chain is mutated,
// MaxMSNApplied/SeqInsert/StatDelta are updated.
func (bm *Basement) ApplyMessage(m Message, cmp Comparator) {
	if m.MSN <= bm.MaxMSNApplied {
		return
	}

	bm.MaxMSNApplied = m.MSN
	bm.SeqInsert++

	existing, had := bm.Get(m.Key, cmp)

	switch m.Type {
	case MsgInsert, MsgInsertOverwrite:
		next := mutateForInsert(existing, had, m)
		bm.Put(append([]byte(nil), m.Key...), next, cmp)

		if !had {
			bm.StatDelta.Inserts++
		}

		bm.StatDelta.Bytes += int64(len(m.Value))
	case MsgDelete:
		if !had {
			return
		}

		next := mutateForDelete(existing, m)
		bm.Put(m.Key, next, cmp)
		bm.StatDelta.Deletes++
	case MsgBroadcastDelete:
		if !had {
			return
		}

		next := mutateForDelete(existing, m)
		bm.Put(m.Key, next, cmp)
		bm.StatDelta.Deletes++
	}
}

// mutateForInsert folds an insert/overwrite message into an existing
// entry (or creates a fresh Clean entry when there is no open
// transaction context, matching TokuDB's fast path for non-transactional
// writes).
func mutateForInsert(existing LeafEntry, had bool, m Message) LeafEntry {
	if len(m.XidStack) == 0 {
		return NewCleanEntry(m.Value)
	}

	committed := existing.committed
	provisional := pushProvisional(existing.provisional, m.XidStack, TxnRecord{
		TXNID: m.XidStack[len(m.XidStack)-1],
		Value: m.Value,
	})

	if had && existing.clean {
		committed = []TxnRecord{{TXNID: 0, Value: existing.cleanValue}}
	}

	return NewMvccEntry(committed, provisional)
}

func mutateForDelete(existing LeafEntry, m Message) LeafEntry {
	if len(m.XidStack) == 0 {
		return NewCleanEntry(nil)
	}

	committed := existing.committed
	if existing.clean {
		committed = []TxnRecord{{TXNID: 0, Value: existing.cleanValue}}
	}

	provisional := pushProvisional(existing.provisional, m.XidStack, TxnRecord{
		TXNID:     m.XidStack[len(m.XidStack)-1],
		Tombstone: true,
	})

	return NewMvccEntry(committed, provisional)
}

// pushProvisional places rec at the innermost position of the nested
// transaction stack, replacing any existing record for the same
// innermost txid (a transaction overwriting its own uncommitted write).
func pushProvisional(existing []TxnRecord, xidStack []uint64, rec TxnRecord) []TxnRecord {
	if len(existing) > 0 && existing[len(existing)-1].TXNID == rec.TXNID {
		out := append([]TxnRecord(nil), existing[:len(existing)-1]...)
		return append(out, rec)
	}

	return append(append([]TxnRecord(nil), existing...), rec)
}
