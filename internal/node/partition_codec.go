package node

import "fmt"

// encodePartitionPayload serializes a resident partition's payload
// (spec.md §4.D): a MessageBuffer for internal nodes, a Basement for
// leaves. The partition must be StateAvail.
func encodePartitionPayload(n *Node, c *Partition) ([]byte, error) {
	if c.State() != StateAvail {
		return nil, fmt.Errorf("node: cannot encode non-resident partition (state=%s)", c.State())
	}

	if n.IsLeaf() {
		bm, ok := c.Basement()
		if !ok {
			return nil, fmt.Errorf("node: leaf partition payload is not a Basement")
		}

		return encodeBasement(bm), nil
	}

	mb, ok := c.MessageBuffer()
	if !ok {
		return nil, fmt.Errorf("node: internal partition payload is not a MessageBuffer")
	}

	return encodeMessageBuffer(mb), nil
}

func encodeMessageBuffer(mb *MessageBuffer) []byte {
	w := &byteWriter{}

	w.putU32(uint32(len(mb.all)))

	for _, m := range mb.all {
		w.putU8(uint8(m.Type))
		w.putU64(m.MSN)
		w.putBytes(m.Key)
		w.putBytes(m.Value)

		w.putU32(uint32(len(m.XidStack)))
		for _, xid := range m.XidStack {
			w.putU64(xid)
		}

		fresh := uint8(0)
		if m.Fresh {
			fresh = 1
		}

		w.putU8(fresh)
	}

	return w.buf
}

func decodeMessageBuffer(payload []byte) (*MessageBuffer, error) {
	r := newReader(payload)

	count := r.u32()
	mb := &MessageBuffer{all: make([]Message, 0, count)}

	for i := uint32(0); i < count; i++ {
		m := Message{
			Type:  MsgType(r.u8()),
			MSN:   r.u64(),
			Key:   r.bytes(),
			Value: r.bytes(),
		}

		xidCount := r.u32()
		if xidCount > 0 {
			m.XidStack = make([]uint64, xidCount)
			for j := range m.XidStack {
				m.XidStack[j] = r.u64()
			}
		}

		m.Fresh = r.u8() != 0

		mb.all = append(mb.all, m)

		if m.isBroadcast() {
			mb.broadcast = append(mb.broadcast, len(mb.all)-1)
		}

		if m.MSN > mb.maxMSN {
			mb.maxMSN = m.MSN
		}
	}

	if err := r.err(); err != nil {
		return nil, fmt.Errorf("decode message buffer: %w", err)
	}

	return mb, nil
}

func encodeBasement(bm *Basement) []byte {
	w := &byteWriter{}

	w.putU32(uint32(len(bm.entries)))
	w.putU64(bm.MaxMSNApplied)
	w.putU64(bm.SeqInsert)

	for _, e := range bm.entries {
		w.putBytes(e.key)
		encodeLeafEntry(w, e.entry)
	}

	return w.buf
}

func decodeBasement(payload []byte) (*Basement, error) {
	r := newReader(payload)

	count := r.u32()
	bm := &Basement{entries: make([]basementEntry, 0, count)}
	bm.MaxMSNApplied = r.u64()
	bm.SeqInsert = r.u64()

	for i := uint32(0); i < count; i++ {
		key := r.bytes()
		entry := decodeLeafEntry(r)
		bm.entries = append(bm.entries, basementEntry{key: key, entry: entry})
	}

	if err := r.err(); err != nil {
		return nil, fmt.Errorf("decode basement: %w", err)
	}

	return bm, nil
}

func encodeLeafEntry(w *byteWriter, e LeafEntry) {
	if e.clean {
		w.putU8(1)
		w.putBytes(e.cleanValue)

		return
	}

	w.putU8(0)

	w.putU32(uint32(len(e.committed)))
	for _, rec := range e.committed {
		encodeTxnRecord(w, rec)
	}

	w.putU32(uint32(len(e.provisional)))
	for _, rec := range e.provisional {
		encodeTxnRecord(w, rec)
	}
}

func decodeLeafEntry(r *byteReader) LeafEntry {
	clean := r.u8() != 0

	if clean {
		return LeafEntry{clean: true, cleanValue: r.bytes()}
	}

	committedCount := r.u32()
	committed := make([]TxnRecord, committedCount)

	for i := range committed {
		committed[i] = decodeTxnRecord(r)
	}

	provisionalCount := r.u32()
	provisional := make([]TxnRecord, provisionalCount)

	for i := range provisional {
		provisional[i] = decodeTxnRecord(r)
	}

	return LeafEntry{committed: committed, provisional: provisional}
}

func encodeTxnRecord(w *byteWriter, rec TxnRecord) {
	w.putU64(rec.TXNID)

	tombstone := uint8(0)
	if rec.Tombstone {
		tombstone = 1
	}

	w.putU8(tombstone)
	w.putBytes(rec.Value)
}

func decodeTxnRecord(r *byteReader) TxnRecord {
	return TxnRecord{
		TXNID:     r.u64(),
		Tombstone: r.u8() != 0,
		Value:     r.bytes(),
	}
}
