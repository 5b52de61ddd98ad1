package node

import "sort"

// MsgType identifies a message buffer entry's kind.
type MsgType uint8

const (
	MsgInsert MsgType = iota
	MsgDelete
	MsgInsertOverwrite
	MsgBroadcastDelete
)

// Message is one entry in a child's message buffer (spec.md §3
// MessageBuffer).
type Message struct {
	Type  MsgType
	Key   []byte
	Value []byte
	MSN   uint64

	// XidStack is the nesting of transaction ids this message was
	// written under, outermost first, matching the provisional-record
	// nesting described for leaf entries.
	XidStack []uint64

	// Fresh is true until the message has been applied to a basement
	// (or flushed further down an internal buffer); it then moves to the
	// stale index. Point messages use this to skip re-application;
	// broadcast messages never flip it (they always replay into every
	// child, see spec.md §4.F "Flush to child").
	Fresh bool
}

func (m Message) isBroadcast() bool { return m.Type == MsgBroadcastDelete }

// MessageBuffer is the append-only per-child log of pending messages.
// Three secondary views are kept, as spec.md §3 describes:
//   - an insertion-order list of broadcast messages
//   - an ordered index of fresh (unapplied) point messages by (key, msn)
//   - an ordered index of stale (applied) messages
//
// All three are derived from the single insertion-ordered `all` slice;
// keeping `all` as the source of truth makes the MSN-monotone invariant
// trivial to check and the indices trivial to rebuild after a partial
// decompress.
type MessageBuffer struct {
	all       []Message
	broadcast []int // indices into all
	maxMSN    uint64
}

// NewMessageBuffer returns an empty buffer.
func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{}
}

// Append adds a message to the buffer. Panics if msg.MSN does not
// strictly increase, per spec.md §3's MessageBuffer invariant.
func (b *MessageBuffer) Append(msg Message) {
	if len(b.all) > 0 && msg.MSN <= b.maxMSN {
		panic("node: message buffer MSN not strictly increasing")
	}

	msg.Fresh = true
	b.all = append(b.all, msg)
	b.maxMSN = msg.MSN

	if msg.isBroadcast() {
		b.broadcast = append(b.broadcast, len(b.all)-1)
	}
}

// All returns every message in insertion (MSN) order.
func (b *MessageBuffer) All() []Message { return b.all }

// Broadcasts returns every broadcast message in insertion order.
func (b *MessageBuffer) Broadcasts() []Message {
	out := make([]Message, len(b.broadcast))
	for i, idx := range b.broadcast {
		out[i] = b.all[idx]
	}

	return out
}

// FreshByKeyThenMSN returns non-broadcast messages with Fresh == true,
// ordered by (key, msn) ascending — the order a flush-to-child applies
// them in per key, matching the "ordered index of fresh point messages"
// in spec.md §3.
func (b *MessageBuffer) FreshByKeyThenMSN() []Message {
	out := make([]Message, 0, len(b.all))

	for _, m := range b.all {
		if m.Fresh && !m.isBroadcast() {
			out = append(out, m)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		c := DefaultComparator(out[i].Key, out[j].Key)
		if c != 0 {
			return c < 0
		}

		return out[i].MSN < out[j].MSN
	})

	return out
}

// MarkStale flips every currently-fresh point message to stale, as
// happens once they have been delivered to a child (spec.md §4.F
// "After flushing, the parent's buffer for child i is emptied").
// Stale messages stay around only for diagnostics; a real flush removes
// them entirely, which is what Clear does.
func (b *MessageBuffer) MarkStale() {
	for i := range b.all {
		if !b.all[i].isBroadcast() {
			b.all[i].Fresh = false
		}
	}
}

// Clear empties the buffer entirely (used after a full flush-to-child),
// including its broadcast list; callers replay broadcasts into the child
// before clearing.
func (b *MessageBuffer) Clear() {
	b.all = nil
	b.broadcast = nil
}

// Clone returns a deep copy of the buffer.
func (b *MessageBuffer) Clone() *MessageBuffer {
	out := &MessageBuffer{
		all:       make([]Message, len(b.all)),
		broadcast: append([]int(nil), b.broadcast...),
		maxMSN:    b.maxMSN,
	}

	for i, m := range b.all {
		out.all[i] = Message{
			Type:     m.Type,
			Key:      append([]byte(nil), m.Key...),
			Value:    append([]byte(nil), m.Value...),
			MSN:      m.MSN,
			XidStack: append([]uint64(nil), m.XidStack...),
			Fresh:    m.Fresh,
		}
	}

	return out
}

// MaxMSN returns the highest MSN appended so far, or 0 if empty.
func (b *MessageBuffer) MaxMSN() uint64 { return b.maxMSN }

// Len returns the number of messages currently buffered.
func (b *MessageBuffer) Len() int { return len(b.all) }

// UncompressedSize estimates the buffer's serialized size for gorged/
// reactivity decisions (spec.md §4.F), summing key+value+fixed overhead
// per message.
func (b *MessageBuffer) UncompressedSize() uint64 {
	var total uint64

	for _, m := range b.all {
		total += uint64(len(m.Key)) + uint64(len(m.Value)) + messageFixedOverhead
	}

	return total
}

const messageFixedOverhead = 1 + 8 + 8 + 1 // type + msn + xidstack-count + fresh
