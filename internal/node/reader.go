package node

import "encoding/binary"

// byteReader is a minimal cursor over a payload buffer, recording the
// first short-read error instead of panicking, so callers can check once
// at the end (the pattern the teacher's binary decoders use throughout).
type byteReader struct {
	buf []byte
	pos int
	e   error
}

func newReader(buf []byte) *byteReader {
	return &byteReader{buf: buf}
}

func (r *byteReader) need(n int) bool {
	if r.e != nil {
		return false
	}

	if r.pos+n > len(r.buf) {
		r.e = ErrShortBuffer
		return false
	}

	return true
}

func (r *byteReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}

	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4

	return v
}

func (r *byteReader) u64() uint64 {
	if !r.need(8) {
		return 0
	}

	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8

	return v
}

func (r *byteReader) bytes() []byte {
	n := int(r.u32())
	if !r.need(n) {
		return nil
	}

	b := append([]byte(nil), r.buf[r.pos:r.pos+n]...)
	r.pos += n

	return b
}

func (r *byteReader) err() error { return r.e }

// byteWriter mirrors byteReader for the few places that need one
// (message buffers and basements); encodeNodeInfoPayload uses closures
// instead since it is a single, simple pass.
type byteWriter struct {
	buf []byte
}

func (w *byteWriter) putU8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *byteWriter) putU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *byteWriter) putU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *byteWriter) putBytes(b []byte) {
	w.putU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (r *byteReader) u8() uint8 {
	if !r.need(1) {
		return 0
	}

	v := r.buf[r.pos]
	r.pos++

	return v
}
