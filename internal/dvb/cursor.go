package dvb

import (
	"encoding/binary"
	"fmt"
)

// reader walks a byte slice and tracks how much is left. Every read checks
// the remaining budget first so a short buffer yields ErrTruncated instead of
// a panic.
type reader struct {
	buf []byte
	off int
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) need(n int, what string) error {
	if r.remaining() < n {
		return fmt.Errorf("%s needs %d bytes at offset %d, %d left: %w",
			what, n, r.off, r.remaining(), ErrTruncated)
	}
	return nil
}

func (r *reader) u8() uint8 {
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) bytes(n int) []byte {
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

// done fails when bytes are left over after the declared content.
func (r *reader) done(what string) error {
	if r.remaining() != 0 {
		return fmt.Errorf("%s: %d trailing bytes: %w", what, r.remaining(), ErrLengthMismatch)
	}
	return nil
}

// writer fills a pre-sized byte slice, typically obtained from
// gopacket.SerializeBuffer.PrependBytes.
type writer struct {
	buf []byte
	off int
}

func newWriter(b []byte) *writer { return &writer{buf: b} }

func (w *writer) u8(v uint8) {
	w.buf[w.off] = v
	w.off++
}

func (w *writer) u16(v uint16) {
	binary.BigEndian.PutUint16(w.buf[w.off:], v)
	w.off += 2
}

func (w *writer) u32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *writer) bytes(v []byte) {
	copy(w.buf[w.off:], v)
	w.off += len(v)
}
