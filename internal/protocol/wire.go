package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Payload primitives. Integers are big-endian; strings carry a u16 length
// prefix, byte slices a u32 prefix.

type wireWriter struct {
	buf []byte
}

func (w *wireWriter) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *wireWriter) u16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *wireWriter) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *wireWriter) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *wireWriter) f32(v float32) {
	w.u32(math.Float32bits(v))
}

func (w *wireWriter) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *wireWriter) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *wireWriter) blob(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *wireWriter) strSlice(ss []string) {
	w.u16(uint16(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

// wireReader consumes a payload with a sticky error: once a read runs past
// the end, every later read returns zero values and err() reports the fault.
type wireReader struct {
	buf  []byte
	off  int
	fail error
}

func (r *wireReader) setFail() {
	if r.fail == nil {
		r.fail = fmt.Errorf("payload truncated at offset %d", r.off)
	}
}

func (r *wireReader) take(n int) []byte {
	if r.fail != nil || r.off+n > len(r.buf) {
		r.setFail()
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *wireReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *wireReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *wireReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *wireReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *wireReader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *wireReader) boolean() bool {
	return r.u8() != 0
}

func (r *wireReader) str() string {
	n := int(r.u16())
	b := r.take(n)
	return string(b)
}

func (r *wireReader) blob() []byte {
	n := int(r.u32())
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *wireReader) strSlice() []string {
	n := int(r.u16())
	if r.fail != nil {
		return nil
	}
	ss := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ss = append(ss, r.str())
	}
	return ss
}

// done reports an error unless the payload was consumed exactly.
func (r *wireReader) done() error {
	if r.fail != nil {
		return r.fail
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("payload has %d trailing bytes", len(r.buf)-r.off)
	}
	return nil
}
