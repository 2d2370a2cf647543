package vxi11

import (
	"encoding/binary"
	"errors"
)

var errShortXDR = errors.New("vxi11: truncated XDR data")

// xdrWriter appends XDR (RFC 4506) items to a buffer
type xdrWriter struct {
	buf []byte
}

func (w *xdrWriter) uint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *xdrWriter) bool(v bool) {
	if v {
		w.uint32(1)
		return
	}
	w.uint32(0)
}

// opaque writes variable-length opaque data, zero padded to 4 bytes
func (w *xdrWriter) opaque(b []byte) {
	w.uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	if pad := (4 - len(b)%4) % 4; pad > 0 {
		w.buf = append(w.buf, make([]byte, pad)...)
	}
}

func (w *xdrWriter) string(s string) {
	w.opaque([]byte(s))
}

// xdrReader consumes XDR items; the first failure sticks in err
type xdrReader struct {
	buf []byte
	err error
}

func (r *xdrReader) uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 4 {
		r.err = errShortXDR
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *xdrReader) opaque() []byte {
	n := int(r.uint32())
	if r.err != nil {
		return nil
	}
	padded := n + (4-n%4)%4
	if n < 0 || len(r.buf) < padded {
		r.err = errShortXDR
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[padded:]
	return out
}
