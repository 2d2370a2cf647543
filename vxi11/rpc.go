package vxi11

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	rpcCall    = 0
	rpcReply   = 1
	rpcVersion = 2

	msgAccepted = 0
	acceptOK    = 0

	lastFragment = 1 << 31

	// maxRecord bounds the size of a reassembled RPC record
	maxRecord = 1 << 24
)

// rpcConn is an ONC-RPC (RFC 5531) client over TCP with record marking.
// Calls are strictly sequential.
type rpcConn struct {
	conn    net.Conn
	prog    uint32
	vers    uint32
	xid     uint32
	timeout time.Duration
}

func (c *rpcConn) call(proc uint32, args []byte) (*xdrReader, error) {
	c.xid++
	w := xdrWriter{}
	w.uint32(c.xid)
	w.uint32(rpcCall)
	w.uint32(rpcVersion)
	w.uint32(c.prog)
	w.uint32(c.vers)
	w.uint32(proc)
	w.uint32(0) // cred AUTH_NONE
	w.uint32(0)
	w.uint32(0) // verf AUTH_NONE
	w.uint32(0)
	w.buf = append(w.buf, args...)

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if err := writeRecord(c.conn, w.buf); err != nil {
		return nil, err
	}
	for {
		rec, err := readRecord(c.conn)
		if err != nil {
			return nil, err
		}
		r := &xdrReader{buf: rec}
		xid := r.uint32()
		typ := r.uint32()
		if r.err != nil {
			return nil, r.err
		}
		if typ != rpcReply || xid != c.xid {
			// stale reply from an earlier call; drop it
			continue
		}
		if stat := r.uint32(); stat != msgAccepted {
			return nil, fmt.Errorf("vxi11: rpc call denied (%d)", stat)
		}
		r.uint32() // verf flavor
		r.opaque() // verf body
		if stat := r.uint32(); stat != acceptOK {
			return nil, fmt.Errorf("vxi11: rpc call not accepted (%d)", stat)
		}
		return r, r.err
	}
}

func (c *rpcConn) Close() error {
	return c.conn.Close()
}

// writeRecord sends b as a single last fragment
func writeRecord(w io.Writer, b []byte) error {
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out, uint32(len(b))|lastFragment)
	copy(out[4:], b)
	_, err := w.Write(out)
	return err
}

// readRecord reassembles fragments up to and including the last one
func readRecord(r io.Reader) ([]byte, error) {
	var rec []byte
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		mark := binary.BigEndian.Uint32(hdr[:])
		n := int(mark &^ lastFragment)
		if len(rec)+n > maxRecord {
			return nil, fmt.Errorf("vxi11: record exceeds %d bytes", maxRecord)
		}
		frag := make([]byte, n)
		if _, err := io.ReadFull(r, frag); err != nil {
			return nil, err
		}
		rec = append(rec, frag...)
		if mark&lastFragment != 0 {
			return rec, nil
		}
	}
}
