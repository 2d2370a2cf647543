// Package vxi11 implements the core channel of the VXI-11 instrument
// protocol over ONC-RPC, enough to write and read SCPI messages.
//
// The abort and interrupt channels are not used.
package vxi11

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"
)

const (
	// DefaultDevice is the logical device name of the first instrument
	DefaultDevice = "inst0"

	portmapperPort = 111
	portmapperProg = 100000
	portmapperVers = 2
	pmapGetPort    = 3
	protoTCP       = 6

	coreProg = 0x0607AF
	coreVers = 1

	procCreateLink  = 10
	procDeviceWrite = 11
	procDeviceRead  = 12
	procDestroyLink = 23

	flagEnd = 1 << 3

	reasonEnd = 1 << 2

	readChunk = 64 * 1024
)

// ErrClosed is generated when a closed link is used
var ErrClosed = errors.New("vxi11: link closed")

// deviceErrors maps VXI-11 Device_ErrorCode values to descriptions
var deviceErrors = map[uint32]string{
	1:  "syntax error",
	3:  "device not accessible",
	4:  "invalid link identifier",
	5:  "parameter error",
	6:  "channel not established",
	8:  "operation not supported",
	9:  "out of resources",
	11: "device locked by another link",
	12: "no lock held by this link",
	15: "I/O timeout",
	17: "I/O error",
	21: "invalid address",
	23: "abort",
	29: "channel already established",
}

// DeviceError is a non-zero Device_ErrorCode returned by the instrument
type DeviceError struct {
	Op   string
	Code uint32
}

func (e *DeviceError) Error() string {
	desc, ok := deviceErrors[e.Code]
	if !ok {
		desc = "unknown error"
	}
	return fmt.Sprintf("vxi11 %s: %s (%d)", e.Op, desc, e.Code)
}

// Config holds the parameters of a link
type Config struct {
	// Device is the logical device name, e.g. "inst0"
	Device string

	// Timeout bounds connect and each RPC, and is sent as the io_timeout
	Timeout time.Duration

	// PortmapperPort overrides the portmapper port (111)
	PortmapperPort int

	// Logger, if not nil, traces every write and read
	Logger *log.Logger
}

// Link is an open VXI-11 device link
type Link struct {
	cfg         Config
	rpc         *rpcConn
	lid         uint32
	maxRecvSize uint32
	closed      bool
}

// Dial asks the portmapper on host for the core channel port, connects to
// it and creates a link to cfg.Device
func Dial(ctx context.Context, host string, cfg Config) (*Link, error) {
	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PortmapperPort == 0 {
		cfg.PortmapperPort = portmapperPort
	}
	port, err := getPort(ctx, host, cfg)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("dial core channel: %w", err)
	}
	l := &Link{cfg: cfg, rpc: &rpcConn{conn: conn, prog: coreProg, vers: coreVers, timeout: cfg.Timeout}}
	if err := l.createLink(); err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

func getPort(ctx context.Context, host string, cfg Config) (uint32, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(cfg.PortmapperPort)))
	if err != nil {
		return 0, fmt.Errorf("dial portmapper: %w", err)
	}
	pm := &rpcConn{conn: conn, prog: portmapperProg, vers: portmapperVers, timeout: cfg.Timeout}
	defer pm.Close()
	w := xdrWriter{}
	w.uint32(coreProg)
	w.uint32(coreVers)
	w.uint32(protoTCP)
	w.uint32(0)
	r, err := pm.call(pmapGetPort, w.buf)
	if err != nil {
		return 0, fmt.Errorf("portmapper getport: %w", err)
	}
	port := r.uint32()
	if r.err != nil {
		return 0, r.err
	}
	if port == 0 {
		return 0, fmt.Errorf("portmapper: core channel not registered on %s", host)
	}
	return port, nil
}

func (l *Link) ioTimeout() uint32 {
	return uint32(l.cfg.Timeout / time.Millisecond)
}

func (l *Link) createLink() error {
	w := xdrWriter{}
	w.uint32(0)   // clientId
	w.bool(false) // lockDevice
	w.uint32(0)   // lock_timeout
	w.string(l.cfg.Device)
	r, err := l.rpc.call(procCreateLink, w.buf)
	if err != nil {
		return fmt.Errorf("create_link: %w", err)
	}
	code := r.uint32()
	l.lid = r.uint32()
	r.uint32() // abortPort
	l.maxRecvSize = r.uint32()
	if r.err != nil {
		return r.err
	}
	if code != 0 {
		return &DeviceError{Op: "create_link", Code: code}
	}
	if l.maxRecvSize == 0 {
		l.maxRecvSize = 1024
	}
	return nil
}

// Write sends data, split into chunks of at most the device's maxRecvSize,
// with the END flag on the last chunk
func (l *Link) Write(data []byte) error {
	if l.closed {
		return ErrClosed
	}
	if l.cfg.Logger != nil {
		l.cfg.Logger.Printf("vxi11 -> %q", data)
	}
	for {
		chunk := data
		last := true
		if uint32(len(chunk)) > l.maxRecvSize {
			chunk = chunk[:l.maxRecvSize]
			last = false
		}
		w := xdrWriter{}
		w.uint32(l.lid)
		w.uint32(l.ioTimeout())
		w.uint32(0)
		var flags uint32
		if last {
			flags = flagEnd
		}
		w.uint32(flags)
		w.opaque(chunk)
		r, err := l.rpc.call(procDeviceWrite, w.buf)
		if err != nil {
			return fmt.Errorf("device_write: %w", err)
		}
		code := r.uint32()
		size := r.uint32()
		if r.err != nil {
			return r.err
		}
		if code != 0 {
			return &DeviceError{Op: "device_write", Code: code}
		}
		if size > uint32(len(chunk)) || (size == 0 && len(chunk) > 0) {
			return fmt.Errorf("device_write: device accepted %d of %d bytes", size, len(chunk))
		}
		data = data[size:]
		if last && len(data) == 0 {
			return nil
		}
	}
}

// Read issues device_read calls until the device reports END
func (l *Link) Read() ([]byte, error) {
	if l.closed {
		return nil, ErrClosed
	}
	var buf bytes.Buffer
	for {
		w := xdrWriter{}
		w.uint32(l.lid)
		w.uint32(readChunk)
		w.uint32(l.ioTimeout())
		w.uint32(0)
		w.uint32(0) // flags, no term char
		w.uint32(0) // termChar
		r, err := l.rpc.call(procDeviceRead, w.buf)
		if err != nil {
			return nil, fmt.Errorf("device_read: %w", err)
		}
		code := r.uint32()
		reason := r.uint32()
		data := r.opaque()
		if r.err != nil {
			return nil, r.err
		}
		if code != 0 {
			return nil, &DeviceError{Op: "device_read", Code: code}
		}
		buf.Write(data)
		if reason&reasonEnd != 0 {
			if l.cfg.Logger != nil {
				l.cfg.Logger.Printf("vxi11 <- %q", buf.Bytes())
			}
			return buf.Bytes(), nil
		}
	}
}

// Close destroys the link and closes the connection.  Closing twice is a no-op.
func (l *Link) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	w := xdrWriter{}
	w.uint32(l.lid)
	_, err := l.rpc.call(procDestroyLink, w.buf)
	if err2 := l.rpc.Close(); err == nil {
		err = err2
	}
	return err
}
