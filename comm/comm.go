/*Package comm provides a line-terminated remote device for instruments that
speak over a raw TCP socket or an RS-232 port.

Most usages of this package will boil down to:
	1.  create a RemoteDevice with NewRemoteDevice, passing the terminators the
		instrument uses (the default is a carriage return both ways)
	2.  Open it once
	3.  Send / Recv / SendRecv as many times as needed
	4.  Close it exactly once

A minimal example for an instrument that answers "MEAS?" with a reading:

	rd := comm.NewRemoteDevice("192.168.100.50:5025", false, &comm.Terminators{Tx: '\n', Rx: '\n'}, nil)
	if err := rd.Open(ctx); err != nil {
		return err
	}
	defer rd.Close()
	resp, err := rd.SendRecv([]byte("MEAS?"))

The device is not concurrent safe; one caller owns it for its lifetime.
*/
package comm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/tarm/serial"
)

const defaultTimeout = 3 * time.Second

var (
	terminator = byte('\r')

	// ErrNoSerialConf is generated when IsSerial is true but no serial.Config was given
	ErrNoSerialConf = errors.New("serial device has no serial.Config")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the transmission and receipt termination bytes
type Terminators struct {
	Tx byte
	Rx byte
}

// Sender has a Send method that passes along a byte slice as well as a
// TxTerminator returning the transmission termination byte
type Sender interface {
	Send([]byte) error
	TxTerminator() byte
}

// Recver has a Recv method that gets a byte slice as well as an
// RxTerminator returning the receipt termination byte
type Recver interface {
	Recv() ([]byte, error)
	RxTerminator() byte
}

// SendRecver can send and recieve, and provides a method that sends then recieves
type SendRecver interface {
	Sender
	Recver

	SendRecv([]byte) ([]byte, error)
}

// Opener can open ("establish a connection" but in io language)
type Opener interface {
	Open(context.Context) error
}

// A Communicator can Open, Send, Recv and Close
type Communicator interface {
	io.Closer
	Opener
	SendRecver
}

/*RemoteDevice has an address and implements Communicator

if IsSerial is true, SerialConf must be non-nil and Addr is ignored in favor
of SerialConf.Name
*/
type RemoteDevice struct {
	Addr     string
	IsSerial bool
	Conn     io.ReadWriteCloser

	// Timeout bounds connect, and each read and write when Conn is a net.Conn
	Timeout time.Duration

	// SerialConf is used to open the port when IsSerial is true
	SerialConf *serial.Config

	// Logger, if not nil, traces every frame on the wire
	Logger *log.Logger

	term   Terminators
	reader *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance.  A nil term uses
// carriage returns both ways.
func NewRemoteDevice(addr string, serial bool, term *Terminators, serCfg *serial.Config) RemoteDevice {
	if term == nil {
		term = &Terminators{Tx: terminator, Rx: terminator}
	}
	return RemoteDevice{
		Addr:       addr,
		IsSerial:   serial,
		Timeout:    defaultTimeout,
		SerialConf: serCfg,
		term:       *term}
}

// Open the connection, setting the Conn variable.  There is no retry; the
// first failure is returned.
func (rd *RemoteDevice) Open(ctx context.Context) error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if rd.IsSerial {
		if rd.SerialConf == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.SerialConf)
	} else {
		conn, err = TCPSetup(ctx, rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.reader = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable.  Closing a closed device
// is a no-op.
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.reader = nil
	return err
}

// TxTerminator returns the transmission termination byte
func (rd *RemoteDevice) TxTerminator() byte {
	return rd.term.Tx
}

// RxTerminator returns the receipt termination byte
func (rd *RemoteDevice) RxTerminator() byte {
	return rd.term.Rx
}

// Send writes data to the remote after appending the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	rd.deadline()
	if rd.Logger != nil {
		rd.Logger.Printf("%s <- %q", rd.Addr, b)
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, rd.TxTerminator())
	_, err := rd.Conn.Write(buf)
	return err
}

// Recv recieves one frame from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	rd.deadline()
	term := rd.RxTerminator()
	buf, err := rd.reader.ReadBytes(term)
	if rd.Logger != nil {
		rd.Logger.Printf("%s -> %q", rd.Addr, buf)
	}
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	return buf[:len(buf)-1], nil
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	if err := rd.Send(b); err != nil {
		return nil, err
	}
	return rd.Recv()
}

func (rd *RemoteDevice) deadline() {
	if c, ok := rd.Conn.(net.Conn); ok && rd.Timeout > 0 {
		c.SetDeadline(time.Now().Add(rd.Timeout))
	}
}

// TCPSetup opens a new TCP connection, bounded by timeout and ctx
func TCPSetup(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
