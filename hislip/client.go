package hislip

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

var (
	// ErrInvalidPrologue is generated when a header does not begin with "HS"
	ErrInvalidPrologue = errors.New("hislip: invalid message prologue")

	// ErrClosed is generated when a closed client is used
	ErrClosed = errors.New("hislip: client closed")

	// ErrInterrupted is generated when the server interrupts a pending response
	ErrInterrupted = errors.New("hislip: response interrupted")
)

// ServerError is an Error or FatalError message received from the server
type ServerError struct {
	Fatal   bool
	Code    uint8
	Message string
}

func (e *ServerError) Error() string {
	kind := "error"
	if e.Fatal {
		kind = "fatal error"
	}
	if e.Message == "" {
		return fmt.Sprintf("hislip %s %d", kind, e.Code)
	}
	return fmt.Sprintf("hislip %s %d: %s", kind, e.Code, e.Message)
}

// Config holds the parameters of a connection
type Config struct {
	// SubAddress is the HiSLIP sub-address, e.g. "hislip0"
	SubAddress string

	// VendorID is sent in Initialize; 0 is fine for generic clients
	VendorID uint16

	// Timeout bounds connect and each message exchange
	Timeout time.Duration

	// Logger, if not nil, traces every message
	Logger *log.Logger
}

// Client is a synchronized-mode HiSLIP client
type Client struct {
	cfg       Config
	sync      net.Conn
	async     net.Conn
	sessionID uint16
	version   uint16
	messageID uint32

	// rmt is true when a complete response has been consumed since the
	// last write, and is reported to the server in the next write
	rmt    bool
	closed bool
}

// Dial connects to addr (host or host:port) and performs the sync and async
// initialization sequence
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	if cfg.SubAddress == "" {
		cfg.SubAddress = DefaultSubAddress
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}
	c := &Client{cfg: cfg, messageID: InitialMessageID}
	d := net.Dialer{Timeout: cfg.Timeout}

	var err error
	c.sync, err = d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial sync channel: %w", err)
	}
	if err = c.initialize(); err != nil {
		c.sync.Close()
		return nil, err
	}
	c.async, err = d.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.sync.Close()
		return nil, fmt.Errorf("dial async channel: %w", err)
	}
	if err = c.asyncInitialize(); err != nil {
		c.sync.Close()
		c.async.Close()
		return nil, err
	}
	c.logf("connected to %s/%s, session %d, server version %d.%d",
		addr, cfg.SubAddress, c.sessionID, c.version>>8, c.version&0xff)
	return c, nil
}

func (c *Client) initialize() error {
	req := Message{
		Header:  Header{MsgType: MsgInitialize, Param: initializeParam(ProtocolVersion, c.cfg.VendorID)},
		Payload: []byte(c.cfg.SubAddress),
	}
	resp, err := c.exchange(c.sync, req)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.MsgType != MsgInitializeResponse {
		return fmt.Errorf("initialize: unexpected message type %d", resp.MsgType)
	}
	c.version, c.sessionID, _ = parseInitializeResponse(resp)
	return nil
}

func (c *Client) asyncInitialize() error {
	req := Message{Header: Header{MsgType: MsgAsyncInitialize, Param: uint32(c.sessionID)}}
	resp, err := c.exchange(c.async, req)
	if err != nil {
		return fmt.Errorf("async initialize: %w", err)
	}
	if resp.MsgType != MsgAsyncInitializeResponse {
		return fmt.Errorf("async initialize: unexpected message type %d", resp.MsgType)
	}
	return nil
}

func (c *Client) exchange(conn net.Conn, m Message) (Message, error) {
	conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	if err := WriteMessage(conn, m); err != nil {
		return Message{}, err
	}
	resp, err := ReadMessage(conn)
	if err != nil {
		return resp, err
	}
	if e := serverError(resp); e != nil {
		return resp, e
	}
	return resp, nil
}

// SessionID returns the session ID assigned by the server
func (c *Client) SessionID() uint16 {
	return c.sessionID
}

// Write sends data as one complete (DataEnd) message
func (c *Client) Write(data []byte) error {
	if c.closed {
		return ErrClosed
	}
	var ctrl uint8
	if c.rmt {
		ctrl = ctrlRMTDelivered
		c.rmt = false
	}
	m := Message{Header: Header{MsgType: MsgDataEnd, Control: ctrl, Param: c.messageID}, Payload: data}
	c.messageID += 2
	c.logf("-> %q", data)
	c.sync.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	return WriteMessage(c.sync, m)
}

// Read collects Data messages until a DataEnd arrives and returns the
// concatenated payload
func (c *Client) Read() ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	var buf bytes.Buffer
	deadline := time.Now().Add(c.cfg.Timeout)
	for {
		c.sync.SetReadDeadline(deadline)
		m, err := ReadMessage(c.sync)
		if err != nil {
			return nil, err
		}
		switch m.MsgType {
		case MsgData:
			buf.Write(m.Payload)
		case MsgDataEnd:
			buf.Write(m.Payload)
			c.rmt = true
			c.logf("<- %q", buf.Bytes())
			return buf.Bytes(), nil
		case MsgInterrupted:
			return nil, ErrInterrupted
		default:
			if e := serverError(m); e != nil {
				return nil, e
			}
			c.logf("ignoring message type %d during read", m.MsgType)
		}
	}
}

// Close releases both channels.  Closing twice is a no-op.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.sync.Close()
	if err2 := c.async.Close(); err == nil {
		err = err2
	}
	return err
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Printf("hislip "+format, args...)
	}
}

func serverError(m Message) error {
	switch m.MsgType {
	case MsgFatalError:
		return &ServerError{Fatal: true, Code: m.Control, Message: string(m.Payload)}
	case MsgError:
		return &ServerError{Code: m.Control, Message: string(m.Payload)}
	}
	return nil
}
