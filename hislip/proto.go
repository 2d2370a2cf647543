// Package hislip implements the synchronized subset of the HiSLIP 2.0
// protocol (IVI-6.1) needed to exchange SCPI messages with an instrument.
//
// Overlapped mode, locking, TLS and SRQ are not implemented; the async
// channel is opened because the protocol requires it, and is otherwise idle.
package hislip

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	prologueHi byte = 'H'
	prologueLo byte = 'S'

	// DefaultPort is the IANA port for HiSLIP
	DefaultPort = 4880

	// DefaultSubAddress is the sub-address of the first HiSLIP server on an instrument
	DefaultSubAddress = "hislip0"

	// HeaderSize is the size of a message header in bytes
	HeaderSize = 16

	// InitialMessageID is the first message ID a client uses, incremented by 2
	InitialMessageID uint32 = 0xffffff00

	// ProtocolVersion is 2.0, major<<8 | minor
	ProtocolVersion uint16 = 2<<8 | 0

	// maxPayload bounds the length we are willing to allocate for one message
	maxPayload = 1 << 24
)

// message types, Table 4 of IVI-6.1
const (
	MsgInitialize              uint8 = 0
	MsgInitializeResponse      uint8 = 1
	MsgFatalError              uint8 = 2
	MsgError                   uint8 = 3
	MsgData                    uint8 = 6
	MsgDataEnd                 uint8 = 7
	MsgInterrupted             uint8 = 13
	MsgAsyncInitialize         uint8 = 17
	MsgAsyncInitializeResponse uint8 = 18
)

// ctrlRMTDelivered is bit 0 of the control code of Data/DataEnd
const ctrlRMTDelivered uint8 = 0x01

// Header is a HiSLIP message header.  All fields are big endian on the wire.
type Header struct {
	MsgType uint8
	Control uint8
	Param   uint32
	Length  uint64
}

// Message is a header and its payload
type Message struct {
	Header
	Payload []byte
}

// Encode returns the wire representation of m
func (m Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	buf[0] = prologueHi
	buf[1] = prologueLo
	buf[2] = m.MsgType
	buf[3] = m.Control
	binary.BigEndian.PutUint32(buf[4:8], m.Param)
	binary.BigEndian.PutUint64(buf[8:16], uint64(len(m.Payload)))
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

// WriteMessage writes one message to w in a single call
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(m.Encode())
	return err
}

// ReadMessage reads one complete message from r
func ReadMessage(r io.Reader) (Message, error) {
	var m Message
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return m, fmt.Errorf("read header: %w", err)
	}
	if hdr[0] != prologueHi || hdr[1] != prologueLo {
		return m, fmt.Errorf("%w: got %q", ErrInvalidPrologue, hdr[:2])
	}
	m.MsgType = hdr[2]
	m.Control = hdr[3]
	m.Param = binary.BigEndian.Uint32(hdr[4:8])
	m.Length = binary.BigEndian.Uint64(hdr[8:16])
	if m.Length > maxPayload {
		return m, fmt.Errorf("payload of %d bytes exceeds limit of %d", m.Length, maxPayload)
	}
	if m.Length > 0 {
		m.Payload = make([]byte, m.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return m, fmt.Errorf("read payload: %w", err)
		}
	}
	return m, nil
}

// initializeParam packs the client protocol version and vendor ID
func initializeParam(version, vendorID uint16) uint32 {
	return uint32(version)<<16 | uint32(vendorID)
}

// parseInitializeResponse unpacks the server protocol version and session ID
// from the message parameter, and the overlap bit from the control code
func parseInitializeResponse(m Message) (version uint16, sessionID uint16, overlap bool) {
	version = uint16(m.Param >> 16)
	sessionID = uint16(m.Param)
	overlap = m.Control&0x01 != 0
	return
}
