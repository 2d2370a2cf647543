/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, and a bulk-transfer device built on gousb.

It does not implement the USB488 subclass (SRQ, REN, trigger) or the
INITIATE_ABORT control requests.

To send a message:
1.  Allocate a send buffer
2.  Write the header to it
3.  Write your data to it
4.  Ensure that the total transmission size is a multiple of 4 bytes before flushing

To receive a message:
1.  Create a read request header and send it on the Out endpoint
2.  Read from the In endpoint, strip the header
3.  Repeat until the EOM bit is set

These macros are implemented as Write() and Read() on the concrete USB type defined in this package.
*/
package usbtmc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/gousb"
)

const (
	// reserved is the byte to insert in reserved header fields
	reserved = 0x00

	headerSize = 12

	msgDevDepOut       = 0x01
	msgRequestDevDepIn = 0x02

	// bulkInSize is the largest transfer requested from the device
	bulkInSize = 64 * 1024
)

var (
	// ErrNoDevice is generated when no attached device matches
	ErrNoDevice = errors.New("usbtmc: no matching device")

	// ErrNoEndpoints is generated when the interface lacks a bulk in/out pair
	ErrNoEndpoints = errors.New("usbtmc: interface has no bulk in/out endpoints")
)

// BTagger can generate bTags
type BTagger interface {
	nextbTag() byte
}

// bTagGen is a concurrent-safe bTag generator
type bTagGen struct {
	// embedded mutex for concurrent safety
	sync.Mutex

	value byte
	min   byte
}

func newBTagGen() *bTagGen {
	return &bTagGen{value: 0, min: 1}
}

func (b *bTagGen) nextbTag() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value < b.min {
		b.value = b.min
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	// ^ is bitwise exclusive OR.  Comparing with 0xff (all 1s) is the bitwise inversion
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(btag BTagger, datalen int) [headerSize]byte {
	out := [headerSize]byte{}
	/* data map by offset:
	0 MsgID, DEV_DEP_MSG_OUT
	1 bTag, 1 <= x <= 255, incrementing with each message
	2 bTagInverse
	3 Reserved (0x00)
	4-7 transferSize, LSB first, exclusive of header and alignment
	8 bmTransferAttributes, bit 0 EOM
	9-11 reserved
	*/
	tag := btag.nextbTag()
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01 // always a single, complete message
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, the TermChar bit is cleared
func encBulkInHeader(btag BTagger, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	tag := btag.nextbTag()
	out[0] = msgRequestDevDepIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	}
	return out
}

// BulkInResponse is the response from a bulk input read, split into header and payload
type BulkInResponse struct {
	// Header is the header bytes that are prepended to the data
	Header []byte

	// Data is the actual datagram body
	Data []byte
}

// EOM reports whether this transfer ends the message
func (b BulkInResponse) EOM() bool {
	return len(b.Header) == headerSize && b.Header[8]&0x01 != 0
}

// decBulkIn splits a raw bulk-in transfer into header and its declared payload
func decBulkIn(buf []byte) (BulkInResponse, error) {
	var out BulkInResponse
	if len(buf) < headerSize {
		return out, fmt.Errorf("usbtmc: only received %d bytes, need at least %d to form header", len(buf), headerSize)
	}
	if buf[0] != msgRequestDevDepIn {
		return out, fmt.Errorf("usbtmc: unexpected MsgID %d in bulk-in header", buf[0])
	}
	size := int(binary.LittleEndian.Uint32(buf[4:8]))
	if size > len(buf)-headerSize {
		size = len(buf) - headerSize
	}
	out.Header = buf[:headerSize]
	out.Data = buf[headerSize : headerSize+size]
	return out, nil
}

// bulkIn and bulkOut are the halves of *gousb.InEndpoint and
// *gousb.OutEndpoint that a USBDevice uses
type bulkIn interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type bulkOut interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

// USBDevice is a struct hiding the details of USB and exposing Write/Read of whole messages
type USBDevice struct {
	Logger *log.Logger

	// Timeout bounds each bulk transfer.  Zero means no limit.
	Timeout time.Duration

	tagger BTagger
	ctx    *gousb.Context
	in     bulkIn
	out    bulkOut
	device *gousb.Device
	iface  *gousb.Interface
	closer func()
}

// NewUSBDevice opens the device with the given vendor and product ID.  If
// serial is not empty, the device's serial number must match it.  timeout
// bounds every bulk transfer.
func NewUSBDevice(vid, pid uint16, serial string, timeout time.Duration) (*USBDevice, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, err
	}
	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil && serialMatches(d, serial) {
			dev = d
			continue
		}
		d.Close()
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w %04x:%04x %s", ErrNoDevice, vid, pid, serial)
	}
	out := &USBDevice{Timeout: timeout, tagger: newBTagGen(), ctx: ctx, device: dev}
	if err := out.claim(); err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

func serialMatches(d *gousb.Device, serial string) bool {
	if serial == "" {
		return true
	}
	sn, err := d.SerialNumber()
	return err == nil && sn == serial
}

func (d *USBDevice) claim() error {
	if err := d.device.SetAutoDetach(true); err != nil {
		return err
	}
	iface, done, err := d.device.DefaultInterface()
	if err != nil {
		return err
	}
	d.iface, d.closer = iface, done
	for _, ep := range iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionIn && d.in == nil:
			d.in, err = iface.InEndpoint(ep.Number)
		case ep.Direction == gousb.EndpointDirectionOut && d.out == nil:
			d.out, err = iface.OutEndpoint(ep.Number)
		}
		if err != nil {
			return err
		}
	}
	if d.in == nil || d.out == nil {
		return ErrNoEndpoints
	}
	return nil
}

// transferContext is the context for one bulk transfer
func (d *USBDevice) transferContext() (context.Context, context.CancelFunc) {
	if d.Timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), d.Timeout)
}

func (d *USBDevice) write(b []byte) error {
	ctx, cancel := d.transferContext()
	defer cancel()
	_, err := d.out.WriteContext(ctx, b)
	return err
}

// Write sends b as one DEV_DEP_MSG_OUT transfer, padded to 4 bytes
func (d *USBDevice) Write(b []byte) error {
	const (
		alignment = 4
	)
	if d.Logger != nil {
		d.Logger.Printf("usbtmc -> %q", b)
	}
	hdr := encBulkOutHeader(d.tagger, len(b))
	msg := append(hdr[:], b...) // [:] array => slice of underlying values
	if residual := len(msg) % alignment; residual > 0 {
		msg = append(msg, make([]byte, alignment-residual)...)
	}
	return d.write(msg)
}

// Read requests and collects transfers until the device sets EOM
func (d *USBDevice) Read() ([]byte, error) {
	var msg []byte
	buf := make([]byte, bulkInSize+headerSize)
	for {
		hdr := encBulkInHeader(d.tagger, bulkInSize, nil)
		if err := d.write(hdr[:]); err != nil {
			return nil, err
		}
		ctx, cancel := d.transferContext()
		n, err := d.in.ReadContext(ctx, buf)
		cancel()
		if err != nil {
			return nil, err
		}
		resp, err := decBulkIn(buf[:n])
		if err != nil {
			return nil, err
		}
		msg = append(msg, resp.Data...)
		if resp.EOM() {
			break
		}
	}
	if d.Logger != nil {
		d.Logger.Printf("usbtmc <- %q", msg)
	}
	return msg, nil
}

// Close releases the interface, the device and the USB context
func (d *USBDevice) Close() error {
	if d.closer != nil {
		d.closer()
		d.closer = nil
	}
	var err error
	if d.device != nil {
		err = d.device.Close()
		d.device = nil
	}
	if d.ctx != nil {
		if err2 := d.ctx.Close(); err == nil {
			err = err2
		}
		d.ctx = nil
	}
	return err
}
