package visa

import (
	"context"
	"runtime"
	"strconv"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.jpl.nasa.gov/bdube/n6700/comm"
	"github.jpl.nasa.gov/bdube/n6700/hislip"
	"github.jpl.nasa.gov/bdube/n6700/usbtmc"
	"github.jpl.nasa.gov/bdube/n6700/vxi11"
)

func (rm *ResourceManager) dial(ctx context.Context, r Resource) (transport, error) {
	switch r.Interface {
	case Socket:
		rd := comm.NewRemoteDevice(r.Address(), false, &comm.Terminators{Tx: '\n', Rx: '\n'}, nil)
		return rm.openLine(ctx, rd)
	case Serial:
		cfg := &serial.Config{
			Name:        serialPortName(r.Device),
			Baud:        rm.baud,
			Size:        8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
			ReadTimeout: rm.timeout}
		rd := comm.NewRemoteDevice(cfg.Name, true, &comm.Terminators{Tx: '\n', Rx: '\n'}, cfg)
		return rm.openLine(ctx, rd)
	case HiSLIP:
		c, err := hislip.Dial(ctx, r.Address(), hislip.Config{
			SubAddress: r.Device,
			Timeout:    rm.timeout,
			Logger:     rm.logger})
		if err != nil {
			return nil, err
		}
		return messageTransport{c}, nil
	case VXI11:
		l, err := vxi11.Dial(ctx, r.Host, vxi11.Config{
			Device:  r.Device,
			Timeout: rm.timeout,
			Logger:  rm.logger})
		if err != nil {
			return nil, err
		}
		return messageTransport{l}, nil
	case USB:
		d, err := usbtmc.NewUSBDevice(r.VendorID, r.ProductID, r.Serial, rm.timeout)
		if err != nil {
			return nil, err
		}
		d.Logger = rm.logger
		return messageTransport{d}, nil
	}
	return nil, errors.Errorf("unsupported interface %s", r.Interface)
}

func (rm *ResourceManager) openLine(ctx context.Context, rd comm.RemoteDevice) (transport, error) {
	rd.Timeout = rm.timeout
	rd.Logger = rm.logger
	if err := rd.Open(ctx); err != nil {
		return nil, err
	}
	return &lineTransport{rd: &rd}, nil
}

// serialPortName maps ASRL board numbers to the platform's port names,
// ASRL1 being the first port; anything else is taken as a path
func serialPortName(dev string) string {
	n, err := strconv.Atoi(dev)
	if err != nil {
		return dev
	}
	if runtime.GOOS == "windows" {
		return "COM" + strconv.Itoa(n)
	}
	if n < 1 {
		n = 1
	}
	return "/dev/ttyS" + strconv.Itoa(n-1)
}

// lineTransport frames messages with the comm device's terminators
type lineTransport struct {
	rd *comm.RemoteDevice
}

func (t *lineTransport) write(b []byte) error {
	return t.rd.Send(b)
}

func (t *lineTransport) read() ([]byte, error) {
	b, err := t.rd.Recv()
	if err != nil {
		return nil, err
	}
	return append(b, t.rd.RxTerminator()), nil
}

func (t *lineTransport) close() error {
	return t.rd.Close()
}

// messageDevice is what hislip.Client, vxi11.Link and usbtmc.USBDevice have in common
type messageDevice interface {
	Write([]byte) error
	Read() ([]byte, error)
	Close() error
}

// messageTransport adapts END-terminated message protocols
type messageTransport struct {
	dev messageDevice
}

func (t messageTransport) write(b []byte) error {
	return t.dev.Write(b)
}

func (t messageTransport) read() ([]byte, error) {
	return t.dev.Read()
}

func (t messageTransport) close() error {
	return t.dev.Close()
}
