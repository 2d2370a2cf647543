package visa

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Interface is the VISA interface type of a resource
type Interface int

const (
	// Socket is a raw TCP/IP socket, TCPIP::host::port::SOCKET
	Socket Interface = iota
	// HiSLIP is TCPIP::host::hislipN::INSTR
	HiSLIP
	// VXI11 is TCPIP::host[::instN]::INSTR
	VXI11
	// USB is USB::vid::pid::serial::INSTR
	USB
	// Serial is ASRLn::INSTR or ASRL/dev/ttyX::INSTR
	Serial
)

func (i Interface) String() string {
	switch i {
	case Socket:
		return "SOCKET"
	case HiSLIP:
		return "HISLIP"
	case VXI11:
		return "VXI-11"
	case USB:
		return "USB"
	case Serial:
		return "ASRL"
	}
	return "UNKNOWN"
}

// ErrResource is generated for resource strings that cannot be parsed
var ErrResource = errors.New("invalid VISA resource string")

// Resource is a parsed VISA resource string
type Resource struct {
	Interface Interface

	// Board is the interface board number, the 0 in TCPIP0
	Board int

	// Host and Port address TCP/IP resources; Port is 0 for the protocol default
	Host string
	Port int

	// Device is the HiSLIP sub-address, VXI-11 device name or serial port
	Device string

	// VendorID, ProductID and Serial identify USB resources
	VendorID  uint16
	ProductID uint16
	Serial    string

	// Class is the resource class, INSTR or SOCKET
	Class string
}

// Address returns host:port for TCP/IP resources with a port, else the host
func (r Resource) Address() string {
	if r.Port == 0 {
		return r.Host
	}
	return r.Host + ":" + strconv.Itoa(r.Port)
}

// ParseResource parses a VISA resource string.  Keywords are case insensitive.
func ParseResource(s string) (Resource, error) {
	var r Resource
	fields := strings.Split(strings.TrimSpace(s), "::")
	if len(fields) == 0 || fields[0] == "" {
		return r, errors.Wrapf(ErrResource, "%q", s)
	}
	head := strings.ToUpper(fields[0])
	last := strings.ToUpper(fields[len(fields)-1])
	switch {
	case strings.HasPrefix(head, "TCPIP"):
		board, err := boardNumber(head[len("TCPIP"):])
		if err != nil {
			return r, errors.Wrapf(err, "%q", s)
		}
		r.Board = board
		return parseTCPIP(r, fields[1:], s)
	case strings.HasPrefix(head, "USB"):
		board, err := boardNumber(head[len("USB"):])
		if err != nil {
			return r, errors.Wrapf(err, "%q", s)
		}
		r.Board = board
		return parseUSB(r, fields[1:], s)
	case strings.HasPrefix(head, "ASRL"):
		r.Interface = Serial
		r.Class = "INSTR"
		// keep the original case, device paths are case sensitive
		r.Device = fields[0][len("ASRL"):]
		if r.Device == "" {
			return r, errors.Wrapf(ErrResource, "%q has no serial port", s)
		}
		if n, err := strconv.Atoi(r.Device); err == nil {
			r.Board = n
		}
		if len(fields) > 2 || (len(fields) == 2 && last != "INSTR") {
			return r, errors.Wrapf(ErrResource, "%q", s)
		}
		return r, nil
	}
	return r, errors.Wrapf(ErrResource, "%q has unknown interface %s", s, fields[0])
}

func boardNumber(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(ErrResource, "bad board number %q", s)
	}
	return n, nil
}

func parseTCPIP(r Resource, fields []string, s string) (Resource, error) {
	if len(fields) == 0 || fields[0] == "" {
		return r, errors.Wrapf(ErrResource, "%q has no host", s)
	}
	r.Host = fields[0]
	rest := fields[1:]
	class := "INSTR"
	if len(rest) > 0 {
		switch strings.ToUpper(rest[len(rest)-1]) {
		case "INSTR":
			rest = rest[:len(rest)-1]
		case "SOCKET":
			class = "SOCKET"
			rest = rest[:len(rest)-1]
		}
	}
	r.Class = class
	if class == "SOCKET" {
		if len(rest) != 1 {
			return r, errors.Wrapf(ErrResource, "%q: SOCKET resources need exactly one port", s)
		}
		port, err := strconv.Atoi(rest[0])
		if err != nil || port <= 0 || port > 65535 {
			return r, errors.Wrapf(ErrResource, "%q: bad port %q", s, rest[0])
		}
		r.Interface = Socket
		r.Port = port
		return r, nil
	}
	switch len(rest) {
	case 0:
		r.Interface = VXI11
		r.Device = "inst0"
		return r, nil
	case 1:
	default:
		return r, errors.Wrapf(ErrResource, "%q", s)
	}
	dev := rest[0]
	if strings.HasPrefix(strings.ToLower(dev), "hislip") {
		r.Interface = HiSLIP
		// hislip0,4880 carries an explicit port
		if i := strings.IndexByte(dev, ','); i >= 0 {
			port, err := strconv.Atoi(dev[i+1:])
			if err != nil || port <= 0 || port > 65535 {
				return r, errors.Wrapf(ErrResource, "%q: bad HiSLIP port", s)
			}
			r.Port = port
			dev = dev[:i]
		}
		r.Device = strings.ToLower(dev)
		return r, nil
	}
	r.Interface = VXI11
	r.Device = dev
	return r, nil
}

func parseUSB(r Resource, fields []string, s string) (Resource, error) {
	r.Interface = USB
	r.Class = "INSTR"
	if n := len(fields); n > 0 && strings.ToUpper(fields[n-1]) == "INSTR" {
		fields = fields[:n-1]
	}
	// vid::pid::serial[::interface]
	if len(fields) < 3 || len(fields) > 4 {
		return r, errors.Wrapf(ErrResource, "%q: USB resources need vendor, product and serial", s)
	}
	vid, err := strconv.ParseUint(fields[0], 0, 16)
	if err != nil {
		return r, errors.Wrapf(ErrResource, "%q: bad vendor ID %q", s, fields[0])
	}
	pid, err := strconv.ParseUint(fields[1], 0, 16)
	if err != nil {
		return r, errors.Wrapf(ErrResource, "%q: bad product ID %q", s, fields[1])
	}
	r.VendorID = uint16(vid)
	r.ProductID = uint16(pid)
	r.Serial = fields[2]
	return r, nil
}
