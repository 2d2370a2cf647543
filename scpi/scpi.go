// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"log"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/n6700/visa"
)

// ErrEmptyReply is generated when the device answers a query with nothing
var ErrEmptyReply = errors.New("empty reply from device")

// Error is an entry of the SCPI error queue, e.g. -113,"Undefined header"
type Error struct {
	Code int
	Msg  string
}

func (e Error) Error() string {
	return strconv.Itoa(e.Code) + ",\"" + e.Msg + "\""
}

// ParseError decodes a SYSTem:ERRor? reply.  The reply for an empty queue
// has code 0.
func ParseError(s string) (Error, error) {
	s = trimTerminator(s)
	i := strings.IndexByte(s, ',')
	if i < 0 {
		return Error{}, errors.Errorf("malformed error reply %q", s)
	}
	code, err := strconv.Atoi(strings.TrimSpace(s[:i]))
	if err != nil {
		return Error{}, errors.Wrapf(err, "malformed error reply %q", s)
	}
	msg := strings.Trim(strings.TrimSpace(s[i+1:]), "\"")
	return Error{Code: code, Msg: msg}, nil
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Session visa.Session

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Logger, if not nil, traces every command and reply
	Logger *log.Logger
}

func (s *SCPI) compose(cmds []string) string {
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	return strings.Join(cmds, " ")
}

func (s *SCPI) send(str string) error {
	if s.Logger != nil {
		s.Logger.Printf("scpi <- %s", str)
	}
	return errors.Wrapf(s.Session.Write(str), "write %q", str)
}

func (s *SCPI) recv() (string, error) {
	resp, err := s.Session.ReadLine()
	if s.Logger != nil {
		s.Logger.Printf("scpi -> %q", resp)
	}
	return resp, errors.Wrap(err, "read")
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	if err := s.send(s.compose(cmds)); err != nil {
		return err
	}
	if s.Handshaking {
		resp, err := s.recv()
		if err != nil {
			return err
		}
		return checkHandshake(resp)
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) (string, error) {
	if err := s.send(s.compose(cmds)); err != nil {
		return "", err
	}
	resp, err := s.recv()
	if err != nil {
		return "", err
	}
	if s.Handshaking {
		// the error query answer is the last ; separated field
		i := lastSeparator(resp)
		if i < 0 {
			return "", checkHandshake(resp)
		}
		if err := checkHandshake(resp[i+1:]); err != nil {
			return "", err
		}
		return resp[:i], nil
	}
	return resp, nil
}

func checkHandshake(resp string) error {
	if strings.HasPrefix(resp, "+0") {
		return nil
	}
	if e, err := ParseError(resp); err == nil {
		return e
	}
	return errors.Errorf("handshake: %s", trimTerminator(resp))
}

// trimTerminator removes one \n, then one \r if present
func trimTerminator(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	return trimTerminator(resp), nil
}

// lastSeparator is the index of the last ; outside a quoted string, or -1.
// Error messages are quoted and may hold a ; of their own.
func lastSeparator(resp string) int {
	last, quoted := -1, false
	for i := 0; i < len(resp); i++ {
		switch resp[i] {
		case '"':
			quoted = !quoted
		case ';':
			if !quoted {
				last = i
			}
		}
	}
	return last
}

func (s *SCPI) readValue(cmds []string) (string, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return "", err
	}
	if resp == "" {
		return "", ErrEmptyReply
	}
	return resp, nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.readValue(cmds)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(resp, 64)
	return f, errors.Wrapf(err, "reply to %s", strings.Join(cmds, " "))
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.readValue(cmds)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(resp) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	b, err := strconv.ParseBool(resp)
	return b, errors.Wrapf(err, "reply to %s", strings.Join(cmds, " "))
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.readValue(cmds)
	if err != nil {
		return 0, err
	}
	i, err := strconv.Atoi(resp)
	return i, errors.Wrapf(err, "reply to %s", strings.Join(cmds, " "))
}

// Raw sends a command to the device and returns a response if it was a query,
// else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	prev := s.Handshaking
	s.Handshaking = false
	defer func() { s.Handshaking = prev }()
	if strings.Contains(str, "?") {
		return s.ReadString(str)
	}
	return "", s.Write(str)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	prev := s.Handshaking
	s.Handshaking = false
	defer func() { s.Handshaking = prev }()
	str, err := s.ReadString("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	e, err := ParseError(str)
	if err != nil {
		return err
	}
	if e.Code == 0 {
		return nil
	}
	return e
}

// maxErrors bounds AllErrors against a device that never reports an empty queue
const maxErrors = 32

// AllErrors returns all errors from the device as a list
func (s *SCPI) AllErrors() []error {
	var errs []error
	for i := 0; i < maxErrors; i++ {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		if _, ok := err.(Error); !ok {
			// transport failure, the queue can't be drained
			break
		}
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}
