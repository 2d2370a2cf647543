package keysight

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/n6700/util"
	"github.jpl.nasa.gov/bdube/n6700/visa"
)

// MockIDN is what a Mock answers to *IDN?
const MockIDN = "Keysight Technologies,N6705B,MY00000000,D.01.08"

// ErrNoQuery is generated when a Mock is read without a pending query
var ErrNoQuery = errors.New("mock: read with no query pending")

type mockChannel struct {
	voltage float64
	current float64
	output  bool
}

// rating is the range of one output module, setpoints must be in (0, max)
type rating struct {
	voltage float64
	current float64
}

// MockN6700 is a simulated power analyzer that satisfies visa.Session.
// Measurements echo the last setpoint; power is their product.  Commands it
// does not know go to the SCPI error queue, as on the real thing.
type MockN6700 struct {
	sync.Mutex

	channels map[Channel]*mockChannel
	ratings  map[Channel]rating
	errq     []scpiError
	pending  []string
	commands []string
	closes   int
}

type scpiError struct {
	code int
	msg  string
}

// NewMockN6700 returns a mock with every output off and zero setpoints
func NewMockN6700() *MockN6700 {
	m := &MockN6700{ratings: make(map[Channel]rating, len(Channels))}
	for _, c := range Channels {
		m.ratings[c] = rating{voltage: MaxVoltage, current: MaxCurrent}
	}
	m.reset()
	return m
}

// SetRating installs a module with a smaller range on ch.  Setpoints outside
// (0, maxV) and (0, maxI) are refused with -222.
func (m *MockN6700) SetRating(ch Channel, maxV, maxI float64) {
	m.Lock()
	defer m.Unlock()
	m.ratings[ch] = rating{voltage: maxV, current: maxI}
}

func (m *MockN6700) reset() {
	m.channels = make(map[Channel]*mockChannel, len(Channels))
	for _, c := range Channels {
		m.channels[c] = &mockChannel{}
	}
}

// Commands returns a copy of every message written so far
func (m *MockN6700) Commands() []string {
	m.Lock()
	defer m.Unlock()
	return append([]string(nil), m.commands...)
}

// Closes returns the number of times Close was called
func (m *MockN6700) Closes() int {
	m.Lock()
	defer m.Unlock()
	return m.closes
}

// Setpoint returns the voltage, current and output state of a channel
func (m *MockN6700) Setpoint(ch Channel) (float64, float64, bool) {
	m.Lock()
	defer m.Unlock()
	c, ok := m.channels[ch]
	if !ok {
		return 0, 0, false
	}
	return c.voltage, c.current, c.output
}

// Write executes a message of ; separated commands
func (m *MockN6700) Write(msg string) error {
	m.Lock()
	defer m.Unlock()
	if m.closes > 0 {
		return visa.ErrClosed
	}
	m.commands = append(m.commands, msg)
	var replies []string
	for _, cmd := range strings.Split(msg, ";") {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		if r, ok := m.exec(cmd); ok {
			replies = append(replies, r)
		}
	}
	if len(replies) > 0 {
		m.pending = append(m.pending, strings.Join(replies, ";"))
	}
	return nil
}

// ReadLine returns the reply to the oldest unread query
func (m *MockN6700) ReadLine() (string, error) {
	m.Lock()
	defer m.Unlock()
	if m.closes > 0 {
		return "", visa.ErrClosed
	}
	if len(m.pending) == 0 {
		return "", ErrNoQuery
	}
	r := m.pending[0]
	m.pending = m.pending[1:]
	return r + "\n", nil
}

// Close counts calls so tests can check for a single release
func (m *MockN6700) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closes++
	return nil
}

func (m *MockN6700) push(code int, msg string) {
	m.errq = append(m.errq, scpiError{code, msg})
}

func formatReading(v float64) string {
	return strconv.FormatFloat(v, 'E', -1, 64)
}

// exec runs one command, returning its reply if it was a query
func (m *MockN6700) exec(cmd string) (string, bool) {
	header, args := cmd, ""
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		header, args = cmd[:i], strings.TrimSpace(cmd[i+1:])
	}
	header = strings.TrimPrefix(header, ":")
	switch {
	case matchHeader(header, "*IDN?"):
		return MockIDN, true
	case matchHeader(header, "*CLS"):
		m.errq = nil
		return "", false
	case matchHeader(header, "*RST"):
		m.reset()
		return "", false
	case matchHeader(header, "SYSTem:ERRor[:NEXT]?"):
		if len(m.errq) == 0 {
			return "+0,\"No error\"", true
		}
		e := m.errq[0]
		m.errq = m.errq[1:]
		return strconv.Itoa(e.code) + ",\"" + e.msg + "\"", true
	case matchHeader(header, "[SOURce:]VOLTage[:LEVel][:IMMediate][:AMPLitude]"):
		return m.setpoint(args, func(r rating) float64 { return r.voltage }, func(c *mockChannel, v float64) { c.voltage = v })
	case matchHeader(header, "[SOURce:]CURRent[:LEVel][:IMMediate][:AMPLitude]"):
		return m.setpoint(args, func(r rating) float64 { return r.current }, func(c *mockChannel, v float64) { c.current = v })
	case matchHeader(header, "OUTPut[:STATe]"):
		value, chs, ok := m.parseArgs(args)
		if !ok {
			return "", false
		}
		var on bool
		switch strings.ToUpper(value) {
		case "ON", "1":
			on = true
		case "OFF", "0":
		default:
			m.push(-224, "Illegal parameter value")
			return "", false
		}
		for _, c := range chs {
			m.channels[c].output = on
		}
		return "", false
	case matchHeader(header, "OUTPut[:STATe]?"):
		chs, ok := m.parseChannels(args)
		if !ok {
			return "", false
		}
		states := make([]string, len(chs))
		for i, c := range chs {
			states[i] = "0"
			if m.channels[c].output {
				states[i] = "1"
			}
		}
		return strings.Join(states, ","), true
	case matchHeader(header, "MEASure[:SCALar]:VOLTage[:DC]?"):
		return m.reading(args, func(c *mockChannel) float64 { return c.voltage })
	case matchHeader(header, "MEASure[:SCALar]:CURRent[:DC]?"):
		return m.reading(args, func(c *mockChannel) float64 { return c.current })
	case matchHeader(header, "MEASure[:SCALar]:POWer[:DC]?"):
		return m.reading(args, func(c *mockChannel) float64 { return c.voltage * c.current })
	}
	// unknown queries get no reply; a real instrument would time out
	m.push(-113, "Undefined header")
	return "", false
}

func (m *MockN6700) setpoint(args string, limit func(rating) float64, set func(*mockChannel, float64)) (string, bool) {
	value, chs, ok := m.parseArgs(args)
	if !ok {
		return "", false
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		m.push(-104, "Data type error")
		return "", false
	}
	for _, c := range chs {
		if !(v > 0 && v < limit(m.ratings[c])) {
			m.push(-222, "Data out of range")
			return "", false
		}
	}
	for _, c := range chs {
		set(m.channels[c], v)
	}
	return "", false
}

func (m *MockN6700) reading(args string, get func(*mockChannel) float64) (string, bool) {
	chs, ok := m.parseChannels(args)
	if !ok || len(chs) != 1 {
		if ok {
			m.push(-108, "Parameter not allowed")
		}
		return "", false
	}
	return formatReading(get(m.channels[chs[0]])), true
}

// parseArgs splits "<value>, (@list)"
func (m *MockN6700) parseArgs(args string) (string, []Channel, bool) {
	i := strings.IndexByte(args, ',')
	if i < 0 {
		m.push(-109, "Missing parameter")
		return "", nil, false
	}
	chs, ok := m.parseChannels(args[i+1:])
	return strings.TrimSpace(args[:i]), chs, ok
}

// parseChannels decodes (@1), (@1,3) and (@1:3)
func (m *MockN6700) parseChannels(s string) ([]Channel, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "(@") || !strings.HasSuffix(s, ")") {
		m.push(-109, "Missing parameter")
		return nil, false
	}
	is, err := util.ExpandRanges(s[2 : len(s)-1])
	if err != nil {
		m.push(-104, "Data type error")
		return nil, false
	}
	chs := make([]Channel, len(is))
	for i, c := range is {
		if !Channel(c).Valid() {
			m.push(-222, "Data out of range")
			return nil, false
		}
		chs[i] = Channel(c)
	}
	return chs, true
}

// matchHeader compares a header to a SCPI pattern such as
// MEASure[:SCALar]:VOLTage?, accepting the long or short form of each node
// and leaving out any [optional] node
func matchHeader(header, pattern string) bool {
	query := strings.HasSuffix(pattern, "?")
	if query != strings.HasSuffix(header, "?") {
		return false
	}
	header = strings.TrimSuffix(header, "?")
	pattern = strings.TrimSuffix(pattern, "?")
	return matchNodes(splitNodes(header), patternNodes(pattern))
}

type patternNode struct {
	name     string
	optional bool
}

func splitNodes(h string) []string {
	if h == "" {
		return nil
	}
	return strings.Split(h, ":")
}

func patternNodes(p string) []patternNode {
	var out []patternNode
	for p != "" {
		opt := strings.HasPrefix(p, "[")
		if opt {
			end := strings.IndexByte(p, ']')
			out = append(out, patternNode{strings.Trim(p[1:end], ":"), true})
			p = p[end+1:]
			continue
		}
		p = strings.TrimPrefix(p, ":")
		end := strings.IndexAny(p, ":[")
		if end < 0 {
			end = len(p)
		}
		out = append(out, patternNode{p[:end], false})
		p = p[end:]
	}
	return out
}

func matchNodes(hs []string, ps []patternNode) bool {
	if len(ps) == 0 {
		return len(hs) == 0
	}
	if ps[0].optional && matchNodes(hs, ps[1:]) {
		return true
	}
	return len(hs) > 0 && matchNode(hs[0], ps[0].name) && matchNodes(hs[1:], ps[1:])
}

// matchNode accepts VOLTAGE or VOLT for VOLTage
func matchNode(h, node string) bool {
	h = strings.ToUpper(h)
	if h == strings.ToUpper(node) {
		return true
	}
	short := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' {
			return -1
		}
		return r
	}, node)
	return h == short
}

// MockOpener hands out a MockN6700 for any resource string, or Err if set
type MockOpener struct {
	Mock *MockN6700
	Err  error

	// Opened lists the resources asked for
	Opened []string
}

// Open satisfies visa.Opener
func (o *MockOpener) Open(ctx context.Context, resource string) (visa.Session, error) {
	o.Opened = append(o.Opened, resource)
	if o.Err != nil {
		return nil, o.Err
	}
	if o.Mock == nil {
		o.Mock = NewMockN6700()
	}
	return o.Mock, nil
}
