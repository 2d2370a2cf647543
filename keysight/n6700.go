// Package keysight provides access to Keysight N6700 series DC power analyzers
// (N6705B and mainframes with the same SCPI interface) in Go
package keysight

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/n6700/scpi"
	"github.jpl.nasa.gov/bdube/n6700/util"
	"github.jpl.nasa.gov/bdube/n6700/visa"
)

const (
	// MaxVoltage is the exclusive upper bound for voltage setpoints, in volts
	MaxVoltage = 50.0

	// MaxCurrent is the exclusive upper bound for current limits, in amps
	MaxCurrent = 20.0
)

var (
	// ErrChannel is generated when a channel outside 1..3 is used
	ErrChannel = errors.New("channel unknown")

	// ErrOutOfRange is generated by CheckVoltage and CheckCurrent
	ErrOutOfRange = errors.New("value is out of range")

	// ErrNotDecimal is generated when a setpoint is not a plain decimal number
	ErrNotDecimal = errors.New("value is not a decimal number")
)

// Channel is an output of the mainframe, 1, 2, or 3
type Channel int

// Channels is the set of outputs, in table order
var Channels = []Channel{1, 2, 3}

// Valid returns true if c is an output that exists
func (c Channel) Valid() bool {
	return c >= 1 && c <= 3
}

func (c Channel) check() error {
	if !c.Valid() {
		return errors.Wrapf(ErrChannel, "%d", int(c))
	}
	return nil
}

// ChannelList formats channels as a SCPI channel list, e.g. (@1,2,3)
func ChannelList(chs ...Channel) string {
	is := make([]int, len(chs))
	for i, c := range chs {
		is[i] = int(c)
	}
	return "(@" + util.IntSliceToCSV(is) + ")"
}

// CheckVoltage returns ErrOutOfRange unless 0 < v < MaxVoltage
func CheckVoltage(v float64) error {
	if !(v > 0 && v < MaxVoltage) {
		return errors.Wrapf(ErrOutOfRange, "voltage %g not in (0, %g) V", v, MaxVoltage)
	}
	return nil
}

// CheckCurrent returns ErrOutOfRange unless 0 < a < MaxCurrent
func CheckCurrent(a float64) error {
	if !(a > 0 && a < MaxCurrent) {
		return errors.Wrapf(ErrOutOfRange, "current %g not in (0, %g) A", a, MaxCurrent)
	}
	return nil
}

// ParseVoltage checks that s is a decimal number accepted by CheckVoltage
func ParseVoltage(s string) (float64, error) {
	v, err := parseDecimal(s)
	if err != nil {
		return 0, err
	}
	return v, CheckVoltage(v)
}

// ParseCurrent checks that s is a decimal number accepted by CheckCurrent
func ParseCurrent(s string) (float64, error) {
	a, err := parseDecimal(s)
	if err != nil {
		return 0, err
	}
	return a, CheckCurrent(a)
}

// parseDecimal accepts [+-]digits[.digits][e[+-]digits] and nothing else, so
// no SCPI separators can ride along with a value
func parseDecimal(s string) (float64, error) {
	for _, r := range s {
		if !strings.ContainsRune("0123456789.+-eE", r) {
			return 0, errors.Wrapf(ErrNotDecimal, "%q", s)
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrNotDecimal, "%q", s)
	}
	return v, nil
}

// FormatValue renders a setpoint with six decimals, the way it goes on the wire
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// Measurement is one reading of each quantity on a channel
type Measurement struct {
	Channel Channel
	Voltage float64
	Current float64
	Power   float64
}

// PowerAnalyzer is a remote interface to the N6700 family
type PowerAnalyzer struct {
	scpi.SCPI
}

// NewPowerAnalyzer wraps an open session
func NewPowerAnalyzer(s visa.Session) *PowerAnalyzer {
	return &PowerAnalyzer{scpi.SCPI{Session: s}}
}

// Identify returns the *IDN? string, without its line terminator
func (p *PowerAnalyzer) Identify() (string, error) {
	return p.ReadString("*IDN?")
}

// SetVoltage sets the voltage setpoint of a channel.  value is sent as-is.
func (p *PowerAnalyzer) SetVoltage(value string, ch Channel) error {
	if err := ch.check(); err != nil {
		return err
	}
	cmd := fmt.Sprintf("SOURce:VOLTage %s, (@%d)", value, ch)
	return p.Write(cmd)
}

// SetCurrent sets the current limit of a channel.  value is sent as-is.
func (p *PowerAnalyzer) SetCurrent(value string, ch Channel) error {
	if err := ch.check(); err != nil {
		return err
	}
	cmd := fmt.Sprintf("SOURce:CURRent %s, (@%d)", value, ch)
	return p.Write(cmd)
}

// SetOutputState turns the output of a channel on or off
func (p *PowerAnalyzer) SetOutputState(on bool, ch Channel) error {
	if err := ch.check(); err != nil {
		return err
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	cmd := fmt.Sprintf("OUTPut:STATe %s, (@%d)", state, ch)
	return p.Write(cmd)
}

// OutputStates queries the output state of several channels at once
func (p *PowerAnalyzer) OutputStates(chs ...Channel) ([]bool, error) {
	for _, ch := range chs {
		if err := ch.check(); err != nil {
			return nil, err
		}
	}
	resp, err := p.ReadString("OUTPut:STATe? " + ChannelList(chs...))
	if err != nil {
		return nil, err
	}
	fields := strings.Split(resp, ",")
	if len(fields) != len(chs) {
		return nil, errors.Errorf("expected %d output states, got %q", len(chs), resp)
	}
	states := make([]bool, len(fields))
	for i, f := range fields {
		states[i], err = strconv.ParseBool(strings.TrimSpace(f))
		if err != nil {
			return nil, errors.Wrapf(err, "output state of channel %d", chs[i])
		}
	}
	return states, nil
}

func (p *PowerAnalyzer) measure(quantity string, ch Channel) (float64, error) {
	if err := ch.check(); err != nil {
		return 0, err
	}
	cmd := fmt.Sprintf("MEASure:SCALar:%s? (@%d)", quantity, ch)
	return p.ReadFloat(cmd)
}

// ReadVoltage measures the output voltage of a channel
func (p *PowerAnalyzer) ReadVoltage(ch Channel) (float64, error) {
	return p.measure("VOLTage", ch)
}

// ReadCurrent measures the output current of a channel
func (p *PowerAnalyzer) ReadCurrent(ch Channel) (float64, error) {
	return p.measure("CURRent", ch)
}

// ReadPower measures the output power of a channel
func (p *PowerAnalyzer) ReadPower(ch Channel) (float64, error) {
	return p.measure("POWEr", ch)
}

// Measure reads voltage, current, and power of a channel, in that order
func (p *PowerAnalyzer) Measure(ch Channel) (Measurement, error) {
	m := Measurement{Channel: ch}
	var err error
	if m.Voltage, err = p.ReadVoltage(ch); err != nil {
		return m, errors.Wrapf(err, "channel %d voltage", ch)
	}
	if m.Current, err = p.ReadCurrent(ch); err != nil {
		return m, errors.Wrapf(err, "channel %d current", ch)
	}
	if m.Power, err = p.ReadPower(ch); err != nil {
		return m, errors.Wrapf(err, "channel %d power", ch)
	}
	return m, nil
}

// MeasureAll measures every channel, stopping at the first failure
func (p *PowerAnalyzer) MeasureAll() ([]Measurement, error) {
	ms := make([]Measurement, 0, len(Channels))
	for _, ch := range Channels {
		m, err := p.Measure(ch)
		if err != nil {
			return ms, err
		}
		ms = append(ms, m)
	}
	return ms, nil
}
