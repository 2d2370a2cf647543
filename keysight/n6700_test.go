package keysight

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestVoltageRoundTrip(t *testing.T) {
	values := []float64{0.001, 1, 3.3, 12.345, 49.999999}
	for _, ch := range Channels {
		for _, v := range values {
			mock := NewMockN6700()
			p := NewPowerAnalyzer(mock)
			if err := p.SetVoltage(FormatValue(v), ch); err != nil {
				t.Fatal(err)
			}
			got, err := p.ReadVoltage(ch)
			if err != nil {
				t.Fatal(err)
			}
			if got != v {
				t.Errorf("channel %d: set %f, read back %f", ch, v, got)
			}
		}
	}
}

func TestCurrentAndPower(t *testing.T) {
	mock := NewMockN6700()
	p := NewPowerAnalyzer(mock)
	if err := p.SetVoltage("4.000000", 2); err != nil {
		t.Fatal(err)
	}
	if err := p.SetCurrent("0.500000", 2); err != nil {
		t.Fatal(err)
	}
	m, err := p.Measure(2)
	if err != nil {
		t.Fatal(err)
	}
	want := Measurement{Channel: 2, Voltage: 4, Current: 0.5, Power: 2}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestReadsAreIndependent(t *testing.T) {
	mock := NewMockN6700()
	p := NewPowerAnalyzer(mock)
	p.SetVoltage("1.5", 1)
	p.SetVoltage("2.5", 3)
	v1, err := p.ReadVoltage(1)
	if err != nil {
		t.Fatal(err)
	}
	v3, err := p.ReadVoltage(3)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != 1.5 || v3 != 2.5 {
		t.Errorf("a later read changed an earlier result: %f %f", v1, v3)
	}
}

func TestCommandText(t *testing.T) {
	mock := NewMockN6700()
	p := NewPowerAnalyzer(mock)
	p.SetVoltage("12.500000", 1)
	p.SetCurrent("1.000000", 2)
	p.SetOutputState(true, 3)
	p.SetOutputState(false, 3)
	p.ReadVoltage(1)
	p.ReadCurrent(2)
	p.ReadPower(3)
	p.Identify()
	want := []string{
		"SOURce:VOLTage 12.500000, (@1)",
		"SOURce:CURRent 1.000000, (@2)",
		"OUTPut:STATe ON, (@3)",
		"OUTPut:STATe OFF, (@3)",
		"MEASure:SCALar:VOLTage? (@1)",
		"MEASure:SCALar:CURRent? (@2)",
		"MEASure:SCALar:POWEr? (@3)",
		"*IDN?",
	}
	if diff := cmp.Diff(want, mock.Commands()); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}
	if errs := p.AllErrors(); len(errs) != 0 {
		t.Errorf("mock rejected a command: %v", errs)
	}
}

func TestInvalidChannelSendsNothing(t *testing.T) {
	mock := NewMockN6700()
	p := NewPowerAnalyzer(mock)
	for _, ch := range []Channel{0, 4, -1} {
		if err := p.SetVoltage("1", ch); !errors.Is(err, ErrChannel) {
			t.Errorf("SetVoltage(%d): expected ErrChannel, got %v", ch, err)
		}
		if err := p.SetCurrent("1", ch); !errors.Is(err, ErrChannel) {
			t.Errorf("SetCurrent(%d): expected ErrChannel, got %v", ch, err)
		}
		if err := p.SetOutputState(true, ch); !errors.Is(err, ErrChannel) {
			t.Errorf("SetOutputState(%d): expected ErrChannel, got %v", ch, err)
		}
		if _, err := p.ReadPower(ch); !errors.Is(err, ErrChannel) {
			t.Errorf("ReadPower(%d): expected ErrChannel, got %v", ch, err)
		}
	}
	if n := len(mock.Commands()); n != 0 {
		t.Errorf("expected no commands, got %d", n)
	}
}

func TestIdentify(t *testing.T) {
	p := NewPowerAnalyzer(NewMockN6700())
	idn, err := p.Identify()
	if err != nil {
		t.Fatal(err)
	}
	if idn != MockIDN {
		t.Errorf("expected %q, got %q", MockIDN, idn)
	}
}

func TestOutputStates(t *testing.T) {
	p := NewPowerAnalyzer(NewMockN6700())
	p.SetOutputState(true, 1)
	p.SetOutputState(true, 3)
	got, err := p.OutputStates(Channels...)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]bool{true, false, true}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestHandshakeAgainstMock(t *testing.T) {
	p := NewPowerAnalyzer(NewMockN6700())
	p.Handshaking = true
	if err := p.SetVoltage("5", 1); err != nil {
		t.Fatalf("handshaken command failed: %v", err)
	}
	v, err := p.ReadVoltage(1)
	if err != nil {
		t.Fatal(err)
	}
	if v != 5 {
		t.Errorf("expected 5, got %f", v)
	}
	if err := p.Write("SOURce:VOLTage five, (@1)"); err == nil {
		t.Error("expected the data type error to surface through the handshake")
	}
}

func TestUnknownCommandQueuesError(t *testing.T) {
	p := NewPowerAnalyzer(NewMockN6700())
	p.Write("FOO:BAR 1")
	str, err := p.AllErrorsString()
	if err == nil || !strings.HasPrefix(str, "-113") {
		t.Errorf("expected -113 in the error queue, got %q", str)
	}
}

func TestShortFormHeaders(t *testing.T) {
	tests := []struct {
		header, pattern string
		want            bool
	}{
		{"MEAS:VOLT?", "MEASure[:SCALar]:VOLTage[:DC]?", true},
		{"meas:scal:volt:dc?", "MEASure[:SCALar]:VOLTage[:DC]?", true},
		{"MEASure:SCALar:VOLTage", "MEASure[:SCALar]:VOLTage[:DC]?", false},
		{"VOLT", "[SOURce:]VOLTage[:LEVel][:IMMediate][:AMPLitude]", true},
		{"SOUR:VOLT:LEV", "[SOURce:]VOLTage[:LEVel][:IMMediate][:AMPLitude]", true},
		{"SOUR:VOLTA", "[SOURce:]VOLTage[:LEVel][:IMMediate][:AMPLitude]", false},
		{"OUTP", "OUTPut[:STATe]", true},
		{"*idn?", "*IDN?", true},
	}
	for _, tt := range tests {
		if got := matchHeader(tt.header, tt.pattern); got != tt.want {
			t.Errorf("matchHeader(%q, %q) = %v, want %v", tt.header, tt.pattern, got, tt.want)
		}
	}
}

func TestLimits(t *testing.T) {
	for _, v := range []float64{0, -1, 50, 50.5} {
		if err := CheckVoltage(v); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("voltage %f accepted", v)
		}
	}
	for _, v := range []float64{0.1, 49.9} {
		if err := CheckVoltage(v); err != nil {
			t.Errorf("voltage %f rejected: %v", v, err)
		}
	}
	for _, a := range []float64{0, 20, 25} {
		if err := CheckCurrent(a); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("current %f accepted", a)
		}
	}
	for _, a := range []float64{10, 15, 19.99} {
		if err := CheckCurrent(a); err != nil {
			t.Errorf("current %f rejected: %v", a, err)
		}
	}
}

func TestFormatValue(t *testing.T) {
	if s := FormatValue(12.5); s != "12.500000" {
		t.Errorf("expected 12.500000, got %s", s)
	}
}

func TestChannelList(t *testing.T) {
	if s := ChannelList(Channels...); s != "(@1,2,3)" {
		t.Errorf("expected (@1,2,3), got %s", s)
	}
}

func TestMockRefusesOutOfRangeSetpoint(t *testing.T) {
	mock := NewMockN6700()
	p := NewPowerAnalyzer(mock)
	p.SetVoltage("80", 1)
	p.SetCurrent("0", 2)
	if v, _, _ := mock.Setpoint(1); v != 0 {
		t.Errorf("out of range voltage applied: %f V", v)
	}
	if _, a, _ := mock.Setpoint(2); a != 0 {
		t.Errorf("zero current applied: %f A", a)
	}
	str, _ := p.AllErrorsString()
	if str != "-222,\"Data out of range\"\n-222,\"Data out of range\"" {
		t.Errorf("expected two -222 errors, got %q", str)
	}
}

func TestMockRating(t *testing.T) {
	mock := NewMockN6700()
	mock.SetRating(3, 6, 5)
	p := NewPowerAnalyzer(mock)
	p.Handshaking = true
	if err := p.SetVoltage("5.5", 3); err != nil {
		t.Errorf("in range for a 6 V module: %v", err)
	}
	if err := p.SetVoltage("12", 3); err == nil {
		t.Error("expected a 6 V module to refuse 12 V")
	}
	if err := p.SetVoltage("12", 2); err != nil {
		t.Errorf("other channels keep the full range: %v", err)
	}
}

func TestParseSetpoint(t *testing.T) {
	if v, err := ParseVoltage("12.5"); err != nil || v != 12.5 {
		t.Errorf("ParseVoltage(12.5) = %f, %v", v, err)
	}
	if a, err := ParseCurrent("1e-1"); err != nil || a != 0.1 {
		t.Errorf("ParseCurrent(1e-1) = %f, %v", a, err)
	}
	if _, err := ParseVoltage("80"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("80 V: expected ErrOutOfRange, got %v", err)
	}
	if _, err := ParseCurrent("35"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("35 A: expected ErrOutOfRange, got %v", err)
	}
	for _, bad := range []string{"", "five", "1, (@2);OUTPut:STATe ON", " 1", "0x1p3", "NaN", "Inf", "1_0"} {
		if _, err := ParseVoltage(bad); !errors.Is(err, ErrNotDecimal) {
			t.Errorf("%q: expected ErrNotDecimal, got %v", bad, err)
		}
	}
}
