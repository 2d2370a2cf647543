package scpi

import (
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeSession records writes and replays canned replies in order
type fakeSession struct {
	written []string
	replies []string
}

func (f *fakeSession) Write(cmd string) error {
	f.written = append(f.written, cmd)
	return nil
}

func (f *fakeSession) ReadLine() (string, error) {
	if len(f.replies) == 0 {
		return "", io.EOF
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func (f *fakeSession) Close() error { return nil }

func TestReadFloatStripsTerminator(t *testing.T) {
	tests := []struct {
		reply string
		want  float64
	}{
		{"12.3450\n", 12.345},
		{"12.3450\r\n", 12.345},
		{"+1.00000E+01\n", 10},
		{"-0.25", -0.25},
	}
	for _, tt := range tests {
		s := SCPI{Session: &fakeSession{replies: []string{tt.reply}}}
		got, err := s.ReadFloat("MEASure:SCALar:VOLTage? (@1)")
		if err != nil {
			t.Errorf("%q: %v", tt.reply, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: expected %f, got %f", tt.reply, tt.want, got)
		}
	}
}

func TestReadFloatRejectsGarbage(t *testing.T) {
	// only one terminator is stripped, anything else is part of the value
	for _, reply := range []string{"volts\n", "\n", "", "12.3450\n\n", " 12.3450\n"} {
		s := SCPI{Session: &fakeSession{replies: []string{reply}}}
		if v, err := s.ReadFloat("MEAS?"); err == nil {
			t.Errorf("%q: expected a parse error, got %f", reply, v)
		}
	}
}

func TestReadStringStripsOneTerminator(t *testing.T) {
	s := SCPI{Session: &fakeSession{replies: []string{"a\n\n", "Keysight,N6705B"}}}
	got, err := s.ReadString("*IDN?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "a\n" {
		t.Errorf("expected exactly one terminator removed, got %q", got)
	}
	got, err = s.ReadString("*IDN?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Keysight,N6705B" {
		t.Errorf("unterminated reply must not be chopped, got %q", got)
	}
}

func TestReadBoolAndInt(t *testing.T) {
	s := SCPI{Session: &fakeSession{replies: []string{"1\n", "ON\n", "0\n", "42\n"}}}
	for _, want := range []bool{true, true, false} {
		got, err := s.ReadBool("OUTPut:STATe? (@1)")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
	n, err := s.ReadInt("SYSTem:CHANnel:COUNt?")
	if err != nil {
		t.Fatal(err)
	}
	if n != 42 {
		t.Errorf("expected 42, got %d", n)
	}
}

func TestHandshakeWrite(t *testing.T) {
	f := &fakeSession{replies: []string{"+0,\"No error\"\n", "-222,\"Data out of range\"\n"}}
	s := SCPI{Session: f, Handshaking: true}
	if err := s.Write("SOURce:VOLTage 1.5, (@1)"); err != nil {
		t.Fatal(err)
	}
	want := []string{"*CLS; SOURce:VOLTage 1.5, (@1) ;:SYSTem:ERRor?"}
	if diff := cmp.Diff(want, f.written); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}
	err := s.Write("SOURce:VOLTage 99, (@1)")
	var e Error
	if !errors.As(err, &e) || e.Code != -222 {
		t.Errorf("expected SCPI error -222, got %v", err)
	}
}

func TestHandshakeWriteRead(t *testing.T) {
	f := &fakeSession{replies: []string{"1.2500;+0,\"No error\"\n"}}
	s := SCPI{Session: f, Handshaking: true}
	v, err := s.ReadFloat("MEASure:SCALar:CURRent? (@2)")
	if err != nil {
		t.Fatal(err)
	}
	if v != 1.25 {
		t.Errorf("expected 1.25, got %f", v)
	}
}

func TestHandshakeSeparatorInsideQuotes(t *testing.T) {
	f := &fakeSession{replies: []string{"5;-222,\"Data out of range; max 50\"\n"}}
	s := SCPI{Session: f, Handshaking: true}
	_, err := s.ReadString("SOURce:VOLTage? (@1)")
	var scpiErr Error
	if !errors.As(err, &scpiErr) {
		t.Fatalf("expected an Error, got %v", err)
	}
	if diff := cmp.Diff(Error{Code: -222, Msg: "Data out of range; max 50"}, scpiErr); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	f = &fakeSession{replies: []string{"\"a;b\";+0,\"No error\"\n"}}
	s = SCPI{Session: f, Handshaking: true}
	got, err := s.ReadString("SYSTem:COMMunicate:LAN:HOSTname?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "\"a;b\"" {
		t.Errorf("expected the quoted reply intact, got %q", got)
	}
}

func TestParseError(t *testing.T) {
	got, err := ParseError("-113,\"Undefined header\"\n")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Error{Code: -113, Msg: "Undefined header"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if _, err := ParseError("garbage"); err == nil {
		t.Error("expected malformed reply to fail")
	}
}

func TestAllErrors(t *testing.T) {
	f := &fakeSession{replies: []string{
		"-113,\"Undefined header\"\n",
		"-222,\"Data out of range\"\n",
		"+0,\"No error\"\n"}}
	s := SCPI{Session: f, Handshaking: true}
	str, err := s.AllErrorsString()
	if err == nil {
		t.Fatal("expected the first error to be returned")
	}
	if str != "-113,\"Undefined header\"\n-222,\"Data out of range\"" {
		t.Errorf("unexpected joined errors %q", str)
	}
	for _, w := range f.written {
		if w != "SYSTem:ERRor?" {
			t.Errorf("error queries must not be handshaken, sent %q", w)
		}
	}
	if !s.Handshaking {
		t.Error("handshaking not restored")
	}
}

func TestRawCommandSendsNoRead(t *testing.T) {
	f := &fakeSession{}
	s := SCPI{Session: f}
	resp, err := s.Raw("*RST")
	if err != nil || resp != "" {
		t.Errorf("expected empty response and no error, got %q %v", resp, err)
	}
	if len(f.written) != 1 {
		t.Errorf("expected one write, got %d", len(f.written))
	}
}
