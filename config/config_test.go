package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.jpl.nasa.gov/bdube/n6700/keysight"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadJSON(t *testing.T) {
	p := writeFile(t, "settings.json", `{
		"base": [{"address": "10.0.0.1::inst0::INSTR"}, {"address": "192.168.1.20::5025::SOCKET"}],
		"preset": [
			{"channel": "1", "voltage": "5.0", "current": "0.5"},
			{"channel": "3", "voltage": "12", "current": "1.25"}
		]
	}`)
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	want := Config{
		Base: []Base{{"10.0.0.1::inst0::INSTR"}, {"192.168.1.20::5025::SOCKET"}},
		Preset: []PresetEntry{
			{Channel: "1", Voltage: "5.0", Current: "0.5"},
			{Channel: "3", Voltage: "12", Current: "1.25"},
		},
		Timeout: Duration(5 * time.Second),
		Settle:  Duration(time.Second),
		Baud:    9600,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	res, err := c.Resource()
	if err != nil {
		t.Fatal(err)
	}
	if res != "TCPIP0::192.168.1.20::5025::SOCKET" {
		t.Errorf("expected the last base entry with a TCPIP0 prefix, got %s", res)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	p := writeFile(t, "settings.json", `{
		"base": [{"address": "USB0::0x0957::0x0F07::MY1::INSTR"}],
		"timeout": "2s", "settle": "250ms", "mock": true, "handshake": true, "baud": 19200
	}`)
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if time.Duration(c.Timeout) != 2*time.Second || time.Duration(c.Settle) != 250*time.Millisecond {
		t.Errorf("durations not decoded: %v %v", c.Timeout, c.Settle)
	}
	if !c.Mock || !c.Handshake || c.Baud != 19200 {
		t.Errorf("flags not decoded: %+v", c)
	}
	if res, _ := c.Resource(); res != "USB0::0x0957::0x0F07::MY1::INSTR" {
		t.Errorf("prefixed resource altered: %s", res)
	}
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "settings.yml", `
base:
  - address: 192.168.1.20::hislip0::INSTR
preset:
  - channel: "2"
    voltage: "3.3"
    current: "0.1"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Preset) != 1 || c.Preset[0].Voltage != "3.3" {
		t.Errorf("preset not decoded: %+v", c.Preset)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "settings.json"))
	if !errors.Is(err, ErrMissing) {
		t.Errorf("expected ErrMissing, got %v", err)
	}
}

func TestLoadMalformed(t *testing.T) {
	p := writeFile(t, "settings.json", `{"base": [`)
	if _, err := Load(p); err == nil {
		t.Error("expected a parse error")
	}
}

func TestNoAddress(t *testing.T) {
	var c Config
	if _, err := c.Resource(); !errors.Is(err, ErrNoAddress) {
		t.Errorf("expected ErrNoAddress, got %v", err)
	}
	c.Base = []Base{{Address: "  "}}
	if _, err := c.Address(); !errors.Is(err, ErrNoAddress) {
		t.Errorf("expected ErrNoAddress for a blank address, got %v", err)
	}
}

func TestResourcePrefix(t *testing.T) {
	tests := []struct{ addr, want string }{
		{"192.168.1.20::inst0::INSTR", "TCPIP0::192.168.1.20::inst0::INSTR"},
		{"192.168.1.20", "TCPIP0::192.168.1.20"},
		{"tcpip1::host::5025::SOCKET", "tcpip1::host::5025::SOCKET"},
		{"usbpsu.lab::5025::SOCKET", "TCPIP0::usbpsu.lab::5025::SOCKET"},
		{"ASRL3::INSTR", "ASRL3::INSTR"},
	}
	for _, tt := range tests {
		c := Config{Base: []Base{{Address: tt.addr}}}
		got, err := c.Resource()
		if err != nil {
			t.Errorf("%s: %v", tt.addr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.addr, tt.want, got)
		}
	}
}

func TestChannelNumber(t *testing.T) {
	ch, err := PresetEntry{Channel: " 2 "}.ChannelNumber()
	if err != nil || ch != keysight.Channel(2) {
		t.Errorf("expected channel 2, got %d %v", ch, err)
	}
	if _, err := (PresetEntry{Channel: "two"}).ChannelNumber(); err == nil {
		t.Error("expected a parse error")
	}
}

func TestDurationText(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	b, err := d.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "1.5s" {
		t.Errorf("expected 1.5s, got %s", b)
	}
	var back Duration
	if err := back.UnmarshalText(b); err != nil || back != d {
		t.Errorf("round trip failed: %v %v", back, err)
	}
}
