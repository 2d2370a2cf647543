// Package config loads the settings file of the n6700 tool.
//
// The file is JSON by default (settings.json), or YAML if the name ends in
// .yml or .yaml.  A minimal file:
//
//	{
//	  "base": [{"address": "192.168.1.20::inst0::INSTR"}],
//	  "preset": [
//	    {"channel": "1", "voltage": "5.0", "current": "0.5"}
//	  ]
//	}
//
// The address is a VISA resource string with or without its interface
// prefix; bare addresses are taken to be TCPIP0.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/n6700/keysight"
)

// FileName is the settings file looked for in the working directory
const FileName = "settings.json"

var (
	// ErrNoAddress is generated when the file has no base entry
	ErrNoAddress = errors.New("no instrument address in the base section")

	// ErrMissing is generated when the settings file does not exist
	ErrMissing = errors.New("can't find settings file")
)

// Duration is a time.Duration that reads and writes as "1s", "250ms", etc
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Base is one entry of the base section
type Base struct {
	Address string `koanf:"address" json:"address" yaml:"address"`
}

// PresetEntry is one channel of a preset.  Values are kept as written in the
// file and are sent to the instrument verbatim.
type PresetEntry struct {
	Channel string `koanf:"channel" json:"channel" yaml:"channel"`
	Voltage string `koanf:"voltage" json:"voltage" yaml:"voltage"`
	Current string `koanf:"current" json:"current" yaml:"current"`
}

// ChannelNumber parses the channel field
func (p PresetEntry) ChannelNumber() (keysight.Channel, error) {
	n, err := strconv.Atoi(strings.TrimSpace(p.Channel))
	if err != nil {
		return 0, errors.Wrapf(err, "preset channel %q", p.Channel)
	}
	return keysight.Channel(n), nil
}

// Config is the content of the settings file
type Config struct {
	Base   []Base        `koanf:"base" json:"base" yaml:"base"`
	Preset []PresetEntry `koanf:"preset" json:"preset" yaml:"preset"`

	// Timeout bounds opening the session and each exchange on it
	Timeout Duration `koanf:"timeout" json:"timeout" yaml:"timeout"`

	// Settle is the pause after an output change before measuring again
	Settle Duration `koanf:"settle" json:"settle" yaml:"settle"`

	// Mock swaps the instrument for a simulated one
	Mock bool `koanf:"mock" json:"mock" yaml:"mock"`

	// Handshake queries the error queue after every command
	Handshake bool `koanf:"handshake" json:"handshake" yaml:"handshake"`

	// Baud is used for ASRL resources
	Baud int `koanf:"baud" json:"baud" yaml:"baud"`
}

func defaults() Config {
	return Config{
		Timeout: Duration(5 * time.Second),
		Settle:  Duration(time.Second),
		Baud:    9600}
}

// Default returns a sample configuration, as written by mkconf
func Default() Config {
	c := defaults()
	c.Base = []Base{{Address: "192.168.1.20::inst0::INSTR"}}
	c.Preset = []PresetEntry{
		{Channel: "1", Voltage: "5.0", Current: "0.5"},
		{Channel: "2", Voltage: "12.0", Current: "1.0"},
		{Channel: "3", Voltage: "3.3", Current: "0.25"},
	}
	return c
}

// Load reads the file at path on top of the defaults
func Load(path string) (Config, error) {
	var c Config
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return c, errors.Wrap(ErrMissing, path)
		}
		return c, err
	}
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return c, err
	}
	var parser koanf.Parser = json.Parser()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		parser = yaml.Parser()
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return c, errors.Wrapf(err, "error loading config %s", path)
	}
	err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.TextUnmarshallerHookFunc(),
				mapstructure.StringToSliceHookFunc(",")),
			Result:           &c,
			WeaklyTypedInput: true,
			TagName:          "koanf",
		}})
	return c, errors.Wrapf(err, "error decoding config %s", path)
}

// Address returns the address of the last base entry, which is the one used
func (c Config) Address() (string, error) {
	if len(c.Base) == 0 {
		return "", ErrNoAddress
	}
	addr := strings.TrimSpace(c.Base[len(c.Base)-1].Address)
	if addr == "" {
		return "", ErrNoAddress
	}
	return addr, nil
}

// Resource returns the VISA resource string of the instrument
func (c Config) Resource() (string, error) {
	addr, err := c.Address()
	if err != nil {
		return "", err
	}
	if hasInterface(addr) {
		return addr, nil
	}
	return "TCPIP0::" + addr, nil
}

// hasInterface is true for addresses that start with TCPIP[n]::, USB[n]:: or ASRL
func hasInterface(addr string) bool {
	first := strings.ToUpper(strings.SplitN(addr, "::", 2)[0])
	if strings.HasPrefix(first, "ASRL") {
		return true
	}
	if !strings.Contains(addr, "::") {
		return false
	}
	for _, prefix := range []string{"TCPIP", "USB"} {
		if !strings.HasPrefix(first, prefix) {
			continue
		}
		board := first[len(prefix):]
		if board == "" {
			return true
		}
		if _, err := strconv.Atoi(board); err == nil {
			return true
		}
	}
	return false
}
