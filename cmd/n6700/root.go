package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.jpl.nasa.gov/bdube/n6700/config"
	"github.jpl.nasa.gov/bdube/n6700/keysight"
	"github.jpl.nasa.gov/bdube/n6700/powerctl"
	"github.jpl.nasa.gov/bdube/n6700/visa"
)

var (
	cfgFile   string
	mock      bool
	handshake bool
	verbose   bool
	trace     bool

	channel int
	preset  bool
	voltage float64
	current float64
	output  onOff
	all     onOff
)

// onOff is a boolean flag that takes a value, 0/1, true/false or on/off
type onOff struct {
	value bool
	set   bool
}

func (o *onOff) String() string {
	if !o.set {
		return ""
	}
	if o.value {
		return "on"
	}
	return "off"
}

func (o *onOff) Set(s string) error {
	switch strings.ToLower(s) {
	case "on":
		o.value = true
	case "off":
		o.value = false
	default:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%q is not one of 0, 1, on, off", s)
		}
		o.value = b
	}
	o.set = true
	return nil
}

func (o *onOff) Type() string {
	return "0|1"
}

func (o *onOff) ptr() *bool {
	if !o.set {
		return nil
	}
	v := o.value
	return &v
}

var _ pflag.Value = (*onOff)(nil)

var rootCmd = &cobra.Command{
	Use:   "n6700",
	Short: "Keysight N6700 DC Power Analyzer command line application",
	Long: `n6700 reads the instrument address from settings.json, prints the
identification and a measurement table for channels 1-3, then applies the
requested changes.  Exactly one of --channel and --preset is required.

Changes are applied in this order: voltage, current, output of the selected
channel, preset, all outputs.  Measurements are shown again after every output
change.`,
	Example: `  n6700 -c 1 -v 12 -i 0.5 -o on
  n6700 -p -a 1
  n6700 -c 2 -o off`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.FileName, "settings file")
	rootCmd.PersistentFlags().BoolVar(&mock, "mock", false, "use a simulated instrument")
	rootCmd.PersistentFlags().BoolVar(&handshake, "handshake", false, "check the error queue after every command")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "log SCPI traffic to stderr")
	rootCmd.PersistentFlags().BoolVar(&trace, "trace", false, "log every message on the wire to stderr")

	f := rootCmd.Flags()
	f.IntVarP(&channel, "channel", "c", 0, "Channel selection, 1, 2, 3")
	f.BoolVarP(&preset, "preset", "p", false, "Load preset from the settings file")
	f.Float64VarP(&voltage, "voltage", "v", 0,
		fmt.Sprintf("Voltage, available range (0...%g) V", keysight.MaxVoltage))
	f.Float64VarP(&current, "current", "i", 0,
		fmt.Sprintf("Current limitation, available range (0...%g) A", keysight.MaxCurrent))
	f.VarP(&output, "output", "o", "Turn ON/OFF output of the selected channel")
	f.VarP(&all, "all", "a", "Turn ON/OFF all outputs")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%v\nsee %s --help", err, cmd.CommandPath())
	})

	rootCmd.AddCommand(confCmd, mkconfCmd, statusCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		pversion()
	},
}

// loadConfig reads the settings file and applies the persistent flags over it
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}
	cfg.Mock = cfg.Mock || mock
	cfg.Handshake = cfg.Handshake || handshake
	return cfg, nil
}

// opener returns the session source for cfg and a func that releases it
func opener(cfg config.Config) (visa.Opener, func()) {
	if cfg.Mock {
		return &keysight.MockOpener{}, func() {}
	}
	opts := []visa.Option{
		visa.WithTimeout(time.Duration(cfg.Timeout)),
		visa.WithBaud(cfg.Baud),
	}
	if trace {
		opts = append(opts, visa.WithLogger(log.New(os.Stderr, "wire ", log.Lmicroseconds)))
	}
	rm := visa.NewResourceManager(opts...)
	return rm, func() { rm.Close() }
}

func scpiLogger() *log.Logger {
	if !verbose {
		return nil
	}
	return log.New(os.Stderr, "scpi ", log.Lmicroseconds)
}

func runRoot(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	target, err := powerctl.ParseTarget(flags.Changed("channel"), channel, flags.Changed("preset") && preset)
	if err != nil {
		return err
	}
	opts := powerctl.Options{
		Target: target,
		Output: output.ptr(),
		All:    all.ptr(),
	}
	if flags.Changed("voltage") {
		v := voltage
		opts.Voltage = &v
	}
	if flags.Changed("current") {
		a := current
		opts.Current = &a
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	o, release := opener(cfg)
	defer release()

	app := &powerctl.App{
		Opener: o,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Logger: scpiLogger(),
	}
	exitCode = app.Execute(cmd.Context(), cfg, opts)
	return nil
}
