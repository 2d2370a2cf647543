// Package powerctl runs one invocation of the n6700 tool: it opens the
// instrument, shows what it is doing, and applies the requested changes in a
// fixed order.
package powerctl

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/theckman/yacspin"

	"github.jpl.nasa.gov/bdube/n6700/config"
	"github.jpl.nasa.gov/bdube/n6700/keysight"
	"github.jpl.nasa.gov/bdube/n6700/scpi"
	"github.jpl.nasa.gov/bdube/n6700/visa"
)

// Banner is printed at the start of every run
const Banner = "Keysight N6700 DC Power Analyzer command line application"

// Exit codes
const (
	ExitOK      = 0
	ExitFailure = 1
)

// Options are the mutations requested for a run.  nil means not requested.
type Options struct {
	Target  Target
	Voltage *float64
	Current *float64
	Output  *bool
	All     *bool
}

// App holds the collaborators of a run
type App struct {
	Opener visa.Opener
	Stdout io.Writer
	Stderr io.Writer

	// Pause waits after an output change.  If nil, a spinner is shown on
	// terminals and the run sleeps otherwise.
	Pause func(time.Duration)

	// Logger, if not nil, traces SCPI traffic
	Logger *log.Logger
}

var errRed = color.New(color.FgRed)

func (a *App) out() io.Writer {
	if a.Stdout == nil {
		return os.Stdout
	}
	return a.Stdout
}

func (a *App) errw() io.Writer {
	if a.Stderr == nil {
		return os.Stderr
	}
	return a.Stderr
}

func (a *App) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.out(), format, args...)
}

func (a *App) errorf(format string, args ...interface{}) {
	errRed.Fprintf(a.errw(), "[Error] "+format+"\n", args...)
}

func (a *App) pause(d time.Duration) {
	if a.Pause != nil {
		a.Pause(d)
		return
	}
	f, ok := a.out().(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) {
		time.Sleep(d)
		return
	}
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:     100 * time.Millisecond,
		CharSet:       yacspin.CharSets[14],
		Suffix:        " settling",
		StopCharacter: "",
		Writer:        f,
	})
	if err != nil {
		time.Sleep(d)
		return
	}
	spinner.Start()
	time.Sleep(d)
	spinner.Stop()
}

// Execute performs one run and returns the process exit code.  The session
// is closed exactly once on every path that opened it.
func (a *App) Execute(ctx context.Context, cfg config.Config, opts Options) int {
	if opts.Target == nil {
		a.errorf("%v", ErrTargetMissing)
		return ExitFailure
	}
	resource, err := cfg.Resource()
	if err != nil {
		a.errorf("%v", err)
		return ExitFailure
	}

	a.printf("\n%s\n\n", Banner)

	sess, err := a.Opener.Open(ctx, resource)
	if err != nil {
		a.errorf("Could not open device %s: %v", resource, err)
		return ExitFailure
	}
	defer sess.Close()

	p := keysight.NewPowerAnalyzer(sess)
	p.Handshaking = cfg.Handshake
	p.Logger = a.Logger

	r := run{App: a, p: p, cfg: cfg}
	if err := r.do(opts); err != nil {
		a.errorf("%v", err)
		return ExitFailure
	}
	return ExitOK
}

// run holds the state of one Execute; a returned error is fatal
type run struct {
	*App
	p   *keysight.PowerAnalyzer
	cfg config.Config
}

func (r *run) do(opts Options) error {
	idn, err := r.p.Identify()
	if err != nil {
		return errors.Wrap(err, "identify")
	}
	r.printf("Identification device: %s\n\n", idn)
	r.printf("Instant measurements:\n")
	if err := keysight.RenderTable(r.out(), r.p); err != nil {
		return err
	}

	var ch keysight.Channel
	if sel, ok := opts.Target.(ChannelSelection); ok {
		ch = sel.Channel
		if ch.Valid() {
			r.printf("Channel set to %d\n", ch)
		} else {
			r.errorf("Channel unknown")
		}
	}

	if opts.Voltage != nil {
		v := *opts.Voltage
		if err := keysight.CheckVoltage(v); err != nil {
			r.errorf("%v", err)
		} else if ok, err := r.apply(r.p.SetVoltage(keysight.FormatValue(v), ch)); err != nil {
			return err
		} else if ok {
			r.printf("Voltage set to %g\n", v)
		}
	}

	if opts.Current != nil {
		a := *opts.Current
		if err := keysight.CheckCurrent(a); err != nil {
			r.errorf("%v", err)
		} else if ok, err := r.apply(r.p.SetCurrent(keysight.FormatValue(a), ch)); err != nil {
			return err
		} else if ok {
			r.printf("Current set to %g\n", a)
		}
	}

	if opts.Output != nil {
		ok, err := r.apply(r.p.SetOutputState(*opts.Output, ch))
		if err != nil {
			return err
		}
		if ok {
			if err := r.settleAndShow(); err != nil {
				return err
			}
		}
	}

	if _, ok := opts.Target.(PresetLoad); ok {
		if err := r.applyPreset(); err != nil {
			return err
		}
	}

	if opts.All != nil {
		for _, c := range keysight.Channels {
			if err := r.p.SetOutputState(*opts.All, c); err != nil {
				return err
			}
		}
		if err := r.settleAndShow(); err != nil {
			return err
		}
	}
	return nil
}

// apply is true if a command went through.  Validation failures, including
// those the instrument reports when handshaking, are reported and skipped;
// anything else is returned.
func (r *run) apply(err error) (bool, error) {
	var rejected scpi.Error
	if errors.Is(err, keysight.ErrChannel) || errors.As(err, &rejected) {
		r.errorf("%v, command skipped", err)
		return false, nil
	}
	return err == nil, err
}

func (r *run) settleAndShow() error {
	r.pause(time.Duration(r.cfg.Settle))
	r.printf("\nUpdated measurements:\n")
	return keysight.RenderTable(r.out(), r.p)
}

func (r *run) applyPreset() error {
	r.printf("\nNew settings from preset loaded\n\n")
	for _, entry := range r.cfg.Preset {
		ch, err := entry.ChannelNumber()
		if err == nil && !ch.Valid() {
			err = errors.Wrapf(keysight.ErrChannel, "preset channel %q", entry.Channel)
		}
		if err != nil {
			r.errorf("%v, entry skipped", err)
			continue
		}
		okV, err := r.presetValue(entry.Voltage, keysight.ParseVoltage, func(v string) error {
			return r.p.SetVoltage(v, ch)
		})
		if err != nil {
			return err
		}
		okI, err := r.presetValue(entry.Current, keysight.ParseCurrent, func(v string) error {
			return r.p.SetCurrent(v, ch)
		})
		if err != nil {
			return err
		}
		if !okV || !okI {
			continue
		}
		r.printf("Channel: %s\nVoltage: %s\nCurrent: %s\n\n", entry.Channel, entry.Voltage, entry.Current)
	}
	return nil
}

// presetValue validates a setpoint from the settings file and sends it as written
func (r *run) presetValue(value string, parse func(string) (float64, error), set func(string) error) (bool, error) {
	if _, err := parse(value); err != nil {
		r.errorf("%v, command skipped", err)
		return false, nil
	}
	return r.apply(set(value))
}
