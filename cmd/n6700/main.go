/*Command n6700 controls a Keysight N6700 series DC power analyzer.

Usage:

	n6700 -c <channel> [-v volts] [-i amps] [-o on|off] [-a on|off]
	n6700 -p [-a on|off]
	n6700 conf | mkconf | status | version

The instrument address and the preset are read from settings.json in the
working directory.  Run n6700 mkconf for a sample.
*/
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

// exitCode is set by commands that report their own errors
var exitCode int

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "[Error] %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func pversion() {
	fmt.Printf("n6700 version %v\n", Version)
}
