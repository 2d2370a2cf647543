package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.jpl.nasa.gov/bdube/n6700/keysight"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "print the identification, measurements and output states without changing anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		resource, err := cfg.Resource()
		if err != nil {
			return err
		}
		o, release := opener(cfg)
		defer release()
		sess, err := o.Open(cmd.Context(), resource)
		if err != nil {
			return errors.Wrapf(err, "Could not open device %s", resource)
		}
		defer sess.Close()

		p := keysight.NewPowerAnalyzer(sess)
		p.Handshaking = cfg.Handshake
		p.Logger = scpiLogger()
		idn, err := p.Identify()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Identification device: %s\n\n", idn)
		if err := keysight.RenderTable(w, p); err != nil {
			return err
		}
		states, err := p.OutputStates(keysight.Channels...)
		if err != nil {
			return err
		}
		words := make([]string, len(states))
		for i, on := range states {
			words[i] = fmt.Sprintf("%d:OFF", keysight.Channels[i])
			if on {
				words[i] = fmt.Sprintf("%d:ON", keysight.Channels[i])
			}
		}
		fmt.Fprintf(w, "Outputs: %s\n", strings.Join(words, " "))
		return nil
	},
}
