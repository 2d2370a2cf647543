package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/n6700/config"
)

var confCmd = &cobra.Command{
	Use:   "conf",
	Short: "print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return yml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
	},
}

var mkconfCmd = &cobra.Command{
	Use:   "mkconf",
	Short: "write a sample settings file",
	Long: `mkconf writes a sample settings file to the --config path.  The file is
JSON unless the name ends in .yml or .yaml.  An existing file is not replaced.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgFile); err == nil {
			return errors.Errorf("%s already exists", cfgFile)
		}
		f, err := os.Create(cfgFile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := writeConfig(f, cfgFile, config.Default()); err != nil {
			return errors.Wrapf(err, "writing %s", cfgFile)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgFile)
		return nil
	},
}

func writeConfig(f *os.File, name string, c config.Config) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yml", ".yaml":
		return yml.NewEncoder(f).Encode(c)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}
