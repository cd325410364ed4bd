// Package cmd defines the tankmon command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tankmon",
		Short: "Oil tank level monitor for the BoilerJuice portal.",
		Long: `tankmon polls a supplier web portal for the current oil tank level
using a headless browser, relays the occasional CAPTCHA or login challenge
to a human operator over HTTP, and republishes readings over MQTT with
Home Assistant discovery metadata.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <data dir>/config.yaml)")
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
