package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "presence",
	Short: "presence - device presence and app usage dashboard backend",
	Long: `presence keeps the live status of reporting devices, a bounded log of
their app usage events and heart-rate samples, and serves usage history
reconstructed from that log over a JSON API.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to serve when no subcommand is provided
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/presence/config.yaml", "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
