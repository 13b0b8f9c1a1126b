package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped into status output and the --version flag.
const Version = "1.0.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command all subcommands hang off.
var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Adaptive host monitoring daemon",
	Long: `Vigil watches a host the way an on-call operator would: dozing through
quiet periods, scanning harder as evidence of trouble accumulates, and
settling back down once things are calm. It keeps metric history in
SQLite or PostgreSQL, detects anomalies and trends, forecasts where
metrics are heading, and serves it all over an HTTP API.`,
	Version: Version,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "vigil.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging regardless of config")
}
