// Package cmd implements the offlinecache command line.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "offlinecache",
	Short: "Offline cache proxy for the parts search web app",
	Long: `offlinecache hosts an offline-first cache in front of a web application.
Every request passing through the proxy is offered to the worker, which
pre-caches the app shell at install, serves cached resources when the network
is unavailable and displays push notifications.

Configuration is read from --config, then OFFLINECACHE_* environment
variables, e.g. OFFLINECACHE_WORKER_VERSION=axcelis-parts-v1.1.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("offlinecache %s\n", Version)
	},
}
