package main

import (
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "syncd",
	Short:   "Offline-first sync daemon",
	Long:    "syncd keeps a local TTL cache and a durable mutation queue in sync with a remote backend, surviving network loss and resolving concurrent edits.",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "syncbox.toml", "path to the configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(statusCmd)
}
