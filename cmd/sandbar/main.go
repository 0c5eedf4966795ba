// Package main is the entry point for the sandbar daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "0.2.0"

// Global flags.
var (
	configFile string
	logLevel   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sandbar",
		Short: "Sandboxed execution backend for the browser IDE",
		Long: `Sandbar runs isolated shell sandboxes for IDE projects, either as
local pseudo-terminal process groups or as docker containers, and
bridges their terminals to the browser over websockets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (YAML)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())

	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
