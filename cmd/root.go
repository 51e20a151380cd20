// Package cmd defines the browserless command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browserless",
		Short: "A browser-automation execution service.",
		Long: `browserless runs user-supplied automation code against a managed pool
of headless browser instances and returns the resulting artifact. It keeps
browser processes warm, admits work through a bounded queue, and adapts its
concurrency to host resource pressure.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is environment only)")
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
