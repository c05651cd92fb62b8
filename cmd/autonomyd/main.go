// Package main provides the entry point for the autonomy agent daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "autonomyd",
		Short:         "Round-based replicated agent service on CometBFT",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newStartCmd(),
		newLocalnetCmd(),
		newFSMCmd(),
		newKeysCmd(),
		newHistoryCmd(),
	)
	return root
}
