package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped by the build.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "walletd",
	Short: "walletd is the wallet background service",
	Long: `A background service bridging web pages to a remote Nexus node: it holds
the wallet session, gates every dApp request behind user approval, and
exposes the provider API over HTTP.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
