package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the walletd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("walletd", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
