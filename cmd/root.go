package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bay",
	Short: "Bay sandbox control plane",
	Long:  `bay provisions and manages ephemeral, container-backed code-execution sandboxes.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
