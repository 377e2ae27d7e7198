package cmd

import (
	"fmt"

	"RiskGate/internal/server"

	"github.com/spf13/cobra"
)

const version = "0.4.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "riskctl version %s (%s)\n", version, server.ServiceName)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
