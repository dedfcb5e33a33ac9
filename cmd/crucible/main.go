// Crucible — budget-governed experiment control plane for AI agent teams.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Crucible — experiment lifecycle, credit ledger and metered AI gateway.",
	Long: `Crucible tracks experiments through their lifecycle, keeps a per-team credit
ledger, and routes every AI call through a gateway that pre-authorizes, meters
and settles its cost before the result reaches the caller.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, mcpCmd, reconcileCmd, sweepCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
