// Kazi is a supervisory ticket scheduler for multi-agent work.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kazi",
	Short: "Kazi is a supervisory ticket scheduler for teams of AI agents.",
	Long: `Kazi schedules tickets across per-team queues, runs each one through an
agent pipeline, verifies the output and retries, escalates or holds it as
needed. A supervising agent reviews the queues while the system is idle.

Run "kazi serve" to start the scheduler and its HTTP API. The remaining
commands talk to a running server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(
		serveCmd,
		statusCmd,
		submitCmd,
		ticketCmd,
		cancelCmd,
		holdCmd,
		releaseCmd,
		dispatchCmd,
		approvalsCmd,
		approveCmd,
		denyCmd,
		recoverCmd,
		bossCmd,
		modeCmd,
		directiveCmd,
		eventsCmd,
		versionCmd,
	)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
