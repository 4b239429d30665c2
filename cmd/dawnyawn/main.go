// DawnYawn is an autonomous goal-driven agent with disposable Docker sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dawnyawn [goal]",
	Short: "Autonomous agent that executes AI-planned commands in disposable sandboxes",
	Long: `DawnYawn plans actions toward a goal with an LLM, executes each action in a
disposable Docker sandbox reached over SSH, records observations, checkpoints
mission state after every step, and terminates on the finish sentinel, a step
ceiling, or interruption.`,
	Args:          cobra.ArbitraryArgs,
	RunE:          runMission, // Default to mission mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, serverCmd, mcpCmd, missionsCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
