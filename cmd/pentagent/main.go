// pentagent is a goal-driven penetration testing agent for authorized
// engagements. It plans a task list from a goal, executes tasks in
// throwaway containers, extracts findings from the output, and replans
// until the goal is reached or the attempt budget runs out.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:   "pentagent",
	Short: "Autonomous penetration testing agent for authorized targets",
	Long: `pentagent drives authorized penetration tests end to end: it plans a
task list for a goal, executes each task inside an isolated scratch
container, extracts findings from the output, and replans as the
engagement develops. Every step is recorded in a local audit database.

Only run this against systems you have explicit permission to test.`,
	SilenceUsage: true,
}

func main() {
	// A .env in the working directory supplies ANTHROPIC_API_KEY and
	// friends during development; absence is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "pentagent.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the audit database (overrides config)")
}
