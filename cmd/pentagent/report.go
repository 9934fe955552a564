package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/probelab/pentagent/internal/config"
	"github.com/probelab/pentagent/internal/storage/sqlite"
)

var runsLimit int

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Show the full report for a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := store.GetReport(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if report == nil {
			return fmt.Errorf("run %s not found", args[0])
		}

		bold := color.New(color.Bold).SprintFunc()
		fmt.Printf("%s %s\n", bold("Goal:"), report.Goal)
		printReport(report)

		fmt.Printf("%s\n", bold("History:"))
		for i, res := range report.History {
			status := color.GreenString("ok")
			if res.Failed() {
				status = color.RedString("failed")
			}
			fmt.Printf("  %2d. %s %s (exit %d, %d tool calls, %v)\n",
				i+1, res.TaskID, status, res.ExitCode, res.ToolCallsMade, res.Duration)
			if res.Err != nil {
				fmt.Printf("      %s: %s\n", res.Err.Kind, res.Err.Message)
			}
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded yet.")
			return nil
		}
		for _, run := range runs {
			fmt.Printf("  %s  %-14s  steps=%-3d findings=%-3d  %s\n",
				run.RunID, colorOutcome(run.Outcome), run.Steps, run.Findings, run.Goal)
		}
		return nil
	},
}

func openStore() (*sqlite.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	path := cfg.DatabasePath
	if dbPath != "" {
		path = dbPath
	}
	return sqlite.Open(path)
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to list")
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(runsCmd)
}
