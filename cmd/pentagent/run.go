package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/probelab/pentagent/internal/agent"
	"github.com/probelab/pentagent/internal/ai"
	"github.com/probelab/pentagent/internal/config"
	"github.com/probelab/pentagent/internal/coordinator"
	"github.com/probelab/pentagent/internal/findings"
	"github.com/probelab/pentagent/internal/planner"
	"github.com/probelab/pentagent/internal/sandbox"
	"github.com/probelab/pentagent/internal/storage/sqlite"
	"github.com/probelab/pentagent/internal/tool"
	"github.com/probelab/pentagent/internal/types"
)

var (
	runMaxSteps     int
	runSandboxID    string
	runImage        string
	runNetwork      string
	runModel        string
	runMarkersOnly  bool
	runMaxToolCalls int
)

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Run an engagement toward a goal",
	Long: `Run plans a task list for the goal, executes tasks in sandboxes, and
keeps going until the goal is achieved, the plan is exhausted, or the
step cap is hit. Ctrl-C aborts the run and tears down all sandboxes.

Example:
  pentagent run "capture the flag on http://target:8080" --network pentest-lab`,
	Args: cobra.ExactArgs(1),
	RunE: runEngagement,
}

func init() {
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "hard step cap for the run (overrides config)")
	runCmd.Flags().StringVar(&runSandboxID, "sandbox-id", "", "adopt an existing container as the default sandbox")
	runCmd.Flags().StringVar(&runImage, "image", "", "container image for fresh sandboxes")
	runCmd.Flags().StringVar(&runNetwork, "network", "", "docker network sandboxes join (empty = no network)")
	runCmd.Flags().StringVar(&runModel, "model", "", "model for planning and execution")
	runCmd.Flags().BoolVar(&runMarkersOnly, "markers-only", false, "skip the model pass during finding extraction")
	runCmd.Flags().IntVar(&runMaxToolCalls, "max-tool-calls", 0, "tool call budget per task (overrides config)")
	rootCmd.AddCommand(runCmd)
}

func runEngagement(cmd *cobra.Command, args []string) error {
	goal := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyRunFlags(&cfg)

	client, err := ai.NewClient(ai.Config{
		APIKey: cfg.APIKey,
		Model:  cfg.Model,
	})
	if err != nil {
		return err
	}

	registry, err := sandbox.NewRegistry(sandbox.NewDockerRuntime(), sandbox.Config{
		PresetID: cfg.PresetSandboxID,
		DefaultCreate: sandbox.CreateOptions{
			Image:   cfg.SandboxImage,
			Network: cfg.SandboxNetwork,
		},
	})
	if err != nil {
		return err
	}

	plan, err := planner.New(client, planner.Config{})
	if err != nil {
		return err
	}
	tools, err := tool.NewLayer(registry, tool.Config{})
	if err != nil {
		return err
	}
	exec, err := agent.New(client, tools, agent.Config{
		MaxToolCalls: cfg.MaxToolCalls,
	})
	if err != nil {
		return err
	}
	extract := findings.New(client, findings.Config{
		DisableModelPass: runMarkersOnly,
	})

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	coord, err := coordinator.New(plan, exec, extract, registry, store, coordinator.Config{
		MaxSteps:               cfg.MaxSteps,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupt received, aborting run...")
		cancel()
	}()

	report, runErr := coord.Run(ctx, goal)
	if report != nil {
		printReport(report)
	}
	if errors.Is(runErr, context.Canceled) {
		// Aborted on purpose; the report already says so.
		os.Exit(130)
	}
	return runErr
}

func applyRunFlags(cfg *config.Config) {
	if runMaxSteps > 0 {
		cfg.MaxSteps = runMaxSteps
	}
	if runMaxToolCalls > 0 {
		cfg.MaxToolCalls = runMaxToolCalls
	}
	if runSandboxID != "" {
		cfg.PresetSandboxID = runSandboxID
	}
	if runImage != "" {
		cfg.SandboxImage = runImage
	}
	if runNetwork != "" {
		cfg.SandboxNetwork = runNetwork
	}
	if runModel != "" {
		cfg.Model = runModel
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
}

func printReport(report *types.RunReport) {
	bold := color.New(color.Bold).SprintFunc()

	fmt.Println()
	fmt.Printf("%s %s\n", bold("Run:"), report.RunID)
	fmt.Printf("%s %s", bold("Outcome:"), colorOutcome(report.Outcome))
	if report.Reason != "" {
		fmt.Printf(" (%s)", report.Reason)
	}
	fmt.Println()
	fmt.Printf("%s %d over %v\n", bold("Steps:"), report.Steps, report.Finished.Sub(report.Started).Round(1e9))

	if len(report.Findings) > 0 {
		fmt.Printf("\n%s\n", bold("Findings:"))
		for _, f := range report.Findings {
			fmt.Printf("  [%s] %s: %s\n", colorSeverity(f.Severity), f.Category, f.Evidence)
		}
	}
	fmt.Println()
}

func colorOutcome(outcome types.RunOutcome) string {
	switch outcome {
	case types.OutcomeGoalAchieved:
		return color.GreenString(string(outcome))
	case types.OutcomeAborted, types.OutcomePlanningFailed:
		return color.RedString(string(outcome))
	default:
		return color.YellowString(string(outcome))
	}
}

func colorSeverity(sev types.Severity) string {
	switch sev {
	case types.SeverityCritical, types.SeverityHigh:
		return color.RedString(string(sev))
	case types.SeverityMedium:
		return color.YellowString(string(sev))
	default:
		return string(sev)
	}
}
