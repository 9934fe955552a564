// Package repl is an interactive shell over the audit database: browse past
// runs, reload their reports, and inspect findings without leaving the
// terminal.
package repl

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/probelab/pentagent/internal/storage/sqlite"
)

// REPL represents the interactive shell
type REPL struct {
	store    *sqlite.Store
	rl       *readline.Instance
	ctx      context.Context
	commands map[string]CommandHandler
}

// CommandHandler handles a specific command
type CommandHandler func(args []string) error

// Config holds REPL configuration
type Config struct {
	Store *sqlite.Store
}

// New creates a new REPL instance
func New(cfg *Config) (*REPL, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	r := &REPL{
		store:    cfg.Store,
		commands: make(map[string]CommandHandler),
	}
	r.registerCommands()
	return r, nil
}

// Run starts the REPL loop
func (r *REPL) Run(ctx context.Context) error {
	r.ctx = ctx

	cyan := color.New(color.FgCyan).SprintFunc()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("pentagent> "),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	r.rl = rl

	r.printWelcome()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			} else if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := r.processInput(line); err != nil {
			if err == io.EOF {
				return nil
			}
			red := color.New(color.FgRed).SprintFunc()
			fmt.Printf("%s %v\n", red("Error:"), err)
		}
	}
}

func (r *REPL) processInput(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	command := parts[0]
	args := parts[1:]

	if handler, ok := r.commands[command]; ok {
		return handler(args)
	}

	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Printf("%s unknown command %q. Use 'help' for available commands.\n", yellow("Note:"), command)
	return nil
}

func (r *REPL) registerCommands() {
	r.commands["help"] = r.cmdHelp
	r.commands["?"] = r.cmdHelp
	r.commands["runs"] = r.cmdRuns
	r.commands["report"] = r.cmdReport
	r.commands["exit"] = r.cmdExit
	r.commands["quit"] = r.cmdExit
}

func (r *REPL) printWelcome() {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("\n%s\n", cyan("pentagent audit shell"))
	fmt.Println()
	fmt.Println("Type 'help' for available commands, 'exit' to quit")
	fmt.Println()
}

func (r *REPL) cmdHelp(args []string) error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("\n%s\n\n", cyan("Available Commands:"))
	fmt.Println("  runs [n]         List the n most recent runs (default 20)")
	fmt.Println("  report <run-id>  Show the full report for a run")
	fmt.Println("  help, ?          Show this help")
	fmt.Println("  exit, quit       Leave the shell")
	fmt.Println()
	return nil
}

func (r *REPL) cmdExit(args []string) error {
	fmt.Println("Goodbye!")
	return io.EOF
}

func (r *REPL) cmdRuns(args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("runs takes an optional positive count, got %q", args[0])
		}
		limit = n
	}

	runs, err := r.store.ListRuns(r.ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	for _, run := range runs {
		fmt.Printf("  %s  %-14s  steps=%-3d findings=%-3d  %s\n",
			run.RunID, colorOutcome(string(run.Outcome)), run.Steps, run.Findings,
			truncate(run.Goal, 60))
	}
	return nil
}

func (r *REPL) cmdReport(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: report <run-id>")
	}

	report, err := r.store.GetReport(r.ctx, args[0])
	if err != nil {
		return err
	}
	if report == nil {
		return fmt.Errorf("run %s not found", args[0])
	}

	bold := color.New(color.Bold).SprintFunc()
	fmt.Printf("\n%s %s\n", bold("Run:"), report.RunID)
	fmt.Printf("%s %s\n", bold("Goal:"), report.Goal)
	fmt.Printf("%s %s", bold("Outcome:"), colorOutcome(string(report.Outcome)))
	if report.Reason != "" {
		fmt.Printf(" (%s)", report.Reason)
	}
	fmt.Printf("\n%s %d over %v\n", bold("Steps:"), report.Steps, report.Finished.Sub(report.Started).Round(1e9))

	fmt.Printf("\n%s\n", bold("Findings:"))
	if len(report.Findings) == 0 {
		fmt.Println("  (none)")
	}
	for _, f := range report.Findings {
		fmt.Printf("  [%s] %s: %s\n", f.Severity, f.Category, truncate(f.Evidence, 100))
	}

	fmt.Printf("\n%s\n", bold("History:"))
	for i, res := range report.History {
		status := color.GreenString("ok")
		if res.Failed() {
			status = color.RedString("failed")
		}
		fmt.Printf("  %2d. %s %s (exit %d, %d tool calls)\n",
			i+1, res.TaskID, status, res.ExitCode, res.ToolCallsMade)
		if res.Err != nil {
			fmt.Printf("      %s: %s\n", res.Err.Kind, truncate(res.Err.Message, 90))
		}
	}
	fmt.Println()
	return nil
}

func colorOutcome(outcome string) string {
	switch outcome {
	case "goal_achieved":
		return color.GreenString(outcome)
	case "aborted", "planning_failed":
		return color.RedString(outcome)
	default:
		return color.YellowString(outcome)
	}
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
