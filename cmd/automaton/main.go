package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/automaton/am"
	"github.com/teranos/automaton/cmd/automaton/commands"
	"github.com/teranos/automaton/logger"
)

var rootCmd = &cobra.Command{
	Use:   "automaton",
	Short: "automaton - in-app automation scheduler",
	Long: `automaton evaluates triggers for remotely delivered schedules, enforces
frequency limits, caches message assets and drives displays to completion.

Available commands:
  run          - Run the engine, reading events from stdin
  schedules    - Inspect and stop stored schedules
  constraints  - Show frequency constraint usage
  remote       - Apply remote payload files
  config       - Create, check and show am.toml
  version      - Show build information

Examples:
  automaton config init               # Write ./am.toml with defaults
  automaton remote apply ./payloads   # Reconcile app/contact payloads
  automaton run < events.jsonl        # Feed events to the engine
  automaton schedules ls --json       # List schedules as JSON`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		// Flags win; otherwise the [log] section applies. A broken config is reported by the command itself.
		if cfg, err := am.Load(); err == nil {
			if !cmd.Flags().Changed("verbose") {
				verbosity = cfg.Log.Verbosity
			}
			if !cmd.Flags().Changed("log-json") {
				jsonLogs = cfg.Log.JSON
			}
		}
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().Bool("json", false, "Print command output as JSON")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.SchedulesCmd)
	rootCmd.AddCommand(commands.ConstraintsCmd)
	rootCmd.AddCommand(commands.RemoteCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
