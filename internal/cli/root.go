package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pmnet",
	Short: "Agent orchestration over a versioned work graph",
	Long: `pmnet assigns structured units of work to AI agents. A task moves through
intake (precedents, clarify, plan, approve, execute, verify, learn), its steps
are dispatched to whichever agent runtime is available, and deferred steps are
run later by the scheduler. Every state change is recorded in the graph and
published on the event stream.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(intakeCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(eventsCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to pmnet.json or pmnet.yaml (default: search up directory tree)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (default: config log_level)")
	rootCmd.PersistentFlags().Bool("show-events", false, "Print bus events to stderr as they happen")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx available to subcommands.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
