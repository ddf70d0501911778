package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/machPoint/pm-net/internal/dispatch"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch [message...]",
	Short: "Send one message to an agent runtime",
	Long: `Send one message through the runtime fallback chain and print the result.
Without a message argument or --message the message is read from stdin.`,
	RunE: withApp(runDispatch),
}

func init() {
	dispatchCmd.Flags().String("title", "", "Short title for traces and events")
	dispatchCmd.Flags().StringP("message", "m", "", "Message to send")
	dispatchCmd.Flags().String("agent", "", "Agent id")
	dispatchCmd.Flags().String("runtime", "", "Use only this runtime")
	dispatchCmd.Flags().Int("timeout", 0, "Per-runtime timeout in milliseconds (0 uses the configured default)")
	dispatchCmd.Flags().Bool("log-graph", false, "Record a decision_trace node for a successful dispatch")
}

func runDispatch(cmd *cobra.Command, a *app, args []string) error {
	title, _ := cmd.Flags().GetString("title")
	message, _ := cmd.Flags().GetString("message")
	agent, _ := cmd.Flags().GetString("agent")
	runtime, _ := cmd.Flags().GetString("runtime")
	timeout, _ := cmd.Flags().GetInt("timeout")
	logGraph, _ := cmd.Flags().GetBool("log-graph")

	if message == "" {
		message = strings.Join(args, " ")
	}
	if strings.TrimSpace(message) == "" {
		tty := false
		if f, ok := cmd.InOrStdin().(*os.File); ok {
			tty = isTerminalFile(f)
		}
		var err error
		message, err = promptForMessage(cmd.InOrStdin(), cmd.OutOrStdout(), "Message?", tty)
		if err != nil {
			return err
		}
	}

	res := a.dispatcher.Dispatch(cmd.Context(), dispatch.Request{
		Title:     title,
		Prompt:    message,
		AgentID:   agent,
		Caller:    "cli",
		Runtime:   runtime,
		TimeoutMs: timeout,
	}, dispatch.Options{LogToGraph: logGraph})

	if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("dispatch failed")
	}
	return nil
}
