package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/machPoint/pm-net/internal/graph"
	"github.com/machPoint/pm-net/internal/intake"
)

var intakeCmd = &cobra.Command{
	Use:   "intake",
	Short: "Drive a task through intake",
	Long: `Intake moves a task through precedents, clarify, plan, approve, execute,
verify and learn. Sessions are kept in the data directory so each stage can be
run as a separate command.`,
}

var intakeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Create a task and open an intake session",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		desc, _ := cmd.Flags().GetString("description")
		project, _ := cmd.Flags().GetString("project")
		agent, _ := cmd.Flags().GetString("agent")
		by, _ := cmd.Flags().GetString("by")

		s, err := a.engine.Start(cmd.Context(), intake.StartInput{
			Title:       title,
			Description: desc,
			ProjectID:   project,
			CreatedBy:   by,
			AgentID:     agent,
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), s)
	}),
}

var intakeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List intake sessions",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		sessions, err := a.engine.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No intake sessions.")
			return nil
		}
		for _, s := range sessions {
			fmt.Fprintf(out, "%s  %-10s  task=%s  updated=%s\n", s.ID, s.Stage, s.TaskID, s.UpdatedAt.UTC().Format(time.RFC3339))
		}
		return nil
	}),
}

var intakeShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		s, err := a.engine.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), s)
	}),
}

var intakeDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Discard a session (graph nodes are kept)",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if err := a.engine.DeleteSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
		return nil
	}),
}

var intakePrecedentsCmd = &cobra.Command{
	Use:   "precedents <session-id>",
	Short: "Search precedents again for a session's task",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		matches, err := a.engine.FindPrecedents(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), matches)
	}),
}

var intakeSelectCmd = &cobra.Command{
	Use:   "select <session-id> <precedent-id>",
	Short: "Reuse a precedent's steps as the plan",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		s, err := a.engine.SelectPrecedent(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), s)
	}),
}

var intakeSkipCmd = &cobra.Command{
	Use:   "skip <session-id>",
	Short: "Ignore the precedent matches and move on to clarify",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		s, err := a.engine.SkipPrecedents(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), s)
	}),
}

var intakeClarifyCmd = &cobra.Command{
	Use:   "clarify <session-id> [message...]",
	Short: "Send one clarification message",
	Long: `Send one clarification message. Without a message argument the message is
read from stdin.`,
	Args: cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		message := strings.Join(args[1:], " ")
		if strings.TrimSpace(message) == "" {
			tty := false
			if f, ok := cmd.InOrStdin().(*os.File); ok {
				tty = isTerminalFile(f)
			}
			var err error
			message, err = promptForMessage(cmd.InOrStdin(), cmd.OutOrStdout(), "Your answer?", tty)
			if err != nil {
				return err
			}
		}

		res, err := a.engine.Clarify(cmd.Context(), args[0], message)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	}),
}

var intakePlanCmd = &cobra.Command{
	Use:   "plan <session-id>",
	Short: "Generate a plan for the task",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		res, err := a.engine.GeneratePlan(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	}),
}

var intakeApproveCmd = &cobra.Command{
	Use:   "approve <session-id>",
	Short: "Approve or reject the pending plan",
	Long: `Approve the pending plan, optionally replacing its steps with --step (one per
step, in order; prefix with "gate:" for an approval gate). --reject sends the
session back to planning with --feedback.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		reject, _ := cmd.Flags().GetBool("reject")
		feedback, _ := cmd.Flags().GetString("feedback")
		by, _ := cmd.Flags().GetString("by")
		rawSteps, _ := cmd.Flags().GetStringArray("step")

		in := intake.ApproveInput{Approved: !reject, Feedback: feedback, ApprovedBy: by}
		if len(rawSteps) > 0 {
			in.EditedSteps = parseSteps(rawSteps)
		}
		s, err := a.engine.ApprovePlan(cmd.Context(), args[0], in)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), s)
	}),
}

var intakeExecuteCmd = &cobra.Command{
	Use:   "execute <session-id>",
	Short: "Run the approved plan, or defer it to the scheduler",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		deferSteps, _ := cmd.Flags().GetBool("defer")
		runAt, _ := cmd.Flags().GetString("run-at")
		runtime, _ := cmd.Flags().GetString("runtime")
		agent, _ := cmd.Flags().GetString("agent")

		opts := intake.ExecuteOptions{Defer: deferSteps, Runtime: runtime, AgentID: agent}
		if runAt != "" {
			t, err := time.Parse(time.RFC3339, runAt)
			if err != nil {
				return fmt.Errorf("invalid --run-at %q: %w", runAt, err)
			}
			opts.RunAt = t
		}
		res, err := a.engine.Execute(cmd.Context(), args[0], opts)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	}),
}

var intakeResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resolve the gate a run is paused at",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		reject, _ := cmd.Flags().GetBool("reject")
		by, _ := cmd.Flags().GetString("by")
		res, err := a.engine.ResumeGate(cmd.Context(), args[0], intake.GateDecision{Approved: !reject, ApprovedBy: by})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	}),
}

var intakeCompleteCmd = &cobra.Command{
	Use:   "complete <session-id>",
	Short: "Collect the results of deferred steps",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		res, err := a.engine.CompleteDeferred(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	}),
}

var intakeVerifyCmd = &cobra.Command{
	Use:   "verify <session-id>",
	Short: "Record deliverables and acceptance criteria",
	Long: `Record deliverables (--deliverable "title=uri") and criteria
(--criterion "description=passed|failed|needs_review").`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		rawDeliverables, _ := cmd.Flags().GetStringArray("deliverable")
		rawCriteria, _ := cmd.Flags().GetStringArray("criterion")
		by, _ := cmd.Flags().GetString("by")

		in := intake.VerifyInput{VerifiedBy: by}
		for _, raw := range rawDeliverables {
			title, uri, _ := strings.Cut(raw, "=")
			in.Deliverables = append(in.Deliverables, intake.Deliverable{Title: strings.TrimSpace(title), URI: strings.TrimSpace(uri)})
		}
		for _, raw := range rawCriteria {
			i := strings.LastIndex(raw, "=")
			if i < 0 {
				return fmt.Errorf("expected description=status, got %q", raw)
			}
			in.Criteria = append(in.Criteria, intake.Criterion{
				Description: strings.TrimSpace(raw[:i]),
				Status:      strings.TrimSpace(raw[i+1:]),
			})
		}

		res, err := a.engine.Verify(cmd.Context(), args[0], in)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	}),
}

var intakeLearnCmd = &cobra.Command{
	Use:   "learn <session-id>",
	Short: "Save the executed plan as a reusable precedent",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		res, err := a.engine.Learn(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	}),
}

// parseSteps turns --step values into plan steps. A "gate:" prefix marks an
// approval gate; "action | tool" names a suggested tool.
func parseSteps(raw []string) []graph.Step {
	steps := make([]graph.Step, 0, len(raw))
	for _, r := range raw {
		step := graph.Step{StepType: graph.StepTask}
		if rest, ok := strings.CutPrefix(r, "gate:"); ok {
			step.StepType = graph.StepApprovalGate
			r = rest
		}
		action, tool, _ := strings.Cut(r, "|")
		step.Action = strings.TrimSpace(action)
		step.Tool = strings.TrimSpace(tool)
		steps = append(steps, step)
	}
	return steps
}

func init() {
	intakeStartCmd.Flags().String("title", "", "Task title (required)")
	intakeStartCmd.Flags().String("description", "", "Task description")
	intakeStartCmd.Flags().String("project", "", "Project node id to file the task under")
	intakeStartCmd.Flags().String("agent", "", "Agent id to dispatch steps to")
	intakeStartCmd.Flags().String("by", "cli", "Actor recorded as creator")
	_ = intakeStartCmd.MarkFlagRequired("title")

	intakeApproveCmd.Flags().Bool("reject", false, "Reject the plan instead of approving it")
	intakeApproveCmd.Flags().String("feedback", "", "Feedback recorded on rejection")
	intakeApproveCmd.Flags().String("by", "cli", "Approver")
	intakeApproveCmd.Flags().StringArray("step", nil, `Replacement step, repeatable ("gate:" prefix for a gate, "action | tool")`)

	intakeExecuteCmd.Flags().Bool("defer", false, "Schedule the steps as jobs instead of running them now")
	intakeExecuteCmd.Flags().String("run-at", "", "Earliest run time for deferred steps (RFC 3339)")
	intakeExecuteCmd.Flags().String("runtime", "", "Restrict dispatch to one runtime")
	intakeExecuteCmd.Flags().String("agent", "", "Agent id override")

	intakeResumeCmd.Flags().Bool("reject", false, "Reject the gate and cancel the run")
	intakeResumeCmd.Flags().String("by", "cli", "Approver")

	intakeVerifyCmd.Flags().StringArray("deliverable", nil, `Deliverable "title=uri", repeatable`)
	intakeVerifyCmd.Flags().StringArray("criterion", nil, `Criterion "description=status", repeatable`)
	intakeVerifyCmd.Flags().String("by", "cli", "Verifier")

	intakeCmd.AddCommand(
		intakeStartCmd, intakeListCmd, intakeShowCmd, intakeDeleteCmd,
		intakePrecedentsCmd, intakeSelectCmd, intakeSkipCmd, intakeClarifyCmd,
		intakePlanCmd, intakeApproveCmd, intakeExecuteCmd, intakeResumeCmd,
		intakeCompleteCmd, intakeVerifyCmd, intakeLearnCmd,
	)
}
