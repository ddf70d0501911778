package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/machPoint/pm-net/internal/scheduler"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Generate and manage scheduled jobs",
}

var scheduleGenerateCmd = &cobra.Command{
	Use:   "generate <project-id>",
	Short: "Place every open task's plan steps onto the calendar",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		startFlag, _ := cmd.Flags().GetString("start")
		profileID, _ := cmd.Flags().GetString("profile")

		opts := scheduler.GenerateOptions{}
		if startFlag != "" {
			t, err := time.Parse(time.RFC3339, startFlag)
			if err != nil {
				return fmt.Errorf("invalid --start %q: %w", startFlag, err)
			}
			opts.Start = t
		}

		var err error
		opts.ProfileID, err = resolveProfileID(cmd, a, args[0], profileID)
		if err != nil {
			return err
		}

		res, err := a.generator.Generate(cmd.Context(), args[0], opts)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	}),
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		task, _ := cmd.Flags().GetString("task")
		statuses, _ := cmd.Flags().GetStringSlice("status")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := a.jobs.ListJobs(cmd.Context(), scheduler.JobFilter{
			ProjectID: project,
			TaskID:    task,
			Statuses:  statuses,
			Limit:     limit,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(jobs) == 0 {
			fmt.Fprintln(out, "No jobs.")
			return nil
		}
		for _, j := range jobs {
			fmt.Fprintf(out, "%s  %-9s  %s  %s\n", j.ID, j.Status, j.RunAt.UTC().Format(time.RFC3339), j.Title)
		}
		return nil
	}),
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		job, err := a.jobs.GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), job)
	}),
}

var scheduleRunDueCmd = &cobra.Command{
	Use:   "run-due",
	Short: "Dispatch every job that is due now, once",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		res, err := a.scheduler.RunDue(cmd.Context())
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	}),
}

var scheduleCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		job, err := a.jobs.CancelJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), job)
	}),
}

var scheduleRunsCmd = &cobra.Command{
	Use:   "runs <project-id>",
	Short: "List generation runs for a project",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		runs, err := a.jobs.ListRuns(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), runs)
	}),
}

var scheduleProfileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Read or write schedule profiles",
}

var scheduleProfileGetCmd = &cobra.Command{
	Use:   "get [profile-id]",
	Short: "Show a stored profile (default: the config profile)",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		id := defaultProfileID
		if len(args) == 1 {
			id = args[0]
		}
		p, err := a.jobs.GetProfile(cmd.Context(), id)
		if errors.Is(err, scheduler.ErrProfileNotFound) && id == defaultProfileID {
			p, err = a.storeDefaultProfile(cmd)
		}
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), p)
	}),
}

var scheduleProfileSetCmd = &cobra.Command{
	Use:   "set <profile-id>",
	Short: "Create or replace a profile",
	Long: `Create or replace a profile. Unset flags keep the stored value, or the
built-in default for a new profile.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		p := scheduler.DefaultProfile()
		existing, err := a.jobs.GetProfile(cmd.Context(), args[0])
		switch {
		case err == nil:
			p = *existing
		case !errors.Is(err, scheduler.ErrProfileNotFound):
			return err
		}
		p.ID = args[0]

		flags := cmd.Flags()
		if flags.Changed("project") {
			p.ProjectID, _ = flags.GetString("project")
		}
		if flags.Changed("start-hour") {
			p.WorkStartHour, _ = flags.GetInt("start-hour")
		}
		if flags.Changed("end-hour") {
			p.WorkEndHour, _ = flags.GetInt("end-hour")
		}
		if flags.Changed("max-per-day") {
			p.MaxJobsPerDay, _ = flags.GetInt("max-per-day")
		}
		if flags.Changed("slot-minutes") {
			p.SlotMinutes, _ = flags.GetInt("slot-minutes")
		}
		if flags.Changed("timezone") {
			p.Timezone, _ = flags.GetString("timezone")
		}

		saved, err := a.jobs.UpsertProfile(cmd.Context(), p)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), saved)
	}),
}

// resolveProfileID picks the profile for generation: the explicit flag, then
// the project's own profile (left to the generator), then the stored config
// profile.
func resolveProfileID(cmd *cobra.Command, a *app, projectID, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	_, err := a.jobs.ProfileForProject(cmd.Context(), projectID)
	if err == nil {
		return "", nil
	}
	if !errors.Is(err, scheduler.ErrProfileNotFound) {
		return "", err
	}
	if _, err := a.jobs.GetProfile(cmd.Context(), defaultProfileID); err != nil {
		if !errors.Is(err, scheduler.ErrProfileNotFound) {
			return "", err
		}
		if _, err := a.storeDefaultProfile(cmd); err != nil {
			return "", err
		}
	}
	return defaultProfileID, nil
}

func init() {
	scheduleGenerateCmd.Flags().String("start", "", "Earliest run time (RFC 3339, default now)")
	scheduleGenerateCmd.Flags().String("profile", "", "Profile id to use")

	scheduleListCmd.Flags().String("project", "", "Filter by project id")
	scheduleListCmd.Flags().String("task", "", "Filter by task id")
	scheduleListCmd.Flags().StringSlice("status", nil, "Filter by status (scheduled, running, completed, failed, canceled)")
	scheduleListCmd.Flags().Int("limit", 0, "Maximum number of jobs")

	scheduleProfileSetCmd.Flags().String("project", "", "Attach the profile to a project")
	scheduleProfileSetCmd.Flags().Int("start-hour", 9, "Start of the daily window (0-23)")
	scheduleProfileSetCmd.Flags().Int("end-hour", 17, "End of the daily window (1-24)")
	scheduleProfileSetCmd.Flags().Int("max-per-day", 8, "Maximum jobs placed per day")
	scheduleProfileSetCmd.Flags().Int("slot-minutes", 60, "Minutes between placed jobs")
	scheduleProfileSetCmd.Flags().String("timezone", "UTC", "IANA time zone of the window")

	scheduleProfileCmd.AddCommand(scheduleProfileGetCmd, scheduleProfileSetCmd)
	scheduleCmd.AddCommand(
		scheduleGenerateCmd, scheduleListCmd, scheduleShowCmd, scheduleRunDueCmd,
		scheduleCancelCmd, scheduleRunsCmd, scheduleProfileCmd,
	)
}
