package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/machPoint/pm-net/internal/scheduler"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Inspect cron expressions",
}

var cronNextCmd = &cobra.Command{
	Use:   "next <expression>",
	Short: "Print the next times a cron expression fires",
	Long: `Print the next times a five-field cron expression fires, in UTC.
Quote the expression, for example: pmnet cron next "*/15 9-17 * * 1-5"`,
	Args: cobra.ExactArgs(1),
	RunE: runCronNext,
}

func init() {
	cronNextCmd.Flags().String("after", "", "Start time (RFC 3339, default now)")
	cronNextCmd.Flags().IntP("count", "n", 5, "Number of occurrences")
	cronCmd.AddCommand(cronNextCmd)
}

func runCronNext(cmd *cobra.Command, args []string) error {
	afterFlag, _ := cmd.Flags().GetString("after")
	count, _ := cmd.Flags().GetInt("count")
	if count <= 0 {
		return fmt.Errorf("--count must be positive")
	}

	sched, err := scheduler.ParseCron(args[0])
	if err != nil {
		return err
	}

	after := time.Now().UTC()
	if afterFlag != "" {
		after, err = time.Parse(time.RFC3339, afterFlag)
		if err != nil {
			return fmt.Errorf("invalid --after %q: %w", afterFlag, err)
		}
		after = after.UTC()
	}

	out := cmd.OutOrStdout()
	for i := 0; i < count; i++ {
		next, err := sched.Next(after)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, next.UTC().Format(time.RFC3339))
		after = next
	}
	return nil
}
