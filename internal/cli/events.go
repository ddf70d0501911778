package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/machPoint/pm-net/internal/eventlog"
	"github.com/machPoint/pm-net/internal/transcript"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read the event log",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent events",
	RunE:  runEventsTail,
}

var eventsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count logged events by type",
	RunE:  runEventsStats,
}

func init() {
	eventsTailCmd.Flags().IntP("lines", "n", 20, "Number of events (0 for all)")
	eventsTailCmd.Flags().StringSlice("type", nil, "Only these event types")
	eventsTailCmd.Flags().String("session", "", "Only events for this intake session")
	eventsTailCmd.Flags().String("entity", "", "Only events for this entity id")
	eventsTailCmd.Flags().Duration("since", 0, "Only events newer than this (for example 1h)")
	eventsTailCmd.Flags().Bool("json", false, "Print raw JSON events")

	eventsCmd.AddCommand(eventsTailCmd, eventsStatsCmd)
}

// openLedger reads the configured event log. A missing log reads as empty.
func openLedger(cmd *cobra.Command) (*eventlog.Ledger, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cmd, cmd.ErrOrStderr(), "")
	if err != nil {
		return nil, err
	}
	cfg, cfgPath, err := loadOrCreateConfig(configPath, logger)
	if err != nil {
		return nil, err
	}
	if !cfg.EventLog.Enabled {
		return nil, fmt.Errorf("event log is disabled in %s\n\nHint: Set event_log.enabled to true", cfgPath)
	}

	path := cfg.ResolvePath(filepath.Dir(cfgPath), cfg.EventLog.Path)
	ledger, err := eventlog.ReadLedger(path)
	if errors.Is(err, os.ErrNotExist) {
		return &eventlog.Ledger{}, nil
	}
	return ledger, err
}

func runEventsTail(cmd *cobra.Command, args []string) error {
	ledger, err := openLedger(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	n, _ := flags.GetInt("lines")
	types, _ := flags.GetStringSlice("type")
	session, _ := flags.GetString("session")
	entity, _ := flags.GetString("entity")
	since, _ := flags.GetDuration("since")
	asJSON, _ := flags.GetBool("json")

	filter := eventlog.Filter{Types: types, SessionID: session, EntityID: entity}
	if since > 0 {
		filter.Since = time.Now().Add(-since)
	}
	selected := eventlog.Ledger{Events: ledger.Select(filter)}
	evts := selected.Tail(n)

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, evts)
	}
	formatter := transcript.Formatter{ShowTime: true}
	for _, evt := range evts {
		fmt.Fprintln(out, formatter.FormatEvent(evt))
	}
	if ledger.Skipped > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "skipped %d unreadable lines\n", ledger.Skipped)
	}
	return nil
}

func runEventsStats(cmd *cobra.Command, args []string) error {
	ledger, err := openLedger(cmd)
	if err != nil {
		return err
	}

	counts := ledger.CountByType()
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	out := cmd.OutOrStdout()
	for _, t := range types {
		fmt.Fprintf(out, "%-28s %d\n", t, counts[t])
	}
	fmt.Fprintf(out, "%-28s %d\n", "total", len(ledger.Events))
	return nil
}
