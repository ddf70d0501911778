package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/machPoint/pm-net/internal/events"
)

// Formatter renders bus events as one console line each
type Formatter struct {
	// ShowTime prefixes each line with the event time.
	ShowTime bool
}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatEvent formats an event for console display
func (f *Formatter) FormatEvent(evt events.Event) string {
	category, _, _ := strings.Cut(evt.Type, ".")

	var details string
	switch evt.Type {
	case events.IntakeStageChanged:
		details = fmt.Sprintf("%s -> %s", str(evt.Data, "from"), str(evt.Data, "to"))

	case events.IntakeStepCompleted:
		outcome := "failed"
		if b, _ := evt.Data["success"].(bool); b {
			outcome = "ok"
		}
		details = fmt.Sprintf("step %d %s", integer(evt.Data, "step_order"), outcome)
		if rt := str(evt.Data, "runtime"); rt != "" {
			details += " via " + rt
		}
		details += fmt.Sprintf(" (%s)", f.formatDuration(integer(evt.Data, "duration_ms")))

	case events.IntakeGatePending:
		details = fmt.Sprintf("step %d waiting on gate %s", integer(evt.Data, "step_order"), str(evt.Data, "gate_id"))

	case events.IntakeRunFailed, events.SchedulerJobFailed:
		details = "error: " + str(evt.Data, "error")

	case events.IntakeVerified:
		details = fmt.Sprintf("outcome: %s (%d criteria)", str(evt.Data, "outcome"), integer(evt.Data, "criteria"))

	case events.IntakePrecedentSaved:
		if b, _ := evt.Data["reinforced"].(bool); b {
			details = fmt.Sprintf("reinforced, success_count=%d", integer(evt.Data, "success_count"))
		} else {
			details = "new precedent " + str(evt.Data, "precedent_id")
		}

	case events.AgentDispatched:
		parts := []string{f.formatDuration(integer(evt.Data, "duration_ms"))}
		if m := str(evt.Data, "model"); m != "" {
			parts = append([]string{m}, parts...)
		}
		if n := integer(evt.Data, "tool_calls"); n > 0 {
			parts = append(parts, fmt.Sprintf("%d tool calls", n))
		}
		details = fmt.Sprintf("%s (%s)", str(evt.Data, "runtime"), strings.Join(parts, ", "))

	case events.SchedulerCycle:
		details = fmt.Sprintf("claimed=%d completed=%d failed=%d",
			integer(evt.Data, "claimed"), integer(evt.Data, "completed"), integer(evt.Data, "failed"))

	default:
		details = evt.Summary
	}

	line := fmt.Sprintf("[%s] %s", category, evt.Type)
	if details != "" {
		line += ": " + details
	}
	if f.ShowTime && !evt.OccurredAt.IsZero() {
		line = evt.OccurredAt.UTC().Format(time.RFC3339) + " " + line
	}
	return line
}

// formatDuration formats milliseconds in a human-readable format
func (f *Formatter) formatDuration(ms int64) string {
	switch {
	case ms >= 60_000:
		return fmt.Sprintf("%.1fm", float64(ms)/60_000)
	case ms >= 1000:
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	default:
		return fmt.Sprintf("%dms", ms)
	}
}

func str(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// integer reads a count that is an int in process and a float64 once it has
// been through the JSON ledger.
func integer(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
