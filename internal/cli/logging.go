package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

func parseLogLevel(input string) (slog.Level, string, error) {
	level := strings.ToLower(strings.TrimSpace(input))
	switch level {
	case "", "info":
		return slog.LevelInfo, "info", nil
	case "debug":
		return slog.LevelDebug, "debug", nil
	case "warn", "warning":
		return slog.LevelWarn, "warn", nil
	case "error", "err":
		return slog.LevelError, "error", nil
	default:
		return slog.LevelInfo, "", fmt.Errorf("unsupported log level %q", input)
	}
}

// newLogger builds a text logger on w. The --log-level flag wins over the
// config value.
func newLogger(cmd *cobra.Command, w io.Writer, configured string) (*slog.Logger, error) {
	input := configured
	if flag, err := cmd.Flags().GetString("log-level"); err == nil && flag != "" {
		input = flag
	}
	level, _, err := parseLogLevel(input)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}
