// Command fakeagent stands in for an agent CLI in tests and demos. It accepts
// `agent --agent <id> --message <text> --session-id <sid> --json`, prints a
// result envelope and records a transcript under PMNET_TRANSCRIPT_DIR.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/machPoint/pm-net/pkg/testharness"
)

func main() {
	// stdout carries the envelope; diagnostics go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	inv, err := testharness.ParseInvocation(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "fakeagent: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := testharness.NewFakeAgent(nil, logger)
	if err := agent.Run(ctx, inv, os.Stdout); err != nil {
		if !errors.Is(err, testharness.ErrCrash) {
			logger.Error("fake agent failed", "error", err)
		}
		stop()
		os.Exit(1)
	}
}
