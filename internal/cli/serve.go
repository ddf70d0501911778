package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/machPoint/pm-net/internal/events"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the event stream and run the scheduler loop",
	Long: `Serve GET /events (server-sent events, one JSON object per bus event) and
GET /healthz, and run the scheduler loop that dispatches due jobs. Both stop
on SIGINT/SIGTERM or when either fails.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default: config server.addr)")
	serveCmd.Flags().Bool("no-scheduler", false, "Serve events only, without the scheduler loop")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")
	runScheduler := a.cfg.Scheduler.Enabled && !noScheduler

	if runScheduler {
		if _, err := a.storeDefaultProfile(cmd); err != nil {
			return err
		}
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	server := &http.Server{
		Handler:           newServeMux(a, runScheduler),
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end with ctx so Shutdown is not held open by SSE clients.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		a.logger.Info("serving", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
		return nil
	})
	if runScheduler {
		g.Go(func() error {
			return a.scheduler.Run(ctx)
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s (scheduler: %v)\n", listener.Addr(), runScheduler)
	return g.Wait()
}

func newServeMux(a *app, schedulerOn bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /events", events.NewStreamHandler(a.bus, a.logger))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]any{
			"status":      "ok",
			"scheduler":   schedulerOn,
			"runtimes":    a.registry.Names(),
			"subscribers": a.bus.SubscriberCount(),
		}
		if err := a.db.PingContext(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = writeJSON(w, body)
	})
	return mux
}
