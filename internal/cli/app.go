package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/machPoint/pm-net/internal/config"
	"github.com/machPoint/pm-net/internal/dispatch"
	"github.com/machPoint/pm-net/internal/eventlog"
	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/graph"
	"github.com/machPoint/pm-net/internal/intake"
	"github.com/machPoint/pm-net/internal/llm"
	"github.com/machPoint/pm-net/internal/scheduler"
	"github.com/machPoint/pm-net/internal/store"
	"github.com/machPoint/pm-net/internal/transcript"
	"github.com/machPoint/pm-net/internal/workspace"
)

// defaultProfileID names the stored copy of the config's scheduler profile.
const defaultProfileID = "default"

// app holds the components one command invocation works with.
type app struct {
	cfg        *config.Config
	configPath string
	baseDir    string
	layout     workspace.Layout
	logger     *slog.Logger

	db         *store.DB
	bus        *events.Bus
	graph      *graph.Store
	jobs       *scheduler.JobStore
	generator  *scheduler.Generator
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	provider   llm.Provider
	engine     *intake.Engine

	closers []func() error
}

// openApp loads the config and wires every component over the data directory.
func openApp(cmd *cobra.Command) (*app, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	bootLogger, err := newLogger(cmd, cmd.ErrOrStderr(), "")
	if err != nil {
		return nil, err
	}
	cfg, cfgPath, err := loadOrCreateConfig(configPath, bootLogger)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cmd, cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		configPath: cfgPath,
		baseDir:    filepath.Dir(cfgPath),
		logger:     logger,
	}
	if err := a.wire(cmd); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(cmd *cobra.Command) error {
	dataDir := a.cfg.ResolvePath(a.baseDir, "")
	layout, err := workspace.Initialize(dataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize data directory: %w", err)
	}
	a.layout = layout

	a.db, err = store.Open(a.cfg.ResolvePath(a.baseDir, a.cfg.Database.Path))
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.db.Close)

	a.bus = events.NewBus(a.logger)
	if a.cfg.EventLog.Enabled {
		evtLog, err := eventlog.NewEventLog(a.cfg.ResolvePath(a.baseDir, a.cfg.EventLog.Path), a.logger)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		detach := evtLog.Attach(a.bus)
		a.closers = append(a.closers, func() error {
			detach()
			return evtLog.Close()
		})
	}
	if show, _ := cmd.Flags().GetBool("show-events"); show {
		formatter := transcript.NewFormatter()
		out := cmd.ErrOrStderr()
		a.bus.On(func(evt events.Event) {
			fmt.Fprintln(out, formatter.FormatEvent(evt))
		})
	}

	a.graph = graph.New(a.db, a.bus, a.logger)
	a.jobs = scheduler.NewJobStore(a.db, a.logger)
	a.generator = scheduler.NewGenerator(a.graph, a.jobs, a.bus, a.logger)
	a.provider = buildProvider(a.cfg.LLM, a.logger)

	a.registry, err = buildRegistry(a.cfg, a.baseDir, a.layout, a.provider, a.logger)
	if err != nil {
		return err
	}
	a.dispatcher = dispatch.NewDispatcher(a.registry, a.graph, a.bus, a.logger)
	a.dispatcher.SetDefaultTimeout(a.cfg.Dispatch.TimeoutMs)

	a.scheduler = scheduler.NewScheduler(a.jobs, a.dispatcher, a.bus, a.logger, scheduler.Options{
		Interval:   time.Duration(a.cfg.Scheduler.IntervalS) * time.Second,
		FetchLimit: a.cfg.Scheduler.FetchLimit,
	})

	sessions, err := intake.NewFileSessionStore(a.layout.Sessions())
	if err != nil {
		return err
	}
	a.engine, err = intake.NewEngine(intake.Deps{
		Graph:      a.graph,
		Sessions:   sessions,
		LLM:        a.provider,
		Dispatcher: a.dispatcher,
		Deferrer:   a.generator,
		Jobs:       a.jobs,
		Emitter:    a.bus,
		Logger:     a.logger,
	})
	return err
}

// Close releases everything opened by openApp, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// buildProvider chains the primary endpoint with any fallbacks.
func buildProvider(cfg config.LLM, logger *slog.Logger) llm.Provider {
	newProvider := func(e config.Endpoint) llm.Provider {
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			BaseURL: e.BaseURL,
			APIKey:  e.APIKey,
			Model:   e.Model,
			Timeout: time.Duration(e.TimeoutS) * time.Second,
		}, logger)
	}

	primary := newProvider(cfg.Endpoint)
	if len(cfg.Fallbacks) == 0 {
		return primary
	}

	name := cfg.Name
	if name == "" {
		name = "primary"
	}
	chain := []llm.NamedProvider{{Name: name, Provider: primary}}
	for i, fb := range cfg.Fallbacks {
		fbName := fb.Name
		if fbName == "" {
			fbName = fmt.Sprintf("fallback-%d", i+1)
		}
		chain = append(chain, llm.NamedProvider{Name: fbName, Provider: newProvider(fb)})
	}
	return llm.NewFallbackProvider(logger, chain...)
}

// buildRegistry registers the configured runtimes in runtimes.order.
func buildRegistry(cfg *config.Config, baseDir string, layout workspace.Layout, provider llm.Provider, logger *slog.Logger) (*dispatch.Registry, error) {
	var runtimes []dispatch.Runtime
	for _, name := range cfg.Runtimes.Order {
		switch name {
		case "cli":
			c := cfg.Runtimes.CLI
			if c == nil {
				return nil, fmt.Errorf("runtime cli is listed but not configured")
			}
			transcripts := layout.Transcripts()
			if c.TranscriptDir != "" {
				transcripts = cfg.ResolvePath(baseDir, c.TranscriptDir)
			}
			runtimes = append(runtimes, dispatch.NewCLIRuntime(dispatch.CLIConfig{
				Binary:        c.Binary,
				TranscriptDir: transcripts,
				DefaultAgent:  c.Agent,
				Env:           c.Env,
			}, logger))
		case "http":
			h := cfg.Runtimes.HTTP
			if h == nil {
				return nil, fmt.Errorf("runtime http is listed but not configured")
			}
			runtimes = append(runtimes, dispatch.NewHTTPRuntime(dispatch.HTTPConfig{URL: h.URL, Headers: h.Headers}, logger))
		case "llm":
			if cfg.Runtimes.LLM != nil && !cfg.Runtimes.LLM.Enabled {
				continue
			}
			runtimes = append(runtimes, dispatch.NewLLMRuntime(provider, logger))
		case "mock":
			runtimes = append(runtimes, dispatch.MockRuntime{})
		default:
			return nil, fmt.Errorf("unknown runtime %q", name)
		}
	}
	return dispatch.NewRegistry(runtimes...)
}

// loadOrCreateConfig finds an existing config or creates a default one in
// the current directory. Environment overrides are applied before validation.
func loadOrCreateConfig(configPath string, logger *slog.Logger) (*config.Config, string, error) {
	if configPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("failed to get current directory: %w", err)
		}

		found, err := config.Discover(cwd)
		switch {
		case err == nil:
			logger.Debug("found existing config", "path", found)
			configPath = found
		case errors.Is(err, config.ErrNotFound):
			configPath = filepath.Join(cwd, "pmnet.json")
			logger.Info("no config found, creating default", "path", configPath)
			if err := config.GenerateDefault().SaveToFile(configPath); err != nil {
				return nil, "", fmt.Errorf("failed to save default config: %w", err)
			}
		default:
			return nil, "", err
		}
	}

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	cfg.ApplyEnv(nil)
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve config path: %w", err)
	}
	return cfg, abs, nil
}

// storeDefaultProfile saves the config's scheduler profile under
// defaultProfileID so generation can fall back to it.
func (a *app) storeDefaultProfile(cmd *cobra.Command) (*scheduler.Profile, error) {
	p := a.cfg.Scheduler.Profile
	return a.jobs.UpsertProfile(cmd.Context(), scheduler.Profile{
		ID:            defaultProfileID,
		WorkStartHour: p.WorkStartHour,
		WorkEndHour:   p.WorkEndHour,
		MaxJobsPerDay: p.MaxJobsPerDay,
		SlotMinutes:   p.SlotMinutes,
		Timezone:      p.Timezone,
	})
}

// withApp wraps a command body with openApp and Close.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}
