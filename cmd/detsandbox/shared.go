package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/detsandbox/internal/analysis"
	"github.com/jkaninda/detsandbox/internal/audit"
	"github.com/jkaninda/detsandbox/internal/classpath"
	"github.com/jkaninda/detsandbox/internal/config"
	"github.com/jkaninda/detsandbox/internal/costing"
	"github.com/jkaninda/detsandbox/internal/execution"
	"github.com/jkaninda/detsandbox/internal/host"
	"github.com/jkaninda/detsandbox/internal/loader"
	"github.com/jkaninda/detsandbox/internal/messages"
	"github.com/jkaninda/detsandbox/internal/observability"
)

// environment holds the subsystems a command needs. Built once by
// setup, torn down by Cleanup.
type environment struct {
	Config *config.Config
	Logger *slog.Logger
	Source *classpath.Source
	Policy *analysis.Configuration
	Obs    *observability.Observability
	Audit  *audit.Logger // nil = audit disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (e *environment) Cleanup() {
	for i := len(e.cleanups) - 1; i >= 0; i-- {
		e.cleanups[i]()
	}
}

func (e *environment) addCleanup(fn func()) {
	e.cleanups = append(e.cleanups, fn)
}

// newLogger builds the CLI logger from the verbosity flags.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	switch {
	case opts.debug:
		level = slog.LevelDebug
	case opts.verbose:
		level = slog.LevelInfo
	case opts.quiet:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the config file, if any, and applies the flags over it.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := goutils.Env(config.EnvConfig, opts.configPath); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}

	if opts.whitelist != "" {
		cfg.Policy.Whitelist = opts.whitelist
	}
	cfg.Policy.Pinned = append(cfg.Policy.Pinned, opts.pinned...)
	if opts.metricsFile != "" {
		if cfg.Observability == nil {
			cfg.Observability = &config.ObservabilityConfig{}
		}
		cfg.Observability.Metrics = &config.MetricsConfig{Enabled: true, File: opts.metricsFile}
	}
	return cfg, nil
}

// reportFloor returns the lowest severity printed.
func reportFloor(cfg *config.Config) (messages.Severity, error) {
	switch {
	case opts.quiet:
		return messages.Error, nil
	case opts.verbose:
		return messages.Informational, nil
	case opts.level != "":
		return messages.ParseSeverity(opts.level)
	}
	return cfg.MinSeverity(), nil
}

// setup opens the class path and builds the session policy.
// Callers must call env.Cleanup() when done.
func setup(classPath []string) (*environment, error) {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	floor, err := reportFloor(cfg)
	if err != nil {
		return nil, fmt.Errorf("--level: %w", err)
	}

	env := &environment{Config: cfg, Logger: logger}

	src, err := classpath.Open(slices.Concat(classPath, cfg.ClassPath), logger)
	if err != nil {
		return nil, err
	}
	env.Source = src
	env.addCleanup(func() { _ = src.Close() })

	wl, err := cfg.Whitelist()
	if err != nil {
		env.Cleanup()
		return nil, fmt.Errorf("loading whitelist: %w", err)
	}
	pinned, err := cfg.Pinned()
	if err != nil {
		env.Cleanup()
		return nil, fmt.Errorf("pinned classes: %w", err)
	}
	env.Policy = execution.Configure(analysis.Options{
		Whitelist:     wl,
		Pinned:        pinned,
		Prefix:        cfg.Policy.Prefix,
		Source:        src,
		AnalyzePinned: cfg.Policy.AnalyzePinned,
		MinSeverity:   floor,
	})
	logger.Debug("policy initialized",
		slog.String("whitelist", wl.Name()),
		slog.Int("whitelist_patterns", len(wl.Patterns())),
		slog.Any("pinned", pinned.Patterns()),
		slog.String("min_severity", floor.String()),
	)

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		env.Cleanup()
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	env.Obs = obs
	env.addCleanup(func() {
		if obs == nil {
			return
		}
		if path := cfg.MetricsFile(); path != "" {
			if err := obs.MetricsOrNil().WriteToTextfile(path); err != nil {
				logger.Error("writing metrics", slog.String("error", err.Error()))
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	// Audit log.
	if cfg.Audit != nil && cfg.Audit.Enabled {
		al, err := audit.NewLogger(cfg.AuditLogPath(), logger)
		if err != nil {
			env.Cleanup()
			return nil, fmt.Errorf("initializing audit log: %w", err)
		}
		env.Audit = al
		env.addCleanup(func() { _ = al.Close() })
		logger.Debug("audit log initialized", slog.String("path", cfg.AuditLogPath()))
	}

	return env, nil
}

// listeners returns the load listeners enabled by the configuration.
func (e *environment) listeners() []loader.Listener {
	var ls []loader.Listener
	if m, a := e.Obs.MetricsOrNil(), e.Obs.AnomalyOrNil(); m != nil || a != nil {
		ls = append(ls, observability.NewLoadRecorder(m, a))
	}
	if e.Audit != nil {
		ls = append(ls, e.Audit)
	}
	return ls
}

// sandbox returns the executor wrapped with the enabled observers.
func (e *environment) sandbox() (execution.Sandbox, error) {
	profile, err := e.Config.Profile()
	if err != nil {
		return nil, err
	}
	var sbx execution.Sandbox = execution.New(e.Policy, execution.Options{
		Profile:        profile,
		MaxDepth:       e.Config.Execution.MaxDepth,
		DefaultTimeout: e.Config.Timeout(),
		Listeners:      e.listeners(),
	}, e.Logger)
	e.Logger.Debug("sandbox initialized",
		slog.String("profile", profile.Name),
		slog.String("thresholds", costing.Summary(profile.Thresholds).String()),
	)

	if e.Obs != nil {
		sbx = observability.NewInstrumentedSandbox(sbx, e.Obs.MetricsOrNil(), e.Obs.TracerOrNil(), e.Obs.AnomalyOrNil())
	}
	if e.Audit != nil {
		sbx = audit.Wrap(sbx, e.Audit)
	}
	return sbx, nil
}

// newLoader returns a loader over a fresh, unlimited runtime, for
// commands that define classes without running them.
func (e *environment) newLoader() *loader.Loader {
	rt := host.NewRuntime(host.Options{
		Accounter: costing.NewAccounter(costing.UnlimitedProfile.Thresholds, e.Logger),
		Logger:    e.Logger,
	})
	return loader.New(e.Policy, rt, e.Logger, e.listeners()...)
}
