package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/progresso/progresso/pkg/config"
	"github.com/progresso/progresso/pkg/engine"
	"github.com/progresso/progresso/pkg/monitor"
	"github.com/progresso/progresso/pkg/platform"
	"github.com/progresso/progresso/pkg/policy"
	"github.com/progresso/progresso/pkg/stores"
	"github.com/progresso/progresso/pkg/targets"
	"github.com/progresso/progresso/pkg/telemetry"
)

// Host collaborators. Tests replace these with fakes.
var (
	detectController = platform.Detect
	detectMonitor    = func(clock engine.Clock, logger *telemetry.Logger) engine.ResourceMonitor {
		return monitor.Detect(nil, clock, logger)
	}
	openHistory = func(ctx context.Context, path string) (stores.HistoryStore, error) {
		return stores.Open(ctx, path)
	}
)

// environment is what every command needs: configuration and telemetry.
type environment struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// loadEnvironment reads the configuration, applies the global flags and builds telemetry.
func loadEnvironment(cmd *cobra.Command, version string) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Telemetry.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Telemetry.Logging.Format = logFormat
	}
	cfg.Telemetry.ServiceVersion = version
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, engine.NewConfigMalformedError("invalid telemetry configuration", err)
	}

	logger := tel.Logger
	if cfg.Source != "" {
		logger.WithField("config", cfg.Source).Debug("Configuration loaded")
	}
	cmd.SetContext(tel.WithContext(cmd.Context()))
	return &environment{cfg: cfg, tel: tel, logger: logger}, nil
}

// close flushes metrics and traces. Failures are logged only.
func (e *environment) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.tel.Shutdown(ctx); err != nil {
		e.logger.WithError(err).Warn("Telemetry shutdown failed")
	}
}

func (e *environment) targetStore(path string) *targets.Store {
	if path == "" {
		path = e.cfg.Targets.Path
	}
	return targets.NewStore(path,
		targets.WithSearchPaths(e.cfg.Targets.SearchPaths),
		targets.WithLogger(e.logger),
	)
}

func (e *environment) controller() (engine.ServiceController, error) {
	c := e.cfg.Control
	return detectController(platform.Options{
		Backend:       c.Backend,
		UserScope:     c.UserScope,
		DryRun:        c.DryRun,
		StateTimeout:  c.StateTimeout,
		SystemctlPath: c.SystemctlPath,
		SCPath:        c.SCPath,
		Logger:        e.logger,
	})
}

// history opens the run history index and checks that it answers.
func (e *environment) history(ctx context.Context) (stores.HistoryStore, error) {
	store, err := openHistory(ctx, e.cfg.History.Path)
	if err != nil {
		return nil, err
	}
	if err := store.HealthCheck(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("run history %s is unhealthy: %w", e.cfg.History.Path, err)
	}
	return store, nil
}

// policyEngine builds the guardrail engine, or nil when policies are disabled.
func (e *environment) policyEngine(ctx context.Context) (*policy.Engine, error) {
	pc := e.cfg.Policy
	if !pc.Enabled {
		return nil, nil
	}
	opts := []policy.Option{
		policy.WithLogger(e.logger),
		policy.WithParams(map[string]interface{}{"protected_services": pc.ProtectedServices}),
	}
	if !pc.Builtins {
		opts = append(opts, policy.WithoutBuiltins())
	}
	eng, err := policy.NewEngine(ctx, opts...)
	if err != nil {
		return nil, engine.NewConfigMalformedError("failed to initialize policies", err)
	}
	if len(pc.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, pc.Paths); err != nil {
			return nil, engine.NewConfigMalformedError("failed to load policies", err)
		}
	}
	return eng, nil
}

// guard returns the policy engine as an entry guard. The result is a nil
// interface when policies are disabled.
func (e *environment) guard(ctx context.Context) (engine.EntryGuard, error) {
	eng, err := e.policyEngine(ctx)
	if err != nil || eng == nil {
		return nil, err
	}
	return eng, nil
}
