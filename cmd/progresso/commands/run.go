package commands

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/progresso/progresso/pkg/engine"
	"github.com/progresso/progresso/pkg/progress"
	"github.com/progresso/progresso/pkg/stores"
	"github.com/progresso/progresso/pkg/targets"
)

// runFlags are the overrides shared by run and watch.
type runFlags struct {
	targets      string
	outputDir    string
	format       string
	threshold    float64
	timeout      time.Duration
	pollInterval time.Duration
	backend      string
	userScope    bool
	dryRun       bool
	noHistory    bool
	noPolicy     bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.targets, "targets", "t", "", "target list path (default: search)")
	cmd.Flags().StringVarP(&f.outputDir, "output-dir", "o", "", "directory for progress artifacts")
	cmd.Flags().StringVar(&f.format, "format", "", "progress artifact format (xml, json)")
	cmd.Flags().Float64Var(&f.threshold, "threshold", engine.DefaultGateThreshold, "CPU percentage at or below which the next service may start")
	cmd.Flags().DurationVar(&f.timeout, "timeout", engine.DefaultGateTimeout, "longest wait for the CPU gate")
	cmd.Flags().DurationVar(&f.pollInterval, "poll-interval", engine.DefaultGatePollInterval, "time between CPU samples")
	cmd.Flags().StringVar(&f.backend, "backend", "", "service backend (auto, systemd, sc)")
	cmd.Flags().BoolVar(&f.userScope, "user-scope", false, "manage the per-user systemd instance")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "log service changes instead of making them")
	cmd.Flags().BoolVar(&f.noHistory, "no-history", false, "do not record the run in the history index")
	cmd.Flags().BoolVar(&f.noPolicy, "no-policy", false, "skip policy evaluation")
}

// apply copies the flags the user set over the loaded configuration.
func (f *runFlags) apply(cmd *cobra.Command, env *environment) error {
	cfg := env.cfg
	changed := cmd.Flags().Changed
	if f.targets != "" {
		cfg.Targets.Path = f.targets
	}
	if f.outputDir != "" {
		cfg.Output.Dir = f.outputDir
	}
	if f.format != "" {
		cfg.Output.Format = f.format
	}
	if changed("threshold") {
		cfg.Gate.Threshold = f.threshold
	}
	if changed("timeout") {
		cfg.Gate.Timeout = f.timeout
	}
	if changed("poll-interval") {
		cfg.Gate.PollInterval = f.pollInterval
	}
	if f.backend != "" {
		cfg.Control.Backend = f.backend
	}
	if changed("user-scope") {
		cfg.Control.UserScope = f.userScope
	}
	if changed("dry-run") {
		cfg.Control.DryRun = f.dryRun
	}
	if f.noHistory {
		cfg.History.Enabled = false
	}
	if f.noPolicy {
		cfg.Policy.Enabled = false
	}
	return cfg.Validate()
}

func newRunCommand(version string) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bring every listed service to its end state",
		Long: `Process the target list in order. For each service the start mode is set
and the service is started or stopped as its end mode requires, then the CPU
gate waits for utilization to drop before the next service.

A progress file named <prefix>.YYYYMMDD.HHMMSS.<ext> is written to the output
directory and rewritten after every service.

Per-service failures are recorded and do not stop the run. The exit code is
non-zero only when the run could not start (2) or could not be recorded (3).`,
		Example: `  # Run with the located target list
  progresso run

  # Run a specific list, writing JSON progress to /var/log/progresso
  progresso run --targets ./ordem.target.xml --output-dir /var/log/progresso --format json

  # See what would change without touching any service
  progresso run --dry-run --timeout 0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd, version)
			if err != nil {
				return err
			}
			defer env.close()

			if err := flags.apply(cmd, env); err != nil {
				return err
			}

			_, err = executeRun(cmd.Context(), env, cmd.OutOrStdout())
			return err
		},
	}

	flags.register(cmd)
	return cmd
}

// runReport is what executeRun produced.
type runReport struct {
	Record       *engine.ProgressRecord `json:"record"`
	ArtifactPath string                 `json:"artifact_path"`
	Digest       string                 `json:"artifact_sha256"`
}

// executeRun performs one complete run: load, sequence, record, summarize.
func executeRun(ctx context.Context, env *environment, out io.Writer) (*runReport, error) {
	cfg := env.cfg
	logger := env.logger

	list, err := env.targetStore("").Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range targets.Warnings(list) {
		logger.WithFields(map[string]interface{}{
			"position": w.Position,
			"service":  w.Name,
		}).Warn(w.Message)
	}

	controller, err := env.controller()
	if err != nil {
		return nil, err
	}
	guard, err := env.guard(ctx)
	if err != nil {
		return nil, err
	}
	clk := engine.SystemClock{}
	mon := detectMonitor(clk, logger)

	format, err := progress.ParseFormat(cfg.Output.Format)
	if err != nil {
		return nil, engine.NewConfigMalformedError("invalid output format", err)
	}
	writer := progress.NewWriter(cfg.Output.Dir, cfg.Output.Prefix, format, logger)
	startedAt := clk.Now()
	artifact, err := writer.Open(startedAt)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	seq := engine.NewSequencer(controller, mon,
		engine.WithRunID(runID),
		engine.WithClock(clk),
		engine.WithStartTime(startedAt),
		engine.WithGateSettings(cfg.Gate.Threshold, cfg.Gate.Timeout, cfg.Gate.PollInterval),
		engine.WithProgressSink(artifact),
		engine.WithGuard(guard),
		engine.WithLogger(logger),
		engine.WithMetrics(env.tel.Metrics),
		engine.WithTracer(env.tel.Tracer),
	)

	logger.WithRunID(runID).WithFields(map[string]interface{}{
		"targets":  list.Source,
		"artifact": artifact.Path(),
		"backend":  controller.Name(),
	}).Info("Starting run")

	record, err := seq.Run(ctx, list)
	if err != nil {
		return nil, err
	}

	report := &runReport{Record: record, ArtifactPath: artifact.Path()}
	if err := artifact.Update(record); err != nil {
		logger.WithError(err).Error("Failed to write final progress record")
		// Fall back to stdout.
		printRecord(out, record)
		printSummary(out, record, "")
		return report, err
	}
	report.Digest = artifact.Digest()

	if cfg.History.Enabled {
		recordHistory(context.WithoutCancel(ctx), env, report, controller.Name(), string(format))
	}

	if jsonOutput {
		return report, printJSON(out, report)
	}
	printRecord(out, record)
	printSummary(out, record, artifact.Path())
	return report, nil
}

// recordHistory indexes the run. The artifact already holds the record, so
// failures here are warnings.
func recordHistory(ctx context.Context, env *environment, report *runReport, backend, format string) {
	logger := env.logger.WithRunID(report.Record.RunID)

	store, err := env.history(ctx)
	if err != nil {
		logger.WithError(err).Warn("Run history unavailable")
		return
	}
	defer store.Close()

	artifactPath := report.ArtifactPath
	if abs, err := filepath.Abs(artifactPath); err == nil {
		artifactPath = abs
	}

	run := &stores.Run{
		ID:             report.Record.RunID,
		TargetPath:     report.Record.Source,
		ArtifactPath:   artifactPath,
		ArtifactSHA256: report.Digest,
		Format:         format,
		Backend:        backend,
		StartedAt:      report.Record.StartedAt,
		FinishedAt:     report.Record.FinishedAt,
	}
	if err := store.RecordRun(ctx, run, report.Record); err != nil {
		logger.WithError(err).Warn("Failed to record run history")
		return
	}
	logger.WithField("history", env.cfg.History.Path).Debug("Run recorded in history")
}
