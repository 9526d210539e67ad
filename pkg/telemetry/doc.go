// Package telemetry provides logging, tracing and metrics for progresso.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry) and
// metrics (Prometheus) behind one Config.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("sequencer")
//	logger = logger.WithRunID(runID).WithService("Spooler")
//	logger.Info("Step start issued")
//	logger.WithError(err).Error("Step stop failed")
//
// NopLogger discards everything and is the default for engine components.
//
// # Tracing
//
// Spans are named run.execute, entry.process, controller.<operation> and
// gate.wait. A nil *Tracer or a disabled one produces no-op spans.
//
// # Metrics
//
// progresso is a run-to-completion tool, so metrics are not served over HTTP.
// Shutdown writes the registry to MetricsConfig.TextfilePath in the text
// exposition format, for the node exporter textfile collector. A nil *Metrics
// is a valid no-op collector.
package telemetry
