// Package engine sequences OS service transitions and records their progress.
//
// # Overview
//
// A run takes an ordered TargetList and drives every entry toward its end mode,
// one entry at a time:
//
//  1. Validate - entries without a name or a recognized end mode are skipped
//  2. Observe - the live descriptor is read through the ServiceController
//  3. Act - PlanSteps decides the mode change and start or stop to issue
//  4. Settle - the CPU Gate waits for utilization to drop below a threshold
//  5. Record - the ProgressEntry is appended and checkpointed to the ProgressSink
//
// Entry order is the dependency contract. Nothing runs in parallel and a failed
// entry never stops the run.
//
// # Collaborators
//
// The engine never talks to the OS directly. It is handed:
//
//	type ServiceController interface {
//	    Name() string
//	    Query(ctx context.Context, name string) (ServiceDescriptor, error)
//	    SetStartMode(ctx context.Context, name string, mode StartMode) error
//	    Start(ctx context.Context, name string) error
//	    Stop(ctx context.Context, name string) error
//	}
//
//	type ResourceMonitor interface {
//	    SampleCPU(ctx context.Context) (float64, error)
//	}
//
// and optionally a Clock, a ProgressSink, and telemetry. Implementations live in
// pkg/platform and pkg/monitor.
//
// # Errors
//
// EngineError carries a class: cannot_start and cannot_record abort a run,
// entry errors are recorded on the entry, and degraded errors (lost CPU
// telemetry) only annotate it. Use errors.Is with the exported sentinels.
//
// # Example
//
//	seq := engine.NewSequencer(controller, monitor,
//	    engine.WithLogger(logger),
//	    engine.WithProgressSink(artifact),
//	)
//	record, err := seq.Run(ctx, list)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(record.Summary())
package engine
