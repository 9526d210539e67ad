package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/progresso/progresso/pkg/telemetry"
)

// Sequencer drives a TargetList through the controller one entry at a time.
// It is single-threaded by construction: entry order is the dependency contract
// and entries never overlap.
type Sequencer struct {
	controller ServiceController
	gate       *Gate
	clock      Clock

	threshold float64
	timeout   time.Duration

	runID     string
	startTime time.Time
	guard     EntryGuard
	sink    ProgressSink
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(s *Sequencer) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithGateSettings sets the CPU threshold (percent), the maximum wait and the poll interval.
func WithGateSettings(threshold float64, timeout, interval time.Duration) Option {
	return func(s *Sequencer) {
		s.threshold = threshold
		if timeout >= 0 {
			s.timeout = timeout
		}
		if interval > 0 {
			s.gate.interval = interval
		}
	}
}

// WithProgressSink receives a checkpoint after every entry.
func WithProgressSink(sink ProgressSink) Option {
	return func(s *Sequencer) { s.sink = sink }
}

// WithGuard vetoes entries before they reach the controller.
func WithGuard(g EntryGuard) Option {
	return func(s *Sequencer) { s.guard = g }
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(s *Sequencer) { s.runID = id }
}

// WithStartTime fixes the record's StartedAt, so it can match a name chosen
// before the run began.
func WithStartTime(t time.Time) Option {
	return func(s *Sequencer) { s.startTime = t }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.logger = l.NewComponentLogger("sequencer")
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Sequencer) { s.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Sequencer) { s.tracer = t }
}

// NewSequencer creates a sequencer. Collaborators are always passed in explicitly.
func NewSequencer(controller ServiceController, monitor ResourceMonitor, opts ...Option) *Sequencer {
	s := &Sequencer{
		controller: controller,
		clock:      SystemClock{},
		threshold:  DefaultGateThreshold,
		timeout:    DefaultGateTimeout,
		logger:     telemetry.NopLogger(),
	}
	s.gate = NewGate(monitor, nil, DefaultGatePollInterval)

	for _, opt := range opts {
		opt(s)
	}

	s.gate.clock = s.clock
	s.gate.logger = s.logger.NewComponentLogger("cpu_gate")
	s.gate.metrics = s.metrics
	if s.runID == "" {
		s.runID = uuid.New().String()
	}
	return s
}

// RunID returns the identifier used for this sequencer's record.
func (s *Sequencer) RunID() string {
	return s.runID
}

// Run processes every entry of list in order and returns the progress record.
//
// Per-entry failures are captured in the record; the returned error is non-nil only
// when the run could not start. If ctx is cancelled, the entry in flight completes,
// and every remaining entry is recorded as skipped so the record still mirrors list.
func (s *Sequencer) Run(ctx context.Context, list *TargetList) (*ProgressRecord, error) {
	if s.controller == nil {
		return nil, NewCapabilityMissingError("no service controller configured", nil)
	}
	if list == nil {
		return nil, NewConfigMalformedError("no target list supplied", nil)
	}

	ctx, span := s.tracer.StartRunSpan(ctx, s.runID)
	defer span.End()

	logger := s.logger.WithRunID(s.runID)
	startedAt := s.startTime
	if startedAt.IsZero() {
		startedAt = s.clock.Now()
	}
	record := &ProgressRecord{
		RunID:     s.runID,
		Source:    list.Source,
		StartedAt: startedAt,
		Entries:   make([]ProgressEntry, 0, len(list.Entries)),
	}

	s.metrics.RecordRunStarted()
	logger.WithFields(map[string]interface{}{
		"entries":    len(list.Entries),
		"controller": s.controller.Name(),
		"threshold":  s.threshold,
		"timeout":    s.timeout.String(),
	}).Info("Run started")

	for i, entry := range list.Entries {
		var pe ProgressEntry
		if ctx.Err() != nil {
			pe = s.skippedEntry(i, entry, "run interrupted")
		} else {
			pe = s.processEntry(ctx, logger, i, entry)
		}
		record.Entries = append(record.Entries, pe)
		s.checkpoint(ctx, logger, record)
	}

	finished := s.clock.Now()
	record.FinishedAt = &finished
	record.Outcome = record.AggregateOutcome()

	summary := record.Summary()
	s.metrics.RecordRunCompleted(string(record.Outcome), finished.Sub(record.StartedAt))
	span.SetAttributes(
		telemetry.AttrRunStatus.String(string(record.Outcome)),
		attribute.Int("run.failed", summary.Failed),
		attribute.Int("run.skipped", summary.Skipped),
	)
	telemetry.RecordSuccess(span)

	logger.WithFields(map[string]interface{}{
		"outcome":   record.Outcome,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
	}).Info("Run completed")

	return record, nil
}

func (s *Sequencer) skippedEntry(pos int, entry TargetEntry, reason string) ProgressEntry {
	return ProgressEntry{
		Position:    pos,
		Name:        entry.Name,
		StartMode:   entry.StartMode,
		EndMode:     entry.EndMode,
		Action:      ActionNone,
		Outcome:     OutcomeSkipped,
		ErrorDetail: reason,
	}
}

// processEntry runs one entry through Processing -> action -> GateWaiting -> Completed.
func (s *Sequencer) processEntry(ctx context.Context, runLogger *telemetry.Logger, pos int, entry TargetEntry) ProgressEntry {
	logger := runLogger.WithService(entry.Name).WithField("position", pos)

	reason := validateEntry(entry)
	if reason == "" {
		reason = guardEntry(ctx, s.guard, pos, entry)
	}
	if reason != "" {
		logger.Warnf("Skipping entry: %s", reason)
		pe := s.skippedEntry(pos, entry, reason)
		s.metrics.RecordEntry(string(pe.Action), string(pe.Outcome), 0)
		return pe
	}

	ctx, span := s.tracer.StartEntrySpan(ctx, entry.Name, pos)
	defer span.End()

	// In-flight controller calls are not interrupted by cancellation; only the
	// gate wait and the move to the next entry are.
	callCtx := context.WithoutCancel(ctx)

	started := s.clock.Now()
	pe := ProgressEntry{
		Position:            pos,
		Name:                entry.Name,
		StartMode:           entry.StartMode,
		EndMode:             entry.EndMode,
		Action:              ActionNone,
		Outcome:             OutcomeSuccess,
		StartProcessingTime: &started,
	}
	state := EntryProcessing
	logger.Debugf("Entry %s", state)

	var live ServiceDescriptor
	err := s.call(callCtx, "query", entry.Name, func(c context.Context) error {
		var qerr error
		live, qerr = s.controller.Query(c, entry.Name)
		return qerr
	})
	if err != nil {
		pe.Outcome = OutcomeFailed
		pe.ErrorDetail = DetailOf(err)
		logger.WithError(err).Error("Service query failed")
	} else {
		observed := mergeObserved(live, entry)
		if pe.StartMode == "" {
			pe.StartMode = observed.StartMode
		}
		observed.StartMode = normalize(s.controller, observed.StartMode)
		steps := PlanSteps(observed, normalize(s.controller, entry.EndMode))
		pe.Action = ActionOf(steps)

		if len(steps) == 0 {
			logger.Infof("Already in desired state (status: %s, mode: %s)", observed.Status, observed.StartMode)
		}
		for _, step := range steps {
			if err := s.issue(callCtx, entry.Name, step); err != nil {
				pe.Outcome = OutcomeFailed
				pe.ErrorDetail = DetailOf(err)
				logger.WithError(err).Errorf("Step %s failed", step)
				break
			}
			logger.Infof("Step %s issued", step)
		}
		if len(steps) > 0 {
			issued := s.clock.Now()
			pe.StopTime = &issued
		}
		if pe.Outcome != OutcomeFailed {
			state = stateAfter(steps)
			logger.Debugf("Entry %s", state)
		}
	}

	state = EntryGateWaiting
	logger.Debugf("Entry %s (threshold %.1f%%)", state, s.threshold)
	gateCtx, gateSpan := s.tracer.StartGateSpan(ctx, s.threshold)
	gr := s.gate.Wait(gateCtx, s.threshold, s.timeout)
	gateSpan.SetAttributes(attribute.String("gate.outcome", string(gr.Outcome)))
	gateSpan.End()
	responsive := s.clock.Now()
	pe.CPUResponsiveTime = &responsive
	pe.GateOutcome = gr.Outcome
	pe.CPUSample = gr.Sample
	switch {
	case gr.Outcome == GateInterrupted:
		pe.appendDetail("cpu gate: interrupted")
	case gr.Err != nil:
		pe.appendDetail(fmt.Sprintf("cpu gate: telemetry unavailable (%s)", DetailOf(gr.Err)))
	}

	ended := s.clock.Now()
	pe.EndTime = &ended
	state = EntryCompleted

	span.SetAttributes(
		attribute.String("entry.action", string(pe.Action)),
		attribute.String("entry.outcome", string(pe.Outcome)),
		attribute.String("gate.outcome", string(pe.GateOutcome)),
	)
	if pe.Outcome == OutcomeFailed {
		telemetry.RecordError(span, fmt.Errorf("%s", pe.ErrorDetail))
	} else {
		telemetry.RecordSuccess(span)
	}
	s.metrics.RecordEntry(string(pe.Action), string(pe.Outcome), ended.Sub(started))

	logger.WithFields(map[string]interface{}{
		"state":   state,
		"action":  pe.Action,
		"outcome": pe.Outcome,
		"gate":    pe.GateOutcome,
	}).Info("Entry processed")

	return pe
}

// issue performs a single step against the controller.
func (s *Sequencer) issue(ctx context.Context, name string, step Step) error {
	switch step.Kind {
	case StepSetStartMode:
		return s.call(ctx, string(step.Kind), name, func(c context.Context) error {
			return s.controller.SetStartMode(c, name, step.Mode)
		})
	case StepStart:
		return s.call(ctx, string(step.Kind), name, func(c context.Context) error {
			return s.controller.Start(c, name)
		})
	case StepStop:
		return s.call(ctx, string(step.Kind), name, func(c context.Context) error {
			return s.controller.Stop(c, name)
		})
	default:
		return NewAdapterError(string(step.Kind), name, fmt.Errorf("unsupported step %q", step.Kind))
	}
}

// call wraps one controller invocation with tracing, metrics and error classification.
func (s *Sequencer) call(ctx context.Context, op, name string, fn func(context.Context) error) error {
	ctx, span := s.tracer.StartControllerSpan(ctx, s.controller.Name(), op, name)
	defer span.End()

	began := s.clock.Now()
	err := fn(ctx)
	s.metrics.RecordAdapterCall(s.controller.Name(), op, s.clock.Now().Sub(began), err)
	if err != nil {
		aerr := NewAdapterError(op, name, err)
		telemetry.RecordError(span, aerr)
		return aerr
	}
	telemetry.RecordSuccess(span)
	return nil
}

// checkpoint hands a snapshot to the sink. A failed checkpoint is not fatal; the
// final write decides whether the run could be recorded.
func (s *Sequencer) checkpoint(ctx context.Context, logger *telemetry.Logger, record *ProgressRecord) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Checkpoint(context.WithoutCancel(ctx), record.Clone()); err != nil {
		logger.WithError(err).Warn("Progress checkpoint failed")
	}
}
