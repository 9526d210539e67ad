package engine

import (
	"context"
	"math"
	"time"

	"github.com/progresso/progresso/pkg/telemetry"
)

// Gate defaults, taken from the service manager settling behaviour observed in practice.
const (
	DefaultGateThreshold    = 60.0
	DefaultGateTimeout      = 300 * time.Second
	DefaultGatePollInterval = time.Second

	// gateReportDelta is the change in percentage points worth logging.
	gateReportDelta = 5.0
)

// GateResult is the outcome of one Wait.
type GateResult struct {
	Outcome GateOutcome
	// Sample is the last utilization read, nil if none succeeded.
	Sample  *float64
	Elapsed time.Duration
	// Err is set when telemetry was unavailable (the gate then fails open) or
	// the wait was interrupted.
	Err     error
}

// Gate is a bounded, fail-open wait for CPU utilization to settle.
type Gate struct {
	monitor  ResourceMonitor
	clock    Clock
	interval time.Duration
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewGate creates a gate polling monitor every interval.
func NewGate(monitor ResourceMonitor, clock Clock, interval time.Duration) *Gate {
	if clock == nil {
		clock = SystemClock{}
	}
	if interval <= 0 {
		interval = DefaultGatePollInterval
	}
	return &Gate{
		monitor:  monitor,
		clock:    clock,
		interval: interval,
		logger:   telemetry.NopLogger(),
	}
}

// Wait samples CPU until it is at or below threshold or timeout elapses.
// It never blocks longer than timeout plus the duration of one sample.
func (g *Gate) Wait(ctx context.Context, threshold float64, timeout time.Duration) GateResult {
	start := g.clock.Now()
	last := -1.0
	var result GateResult

	finish := func(outcome GateOutcome) GateResult {
		result.Outcome = outcome
		result.Elapsed = g.clock.Now().Sub(start)
		g.metrics.RecordGateWait(string(outcome), result.Elapsed)
		return result
	}

	for {
		if g.monitor == nil {
			result.Err = NewGateUnavailableError(nil)
			return finish(GatePassed)
		}

		usage, err := g.monitor.SampleCPU(ctx)
		if err != nil {
			if ctx.Err() != nil {
				result.Err = ctx.Err()
				return finish(GateInterrupted)
			}
			result.Err = NewGateUnavailableError(err)
			g.logger.WithError(err).Warn("CPU sample unavailable, continuing without pacing")
			return finish(GatePassed)
		}

		sample := usage
		result.Sample = &sample
		g.metrics.SetCPUSample(usage)
		if math.Abs(usage-last) >= gateReportDelta {
			g.logger.Debugf("CPU: %.1f%%", usage)
			last = usage
		}

		if usage <= threshold {
			return finish(GatePassed)
		}

		elapsed := g.clock.Now().Sub(start)
		if elapsed >= timeout {
			g.logger.Warnf("CPU wait timeout reached after %s (current: %.1f%%)", timeout, usage)
			return finish(GateTimedOut)
		}

		wait := g.interval
		if remaining := timeout - elapsed; remaining < wait {
			wait = remaining
		}
		if err := g.clock.Sleep(ctx, wait); err != nil {
			result.Err = err
			return finish(GateInterrupted)
		}
	}
}
