package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock advances only when Sleep is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total time.Duration
	for _, d := range c.sleeps {
		total += d
	}
	return total
}

// scriptedMonitor returns samples in order, repeating the last one.
type scriptedMonitor struct {
	mu      sync.Mutex
	samples []float64
	err     error
	calls   int
}

func (m *scriptedMonitor) SampleCPU(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	if len(m.samples) == 0 {
		return 0, nil
	}
	i := m.calls - 1
	if i >= len(m.samples) {
		i = len(m.samples) - 1
	}
	return m.samples[i], nil
}

func TestGate_PassesImmediately(t *testing.T) {
	clock := newFakeClock()
	gate := NewGate(&scriptedMonitor{samples: []float64{12.5}}, clock, time.Second)

	result := gate.Wait(context.Background(), 60, 300*time.Second)

	if result.Outcome != GatePassed {
		t.Errorf("Expected Passed, got %s", result.Outcome)
	}
	if result.Sample == nil || *result.Sample != 12.5 {
		t.Errorf("Expected sample 12.5, got %v", result.Sample)
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("Expected no sleeps, got %v", clock.sleeps)
	}
	if result.Err != nil {
		t.Errorf("Expected no error, got %v", result.Err)
	}
}

func TestGate_ThresholdIsInclusive(t *testing.T) {
	gate := NewGate(&scriptedMonitor{samples: []float64{60}}, newFakeClock(), time.Second)

	if got := gate.Wait(context.Background(), 60, time.Minute).Outcome; got != GatePassed {
		t.Errorf("Expected Passed at exactly the threshold, got %s", got)
	}
}

func TestGate_WaitsForDrop(t *testing.T) {
	clock := newFakeClock()
	monitor := &scriptedMonitor{samples: []float64{95, 80, 61, 40}}
	gate := NewGate(monitor, clock, time.Second)

	result := gate.Wait(context.Background(), 60, 300*time.Second)

	if result.Outcome != GatePassed {
		t.Fatalf("Expected Passed, got %s", result.Outcome)
	}
	if *result.Sample != 40 {
		t.Errorf("Expected final sample 40, got %v", *result.Sample)
	}
	if monitor.calls != 4 {
		t.Errorf("Expected 4 samples, got %d", monitor.calls)
	}
	if result.Elapsed != 3*time.Second {
		t.Errorf("Expected 3s elapsed, got %s", result.Elapsed)
	}
}

func TestGate_TimeoutBound(t *testing.T) {
	clock := newFakeClock()
	gate := NewGate(&scriptedMonitor{samples: []float64{99}}, clock, time.Second)
	timeout := 2500 * time.Millisecond

	result := gate.Wait(context.Background(), 60, timeout)

	if result.Outcome != GateTimedOut {
		t.Fatalf("Expected TimedOut, got %s", result.Outcome)
	}
	if result.Elapsed > timeout {
		t.Errorf("Gate waited %s, longer than timeout %s", result.Elapsed, timeout)
	}
	if clock.slept() != timeout {
		t.Errorf("Expected sleeps to total %s, got %s (%v)", timeout, clock.slept(), clock.sleeps)
	}
	if result.Err != nil {
		t.Errorf("Timeout is not an error, got %v", result.Err)
	}
}

func TestGate_ZeroTimeout(t *testing.T) {
	clock := newFakeClock()
	gate := NewGate(&scriptedMonitor{samples: []float64{99}}, clock, time.Second)

	result := gate.Wait(context.Background(), 60, 0)

	if result.Outcome != GateTimedOut {
		t.Errorf("Expected TimedOut, got %s", result.Outcome)
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("Expected no sleeps, got %v", clock.sleeps)
	}
}

func TestGate_FailOpen(t *testing.T) {
	tests := []struct {
		name    string
		monitor ResourceMonitor
	}{
		{name: "sample error", monitor: &scriptedMonitor{err: errors.New("no counters")}},
		{name: "no monitor", monitor: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewGate(tt.monitor, newFakeClock(), time.Second)
			result := gate.Wait(context.Background(), 60, time.Minute)

			if result.Outcome != GatePassed {
				t.Errorf("Expected Passed, got %s", result.Outcome)
			}
			if !errors.Is(result.Err, ErrGateUnavailable) {
				t.Errorf("Expected ErrGateUnavailable, got %v", result.Err)
			}
			if result.Sample != nil {
				t.Errorf("Expected no sample, got %v", *result.Sample)
			}
		})
	}
}

func TestGate_Interrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gate := NewGate(&scriptedMonitor{samples: []float64{99}}, newFakeClock(), time.Second)
	result := gate.Wait(ctx, 60, time.Minute)

	if result.Outcome != GateInterrupted {
		t.Errorf("Expected Interrupted, got %s", result.Outcome)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", result.Err)
	}
}
