package engine

import (
	"context"
	"time"
)

// ServiceController is the narrow capability through which the engine observes and
// mutates OS service state. One implementation exists per service manager.
type ServiceController interface {
	// Name identifies the backend (e.g. "systemd", "sc").
	Name() string

	// Query returns the current descriptor, or an error matching ErrServiceNotFound.
	Query(ctx context.Context, name string) (ServiceDescriptor, error)

	// SetStartMode changes the startup policy.
	SetStartMode(ctx context.Context, name string, mode StartMode) error

	// Start starts the service.
	Start(ctx context.Context, name string) error

	// Stop stops the service.
	Stop(ctx context.Context, name string) error
}

// ModeNormalizer is implemented by controllers that cannot express every StartMode.
// NormalizeMode maps a mode onto the closest one the backend can report back, so a
// converged service is not reconfigured on every run.
type ModeNormalizer interface {
	NormalizeMode(mode StartMode) StartMode
}

// EntryGuard vetoes target entries before any controller call. A non-empty reason
// skips the entry.
type EntryGuard interface {
	Check(ctx context.Context, pos int, entry TargetEntry) (reason string, err error)
}

// ResourceMonitor samples system load for the CPU gate.
type ResourceMonitor interface {
	// SampleCPU returns total CPU utilization in percent (0..100).
	SampleCPU(ctx context.Context) (float64, error)
}

// ProgressSink receives a snapshot of the record after every processed entry.
type ProgressSink interface {
	Checkpoint(ctx context.Context, record *ProgressRecord) error
}

// Clock abstracts time so polling loops can be tested deterministically.
type Clock interface {
	Now() time.Time

	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current local time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Sleep waits for d or ctx cancellation.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
