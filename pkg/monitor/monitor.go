package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/progresso/progresso/pkg/engine"
	"github.com/progresso/progresso/pkg/platform"
	"github.com/progresso/progresso/pkg/telemetry"
)

// ErrUnavailable is returned when CPU telemetry cannot be read on this host.
var ErrUnavailable = errors.New("cpu telemetry unavailable")

// DefaultPrimeWindow is the interval measured by the first sample.
const DefaultPrimeWindow = 250 * time.Millisecond

// ProcStatMonitor derives utilization from /proc/stat CPU time deltas.
type ProcStatMonitor struct {
	fs          procfs.FS
	clock       engine.Clock
	primeWindow time.Duration

	mu     sync.Mutex
	last   procfs.CPUStat
	primed bool
	prev   float64
}

var _ engine.ResourceMonitor = (*ProcStatMonitor)(nil)

// NewProcStatMonitor reads from the proc filesystem mounted at mountPoint
// (procfs.DefaultMountPoint when empty).
func NewProcStatMonitor(mountPoint string, clock engine.Clock) (*ProcStatMonitor, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &ProcStatMonitor{fs: fs, clock: clock, primeWindow: DefaultPrimeWindow}, nil
}

// SampleCPU returns busy time as a percentage of all CPU time since the
// previous call. The first call measures over a short prime window.
func (m *ProcStatMonitor) SampleCPU(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.read()
	if err != nil {
		return 0, err
	}
	if !m.primed {
		m.last = cur
		if err := m.clock.Sleep(ctx, m.primeWindow); err != nil {
			return 0, err
		}
		if cur, err = m.read(); err != nil {
			return 0, err
		}
		m.primed = true
	}

	busy := busyTime(cur) - busyTime(m.last)
	total := totalTime(cur) - totalTime(m.last)
	m.last = cur

	// No ticks elapsed since the last read.
	if total <= 0 {
		return m.prev, nil
	}
	pct := clamp(busy / total * 100)
	m.prev = pct
	return pct, nil
}

func (m *ProcStatMonitor) read() (procfs.CPUStat, error) {
	stat, err := m.fs.Stat()
	if err != nil {
		return procfs.CPUStat{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return stat.CPUTotal, nil
}

func totalTime(s procfs.CPUStat) float64 {
	// Guest time is already counted in User and Nice.
	return s.User + s.Nice + s.System + s.Idle + s.Iowait + s.IRQ + s.SoftIRQ + s.Steal
}

func busyTime(s procfs.CPUStat) float64 {
	return totalTime(s) - s.Idle - s.Iowait
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// PowerShellMonitor averages Win32_Processor.LoadPercentage through PowerShell.
type PowerShellMonitor struct {
	runner platform.Runner
	binary string
}

var _ engine.ResourceMonitor = (*PowerShellMonitor)(nil)

const loadPercentageScript = "(Get-CimInstance -ClassName Win32_Processor | Measure-Object -Property LoadPercentage -Average).Average"

// NewPowerShellMonitor creates a monitor. An empty binary means powershell.exe.
func NewPowerShellMonitor(runner platform.Runner, binary string) *PowerShellMonitor {
	if binary == "" {
		binary = "powershell.exe"
	}
	return &PowerShellMonitor{runner: runner, binary: binary}
}

// SampleCPU returns the current processor load.
func (m *PowerShellMonitor) SampleCPU(ctx context.Context) (float64, error) {
	res, err := m.runner.Run(ctx, m.binary, "-NoProfile", "-NonInteractive", "-Command", loadPercentageScript)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("%w: powershell exited with status %d: %s", ErrUnavailable, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	out := strings.TrimSpace(res.Stdout)
	v, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: unexpected load percentage %q", ErrUnavailable, out)
	}
	return clamp(v), nil
}

// Unavailable is the monitor for hosts without CPU telemetry. The gate treats
// its error as a reason to proceed.
type Unavailable struct {
	Reason string
}

var _ engine.ResourceMonitor = Unavailable{}

// SampleCPU always fails with ErrUnavailable.
func (u Unavailable) SampleCPU(context.Context) (float64, error) {
	if u.Reason == "" {
		return 0, ErrUnavailable
	}
	return 0, fmt.Errorf("%w: %s", ErrUnavailable, u.Reason)
}

// Detect picks the monitor for the running OS.
func Detect(runner platform.Runner, clock engine.Clock, logger *telemetry.Logger) engine.ResourceMonitor {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	switch runtime.GOOS {
	case "linux":
		m, err := NewProcStatMonitor("", clock)
		if err != nil {
			logger.WithError(err).Warn("CPU telemetry unavailable, the gate will not wait")
			return Unavailable{Reason: err.Error()}
		}
		return m
	case "windows":
		if runner == nil {
			runner = platform.NewExecRunner(logger)
		}
		return NewPowerShellMonitor(runner, "")
	default:
		return Unavailable{Reason: "unsupported on " + runtime.GOOS}
	}
}
