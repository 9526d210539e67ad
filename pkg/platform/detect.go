package platform

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/progresso/progresso/pkg/engine"
	"github.com/progresso/progresso/pkg/telemetry"
)

// Backend names.
const (
	BackendAuto    = "auto"
	BackendSystemd = "systemd"
	BackendSC      = "sc"
)

// Options selects and configures a service controller.
type Options struct {
	// Backend is auto, systemd or sc.
	Backend string

	// UserScope talks to the per-user systemd instance.
	UserScope bool

	// DryRun wraps the controller so mutations are only logged.
	DryRun bool

	// StateTimeout bounds sc start/stop waits.
	StateTimeout time.Duration

	// SystemctlPath and SCPath override the binaries.
	SystemctlPath string
	SCPath        string

	// Runner executes commands. Nil means os/exec, and the binary must be on PATH.
	Runner Runner

	Clock  engine.Clock
	Logger *telemetry.Logger

	// GOOS and SystemdDir override host detection.
	GOOS       string
	SystemdDir string
}

// Detect returns the controller for the host, or a CapabilityMissing error when
// no supported service manager is present.
func Detect(opts Options) (engine.ServiceController, error) {
	goos := opts.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	systemdDir := opts.SystemdDir
	if systemdDir == "" {
		systemdDir = SystemdRuntimeDir
	}

	backend := opts.Backend
	if backend == "" || backend == BackendAuto {
		switch {
		case goos == "windows":
			backend = BackendSC
		case goos == "linux" && isDir(systemdDir):
			backend = BackendSystemd
		default:
			return nil, engine.NewCapabilityMissingError(
				fmt.Sprintf("no supported service manager found on %s", goos), nil)
		}
	}

	runner := opts.Runner
	lookup := runner == nil
	if lookup {
		runner = NewExecRunner(opts.Logger)
	}

	var controller engine.ServiceController
	switch backend {
	case BackendSystemd:
		binary := orDefault(opts.SystemctlPath, DefaultSystemctl)
		if lookup {
			if _, err := exec.LookPath(binary); err != nil {
				return nil, engine.NewCapabilityMissingError("systemctl not available", err).WithResource(binary)
			}
		}
		controller = NewSystemdController(runner, binary, opts.UserScope, opts.Logger)

	case BackendSC:
		binary := orDefault(opts.SCPath, DefaultSC)
		if lookup {
			if _, err := exec.LookPath(binary); err != nil {
				return nil, engine.NewCapabilityMissingError("sc.exe not available", err).WithResource(binary)
			}
		}
		controller = NewSCController(runner, binary, opts.Clock, opts.StateTimeout, opts.Logger)

	default:
		return nil, engine.NewCapabilityMissingError(fmt.Sprintf("unknown service backend %q", backend), nil)
	}

	if opts.DryRun {
		return NewDryRunController(controller, opts.Logger), nil
	}
	return controller, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
