package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/progresso/progresso/pkg/engine"
	"github.com/progresso/progresso/pkg/telemetry"
)

const (
	// DefaultSystemctl is the systemctl binary looked up on PATH.
	DefaultSystemctl = "systemctl"

	// SystemdRuntimeDir exists when systemd is PID 1.
	SystemdRuntimeDir = "/run/systemd/system"
)

var showProperties = []string{
	"LoadState", "ActiveState", "SubState", "UnitFileState",
	"Description", "ExecStart", "User",
}

// SystemdController manages units through systemctl.
type SystemdController struct {
	runner    Runner
	binary    string
	userScope bool
	logger    *telemetry.Logger
}

var (
	_ engine.ServiceController = (*SystemdController)(nil)
	_ engine.ModeNormalizer    = (*SystemdController)(nil)
)

// NewSystemdController creates a controller. An empty binary means systemctl on PATH.
func NewSystemdController(runner Runner, binary string, userScope bool, logger *telemetry.Logger) *SystemdController {
	if binary == "" {
		binary = DefaultSystemctl
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &SystemdController{
		runner:    runner,
		binary:    binary,
		userScope: userScope,
		logger:    logger.NewComponentLogger("systemd"),
	}
}

// Name returns "systemd".
func (c *SystemdController) Name() string { return "systemd" }

// NormalizeMode folds delayed start into Automatic. systemd has no delayed start mode.
func (c *SystemdController) NormalizeMode(mode engine.StartMode) engine.StartMode {
	if mode == engine.StartModeAutomaticDelayed {
		return engine.StartModeAutomatic
	}
	return mode
}

func (c *SystemdController) run(ctx context.Context, args ...string) (*Result, error) {
	if c.userScope {
		args = append([]string{"--user"}, args...)
	}
	return c.runner.Run(ctx, c.binary, args...)
}

// Query reads the unit with systemctl show.
func (c *SystemdController) Query(ctx context.Context, name string) (engine.ServiceDescriptor, error) {
	res, err := c.run(ctx, "show", name, "--no-pager", "--property="+strings.Join(showProperties, ","))
	if err != nil {
		return engine.ServiceDescriptor{}, err
	}
	if res.ExitCode != 0 {
		return engine.ServiceDescriptor{}, c.commandError(name, res)
	}

	props := parseProperties(res.Stdout)
	if props["LoadState"] == "not-found" {
		return engine.ServiceDescriptor{}, engine.NewServiceNotFoundError(name)
	}

	desc := engine.ServiceDescriptor{
		Name:        name,
		Description: props["Description"],
		Status:      systemdStatus(props["ActiveState"]),
		StartMode:   systemdStartMode(props["LoadState"], props["UnitFileState"]),
		LogOnAs:     props["User"],
		Path:        execStartPath(props["ExecStart"]),
	}
	if desc.LogOnAs == "" && !c.userScope {
		desc.LogOnAs = "root"
	}
	return desc, nil
}

// SetStartMode maps Automatic to enable, Manual to disable and Disabled to mask.
// A masked unit is unmasked before it is enabled or disabled.
func (c *SystemdController) SetStartMode(ctx context.Context, name string, mode engine.StartMode) error {
	switch mode {
	case engine.StartModeDisabled:
		return c.do(ctx, name, "mask", name)

	case engine.StartModeAutomatic, engine.StartModeAutomaticDelayed, engine.StartModeManual:
		current, err := c.Query(ctx, name)
		if err != nil {
			return err
		}
		if current.StartMode == engine.StartModeDisabled {
			if err := c.do(ctx, name, "unmask", name); err != nil {
				return err
			}
		}
		if mode == engine.StartModeManual {
			return c.do(ctx, name, "disable", name)
		}
		return c.do(ctx, name, "enable", name)

	default:
		return fmt.Errorf("unsupported start mode %q", mode)
	}
}

// Start starts the unit. systemctl waits for the start job to finish.
func (c *SystemdController) Start(ctx context.Context, name string) error {
	return c.do(ctx, name, "start", name)
}

// Stop stops the unit.
func (c *SystemdController) Stop(ctx context.Context, name string) error {
	return c.do(ctx, name, "stop", name)
}

func (c *SystemdController) do(ctx context.Context, name string, args ...string) error {
	res, err := c.run(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return c.commandError(name, res)
	}
	c.logger.WithService(name).Debugf("systemctl %s ok", args[0])
	return nil
}

// commandError turns systemctl's stderr into an operator-facing error.
func (c *SystemdController) commandError(name string, res *Result) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not found") || strings.Contains(lower, "not loaded") ||
		strings.Contains(lower, "does not exist"):
		return engine.NewServiceNotFoundError(name)
	case strings.Contains(lower, "access denied") || strings.Contains(lower, "authentication required") ||
		strings.Contains(lower, "permission denied"):
		return errors.New("access denied")
	case msg == "":
		return fmt.Errorf("systemctl exited with status %d", res.ExitCode)
	default:
		// systemctl prefixes a hint line after the reason; keep the reason.
		if i := strings.IndexByte(msg, '\n'); i > 0 {
			msg = msg[:i]
		}
		return errors.New(msg)
	}
}

func parseProperties(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimRight(line, "\r"), "=")
		if !ok {
			continue
		}
		props[key] = value
	}
	return props
}

func systemdStatus(active string) engine.ServiceStatus {
	switch active {
	case "active", "reloading", "refreshing":
		return engine.StatusRunning
	case "inactive", "failed":
		return engine.StatusStopped
	default:
		return engine.StatusUnknown
	}
}

func systemdStartMode(loadState, unitFileState string) engine.StartMode {
	if loadState == "masked" {
		return engine.StartModeDisabled
	}
	switch unitFileState {
	case "enabled", "enabled-runtime", "alias", "linked", "linked-runtime":
		return engine.StartModeAutomatic
	case "disabled", "static", "indirect", "generated", "transient", "":
		return engine.StartModeManual
	case "masked", "masked-runtime":
		return engine.StartModeDisabled
	default:
		return engine.StartMode(unitFileState)
	}
}

// execStartPath extracts path= from systemctl's ExecStart rendering:
// { path=/usr/sbin/sshd ; argv[]=/usr/sbin/sshd -D ; ... }
func execStartPath(execStart string) string {
	for _, field := range strings.Split(strings.Trim(execStart, "{} "), ";") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(field), "path="); ok {
			return v
		}
	}
	return ""
}
