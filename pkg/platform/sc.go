package platform

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/progresso/progresso/pkg/engine"
	"github.com/progresso/progresso/pkg/telemetry"
)

const (
	// DefaultSC is the Windows service control utility.
	DefaultSC = "sc.exe"

	// DefaultStateTimeout bounds the wait for a service to reach RUNNING or STOPPED.
	DefaultStateTimeout = 60 * time.Second

	// statePollInterval is the gap between sc query calls while waiting.
	statePollInterval = time.Second
)

// Win32 error codes reported by sc.exe.
const (
	winErrAccessDenied     = 5
	winErrAlreadyRunning   = 1056
	winErrServiceNotFound  = 1060
	winErrServiceNotActive = 1062
)

var (
	scFailedRe   = regexp.MustCompile(`FAILED (\d+)`)
	scFieldKeyRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

// SCController manages Windows services through sc.exe.
type SCController struct {
	runner       Runner
	binary       string
	clock        engine.Clock
	stateTimeout time.Duration
	logger       *telemetry.Logger
}

var _ engine.ServiceController = (*SCController)(nil)

// NewSCController creates a controller. Zero values select sc.exe, the system
// clock and DefaultStateTimeout.
func NewSCController(runner Runner, binary string, clock engine.Clock, stateTimeout time.Duration, logger *telemetry.Logger) *SCController {
	if binary == "" {
		binary = DefaultSC
	}
	if clock == nil {
		clock = engine.SystemClock{}
	}
	if stateTimeout <= 0 {
		stateTimeout = DefaultStateTimeout
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &SCController{
		runner:       runner,
		binary:       binary,
		clock:        clock,
		stateTimeout: stateTimeout,
		logger:       logger.NewComponentLogger("sc"),
	}
}

// Name returns "sc".
func (c *SCController) Name() string { return "sc" }

// Query combines sc query (run state) and sc qc (configuration).
func (c *SCController) Query(ctx context.Context, name string) (engine.ServiceDescriptor, error) {
	status, err := c.queryState(ctx, name)
	if err != nil {
		return engine.ServiceDescriptor{}, err
	}

	res, err := c.sc(ctx, name, "qc", name)
	if err != nil {
		return engine.ServiceDescriptor{}, err
	}
	fields := parseSCFields(res.Stdout)

	return engine.ServiceDescriptor{
		Name:        name,
		Description: fields["DISPLAY_NAME"],
		Status:      status,
		StartMode:   scStartMode(fields["START_TYPE"]),
		LogOnAs:     fields["SERVICE_START_NAME"],
		Path:        fields["BINARY_PATH_NAME"],
	}, nil
}

// SetStartMode runs sc config <name> start= <type>.
func (c *SCController) SetStartMode(ctx context.Context, name string, mode engine.StartMode) error {
	var startType string
	switch mode {
	case engine.StartModeAutomaticDelayed:
		startType = "delayed-auto"
	case engine.StartModeAutomatic:
		startType = "auto"
	case engine.StartModeManual:
		startType = "demand"
	case engine.StartModeDisabled:
		startType = "disabled"
	default:
		return fmt.Errorf("unsupported start mode %q", mode)
	}
	_, err := c.sc(ctx, name, "config", name, "start=", startType)
	return err
}

// Start issues sc start and waits until the service reports RUNNING.
func (c *SCController) Start(ctx context.Context, name string) error {
	if _, err := c.sc(ctx, name, "start", name); err != nil {
		if !isWinErr(err, winErrAlreadyRunning) {
			return err
		}
	}
	return c.waitFor(ctx, name, engine.StatusRunning)
}

// Stop issues sc stop and waits until the service reports STOPPED.
func (c *SCController) Stop(ctx context.Context, name string) error {
	if _, err := c.sc(ctx, name, "stop", name); err != nil {
		if !isWinErr(err, winErrServiceNotActive) {
			return err
		}
	}
	return c.waitFor(ctx, name, engine.StatusStopped)
}

func (c *SCController) queryState(ctx context.Context, name string) (engine.ServiceStatus, error) {
	res, err := c.sc(ctx, name, "query", name)
	if err != nil {
		return engine.StatusUnknown, err
	}
	return scStatus(parseSCFields(res.Stdout)["STATE"]), nil
}

func (c *SCController) waitFor(ctx context.Context, name string, want engine.ServiceStatus) error {
	deadline := c.clock.Now().Add(c.stateTimeout)
	for {
		status, err := c.queryState(ctx, name)
		if err != nil {
			return err
		}
		if status == want {
			return nil
		}

		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return fmt.Errorf("timed out after %s waiting for %s to reach %s", c.stateTimeout, name, strings.ToUpper(string(want)))
		}
		if err := c.clock.Sleep(ctx, min(statePollInterval, remaining)); err != nil {
			return err
		}
	}
}

// winError is a Win32 error code reported by sc.exe.
type winError struct {
	Code    int
	Message string
}

func (e *winError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sc failed with error %d", e.Code)
	}
	return fmt.Sprintf("%s (error %d)", e.Message, e.Code)
}

func isWinErr(err error, code int) bool {
	var we *winError
	return errors.As(err, &we) && we.Code == code
}

// sc runs one sc.exe subcommand and maps its FAILED codes.
func (c *SCController) sc(ctx context.Context, name string, args ...string) (*Result, error) {
	res, err := c.runner.Run(ctx, c.binary, args...)
	if err != nil {
		return nil, err
	}

	if m := scFailedRe.FindStringSubmatch(res.Output()); m != nil {
		code, _ := strconv.Atoi(m[1])
		switch code {
		case winErrServiceNotFound:
			return nil, engine.NewServiceNotFoundError(name)
		case winErrAccessDenied:
			return nil, errors.New("access denied")
		default:
			return nil, &winError{Code: code, Message: scMessage(res.Output())}
		}
	}
	if res.ExitCode != 0 {
		return nil, &winError{Code: res.ExitCode, Message: scMessage(res.Output())}
	}

	c.logger.WithService(name).Debugf("sc %s ok", args[0])
	return res, nil
}

// scMessage returns the last non-empty line, which is the Win32 error text.
func scMessage(out string) string {
	lines := strings.Split(strings.ReplaceAll(out, "\r", ""), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" && !strings.HasPrefix(l, "[SC]") {
			return strings.TrimSuffix(l, ".")
		}
	}
	return ""
}

// parseSCFields reads "KEY : value" lines. Continuation lines are ignored.
func parseSCFields(out string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(strings.ReplaceAll(out, "\r", ""), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if !scFieldKeyRe.MatchString(key) {
			continue
		}
		if _, seen := fields[key]; !seen {
			fields[key] = strings.TrimSpace(value)
		}
	}
	return fields
}

// scStatus maps "4  RUNNING" and friends.
func scStatus(state string) engine.ServiceStatus {
	f := strings.Fields(state)
	if len(f) < 2 {
		return engine.StatusUnknown
	}
	switch f[1] {
	case "RUNNING":
		return engine.StatusRunning
	case "STOPPED":
		return engine.StatusStopped
	default:
		return engine.StatusUnknown
	}
}

// scStartMode maps "2   AUTO_START  (DELAYED)" and friends.
func scStartMode(startType string) engine.StartMode {
	f := strings.Fields(startType)
	if len(f) < 2 {
		return engine.StartMode(strings.TrimSpace(startType))
	}
	switch f[1] {
	case "AUTO_START":
		if strings.Contains(startType, "DELAYED") {
			return engine.StartModeAutomaticDelayed
		}
		return engine.StartModeAutomatic
	case "DEMAND_START":
		return engine.StartModeManual
	case "DISABLED":
		return engine.StartModeDisabled
	case "BOOT_START":
		return "Boot"
	case "SYSTEM_START":
		return "System"
	default:
		return engine.StartMode(f[1])
	}
}
