package platform

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/progresso/progresso/pkg/engine"
)

// fakeRunner returns canned results keyed by the joined argument list.
// A key with several results returns them in order and repeats the last.
type fakeRunner struct {
	results map[string][]*Result
	calls   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: make(map[string][]*Result)}
}

func (r *fakeRunner) on(args string, results ...*Result) {
	r.results[args] = append(r.results[args], results...)
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (*Result, error) {
	key := strings.Join(args, " ")
	r.calls = append(r.calls, name+" "+key)
	queue, ok := r.results[key]
	if !ok || len(queue) == 0 {
		return &Result{ExitCode: 1, Stderr: "unexpected command: " + key}, nil
	}
	res := queue[0]
	if len(queue) > 1 {
		r.results[key] = queue[1:]
	}
	return res, nil
}

func (r *fakeRunner) ran(prefix string) int {
	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeClock struct {
	now   time.Time
	slept time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.slept += d
	c.now = c.now.Add(d)
	return nil
}

const showArgs = "show %s --no-pager --property=LoadState,ActiveState,SubState,UnitFileState,Description,ExecStart,User"

func show(name string) string {
	return strings.Replace(showArgs, "%s", name, 1)
}

func TestSystemdController_Query(t *testing.T) {
	runner := newFakeRunner()
	runner.on(show("sshd"), &Result{Stdout: `LoadState=loaded
ActiveState=active
SubState=running
UnitFileState=enabled
Description=OpenSSH server daemon
ExecStart={ path=/usr/sbin/sshd ; argv[]=/usr/sbin/sshd -D $OPTIONS ; ignore_errors=no ; start_time=[n/a] ; stop_time=[n/a] ; pid=0 ; code=(null) ; status=0/0 }
User=
`})
	runner.on(show("cups"), &Result{Stdout: "LoadState=masked\nActiveState=inactive\nUnitFileState=masked\nDescription=cups.service\nUser=lp\n"})
	runner.on(show("ghost"), &Result{Stdout: "LoadState=not-found\nActiveState=inactive\nUnitFileState=\n"})

	c := NewSystemdController(runner, "", false, nil)
	ctx := context.Background()

	got, err := c.Query(ctx, "sshd")
	if err != nil {
		t.Fatalf("Query(sshd) error = %v", err)
	}
	want := engine.ServiceDescriptor{
		Name: "sshd", Description: "OpenSSH server daemon", Status: engine.StatusRunning,
		StartMode: engine.StartModeAutomatic, LogOnAs: "root", Path: "/usr/sbin/sshd",
	}
	if got != want {
		t.Errorf("Query(sshd) = %+v, want %+v", got, want)
	}

	got, err = c.Query(ctx, "cups")
	if err != nil {
		t.Fatalf("Query(cups) error = %v", err)
	}
	if got.StartMode != engine.StartModeDisabled || got.Status != engine.StatusStopped || got.LogOnAs != "lp" {
		t.Errorf("Query(cups) = %+v", got)
	}

	if _, err := c.Query(ctx, "ghost"); !errors.Is(err, engine.ErrServiceNotFound) {
		t.Errorf("Expected ErrServiceNotFound, got %v", err)
	}
}

func TestSystemdController_SetStartMode(t *testing.T) {
	masked := &Result{Stdout: "LoadState=masked\nActiveState=inactive\nUnitFileState=masked\n"}
	enabled := &Result{Stdout: "LoadState=loaded\nActiveState=active\nUnitFileState=enabled\n"}
	ok := &Result{}

	tests := []struct {
		name    string
		current *Result
		mode    engine.StartMode
		want    []string
	}{
		{name: "enable masked", current: masked, mode: engine.StartModeAutomatic, want: []string{"unmask svc", "enable svc"}},
		{name: "delayed enables", current: enabled, mode: engine.StartModeAutomaticDelayed, want: []string{"enable svc"}},
		{name: "manual disables", current: enabled, mode: engine.StartModeManual, want: []string{"disable svc"}},
		{name: "disabled masks", current: enabled, mode: engine.StartModeDisabled, want: []string{"mask svc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			runner.on(show("svc"), tt.current)
			for _, w := range tt.want {
				runner.on(w, ok)
			}

			c := NewSystemdController(runner, "", false, nil)
			if err := c.SetStartMode(context.Background(), "svc", tt.mode); err != nil {
				t.Fatalf("SetStartMode() error = %v", err)
			}

			var mutations []string
			for _, call := range runner.calls {
				if !strings.HasPrefix(call, "systemctl show") {
					mutations = append(mutations, strings.TrimPrefix(call, "systemctl "))
				}
			}
			if strings.Join(mutations, ",") != strings.Join(tt.want, ",") {
				t.Errorf("mutations = %v, want %v", mutations, tt.want)
			}
		})
	}
}

func TestSystemdController_Errors(t *testing.T) {
	runner := newFakeRunner()
	runner.on("--user start denied", &Result{ExitCode: 4, Stderr: "Failed to start denied.service: Access denied\nSee system logs and 'systemctl status denied.service' for details.\n"})
	runner.on("--user start missing", &Result{ExitCode: 5, Stderr: "Failed to start missing.service: Unit missing.service not found.\n"})
	runner.on("--user stop broken", &Result{ExitCode: 1, Stderr: "Job for broken.service canceled.\nSee details.\n"})

	c := NewSystemdController(runner, "", true, nil)
	ctx := context.Background()

	if err := c.Start(ctx, "denied"); err == nil || err.Error() != "access denied" {
		t.Errorf("Expected access denied, got %v", err)
	}
	if err := c.Start(ctx, "missing"); !errors.Is(err, engine.ErrServiceNotFound) {
		t.Errorf("Expected ErrServiceNotFound, got %v", err)
	}
	if err := c.Stop(ctx, "broken"); err == nil || err.Error() != "Job for broken.service canceled." {
		t.Errorf("Expected first stderr line, got %v", err)
	}
	if c.NormalizeMode(engine.StartModeAutomaticDelayed) != engine.StartModeAutomatic {
		t.Error("Expected delayed start to normalize to Automatic")
	}
}

const scQueryRunning = `
SERVICE_NAME: Spooler
        TYPE               : 110  WIN32_OWN_PROCESS  (interactive)
        STATE              : 4  RUNNING
                                (STOPPABLE, NOT_PAUSABLE, ACCEPTS_SHUTDOWN)
        WIN32_EXIT_CODE    : 0  (0x0)
        SERVICE_EXIT_CODE  : 0  (0x0)
        CHECKPOINT         : 0x0
        WAIT_HINT          : 0x0
`

const scQueryStopped = `
SERVICE_NAME: Spooler
        TYPE               : 110  WIN32_OWN_PROCESS  (interactive)
        STATE              : 1  STOPPED
        WIN32_EXIT_CODE    : 0  (0x0)
`

const scQueryStopPending = `
SERVICE_NAME: Spooler
        STATE              : 3  STOP_PENDING
`

const scQC = `[SC] QueryServiceConfig SUCCESS

SERVICE_NAME: Spooler
        TYPE               : 110  WIN32_OWN_PROCESS (interactive)
        START_TYPE         : 2   AUTO_START  (DELAYED)
        ERROR_CONTROL      : 1   NORMAL
        BINARY_PATH_NAME   : C:\Windows\System32\spoolsv.exe
        LOAD_ORDER_GROUP   : SpoolerGroup
        TAG                : 0
        DISPLAY_NAME       : Print Spooler
        DEPENDENCIES       : RPCSS
                           : http
        SERVICE_START_NAME : LocalSystem
`

func TestSCController_Query(t *testing.T) {
	runner := newFakeRunner()
	runner.on("query Spooler", &Result{Stdout: scQueryRunning})
	runner.on("qc Spooler", &Result{Stdout: scQC})
	runner.on("query Nope", &Result{ExitCode: 1060, Stdout: "[SC] EnumQueryServicesStatus:OpenService FAILED 1060:\r\n\r\nThe specified service does not exist as an installed service.\r\n"})

	c := NewSCController(runner, "", &fakeClock{}, 0, nil)
	ctx := context.Background()

	got, err := c.Query(ctx, "Spooler")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	want := engine.ServiceDescriptor{
		Name: "Spooler", Description: "Print Spooler", Status: engine.StatusRunning,
		StartMode: engine.StartModeAutomaticDelayed, LogOnAs: "LocalSystem", Path: `C:\Windows\System32\spoolsv.exe`,
	}
	if got != want {
		t.Errorf("Query() = %+v, want %+v", got, want)
	}

	if _, err := c.Query(ctx, "Nope"); !errors.Is(err, engine.ErrServiceNotFound) {
		t.Errorf("Expected ErrServiceNotFound, got %v", err)
	}
}

func TestSCController_SetStartMode(t *testing.T) {
	runner := newFakeRunner()
	ok := &Result{Stdout: "[SC] ChangeServiceConfig SUCCESS\r\n"}
	for _, v := range []string{"delayed-auto", "auto", "demand", "disabled"} {
		runner.on("config Spooler start= "+v, ok)
	}
	runner.on("config Locked start= auto", &Result{ExitCode: 5, Stdout: "[SC] OpenService FAILED 5:\r\n\r\nAccess is denied.\r\n"})

	c := NewSCController(runner, "", &fakeClock{}, 0, nil)
	ctx := context.Background()

	for _, mode := range []engine.StartMode{
		engine.StartModeAutomaticDelayed, engine.StartModeAutomatic, engine.StartModeManual, engine.StartModeDisabled,
	} {
		if err := c.SetStartMode(ctx, "Spooler", mode); err != nil {
			t.Errorf("SetStartMode(%s) error = %v", mode, err)
		}
	}

	err := c.SetStartMode(ctx, "Locked", engine.StartModeAutomatic)
	if err == nil || err.Error() != "access denied" {
		t.Errorf("Expected access denied, got %v", err)
	}
	if engine.DetailOf(engine.NewAdapterError("set_start_mode", "Locked", err)) != "access denied" {
		t.Error("Expected adapter detail to be the controller message")
	}
}

func TestSCController_StopWaitsForStopped(t *testing.T) {
	runner := newFakeRunner()
	runner.on("stop Spooler", &Result{Stdout: scQueryStopPending})
	runner.on("query Spooler",
		&Result{Stdout: scQueryStopPending},
		&Result{Stdout: scQueryStopPending},
		&Result{Stdout: scQueryStopped},
	)

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewSCController(runner, "", clock, 10*time.Second, nil)

	if err := c.Stop(context.Background(), "Spooler"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if n := runner.ran("sc.exe query"); n != 3 {
		t.Errorf("Expected 3 state queries, got %d", n)
	}
	if clock.slept != 2*time.Second {
		t.Errorf("Expected 2s of polling, got %s", clock.slept)
	}
}

func TestSCController_StartTimesOut(t *testing.T) {
	runner := newFakeRunner()
	runner.on("start Spooler", &Result{})
	runner.on("query Spooler", &Result{Stdout: scQueryStopped})

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewSCController(runner, "", clock, 3*time.Second, nil)

	err := c.Start(context.Background(), "Spooler")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Expected timeout error, got %v", err)
	}
	if clock.slept != 3*time.Second {
		t.Errorf("Expected wait bounded by state timeout, slept %s", clock.slept)
	}
}

func TestSCController_AlreadyRunning(t *testing.T) {
	runner := newFakeRunner()
	runner.on("start Spooler", &Result{ExitCode: 1056, Stdout: "[SC] StartService FAILED 1056:\r\n\r\nAn instance of the service is already running.\r\n"})
	runner.on("query Spooler", &Result{Stdout: scQueryRunning})

	c := NewSCController(runner, "", &fakeClock{}, 0, nil)
	if err := c.Start(context.Background(), "Spooler"); err != nil {
		t.Errorf("Expected already running to succeed, got %v", err)
	}
}

func TestSCController_OtherFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.on("start Spooler", &Result{ExitCode: 1058, Stdout: "[SC] StartService FAILED 1058:\r\n\r\nThe service cannot be started, either because it is disabled or because it has no enabled devices associated with it.\r\n"})

	c := NewSCController(runner, "", &fakeClock{}, 0, nil)
	err := c.Start(context.Background(), "Spooler")
	if !isWinErr(err, 1058) {
		t.Fatalf("Expected win error 1058, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "The service cannot be started") {
		t.Errorf("Unexpected message %q", err.Error())
	}
}

func TestDryRunController(t *testing.T) {
	runner := newFakeRunner()
	runner.on(show("sshd"), &Result{Stdout: "LoadState=loaded\nActiveState=inactive\nUnitFileState=disabled\n"})

	c := NewDryRunController(NewSystemdController(runner, "", false, nil), nil)
	ctx := context.Background()

	desc, err := c.Query(ctx, "sshd")
	if err != nil || desc.StartMode != engine.StartModeManual {
		t.Fatalf("Query() = %+v, %v", desc, err)
	}
	if err := c.SetStartMode(ctx, "sshd", engine.StartModeAutomatic); err != nil {
		t.Errorf("SetStartMode() error = %v", err)
	}
	if err := c.Start(ctx, "sshd"); err != nil {
		t.Errorf("Start() error = %v", err)
	}
	if err := c.Stop(ctx, "sshd"); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if len(runner.calls) != 1 {
		t.Errorf("Expected only the query to run, got %v", runner.calls)
	}
	if c.Name() != "systemd" || c.NormalizeMode(engine.StartModeAutomaticDelayed) != engine.StartModeAutomatic {
		t.Error("Expected dry run to report the wrapped backend")
	}
}

func TestDetect(t *testing.T) {
	systemdDir := t.TempDir()
	missing := filepath.Join(t.TempDir(), "absent")
	runner := newFakeRunner()

	tests := []struct {
		name    string
		opts    Options
		want    string
		wantErr bool
	}{
		{name: "windows", opts: Options{GOOS: "windows"}, want: "sc"},
		{name: "linux with systemd", opts: Options{GOOS: "linux", SystemdDir: systemdDir}, want: "systemd"},
		{name: "linux without systemd", opts: Options{GOOS: "linux", SystemdDir: missing}, wantErr: true},
		{name: "darwin", opts: Options{GOOS: "darwin", SystemdDir: systemdDir}, wantErr: true},
		{name: "explicit sc", opts: Options{Backend: "sc", GOOS: "linux"}, want: "sc"},
		{name: "unknown backend", opts: Options{Backend: "launchd"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Runner = runner
			c, err := Detect(tt.opts)
			if tt.wantErr {
				if !errors.Is(err, engine.ErrCapabilityMissing) {
					t.Errorf("Expected ErrCapabilityMissing, got %v", err)
				}
				if !engine.IsCannotStart(err) {
					t.Error("Expected a cannot_start error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}
			if c.Name() != tt.want {
				t.Errorf("Detect() = %s, want %s", c.Name(), tt.want)
			}
		})
	}

	c, err := Detect(Options{GOOS: "windows", DryRun: true, Runner: runner})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if _, ok := c.(*DryRunController); !ok {
		t.Errorf("Expected DryRunController, got %T", c)
	}
}

func TestExecRunner(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	r := NewExecRunner(nil)
	res, err := r.Run(context.Background(), "/bin/sh", "-c", "echo out; echo err >&2; exit 3")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 || strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("Run() = %+v", res)
	}

	if _, err := r.Run(context.Background(), filepath.Join(t.TempDir(), "no-such-binary")); err == nil {
		t.Error("Expected error for missing binary")
	}
}
