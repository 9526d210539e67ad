package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestParseStartMode(t *testing.T) {
	tests := []struct {
		in    string
		want  StartMode
		known bool
	}{
		{"Automatic", StartModeAutomatic, true},
		{"auto", StartModeAutomatic, true},
		{"enabled", StartModeAutomatic, true},
		{"Automatic (Delayed Start)", StartModeAutomaticDelayed, true},
		{"delayed-auto", StartModeAutomaticDelayed, true},
		{"Manual", StartModeManual, true},
		{"demand", StartModeManual, true},
		{"Disabled", StartModeDisabled, true},
		{"masked", StartModeDisabled, true},
		{"  Bogus ", StartMode("Bogus"), false},
		{"", StartMode(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, known := ParseStartMode(tt.in)
			if got != tt.want || known != tt.known {
				t.Errorf("ParseStartMode(%q) = (%q, %v), want (%q, %v)", tt.in, got, known, tt.want, tt.known)
			}
		})
	}
}

func TestParseServiceStatus(t *testing.T) {
	tests := map[string]ServiceStatus{
		"Running":  StatusRunning,
		"active":   StatusRunning,
		"Stopped":  StatusStopped,
		"inactive": StatusStopped,
		"failed":   StatusStopped,
		"paused":   StatusUnknown,
		"":         StatusUnknown,
	}
	for in, want := range tests {
		if got := ParseServiceStatus(in); got != want {
			t.Errorf("ParseServiceStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestPlanSteps(t *testing.T) {
	tests := []struct {
		name    string
		status  ServiceStatus
		mode    StartMode
		endMode StartMode
		want    Action
	}{
		{"stopped manual to automatic", StatusStopped, StartModeManual, StartModeAutomatic, "set_start_mode+start"},
		{"running automatic to disabled", StatusRunning, StartModeAutomatic, StartModeDisabled, "set_start_mode+stop"},
		{"running automatic to manual", StatusRunning, StartModeAutomatic, StartModeManual, "set_start_mode+stop"},
		{"stopped automatic stays automatic", StatusStopped, StartModeAutomatic, StartModeAutomatic, "start"},
		{"running manual to manual", StatusRunning, StartModeManual, StartModeManual, "stop"},
		{"stopped disabled to manual", StatusStopped, StartModeDisabled, StartModeManual, "set_start_mode"},
		{"converged automatic", StatusRunning, StartModeAutomatic, StartModeAutomatic, ActionNone},
		{"converged disabled", StatusStopped, StartModeDisabled, StartModeDisabled, ActionNone},
		{"unknown status treated as stopped", StatusUnknown, StartModeAutomatic, StartModeAutomatic, "start"},
		{"delayed is a running mode", StatusStopped, StartModeAutomaticDelayed, StartModeAutomaticDelayed, "start"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observed := ServiceDescriptor{Name: "svc", Status: tt.status, StartMode: tt.mode}
			steps := PlanSteps(observed, tt.endMode)
			if got := ActionOf(steps); got != tt.want {
				t.Errorf("PlanSteps() action = %s, want %s", got, tt.want)
			}
			for _, s := range steps {
				if s.Kind == StepSetStartMode && s.Mode != tt.endMode {
					t.Errorf("set_start_mode carries %q, want %q", s.Mode, tt.endMode)
				}
			}
			if len(steps) > 0 && steps[0].Kind != StepSetStartMode && tt.mode != tt.endMode {
				t.Error("Expected mode change to be the first step")
			}
		})
	}
}

func TestStateAfter(t *testing.T) {
	tests := []struct {
		steps []Step
		want  EntryState
	}{
		{nil, EntryNoActionNeeded},
		{[]Step{{Kind: StepSetStartMode, Mode: StartModeManual}}, EntryReconfigured},
		{[]Step{{Kind: StepSetStartMode, Mode: StartModeAutomatic}, {Kind: StepStart}}, EntryStarted},
		{[]Step{{Kind: StepStop}}, EntryStopped},
	}
	for _, tt := range tests {
		if got := stateAfter(tt.steps); got != tt.want {
			t.Errorf("stateAfter(%v) = %s, want %s", tt.steps, got, tt.want)
		}
	}
}

func TestValidateEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry TargetEntry
		want  string
	}{
		{"valid", entryFor("Spooler", StatusStopped, StartModeManual, StartModeAutomatic), ""},
		{"blank name", entryFor("  ", StatusStopped, StartModeManual, StartModeAutomatic), "empty service name"},
		{"no end mode", entryFor("Spooler", StatusStopped, StartModeManual, ""), "no end mode configured"},
		{"unknown end mode", entryFor("Spooler", StatusStopped, StartModeManual, "Sometimes"), `unrecognized end mode "Sometimes"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validateEntry(tt.entry); got != tt.want {
				t.Errorf("validateEntry() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMergeObserved(t *testing.T) {
	entry := entryFor("Spooler", StatusStopped, StartModeManual, StartModeAutomatic)
	entry.Path = `C:\Windows\System32\spoolsv.exe`

	got := mergeObserved(ServiceDescriptor{Name: "Spooler", Status: StatusUnknown}, entry)
	if got.Status != StatusStopped {
		t.Errorf("Expected snapshot status to fill Unknown, got %s", got.Status)
	}
	if got.StartMode != StartModeManual {
		t.Errorf("Expected snapshot start mode, got %s", got.StartMode)
	}
	if got.Path != entry.Path {
		t.Errorf("Expected snapshot path, got %s", got.Path)
	}

	got = mergeObserved(ServiceDescriptor{Name: "Spooler", Status: StatusRunning, StartMode: StartModeAutomatic}, entry)
	if got.Status != StatusRunning || got.StartMode != StartModeAutomatic {
		t.Errorf("Live values must win, got %s/%s", got.Status, got.StartMode)
	}
}

func TestPreview_DoesNotMutate(t *testing.T) {
	controller := newFakeController(
		ServiceDescriptor{Name: "Spooler", Status: StatusStopped, StartMode: StartModeManual},
		ServiceDescriptor{Name: "Fax", Status: StatusRunning, StartMode: StartModeAutomatic},
	)
	list := &TargetList{Entries: []TargetEntry{
		entryFor("Spooler", StatusStopped, StartModeManual, StartModeAutomatic),
		entryFor("", "", "", StartModeManual),
		entryFor("Fax", StatusRunning, StartModeAutomatic, StartModeDisabled),
		entryFor("Ghost", StatusRunning, StartModeAutomatic, StartModeDisabled),
	}}

	planned, err := Preview(context.Background(), controller, list, nil)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if len(planned) != 4 {
		t.Fatalf("Expected 4 planned entries, got %d", len(planned))
	}

	wantActions := []Action{"set_start_mode+start", ActionNone, "set_start_mode+stop", ActionNone}
	for i, want := range wantActions {
		if planned[i].Action != want {
			t.Errorf("Entry %d action = %s, want %s", i, planned[i].Action, want)
		}
	}
	if planned[1].Skip != "empty service name" {
		t.Errorf("Expected skip reason, got %q", planned[1].Skip)
	}
	if planned[3].Error != "service not found" {
		t.Errorf("Expected not-found error, got %q", planned[3].Error)
	}

	for _, call := range controller.calls {
		if call.op != "query" {
			t.Errorf("Preview issued mutating call %s(%s)", call.op, call.name)
		}
	}
}

func TestDetailOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("access denied"), "access denied"},
		{"adapter wrapped", NewAdapterError("stop", "Fax", errors.New("access denied")), "access denied"},
		{"not found", NewServiceNotFoundError("Ghost"), "service not found"},
		{"wrapped not found", NewAdapterError("query", "Ghost", NewServiceNotFoundError("Ghost")), "service not found"},
		{"fmt wrapped", fmt.Errorf("query: %w", NewAdapterError("query", "x", errors.New("timeout"))), "timeout"},
		{"gate", NewGateUnavailableError(errors.New("no /proc/stat")), "no /proc/stat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetailOf(tt.err); got != tt.want {
				t.Errorf("DetailOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorClasses(t *testing.T) {
	if !IsCannotStart(NewConfigNotFoundError("missing", nil)) {
		t.Error("Expected config-not-found to be cannot_start")
	}
	if !IsCannotRecord(NewIOError("disk full", nil)) {
		t.Error("Expected io error to be cannot_record")
	}
	if IsFatal(NewAdapterError("stop", "Fax", errors.New("x"))) {
		t.Error("Adapter errors must not be fatal")
	}
	if IsFatal(NewGateUnavailableError(nil)) {
		t.Error("Gate errors must not be fatal")
	}

	err := fmt.Errorf("loading: %w", NewConfigMalformedError("bad xml", errors.New("eof")))
	if !errors.Is(err, ErrConfigMalformed) {
		t.Error("Expected errors.Is to match ErrConfigMalformed through wrapping")
	}
	if errors.Is(err, ErrConfigNotFound) {
		t.Error("Codes must distinguish sentinels of the same class")
	}

	aerr := NewAdapterError("query", "Ghost", NewServiceNotFoundError("Ghost"))
	if aerr.Code != ErrCodeServiceNotFound {
		t.Errorf("Expected SERVICE_NOT_FOUND code, got %s", aerr.Code)
	}
}

func TestActionOf(t *testing.T) {
	steps := []Step{{Kind: StepSetStartMode, Mode: StartModeDisabled}, {Kind: StepStop}}
	if got := ActionOf(steps); got != "set_start_mode+stop" {
		t.Errorf("ActionOf() = %s", got)
	}
	if got := steps[0].String(); got != "set_start_mode(Disabled)" {
		t.Errorf("Step.String() = %s", got)
	}
	if !reflect.DeepEqual(PlanSteps(ServiceDescriptor{Status: StatusRunning, StartMode: StartModeManual}, StartModeManual), []Step{{Kind: StepStop}}) {
		t.Error("Expected a single stop step")
	}
}
