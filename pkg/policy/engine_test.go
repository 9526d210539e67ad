package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/progresso/progresso/pkg/engine"
)

func entry(name string, logOnAs string, mode, endMode engine.StartMode) engine.TargetEntry {
	return engine.TargetEntry{
		ServiceDescriptor: engine.ServiceDescriptor{
			Name:      name,
			Status:    engine.StatusRunning,
			StartMode: mode,
			LogOnAs:   logOnAs,
		},
		EndMode: endMode,
	}
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithParams(map[string]interface{}{"protected_services": []string{"sshd", "EventLog"}}),
	}, opts...)
	eng, err := NewEngine(context.Background(), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	return path
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"privileged-autostart", "protected-services"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Policy %d = %s, want %s", i, policies[i].Name, name)
		}
	}
}

func TestNewEngine_WithoutBuiltins(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	if n := len(eng.ListPolicies()); n != 0 {
		t.Errorf("Expected no policies, got %d", n)
	}

	reason, err := eng.Check(context.Background(), 0, entry("sshd", "", engine.StartModeAutomatic, engine.StartModeDisabled))
	if err != nil || reason != "" {
		t.Errorf("Check() = %q, %v; want allowed", reason, err)
	}
}

func TestCheck_ProtectedServices(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		entry      engine.TargetEntry
		wantDenied bool
	}{
		{"protected disabled", entry("sshd", "", engine.StartModeAutomatic, engine.StartModeDisabled), true},
		{"protected manual, case-insensitive", entry("eventlog", "", engine.StartModeAutomatic, engine.StartModeManual), true},
		{"protected stays automatic", entry("sshd", "", engine.StartModeManual, engine.StartModeAutomatic), false},
		{"protected delayed", entry("EventLog", "", engine.StartModeAutomatic, engine.StartModeAutomaticDelayed), false},
		{"unprotected disabled", entry("cups", "", engine.StartModeAutomatic, engine.StartModeDisabled), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, err := eng.Check(ctx, 0, tt.entry)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if got := reason != ""; got != tt.wantDenied {
				t.Errorf("denied = %v (%q), want %v", got, reason, tt.wantDenied)
			}
			if tt.wantDenied && !strings.Contains(reason, "protected-services") {
				t.Errorf("Expected policy name in reason, got %q", reason)
			}
		})
	}
}

func TestEvaluate_PrivilegedAutostartWarns(t *testing.T) {
	eng := newTestEngine(t)

	agent := entry("backup-agent", "LocalSystem", engine.StartModeManual, engine.StartModeAutomatic)
	result, err := eng.Evaluate(context.Background(), &Input{Service: agent})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Allowed {
		t.Error("Warnings must not block")
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.Policy != "privileged-autostart" || v.Severity != SeverityWarning {
		t.Errorf("Unexpected violation %+v", v)
	}

	reason, err := eng.Check(context.Background(), 0, agent)
	if err != nil || reason != "" {
		t.Errorf("Check() = %q, %v; want allowed", reason, err)
	}
}

func TestEvaluateList(t *testing.T) {
	eng := newTestEngine(t)
	list := &engine.TargetList{Entries: []engine.TargetEntry{
		entry("cups", "", engine.StartModeAutomatic, engine.StartModeManual),
		entry("sshd", "", engine.StartModeAutomatic, engine.StartModeDisabled),
	}}

	violations, err := eng.EvaluateList(context.Background(), list)
	if err != nil {
		t.Fatalf("EvaluateList() error = %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", violations)
	}
	if violations[0].Position != 1 || violations[0].Service != "sshd" {
		t.Errorf("Unexpected violation %+v", violations[0])
	}
}

func TestLoadPolicies_CustomRego(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "spooler.rego", `# Leave the spooler alone.
package site.spooler

import rego.v1

deny contains "spooler is managed by the print team" if {
	lower(input.service.name) == "spooler"
}
`)
	writePolicy(t, dir, "notes.txt", "not a policy")

	eng := newTestEngine(t, WithoutBuiltins())
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	p, err := eng.GetPolicy("spooler")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if p.Description != "Leave the spooler alone." {
		t.Errorf("Description = %q", p.Description)
	}
	if p.Severity != SeverityError {
		t.Errorf("Severity = %s, want error", p.Severity)
	}

	reason, err := eng.Check(context.Background(), 3, entry("Spooler", "", engine.StartModeManual, engine.StartModeAutomatic))
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if reason != "denied by policy spooler: spooler is managed by the print team" {
		t.Errorf("reason = %q", reason)
	}

	if err := eng.DisablePolicy("spooler"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	reason, _ = eng.Check(context.Background(), 3, entry("Spooler", "", engine.StartModeManual, engine.StartModeAutomatic))
	if reason != "" {
		t.Errorf("Disabled policy still denied: %q", reason)
	}
}

func TestLoadPolicies_SeverityHeader(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "advice.rego", `# severity: warning
package site.advice

import rego.v1

deny contains "consider manual start" if {
	input.service.end_mode == "Automatic"
}
`)

	eng := newTestEngine(t, WithoutBuiltins())
	if err := eng.LoadPolicies(context.Background(), []string{path}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	reason, err := eng.Check(context.Background(), 0, entry("cups", "", engine.StartModeManual, engine.StartModeAutomatic))
	if err != nil || reason != "" {
		t.Errorf("Check() = %q, %v; want allowed with warning", reason, err)
	}
}

func TestLoadPolicies_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "broken.rego", "package broken\n\ndeny contains x if {")

	eng := newTestEngine(t, WithoutBuiltins())
	if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
		t.Error("Expected compile error")
	}
	if err := eng.LoadPolicies(context.Background(), []string{filepath.Join(dir, "missing.rego")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestLoadPolicies_JSON(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "fax.json", `{
  "name": "no-fax",
  "description": "Fax must stay disabled",
  "severity": "critical",
  "rego": "package site.fax\n\nimport rego.v1\n\ndeny contains \"fax must stay disabled\" if {\n\tinput.service.name == \"Fax\"\n\tinput.service.end_mode != \"Disabled\"\n}\n"
}`)

	eng := newTestEngine(t, WithoutBuiltins())
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	reason, err := eng.Check(context.Background(), 0, entry("Fax", "", engine.StartModeDisabled, engine.StartModeManual))
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !strings.Contains(reason, "no-fax") {
		t.Errorf("Expected denial by no-fax, got %q", reason)
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
		ok   bool
	}{
		{"error", SeverityError, true},
		{" Warning ", SeverityWarning, true},
		{"warn", SeverityWarning, true},
		{"CRITICAL", SeverityCritical, true},
		{"info", SeverityInfo, true},
		{"fatal", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseSeverity(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseSeverity(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
