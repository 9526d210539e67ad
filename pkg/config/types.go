package config

import (
	"time"

	"github.com/progresso/progresso/pkg/telemetry"
)

// Config is the application configuration read from progresso.yaml.
type Config struct {
	// Targets locates the target list.
	Targets TargetsConfig `yaml:"targets"`

	// Gate tunes the CPU gate between entries.
	Gate GateConfig `yaml:"gate"`

	// Output controls where progress artifacts are written.
	Output OutputConfig `yaml:"output"`

	// Control selects and tunes the service controller.
	Control ControlConfig `yaml:"control"`

	// Policy configures the Rego guardrails.
	Policy PolicyConfig `yaml:"policy"`

	// History configures the run history index.
	History HistoryConfig `yaml:"history"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Source is the file the configuration was read from, empty for defaults.
	Source string `yaml:"-"`
}

// TargetsConfig locates the target list.
type TargetsConfig struct {
	// Path is an explicit target list path. It takes precedence over the search.
	Path string `yaml:"path"`

	// SearchPaths replaces the default search locations when set.
	SearchPaths []string `yaml:"search_paths"`
}

// GateConfig tunes the CPU gate.
type GateConfig struct {
	// Threshold is the CPU utilization percentage at or below which the next entry may start.
	Threshold float64 `yaml:"threshold" validate:"gte=0,lte=100"`

	// Timeout is the longest the gate waits before moving on.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// PollInterval is the time between samples.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

// OutputConfig controls progress artifacts.
type OutputConfig struct {
	// Dir is the directory artifacts are written to.
	Dir string `yaml:"dir" validate:"required"`

	// Prefix is the artifact file name prefix.
	Prefix string `yaml:"prefix" validate:"required,excludesall=/\\"`

	// Format is the artifact encoding.
	Format string `yaml:"format" validate:"oneof=xml json"`
}

// ControlConfig selects the service controller.
type ControlConfig struct {
	// Backend is auto, systemd or sc.
	Backend string `yaml:"backend" validate:"oneof=auto systemd sc"`

	// UserScope manages the per-user service manager (systemd --user).
	UserScope bool `yaml:"user_scope"`

	// DryRun logs mutations instead of issuing them.
	DryRun bool `yaml:"dry_run"`

	// StateTimeout bounds how long start and stop wait for the service to settle.
	StateTimeout time.Duration `yaml:"state_timeout" validate:"gt=0"`

	// SystemctlPath overrides the systemctl binary.
	SystemctlPath string `yaml:"systemctl_path"`

	// SCPath overrides the sc.exe binary.
	SCPath string `yaml:"sc_path"`
}

// PolicyConfig configures the Rego guardrails evaluated before each entry.
type PolicyConfig struct {
	// Enabled evaluates policies before every entry. Off by default: the
	// target list is carried out as written unless the operator opts in.
	Enabled bool `yaml:"enabled"`

	// Builtins loads the built-in policies.
	Builtins bool `yaml:"builtins"`

	// Paths are .rego/.json files or directories of them.
	Paths []string `yaml:"paths"`

	// ProtectedServices are passed to policies as params.protected_services.
	ProtectedServices []string `yaml:"protected_services"`
}

// HistoryConfig configures the run history index.
type HistoryConfig struct {
	// Enabled records every run in the index.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required_if=Enabled true"`
}

// ValidationError represents one invalid configuration field.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Path is the YAML path to the field (e.g., "gate.threshold").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}
