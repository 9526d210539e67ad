package engine

import (
	"fmt"
	"strings"
	"time"
)

// ServiceStatus is the observed run state of a service.
type ServiceStatus string

const (
	// StatusRunning indicates the service process is up.
	StatusRunning ServiceStatus = "Running"

	// StatusStopped indicates the service is not running.
	StatusStopped ServiceStatus = "Stopped"

	// StatusUnknown indicates the state could not be determined.
	StatusUnknown ServiceStatus = "Unknown"
)

// ParseServiceStatus converts free text into a ServiceStatus.
// Anything that is not recognisably running or stopped is StatusUnknown.
func ParseServiceStatus(s string) ServiceStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running", "active", "started":
		return StatusRunning
	case "stopped", "inactive", "dead", "failed":
		return StatusStopped
	default:
		return StatusUnknown
	}
}

// StartMode is the startup policy of a service.
type StartMode string

const (
	// StartModeAutomaticDelayed starts the service at boot after other automatic services.
	StartModeAutomaticDelayed StartMode = "Automatic (Delayed Start)"

	// StartModeAutomatic starts the service at boot.
	StartModeAutomatic StartMode = "Automatic"

	// StartModeManual starts the service only on demand.
	StartModeManual StartMode = "Manual"

	// StartModeDisabled prevents the service from starting.
	StartModeDisabled StartMode = "Disabled"
)

// ParseStartMode normalises the spellings used by service managers and target files.
// The second return value is false when the text is not a known start mode.
func ParseStartMode(s string) (StartMode, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("_", " ", "-", " ").Replace(key)
	switch key {
	case "automatic (delayed start)", "automatic delayed", "automaticdelayed",
		"auto delayed", "delayed auto", "delayed", "auto start (delayed)":
		return StartModeAutomaticDelayed, true
	case "automatic", "auto", "auto start", "enabled":
		return StartModeAutomatic, true
	case "manual", "demand", "demand start":
		return StartModeManual, true
	case "disabled", "masked":
		return StartModeDisabled, true
	default:
		return StartMode(strings.TrimSpace(s)), false
	}
}

// WantsRunning reports whether services in this mode are expected to be running.
func (m StartMode) WantsRunning() bool {
	return m == StartModeAutomatic || m == StartModeAutomaticDelayed
}

// IsKnown reports whether m is one of the four defined start modes.
func (m StartMode) IsKnown() bool {
	switch m {
	case StartModeAutomaticDelayed, StartModeAutomatic, StartModeManual, StartModeDisabled:
		return true
	default:
		return false
	}
}

// ServiceDescriptor is a snapshot of one OS-managed service.
type ServiceDescriptor struct {
	// Name is the unique, stable service identifier.
	Name string `json:"name"`

	// Description is informational free text.
	Description string `json:"description,omitempty"`

	// Status is the observed run state.
	Status ServiceStatus `json:"status"`

	// StartMode is the observed startup policy.
	StartMode StartMode `json:"start_mode"`

	// LogOnAs is the identity the service executes under.
	LogOnAs string `json:"log_on_as,omitempty"`

	// Path is the executable path, informational.
	Path string `json:"path,omitempty"`
}

// TargetEntry is one line item of the desired-state plan.
type TargetEntry struct {
	ServiceDescriptor

	// EndMode is the startup mode the service should have after the run.
	EndMode StartMode `json:"end_mode"`
}

// TargetList is the ordered plan. Order is the dependency contract.
type TargetList struct {
	// Entries are processed strictly in slice order.
	Entries []TargetEntry `json:"entries"`

	// Source is the path the list was loaded from, if any.
	Source string `json:"source,omitempty"`
}

// Len returns the number of entries.
func (l *TargetList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Entries)
}

// Outcome is the result of processing one target entry.
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailed  Outcome = "Failed"
	OutcomeSkipped Outcome = "Skipped"
)

// RunOutcome is the aggregate result of a run.
type RunOutcome string

const (
	// RunAllCompleted means no entry failed.
	RunAllCompleted RunOutcome = "AllCompleted"

	// RunAllCompletedWithFailures means every entry was handled but at least one failed.
	RunAllCompletedWithFailures RunOutcome = "AllCompletedWithFailures"
)

// EntryState is the per-entry lifecycle position inside the Sequencer.
type EntryState string

const (
	EntryPending        EntryState = "pending"
	EntryProcessing     EntryState = "processing"
	EntryStarted        EntryState = "started"
	EntryStopped        EntryState = "stopped"
	EntryReconfigured   EntryState = "reconfigured"
	EntryNoActionNeeded EntryState = "no_action_needed"
	EntryGateWaiting    EntryState = "gate_waiting"
	EntryCompleted      EntryState = "completed"
)

// GateOutcome is the result of one CPU gate wait.
type GateOutcome string

const (
	// GatePassed means utilization dropped to the threshold, or telemetry was unavailable.
	GatePassed GateOutcome = "Passed"

	// GateTimedOut means the timeout elapsed first. This is not a failure.
	GateTimedOut GateOutcome = "TimedOut"

	// GateInterrupted means the run context was cancelled during the wait.
	GateInterrupted GateOutcome = "Interrupted"
)

// ProgressEntry records what happened for one target entry.
type ProgressEntry struct {
	Position  int       `json:"position"`
	Name      string    `json:"name"`
	StartMode StartMode `json:"start_mode"`
	EndMode   StartMode `json:"end_mode"`
	Action    Action    `json:"action"`

	StartProcessingTime *time.Time `json:"start_processing_time,omitempty"`
	StopTime            *time.Time `json:"stop_time,omitempty"`
	EndTime             *time.Time `json:"end_time,omitempty"`
	CPUResponsiveTime   *time.Time `json:"cpu_responsive_time,omitempty"`

	GateOutcome GateOutcome `json:"gate_outcome,omitempty"`
	CPUSample   *float64    `json:"cpu_sample,omitempty"`

	Outcome     Outcome `json:"outcome"`
	ErrorDetail string  `json:"error_detail,omitempty"`
}

// appendDetail adds a message to ErrorDetail, keeping earlier messages.
func (e *ProgressEntry) appendDetail(msg string) {
	if msg == "" {
		return
	}
	if e.ErrorDetail == "" {
		e.ErrorDetail = msg
		return
	}
	e.ErrorDetail = e.ErrorDetail + "; " + msg
}

// ProgressRecord is the per-run audit trail, one entry per target entry.
type ProgressRecord struct {
	RunID      string          `json:"run_id"`
	Source     string          `json:"source,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Outcome    RunOutcome      `json:"outcome,omitempty"`
	Entries    []ProgressEntry `json:"entries"`
}

// Summary counts entries by outcome.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Summary returns outcome counts for the record.
func (r *ProgressRecord) Summary() Summary {
	s := Summary{Total: len(r.Entries)}
	for _, e := range r.Entries {
		switch e.Outcome {
		case OutcomeSuccess:
			s.Succeeded++
		case OutcomeFailed:
			s.Failed++
		case OutcomeSkipped:
			s.Skipped++
		}
	}
	return s
}

// AggregateOutcome derives the run outcome from entry outcomes.
// Skipped entries do not elevate the outcome.
func (r *ProgressRecord) AggregateOutcome() RunOutcome {
	for _, e := range r.Entries {
		if e.Outcome == OutcomeFailed {
			return RunAllCompletedWithFailures
		}
	}
	return RunAllCompleted
}

// Clone returns a copy with its own entry slice.
func (r *ProgressRecord) Clone() *ProgressRecord {
	out := *r
	out.Entries = make([]ProgressEntry, len(r.Entries))
	copy(out.Entries, r.Entries)
	return &out
}

// String implements fmt.Stringer.
func (s Summary) String() string {
	return fmt.Sprintf("total=%d succeeded=%d failed=%d skipped=%d",
		s.Total, s.Succeeded, s.Failed, s.Skipped)
}
