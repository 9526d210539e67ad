package policy

import (
	"strings"
	"time"

	"github.com/progresso/progresso/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but never blocks an entry.
	SeverityWarning Severity = "warning"

	// SeverityError vetoes the entry.
	SeverityError Severity = "error"

	// SeverityCritical vetoes the entry.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity vetoes the entry.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// ParseSeverity accepts the four severity names, case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityInfo:
		return SeverityInfo, true
	case SeverityWarning, "warn":
		return SeverityWarning, true
	case SeverityError:
		return SeverityError, true
	case SeverityCritical:
		return SeverityCritical, true
	}
	return "", false
}

// Policy represents a policy rule with its Rego code.
//
// The Rego module must define a set rule named deny. Each member is either a
// message string or an object with message and, optionally, severity.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result for one target entry.
type Violation struct {
	Policy   string   `json:"policy"`
	Position int      `json:"position"`
	Service  string   `json:"service"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against one entry.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings are evaluation failures of individual policies.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	// Service is the target entry under evaluation.
	Service engine.TargetEntry `json:"service"`

	// Position is the entry's index in the target list.
	Position int `json:"position"`

	Context *Context `json:"context"`
}

// Context provides evaluation context.
type Context struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Params are operator-supplied values, e.g. protected_services.
	Params map[string]interface{} `json:"params,omitempty"`
}
