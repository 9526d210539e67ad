package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error by how far it propagates.
type ErrorClass string

const (
	// ErrorClassCannotStart means the run cannot begin (no target list, no adapter).
	ErrorClassCannotStart ErrorClass = "cannot_start"

	// ErrorClassCannotRecord means the progress artifact could not be persisted.
	ErrorClassCannotRecord ErrorClass = "cannot_record"

	// ErrorClassEntry is a per-entry failure. It is recorded and the run continues.
	ErrorClassEntry ErrorClass = "entry"

	// ErrorClassDegraded is a non-fatal loss of a collaborator, such as CPU telemetry.
	ErrorClassDegraded ErrorClass = "degraded"
)

// Error codes.
const (
	ErrCodeConfigNotFound      = "CONFIG_NOT_FOUND"
	ErrCodeConfigMalformed     = "CONFIG_MALFORMED"
	ErrCodeCapabilityMissing   = "CAPABILITY_MISSING"
	ErrCodeAdapter             = "ADAPTER_ERROR"
	ErrCodeServiceNotFound     = "SERVICE_NOT_FOUND"
	ErrCodeGateUnavailable     = "GATE_UNAVAILABLE"
	ErrCodeSerializationFailed = "SERIALIZATION_FAILED"
	ErrCodeIOFailed            = "IO_FAILED"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the propagation class.
	Class ErrorClass `json:"class"`

	// Code is a stable identifier for programmatic handling.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the service name or path involved, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// Detail returns the most specific human-readable text: the root adapter
// message when one exists, otherwise Message.
func (e *EngineError) Detail() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is. Matching compares class and code only.
var (
	ErrConfigNotFound      = &EngineError{Class: ErrorClassCannotStart, Code: ErrCodeConfigNotFound, Message: "target list not found"}
	ErrConfigMalformed     = &EngineError{Class: ErrorClassCannotStart, Code: ErrCodeConfigMalformed, Message: "target list malformed"}
	ErrCapabilityMissing   = &EngineError{Class: ErrorClassCannotStart, Code: ErrCodeCapabilityMissing, Message: "service control capability missing"}
	ErrAdapter             = &EngineError{Class: ErrorClassEntry, Code: ErrCodeAdapter, Message: "service control failed"}
	ErrServiceNotFound     = &EngineError{Class: ErrorClassEntry, Code: ErrCodeServiceNotFound, Message: "service not found"}
	ErrGateUnavailable     = &EngineError{Class: ErrorClassDegraded, Code: ErrCodeGateUnavailable, Message: "cpu telemetry unavailable"}
	ErrSerializationFailed = &EngineError{Class: ErrorClassCannotRecord, Code: ErrCodeSerializationFailed, Message: "progress serialization failed"}
	ErrIOFailed            = &EngineError{Class: ErrorClassCannotRecord, Code: ErrCodeIOFailed, Message: "progress write failed"}
)

// NewConfigNotFoundError reports that no target list exists at any search location.
func NewConfigNotFoundError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassCannotStart, Code: ErrCodeConfigNotFound, Message: message, Err: err}
}

// NewConfigMalformedError reports that the target list could not be parsed or validated.
func NewConfigMalformedError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassCannotStart, Code: ErrCodeConfigMalformed, Message: message, Err: err}
}

// NewCapabilityMissingError reports that no adapter is available for this platform.
func NewCapabilityMissingError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassCannotStart, Code: ErrCodeCapabilityMissing, Message: message, Err: err}
}

// NewAdapterError wraps a failed controller call.
func NewAdapterError(operation, service string, err error) *EngineError {
	code := ErrCodeAdapter
	if errors.Is(err, ErrServiceNotFound) {
		code = ErrCodeServiceNotFound
	}
	return &EngineError{
		Class:     ErrorClassEntry,
		Code:      code,
		Message:   "service control failed",
		Resource:  service,
		Operation: operation,
		Err:       err,
	}
}

// NewServiceNotFoundError is returned by controllers when a service does not exist.
func NewServiceNotFoundError(service string) *EngineError {
	return &EngineError{
		Class:    ErrorClassEntry,
		Code:     ErrCodeServiceNotFound,
		Message:  "service not found",
		Resource: service,
	}
}

// NewGateUnavailableError wraps a resource monitor failure.
func NewGateUnavailableError(err error) *EngineError {
	return &EngineError{Class: ErrorClassDegraded, Code: ErrCodeGateUnavailable, Message: "cpu telemetry unavailable", Err: err}
}

// NewSerializationError reports that the progress record could not be encoded.
func NewSerializationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassCannotRecord, Code: ErrCodeSerializationFailed, Message: message, Err: err}
}

// NewIOError reports that the progress artifact could not be written.
func NewIOError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassCannotRecord, Code: ErrCodeIOFailed, Message: message, Err: err}
}

// ClassOf returns the class of err, or "" when err is not classified.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsCannotStart returns true if err prevents a run from starting.
func IsCannotStart(err error) bool {
	return ClassOf(err) == ErrorClassCannotStart
}

// IsCannotRecord returns true if err prevented the progress artifact from being persisted.
func IsCannotRecord(err error) bool {
	return ClassOf(err) == ErrorClassCannotRecord
}

// IsFatal returns true for the two classes that abort a run.
func IsFatal(err error) bool {
	return IsCannotStart(err) || IsCannotRecord(err)
}

// DetailOf extracts the operator-facing text for a per-entry error.
func DetailOf(err error) string {
	if err == nil {
		return ""
	}
	var e *EngineError
	if errors.As(err, &e) {
		if e.Code == ErrCodeServiceNotFound && e.Err == nil {
			return "service not found"
		}
		// Unwrap adapter wrappers down to the controller's own message.
		if e.Class == ErrorClassEntry && e.Err != nil {
			return DetailOf(e.Err)
		}
		return e.Detail()
	}
	return err.Error()
}
