package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: executor unavailable, database busy.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates the record is not in a state that allows the operation.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unknown template, policy violation, record not found.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the service or template the error refers to.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Violations lists every failed check for validation and policy errors.
	Violations []string `json:"violations,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if len(e.Violations) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Violations, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on class and code so sentinels can be compared with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithViolations attaches the list of failed checks.
func (e *EngineError) WithViolations(violations []string) *EngineError {
	e.Violations = append([]string(nil), violations...)
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

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// CodeOf returns the code of the first EngineError in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ViolationsOf returns the violations of the first EngineError in the chain.
func ViolationsOf(err error) []string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Violations
	}
	return nil
}

// Error codes.
const (
	ErrCodeValidation               = "VALIDATION_ERROR"
	ErrCodeNotFound                 = "NOT_FOUND"
	ErrCodeInternal                 = "INTERNAL_ERROR"
	ErrCodeTemplateNotRegistered    = "TEMPLATE_NOT_REGISTERED"
	ErrCodeTemplateInUse            = "TEMPLATE_IN_USE"
	ErrCodePluginNotFound           = "PLUGIN_NOT_FOUND"
	ErrCodeDeployerNotFound         = "DEPLOYER_NOT_FOUND"
	ErrCodeServiceNotFound          = "SERVICE_NOT_FOUND"
	ErrCodeServiceNotDeployed       = "SERVICE_NOT_DEPLOYED"
	ErrCodeInvalidServiceState      = "INVALID_SERVICE_STATE"
	ErrCodePoliciesEvaluationFailed = "POLICIES_EVALUATION_FAILED"
	ErrCodeDBWrite                  = "DB_WRITE_ERROR"
)

// Sentinels for errors.Is. Matching ignores message and context.
var (
	ErrValidation               = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}
	ErrTemplateNotRegistered    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeTemplateNotRegistered}
	ErrPluginNotFound           = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePluginNotFound}
	ErrDeployerNotFound         = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDeployerNotFound}
	ErrServiceNotFound          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeServiceNotFound}
	ErrServiceNotDeployed       = &EngineError{Class: ErrorClassConflict, Code: ErrCodeServiceNotDeployed}
	ErrInvalidServiceState      = &EngineError{Class: ErrorClassConflict, Code: ErrCodeInvalidServiceState}
	ErrPoliciesEvaluationFailed = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePoliciesEvaluationFailed}
	ErrDBWrite                  = &EngineError{Class: ErrorClassTransient, Code: ErrCodeDBWrite}
)

// ErrRecordNotFound is returned by stores when a lookup matches nothing.
var ErrRecordNotFound = errors.New("record not found")

// NewPolicyViolationError reports every violation of a policy batch.
func NewPolicyViolationError(violations []string) *EngineError {
	return NewPermanentError("policies evaluation failed", nil).
		WithCode(ErrCodePoliciesEvaluationFailed).
		WithViolations(violations)
}

// NewValidationError reports every violated constraint of an input.
func NewValidationError(message string, violations []string) *EngineError {
	return NewPermanentError(message, nil).
		WithCode(ErrCodeValidation).
		WithViolations(violations)
}

func errTemplateNotRegistered(key TemplateKey) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("service template %s/%s for provider %s is not registered", key.Name, key.Version, key.Provider), nil).
		WithCode(ErrCodeTemplateNotRegistered).
		WithDetail("category", string(key.Category)).
		WithDetail("hostingType", string(key.HostingType))
}

func errPluginNotFound(provider Provider) *EngineError {
	return NewPermanentError(fmt.Sprintf("no resource handler registered for provider %q", provider), nil).
		WithCode(ErrCodePluginNotFound)
}

func errDeployerNotFound(kind DeployerKind) *EngineError {
	return NewPermanentError(fmt.Sprintf("no deployer registered for kind %q", kind), nil).
		WithCode(ErrCodeDeployerNotFound)
}

func errServiceNotFound(id string) *EngineError {
	return NewPermanentError("service not found", nil).
		WithCode(ErrCodeServiceNotFound).
		WithResource(id)
}

func errServiceNotDeployed(id string) *EngineError {
	return NewConflictError("service has no recorded state file", nil).
		WithCode(ErrCodeServiceNotDeployed).
		WithResource(id)
}

func errInvalidServiceState(id string, state ServiceState, operation string) *EngineError {
	return NewConflictError(fmt.Sprintf("service is in state %s", state), nil).
		WithCode(ErrCodeInvalidServiceState).
		WithResource(id).
		WithOperation(operation)
}

func errDBWrite(id string, err error) *EngineError {
	return NewTransientError("failed to persist service record", err).
		WithCode(ErrCodeDBWrite).
		WithResource(id)
}
