package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass tells callers whether a failed update operation may be retried.
type ErrorClass string

const (
	// ErrorClassTransient covers storage and queue outages.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassThrottled covers a queue that refused work because it is full.
	ErrorClassThrottled ErrorClass = "throttled"
	// ErrorClassConflict covers a second active update for a deployment and
	// stale node instance versions.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassPermanent covers bad input and missing records.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Retryable reports whether an operation failing with this class may succeed
// when repeated unchanged.
func (c ErrorClass) Retryable() bool {
	return c == ErrorClassTransient || c == ErrorClassThrottled || c == ErrorClassConflict
}

// Error codes carried by EngineError.Code.
const (
	ErrCodeValidation          = "VALIDATION_FAILED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeUnknownEntity       = "UNKNOWN_ENTITY"
	ErrCodeNonexistentWorkflow = "NONEXISTENT_WORKFLOW"
	ErrCodeUnknownParameter    = "UNKNOWN_PARAMETER"
	ErrCodeMissingParameter    = "MISSING_PARAMETER"
	ErrCodePolicyViolation     = "POLICY_VIOLATION"
	ErrCodeDispatchFailed      = "DISPATCH_FAILED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// EngineError is the error type returned by the update core. It serializes
// to JSON so the CLI can print it with --output json.
// nolint:revive // the package prefix reads well at call sites
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`

	Err error `json:"-"`
}

func newEngineError(class ErrorClass, message string, cause error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: cause}
}

// NewTransientError wraps cause as a transient failure.
func NewTransientError(message string, cause error) *EngineError {
	return newEngineError(ErrorClassTransient, message, cause)
}

// NewThrottledError wraps cause as a throttled failure.
func NewThrottledError(message string, cause error) *EngineError {
	return newEngineError(ErrorClassThrottled, message, cause)
}

// NewConflictError wraps cause as a conflict.
func NewConflictError(message string, cause error) *EngineError {
	return newEngineError(ErrorClassConflict, message, cause)
}

// NewPermanentError wraps cause as a permanent failure.
func NewPermanentError(message string, cause error) *EngineError {
	return newEngineError(ErrorClassPermanent, message, cause)
}

// Error formats as "[class] message (operation=op): cause".
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Operation != "" {
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if !errors.As(target, &t) {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func (e *EngineError) WithResource(id string) *EngineError {
	e.Resource = id
	return e
}

func (e *EngineError) WithOperation(op string) *EngineError {
	e.Operation = op
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// asEngineError returns the first EngineError in err's chain.
func asEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	ok := errors.As(err, &e)
	return e, ok
}

func hasClass(err error, class ErrorClass) bool {
	e, ok := asEngineError(err)
	return ok && e.Class == class
}

func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }
func IsThrottled(err error) bool { return hasClass(err, ErrorClassThrottled) }
func IsConflict(err error) bool  { return hasClass(err, ErrorClassConflict) }
func IsPermanent(err error) bool { return hasClass(err, ErrorClassPermanent) }

// IsRetryable reports whether err carries a retryable class. Errors from
// outside the engine are not retryable.
func IsRetryable(err error) bool {
	e, ok := asEngineError(err)
	return ok && e.Class.Retryable()
}

// HasCode reports whether err carries an EngineError with the given code.
func HasCode(err error, code string) bool {
	e, ok := asEngineError(err)
	return ok && e.Code == code
}

// IsNotFound reports whether err is a NOT_FOUND engine error.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// NewNotFoundError reports a missing record of the given kind.
func NewNotFoundError(kind, id string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithCode(ErrCodeNotFound).
		WithResource(id)
}

// NewUnknownEntityError reports a step entity that is absent from the staged plan.
func NewUnknownEntityError(entityType EntityType, entityID string) *EngineError {
	return NewPermanentError(fmt.Sprintf("unknown %s entity %q in staged plan", entityType, entityID), nil).
		WithCode(ErrCodeUnknownEntity).
		WithResource(entityID).
		WithDetail("entity_type", string(entityType))
}

// NewUpdateStateConflict reports a write that expected an update in one
// state and found it in another.
func NewUpdateStateConflict(updateID string, expected, actual UpdateState) *EngineError {
	return NewConflictError(
		fmt.Sprintf("deployment update %s is %s, expected %s", updateID, actual, expected), nil).
		WithCode(ErrCodeInvalidState).
		WithResource(updateID).
		WithDetail("state", string(actual)).
		WithDetail("expected_state", string(expected))
}

// NewInstanceVersionConflict reports a node instance write that lost the
// optimistic version race.
func NewInstanceVersionConflict(instanceID string, current, updated int64) *EngineError {
	msg := fmt.Sprintf("node instance update conflict for node instance %s [current_version=%d, updated_version=%d]",
		instanceID, current, updated)
	return NewConflictError(msg, nil).
		WithCode(ErrCodeConflict).
		WithResource(instanceID).
		WithDetail("current_version", current).
		WithDetail("updated_version", updated)
}
