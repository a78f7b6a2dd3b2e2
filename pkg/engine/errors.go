package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure, such as a dropped SSH connection.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates contention on a shared resource, such as a held deploy lock.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, missing binary, non-zero command exit.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the task, key or host that caused the error, if applicable.
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
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&sb, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&sb, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when their class and code match.
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
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
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

// Error codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeInternal        = "INTERNAL_ERROR"
	ErrCodeMissingKey      = "MISSING_KEY"
	ErrCodeCyclicReference = "CYCLIC_REFERENCE"
	ErrCodeDuplicateTask   = "DUPLICATE_TASK"
	ErrCodeCyclicPipeline  = "CYCLIC_PIPELINE"
	ErrCodeTaskNotFound    = "TASK_NOT_FOUND"
	ErrCodeRemoteCommand   = "REMOTE_COMMAND"
	ErrCodeTransferFailed  = "TRANSFER_FAILED"
	ErrCodeAlreadyLocked   = "ALREADY_LOCKED"
	ErrCodeBinaryNotFound  = "BINARY_NOT_FOUND"
	ErrCodeNoActiveContext = "NO_ACTIVE_CONTEXT"
	ErrCodePolicyDenied    = "POLICY_DENIED"
	ErrCodeCancelled       = "CANCELLED"
)

// Sentinels for errors.Is. Any EngineError carrying the same class and code matches.
var (
	ErrMissingKey      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeMissingKey, Message: "missing config key"}
	ErrCyclicReference = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCyclicReference, Message: "cyclic config reference"}
	ErrDuplicateTask   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDuplicateTask, Message: "duplicate task"}
	ErrCyclicPipeline  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCyclicPipeline, Message: "cyclic pipeline"}
	ErrTaskNotFound    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeTaskNotFound, Message: "task not found"}
	ErrRemoteCommand   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeRemoteCommand, Message: "command failed"}
	ErrTransfer        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeTransferFailed, Message: "transfer failed"}
	ErrAlreadyLocked   = &EngineError{Class: ErrorClassConflict, Code: ErrCodeAlreadyLocked, Message: "host already locked"}
	ErrBinaryNotFound  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeBinaryNotFound, Message: "binary not found"}
	ErrNoActiveContext = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNoActiveContext, Message: "no active context"}
	ErrPolicyDenied    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied, Message: "policy denied run"}
)

func newMissingKeyError(key, host string) *EngineError {
	return NewPermanentError(fmt.Sprintf("config key %q is not defined", key), nil).
		WithCode(ErrCodeMissingKey).
		WithResource(key).
		WithDetail("host", host)
}

func newCyclicReferenceError(chain []string) *EngineError {
	return NewPermanentError(fmt.Sprintf("cyclic config reference: %s", formatCycle(chain)), nil).
		WithCode(ErrCodeCyclicReference).
		WithResource(chain[0]).
		WithDetail("cycle", chain)
}

func newCyclicPipelineError(chain []string) *EngineError {
	return NewPermanentError(fmt.Sprintf("cyclic pipeline: %s", formatCycle(chain)), nil).
		WithCode(ErrCodeCyclicPipeline).
		WithResource(chain[0]).
		WithDetail("cycle", chain)
}

func newTaskNotFoundError(name string) *EngineError {
	return NewPermanentError(fmt.Sprintf("task %q is not defined", name), nil).
		WithCode(ErrCodeTaskNotFound).
		WithResource(name)
}

// NewAlreadyLockedError reports a lock held by another run.
func NewAlreadyLockedError(host string, err error) *EngineError {
	return NewConflictError(fmt.Sprintf("host %s is locked by another deployment", host), err).
		WithCode(ErrCodeAlreadyLocked).
		WithResource(host)
}

// RemoteCommandError is returned when a command exits with a non-zero status.
type RemoteCommandError struct {
	Host     string
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *RemoteCommandError) Error() string {
	msg := fmt.Sprintf("command %q on %s exited with code %d", e.Command, e.Host, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Is matches ErrRemoteCommand.
func (e *RemoteCommandError) Is(target error) bool {
	return target == ErrRemoteCommand
}

// TransferError is returned when an upload or download fails.
type TransferError struct {
	Host        string
	Source      string
	Destination string
	Output      string
	Err         error
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("transfer %s -> %s on %s failed", e.Source, e.Destination, e.Host)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

// Unwrap returns the transport error.
func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransfer.
func (e *TransferError) Is(target error) bool {
	return target == ErrTransfer
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
