package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents where in the lifecycle of an action an error was raised.
type ErrorClass string

const (
	// ErrorClassConfiguration marks construction-time invariant violations.
	// These surface synchronously, before anything is queued.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassExecution marks failures while running an action: nonzero
	// command exits, checksum mismatches, filesystem failures.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassProtocol marks failures of the worker boundary: malformed
	// records, unresolved type tags, interrupted transfers.
	ErrorClassProtocol ErrorClass = "protocol"
)

// EngineError is the classified error every package returns. Class and Code
// survive the worker boundary; Err does not.
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	// Code is one of the ErrCode constants, or empty.
	Code      string `json:"code,omitempty"`
	Action    string `json:"action,omitempty"`
	Operation string `json:"operation,omitempty"`
	Err       error  `json:"-"`

	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Action != "" {
		msg = fmt.Sprintf("%s (action=%s)", msg, e.Action)
	}
	if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches on class and code so that errors.Is works with sentinel values
// built by the constructors below.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Code:    ErrCodeValidation,
		Message: message,
		Err:     err,
	}
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassExecution,
		Message: message,
		Err:     err,
	}
}

// NewProtocolError creates a new protocol error.
func NewProtocolError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassProtocol,
		Message: message,
		Err:     err,
	}
}

// Configf is a shorthand for validation failures built from a format string.
func Configf(format string, args ...interface{}) *EngineError {
	return NewConfigurationError(fmt.Sprintf(format, args...), nil)
}

// WithAction records the action the error belongs to.
func (e *EngineError) WithAction(summary string) *EngineError {
	e.Action = summary
	return e
}

// WithOperation names the step that failed.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode sets the machine-readable code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail attaches one structured detail.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsConfigurationError returns true if the error is a configuration error.
func IsConfigurationError(err error) bool {
	return classOf(err) == ErrorClassConfiguration
}

// IsExecutionError returns true if the error is an execution error.
func IsExecutionError(err error) bool {
	return classOf(err) == ErrorClassExecution
}

// IsProtocolError returns true if the error is a protocol error.
func IsProtocolError(err error) bool {
	return classOf(err) == ErrorClassProtocol
}

// GetErrorCode returns the code of the first EngineError in the chain.
func GetErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Error codes.
const (
	ErrCodeValidation          = "VALIDATION_FAILED"
	ErrCodeInvalidConfig       = "INVALID_CONFIG"
	ErrCodeCommandFailed       = "COMMAND_FAILED"
	ErrCodeChecksumMismatch    = "CHECKSUM_MISMATCH"
	ErrCodeFilesystem          = "FILESYSTEM"
	ErrCodePipelineFailed      = "PIPELINE_FAILED"
	ErrCodeActionFailed        = "ACTION_FAILED"
	ErrCodeUnresolvedType      = "UNRESOLVED_TYPE"
	ErrCodeMalformedRecord     = "MALFORMED_RECORD"
	ErrCodeTransferInterrupted = "TRANSFER_INTERRUPTED"
	ErrCodeFileNotShared       = "FILE_NOT_SHARED"
	ErrCodeWorkerFailed        = "WORKER_FAILED"
	ErrCodeUnexpectedMessage   = "UNEXPECTED_MESSAGE"
)

// FromWire rebuilds a classified error from the fields carried across the
// worker boundary. Unknown classes are treated as protocol errors.
func FromWire(class, code, message string) *EngineError {
	c := ErrorClass(class)
	switch c {
	case ErrorClassConfiguration, ErrorClassExecution, ErrorClassProtocol:
	default:
		c = ErrorClassProtocol
	}
	return &EngineError{Class: c, Code: code, Message: message}
}

// ToWire extracts class, code and message from any error so it can be sent
// across the worker boundary.
func ToWire(err error) (class, code, message string) {
	var e *EngineError
	if errors.As(err, &e) {
		return string(e.Class), e.Code, strings.TrimPrefix(err.Error(), "["+string(e.Class)+"] ")
	}
	return string(ErrorClassExecution), ErrCodeActionFailed, err.Error()
}
