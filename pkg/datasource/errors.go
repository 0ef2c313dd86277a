package datasource

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode identifies a failure class in the bridge taxonomy.
type ErrorCode string

const (
	// Planning phase.
	CodeCreateError          ErrorCode = "CREATE_ERROR"
	CodeSchemaInvalid        ErrorCode = "SCHEMA_INVALID"
	CodeMethodNotImplemented ErrorCode = "METHOD_NOT_IMPLEMENTED"
	CodeTypeMismatch         ErrorCode = "TYPE_MISMATCH"
	CodePartitionInvalid     ErrorCode = "PARTITION_INVALID"

	// Execution phase.
	CodeReadError             ErrorCode = "READ_ERROR"
	CodeWriteError            ErrorCode = "WRITE_ERROR"
	CodeWriteNoCommitMessage  ErrorCode = "WRITE_NO_COMMIT_MESSAGE"

	// Registry phase.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// Error carries a taxonomy code, optional structured parameters and the
// wrapped cause. The cause chain distinguishes a bridge protocol failure
// from a raise inside the user's extension code (see ExtensionError).
type Error struct {
	Code   ErrorCode
	Params map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Code))
	if len(e.Params) > 0 {
		keys := make([]string, 0, len(e.Params))
		for k := range e.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%q", k, e.Params[k]))
		}
		b.WriteString(" [" + strings.Join(pairs, ", ") + "]")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// CodeValue returns the string error code for integration with the
// engine's operation state.
func (e *Error) CodeValue() string { return string(e.Code) }

// NewError builds a coded error wrapping cause.
func NewError(code ErrorCode, cause error) *Error {
	return &Error{Code: code, Err: cause}
}

// CodeOf extracts the taxonomy code from an error chain, or "" if the
// chain carries no coded error.
func CodeOf(err error) ErrorCode {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	var plan *PlanError
	if errors.As(err, &plan) && plan.Reason != nil {
		return plan.Reason.Code
	}
	return ""
}

// PlanError is the umbrella failure for the planning phase. Every planner
// failure surfaces as a PlanError with the specific reason nested, so the
// caller sees a single analysis-time failure class.
type PlanError struct {
	Source string // registered source name
	Reason *Error
}

func (e *PlanError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("planning data source %q failed: %s", e.Source, e.Reason.Error())
}

func (e *PlanError) Unwrap() error { return e.Reason }

// ExtensionError marks a failure raised by the user's extension code, as
// opposed to the bridge's own protocol failing. Origin names the handler
// phase that raised ("create", "schema", "capability", "partitions",
// "read", "write"); TypeName is the extension-side exception type when
// the runtime reports one.
type ExtensionError struct {
	Origin   string
	TypeName string
	Message  string
}

func (e *ExtensionError) Error() string {
	if e.TypeName != "" {
		return fmt.Sprintf("extension %s failed: %s: %s", e.Origin, e.TypeName, e.Message)
	}
	return fmt.Sprintf("extension %s failed: %s", e.Origin, e.Message)
}

// IsExtensionFailure reports whether the chain originates in user code.
func IsExtensionFailure(err error) bool {
	var ext *ExtensionError
	return errors.As(err, &ext)
}
