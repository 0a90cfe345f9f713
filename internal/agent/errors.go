// File: internal/agent/errors.go
package agent

import (
	"fmt"
)

// ErrorCode is a string type used for structured error reporting. Using a
// custom type ensures only predefined constants appear where an ErrorCode is
// expected.
type ErrorCode string

const (
	// -- Step-local, recoverable --
	ErrCodeParseFailure ErrorCode = "PARSE_FAILURE"
	ErrCodeNoMatch      ErrorCode = "NO_MATCH"
	ErrCodeStallLimit   ErrorCode = "DUPLICATE_ACTION_LIMIT"

	// -- Step-fatal --
	ErrCodeDeviceCommand ErrorCode = "DEVICE_COMMAND_FAILURE"
	ErrCodeStepTimeout   ErrorCode = "STEP_TIMEOUT"

	// -- Session-terminal --
	ErrCodeBudgetExhausted ErrorCode = "BUDGET_EXHAUSTED"
	ErrCodeDeviceLost      ErrorCode = "DEVICE_UNREACHABLE"
)

// ParseError reports decision-service text that stayed unusable through the
// whole parse ladder. It carries the raw text for diagnostics.
type ParseError struct {
	Schema string // "action" or "completion"
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("decision response unusable after full parse ladder (schema=%s, %d bytes)", e.Schema, len(e.Raw))
}

// NoMatchError reports that element matching produced an empty candidate set
// for a target description.
type NoMatchError struct {
	TargetDescription string
	Considered        int
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no element matched %q among %d candidates", e.TargetDescription, e.Considered)
}

// DeviceCommandError reports a failure or timeout from the device transport.
// It aborts the current step's attempt but not the session, unless Fatal is
// set (device permanently unreachable).
type DeviceCommandError struct {
	Command string
	Fatal   bool
	Err     error
}

func (e *DeviceCommandError) Error() string {
	return fmt.Sprintf("device command %q failed: %v", e.Command, e.Err)
}

func (e *DeviceCommandError) Unwrap() error { return e.Err }

// StallError reports that the duplicate-action counter exhausted every ranked
// candidate and the jitter fallback for a step.
type StallError struct {
	TargetSignature string
	Attempts        int
}

func (e *StallError) Error() string {
	return fmt.Sprintf("target %q produced no screen change across %d attempts", e.TargetSignature, e.Attempts)
}
