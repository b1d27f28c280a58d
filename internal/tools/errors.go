// Package tools provides the tool registry and execution framework.
//
// This file defines sentinel error types for tool dispatch.
package tools

import "fmt"

// ErrToolUnavailable is returned when an invocation targets a tool
// that is not present in the registry. This is a capability mismatch,
// not a transient execution failure; it is fed back to the model as a
// failed result rather than aborting the turn.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
