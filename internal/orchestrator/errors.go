package orchestrator

import "errors"

// Loop-fatal error kinds. Tool failures never appear here; they are
// fed back to the model as failed tool results mid-loop.
var (
	// ErrTurnInProgress is returned when a turn is already running
	// for the conversation. The call fails fast; it never queues.
	ErrTurnInProgress = errors.New("turn already in progress")

	// ErrIterationCap is returned when the loop hits its iteration
	// cap without a terminal response. Nothing is persisted.
	ErrIterationCap = errors.New("turn exceeded iteration cap")

	// ErrModelTransport wraps a failed model call (network, rate
	// limit, malformed response). Nothing is persisted.
	ErrModelTransport = errors.New("model transport failed")
)
