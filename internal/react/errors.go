package react

import (
	"errors"
	"fmt"
)

var (
	// ErrLoopExhausted is returned when the loop hits its iteration cap
	// or a think call times out before reaching a terminal action.
	ErrLoopExhausted = errors.New("react loop exhausted")

	// ErrParseFailure is returned when model output stays unparseable
	// after the configured number of corrective retries.
	ErrParseFailure = errors.New("proposal parse failure")

	// ErrActionUnknown marks a proposed action with no registered
	// handler. It terminates the iteration, not the loop.
	ErrActionUnknown = errors.New("unknown action")

	// ErrDuplicateAction is returned when registering an action name twice.
	ErrDuplicateAction = errors.New("duplicate action registration")
)

// LoopExhaustedError reports why the loop ran out of budget.
type LoopExhaustedError struct {
	Iterations int
	Cause      string
}

func (e *LoopExhaustedError) Error() string {
	return fmt.Sprintf("loop exhausted after %d iterations: %s", e.Iterations, e.Cause)
}

func (e *LoopExhaustedError) Unwrap() error {
	return ErrLoopExhausted
}

// ParseFailureError reports that every parse retry failed, carrying the
// last parser diagnostic for prompt repair.
type ParseFailureError struct {
	Attempts   int
	Diagnostic string
}

func (e *ParseFailureError) Error() string {
	return fmt.Sprintf("proposal unparseable after %d attempts: %s", e.Attempts, e.Diagnostic)
}

func (e *ParseFailureError) Unwrap() error {
	return ErrParseFailure
}
