package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyDecomposition is returned when the decomposer produces no
	// subtasks for the user task.
	ErrEmptyDecomposition = errors.New("decomposition produced no subtasks")

	// ErrAlreadyRunning is returned when Run is called while a run is
	// in flight.
	ErrAlreadyRunning = errors.New("orchestration already running")

	// ErrCancelled is returned when Cancel forces the run to fail at a
	// round boundary.
	ErrCancelled = errors.New("orchestration cancelled")

	// ErrBlocked is returned when failed dependencies leave the rest of
	// the graph unreachable and no further round can make progress.
	ErrBlocked = errors.New("orchestration blocked by failed dependencies")

	// ErrRoundsExhausted is returned when the round budget runs out
	// before the graph completes.
	ErrRoundsExhausted = errors.New("orchestration rounds exhausted")

	// ErrCriticalNodeFailed is returned when a designated critical node
	// fails.
	ErrCriticalNodeFailed = errors.New("critical node failed")
)

// RoundsExhaustedError reports an exhausted round budget.
type RoundsExhaustedError struct {
	Rounds int
}

func (e *RoundsExhaustedError) Error() string {
	return fmt.Sprintf("no terminal phase within %d rounds", e.Rounds)
}

func (e *RoundsExhaustedError) Unwrap() error {
	return ErrRoundsExhausted
}

// CriticalNodeError names the critical node whose failure ended the run.
type CriticalNodeError struct {
	NodeID string
}

func (e *CriticalNodeError) Error() string {
	return fmt.Sprintf("critical node %s failed", e.NodeID)
}

func (e *CriticalNodeError) Unwrap() error {
	return ErrCriticalNodeFailed
}
