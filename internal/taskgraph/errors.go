package taskgraph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCycleDetected is returned when a dependency cycle is found in the graph.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrNodeDependency is returned when a node depends on an unknown node,
	// making the graph unsatisfiable.
	ErrNodeDependency = errors.New("unsatisfiable node dependency")

	// ErrNodeNotFound is returned when a node id is not present in the graph.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateNode is returned when adding a node whose id already exists.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrInvalidTransition is returned when a status change would move a node
	// backwards or skip a state. Node status is monotonic along
	// pending -> ready -> in_progress -> completed|failed.
	ErrInvalidTransition = errors.New("invalid node status transition")
)

// CycleError provides detailed information about a dependency cycle.
type CycleError struct {
	Path []string
}

// Error returns a human-readable description of the cycle.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Unwrap returns the base error for errors.Is compatibility.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}
