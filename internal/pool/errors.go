package pool

import "errors"

var (
	// ErrCapacityExceeded is returned by Spawn when the role's configured
	// maximum number of concurrent instances is already reached.
	ErrCapacityExceeded = errors.New("agent capacity exceeded")

	// ErrNoAvailableAgent is returned by Allocate when no idle instance
	// exists and the pool cannot spawn another one.
	ErrNoAvailableAgent = errors.New("no available agent")

	// ErrInstanceNotFound is returned when an instance id is unknown.
	ErrInstanceNotFound = errors.New("agent instance not found")

	// ErrUnknownRole is returned for a role outside the known set.
	ErrUnknownRole = errors.New("unknown agent role")

	// ErrInvalidStatus is returned when an operation requires an instance
	// to be in a different lifecycle state.
	ErrInvalidStatus = errors.New("invalid instance status")
)
