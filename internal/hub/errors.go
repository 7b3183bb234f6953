package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrRouting is returned when a targeted message cannot be resolved
	// to an endpoint.
	ErrRouting = errors.New("message routing failed")

	// ErrDuplicateEndpoint is returned when a bundle registration
	// collides with an endpoint owned by another active bundle.
	ErrDuplicateEndpoint = errors.New("duplicate endpoint registration")

	// ErrBundleNotFound is returned when unregistering an unknown bundle.
	ErrBundleNotFound = errors.New("bundle not found")

	// ErrDuplicateSubscriber is returned when a subscriber id is taken.
	ErrDuplicateSubscriber = errors.New("duplicate subscriber id")

	// ErrHubClosed is returned for operations on a closed hub.
	ErrHubClosed = errors.New("hub is closed")
)

// RoutingError reports a targeted send that could not be delivered.
type RoutingError struct {
	Target string
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing to %q failed: %s", e.Target, e.Reason)
}

func (e *RoutingError) Unwrap() error {
	return ErrRouting
}

// DuplicateEndpointError reports a registration collision, naming the
// bundle that owns the contested endpoint.
type DuplicateEndpointError struct {
	EndpointID  string
	OwnerBundle string
}

func (e *DuplicateEndpointError) Error() string {
	return fmt.Sprintf("endpoint %q is already owned by bundle %q", e.EndpointID, e.OwnerBundle)
}

func (e *DuplicateEndpointError) Unwrap() error {
	return ErrDuplicateEndpoint
}
