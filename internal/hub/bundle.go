package hub

import (
	"context"
	"fmt"
)

// EndpointKind classifies what an endpoint does in the message fabric.
type EndpointKind string

const (
	KindInput   EndpointKind = "input"
	KindProcess EndpointKind = "process"
	KindOutput  EndpointKind = "output"
)

// ValidKind reports whether k is one of the known endpoint kinds.
func ValidKind(k EndpointKind) bool {
	switch k {
	case KindInput, KindProcess, KindOutput:
		return true
	}
	return false
}

// Handler processes one delivered message. A nil response with a nil error
// means the message was consumed without a reply.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// EndpointDef declares one endpoint contributed by a bundle.
type EndpointDef struct {
	Kind EndpointKind
	ID   string
	Name string

	// Capabilities are free-form tags matched against message types for
	// broadcast routing.
	Capabilities []string

	Handler Handler
}

// EndpointID returns the registry key for this definition, "{kind}.{id}".
func (d EndpointDef) EndpointID() string {
	return fmt.Sprintf("%s.%s", d.Kind, d.ID)
}

// Validate checks structural requirements before registration.
func (d EndpointDef) Validate() error {
	if !ValidKind(d.Kind) {
		return fmt.Errorf("endpoint %q: unknown kind %q", d.ID, d.Kind)
	}
	if d.ID == "" {
		return fmt.Errorf("endpoint of kind %s: empty id", d.Kind)
	}
	if d.Handler == nil {
		return fmt.Errorf("endpoint %q: nil handler", d.EndpointID())
	}
	return nil
}

// Bundle is a named, versioned collection of endpoint definitions that are
// registered together. Registration is all-or-nothing per bundle.
type Bundle struct {
	Name      string
	Version   string
	Endpoints []EndpointDef
}

// Validate checks the bundle and every definition in it.
func (b Bundle) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("bundle name is empty")
	}
	if b.Version == "" {
		return fmt.Errorf("bundle %q: version is empty", b.Name)
	}

	seen := make(map[string]struct{}, len(b.Endpoints))
	for _, def := range b.Endpoints {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("bundle %q: %w", b.Name, err)
		}
		id := def.EndpointID()
		if _, dup := seen[id]; dup {
			return fmt.Errorf("bundle %q: endpoint %q declared twice", b.Name, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
