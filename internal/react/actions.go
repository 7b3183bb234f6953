package react

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Action executes one proposed step and returns the observation fed back
// into the next think cycle.
type Action func(ctx context.Context, params map[string]any) (string, error)

// ActionRegistry is an open string-keyed table of actions. Openness is the
// point: modules plug in new action names without touching the loop.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{
		actions: make(map[string]Action),
	}
}

// Register adds an action under the given name.
func (r *ActionRegistry) Register(name string, fn Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, name)
	}
	r.actions[name] = fn
	return nil
}

// Get returns the action registered under name.
func (r *ActionRegistry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.actions[name]
	return fn, ok
}

// Names returns the registered action names, sorted.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
