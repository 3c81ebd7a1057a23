package participant

import (
	"errors"
	"fmt"
	"sync"
)

// ErrServiceUnknown is returned when a logical service name has no entry.
var ErrServiceUnknown = errors.New("participant service not registered")

// Entry describes one registered participant service.
type Entry struct {
	ServiceName    string
	BaseURL        string
	SupportedSteps []string
}

// SupportsStep reports whether the service implements the named step.
func (e *Entry) SupportsStep(step string) bool {
	for _, s := range e.SupportedSteps {
		if s == step {
			return true
		}
	}
	return false
}

// Registry maps logical participant names to base URLs and supported
// steps. Resolution happens at saga admission; admission is refused when
// a required participant or step is missing.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty participant registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds or replaces a service entry.
func (r *Registry) Register(entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ServiceName] = entry
}

// Resolve returns the entry for a logical service name.
func (r *Registry) Resolve(service string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceUnknown, service)
	}
	return entry, nil
}

// ValidateStep checks that a service is registered and supports a step.
func (r *Registry) ValidateStep(service, step string) error {
	entry, err := r.Resolve(service)
	if err != nil {
		return err
	}
	if !entry.SupportsStep(step) {
		return fmt.Errorf("service %s does not support step %s", service, step)
	}
	return nil
}

// Services returns the registered service names.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}
