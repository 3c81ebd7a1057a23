package saga

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPlanUnknown is returned when a saga type has no registered plan.
var ErrPlanUnknown = errors.New("saga plan not registered")

// StepDef describes one step of a plan: which participant runs it, the
// states it moves the saga through, and where its outcome events go.
type StepDef struct {
	Name            string
	Participant     string
	InProgressState State
	CompletedState  State

	// Compensable marks steps whose success must be undone during
	// rollback. Read-only steps are not compensable.
	Compensable bool

	Timeout time.Duration
	Retries int

	SuccessTopic      string
	SuccessEvent      string
	FailureTopic      string
	FailureEvent      string
	CompensationTopic string
	CompensationEvent string
}

// Plan is a linear step plan for one saga type. Branching business
// logic is encoded as distinct saga types, not as graph plans.
type Plan struct {
	Type    Type
	Steps   []*StepDef
	Timeout time.Duration

	// PostSteps run after the saga reaches Completed. They are
	// best-effort: no compensation, no state transitions, failure does
	// not fail the saga.
	PostSteps []*StepDef
}

// NewPlan creates an empty plan with the default saga timeout.
func NewPlan(sagaType Type) *Plan {
	return &Plan{
		Type:    sagaType,
		Steps:   make([]*StepDef, 0),
		Timeout: 5 * time.Minute,
	}
}

// AddStep appends a step, applying the default step timeout.
func (p *Plan) AddStep(step *StepDef) *Plan {
	if step.Timeout == 0 {
		step.Timeout = 30 * time.Second
	}
	p.Steps = append(p.Steps, step)
	return p
}

// AddPostStep appends a best-effort trailing step.
func (p *Plan) AddPostStep(step *StepDef) *Plan {
	if step.Timeout == 0 {
		step.Timeout = 30 * time.Second
	}
	p.PostSteps = append(p.PostSteps, step)
	return p
}

// WithTimeout sets the overall saga timeout.
func (p *Plan) WithTimeout(timeout time.Duration) *Plan {
	p.Timeout = timeout
	return p
}

// StepByName returns the step definition with the given name, or nil.
func (p *Plan) StepByName(name string) *StepDef {
	for _, s := range p.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Participants returns the distinct participant services the plan uses.
func (p *Plan) Participants() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range append(append([]*StepDef{}, p.Steps...), p.PostSteps...) {
		if !seen[s.Participant] {
			seen[s.Participant] = true
			out = append(out, s.Participant)
		}
	}
	return out
}

// Registry holds the registered plans keyed by saga type.
type Registry struct {
	mu    sync.RWMutex
	plans map[Type]*Plan
}

// NewRegistry creates an empty plan registry.
func NewRegistry() *Registry {
	return &Registry{plans: make(map[Type]*Plan)}
}

// Register adds a plan. Registering the same type twice is an error.
func (r *Registry) Register(plan *Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plans[plan.Type]; exists {
		return fmt.Errorf("saga plan %s already registered", plan.Type)
	}
	if len(plan.Steps) == 0 {
		return fmt.Errorf("saga plan %s has no steps", plan.Type)
	}
	r.plans[plan.Type] = plan
	return nil
}

// Get returns the plan for a saga type.
func (r *Registry) Get(sagaType Type) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plan, exists := r.plans[sagaType]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPlanUnknown, sagaType)
	}
	return plan, nil
}

// Types returns the registered saga types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Type, 0, len(r.plans))
	for t := range r.plans {
		out = append(out, t)
	}
	return out
}
