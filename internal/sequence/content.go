package sequence

import (
	"errors"
	"fmt"
	"sync"

	"dripbot/internal/transport"
)

// ErrNotRegistered marks a step that has no content provider.
var ErrNotRegistered = errors.New("sequence: step has no content provider")

// Provider builds the renderable content of one step. joinURL is the
// community invite link placed on the call-to-action button; providers
// may return a nil affordance to suppress the button.
type Provider interface {
	Build(joinURL string) ([]transport.Block, *transport.Affordance, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(joinURL string) ([]transport.Block, *transport.Affordance, error)

func (f ProviderFunc) Build(joinURL string) ([]transport.Block, *transport.Affordance, error) {
	return f(joinURL)
}

// Registry maps steps to content providers. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[Step]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[Step]Provider)}
}

// Register binds p to step, replacing any previous binding.
func (r *Registry) Register(step Step, p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	r.providers[step] = p
	r.mu.Unlock()
}

// Resolve returns the provider for step.
func (r *Registry) Resolve(step Step) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[step]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, step)
	}
	return p, nil
}

// Verify checks that every step of def has a provider; it returns the
// missing steps, if any.
func (r *Registry) Verify(def *Definition) []Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []Step
	for _, s := range def.Steps() {
		if _, ok := r.providers[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}
