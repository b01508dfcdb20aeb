package tool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/supportmesh/core"
)

// ErrUnknownTool is returned when an agent spec names an unregistered tool.
var ErrUnknownTool = errors.New("unknown tool")

// Factory builds a context-aware tool for one turn. Factories read the
// AgentContext (e.g. tenant credentials) at construction time.
type Factory func(ac *core.AgentContext) (Tool, error)

// Registry maps tool names to static tools and context-aware factories.
// Lookups are data driven; nothing is loaded at runtime.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	factories map[string]Factory
}

// NewRegistry returns a registry pre-populated with tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: map[string]Tool{}, factories: map[string]Factory{}}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a static tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// RegisterFactory adds or replaces a context-aware tool factory.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name resolves to a tool or factory.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	if !ok {
		_, ok = r.factories[name]
	}
	return ok
}

// Names lists all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools)+len(r.factories))
	for n := range r.tools {
		names = append(names, n)
	}
	for n := range r.factories {
		if _, dup := r.tools[n]; !dup {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// CheckPackage verifies every tool named by the package's agents resolves.
// It is run once at package load.
func (r *Registry) CheckPackage(p *core.PackageDefinition) error {
	for _, a := range p.Agents() {
		for _, name := range a.Tools {
			if !r.Has(name) {
				return fmt.Errorf("%w: agent %q tool %q", ErrUnknownTool, a.ID, name)
			}
		}
		for _, name := range a.ContextTools {
			r.mu.RLock()
			_, ok := r.factories[name]
			r.mu.RUnlock()
			if !ok {
				return fmt.Errorf("%w: agent %q context tool %q", ErrUnknownTool, a.ID, name)
			}
		}
	}
	return nil
}

// Resolve returns the tools of spec for one turn, keyed by name. Context
// tools are built from ac. A factory failure drops that tool rather than
// failing the turn; the error is returned alongside for logging.
func (r *Registry) Resolve(ac *core.AgentContext, spec core.AgentSpec) (map[string]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Tool, len(spec.Tools)+len(spec.ContextTools))
	var errs []error

	for _, name := range spec.Tools {
		if t, ok := r.tools[name]; ok {
			out[name] = t
			continue
		}
		if f, ok := r.factories[name]; ok {
			t, err := f(ac)
			if err != nil {
				errs = append(errs, fmt.Errorf("build tool %s: %w", name, err))
				continue
			}
			out[name] = t
			continue
		}
		errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownTool, name))
	}

	for _, name := range spec.ContextTools {
		f, ok := r.factories[name]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownTool, name))
			continue
		}
		t, err := f(ac)
		if err != nil {
			errs = append(errs, fmt.Errorf("build tool %s: %w", name, err))
			continue
		}
		out[t.Name()] = t
	}

	return out, errors.Join(errs...)
}
