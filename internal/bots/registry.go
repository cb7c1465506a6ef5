package bots

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mcpmux/mcpmux/internal/channels"
)

// Registry is the catalogue of compiled-in bot classes, resolvable by
// name from a builtin:// code_ref or from the class extracted out of
// screened inline source.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a bot class under name; duplicate names error.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("bot class name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("bot class already registered: %s", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister registers or panics; used at wiring time.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Resolve returns the factory for name.
func (r *Registry) Resolve(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names lists registered class names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// inertFactory backs inline programs whose class has no compiled-in
// behavior: the attachment, hashes, and transparency protocol all work,
// the hooks do nothing.
func inertFactory(_ *Context, _ map[string]any) (Bot, error) {
	return inertBot{}, nil
}

type inertBot struct{}

func (inertBot) OnInit(*Context) error                      { return nil }
func (inertBot) OnJoin(*Context, string) error              { return nil }
func (inertBot) OnMessage(*Context, channels.Message) error { return nil }
