package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Descriptor is the serializable identity of a provider instance, as handed
// out by the auth collaborator. It is enough to rebuild the provider in
// another process.
type Descriptor struct {
	Name        string         `json:"name"`
	Auth        map[string]any `json:"auth,omitempty"`
	Credentials map[string]any `json:"credentials,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

// Setting returns a string setting, or def when absent.
func (d Descriptor) Setting(key, def string) string {
	return lookup(d.Settings, key, def)
}

// Credential returns a string credential, or def when absent.
func (d Descriptor) Credential(key, def string) string {
	return lookup(d.Credentials, key, def)
}

func lookup(m map[string]any, key, def string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

// ErrUnknownProvider is returned by New for names nothing registered.
var ErrUnknownProvider = errors.New("provider not found")

// Factory creates a provider instance from its descriptor.
type Factory func(ctx context.Context, d Descriptor) (Provider, error)

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register binds a provider name to its factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the provider named by d.
func (r *Registry) New(ctx context.Context, d Descriptor) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[d.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, d.Name)
	}
	return f(ctx, d)
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Default is the process-wide registry backends add themselves to from init().
var Default = NewRegistry()

// Register binds name to f in the Default registry.
func Register(name string, f Factory) { Default.Register(name, f) }

// New returns a provider instance from the Default registry.
func New(ctx context.Context, d Descriptor) (Provider, error) { return Default.New(ctx, d) }
