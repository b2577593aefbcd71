package spawn

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages backend registration and discovery.
// It provides thread-safe access to registered backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[CloudProvider]Backend
}

// DefaultRegistry is the global backend registry.
// Backends register themselves via init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[CloudProvider]Backend),
	}
}

// Register adds a backend to the registry.
// This is typically called from provider package init() functions.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := b.Name()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("provider already registered: %s", name)
	}
	r.backends[name] = b
	return nil
}

// Get retrieves a registered backend by name.
func (r *Registry) Get(name CloudProvider) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, exists := r.backends[name]
	if !exists {
		return nil, ErrNotFound("cloud", string(name))
	}
	return b, nil
}

// GetDestroyer retrieves a backend that can delete instances.
func (r *Registry) GetDestroyer(name CloudProvider) (Destroyer, error) {
	b, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	d, ok := b.(Destroyer)
	if !ok || !b.HasCapability(CapabilityDestroy) {
		return nil, ErrNotImplemented(fmt.Sprintf("provider %s does not support destroy", name)).WithProvider(name)
	}
	return d, nil
}

// GetKeyRegistrar retrieves a backend that keeps SSH keys provider-side.
func (r *Registry) GetKeyRegistrar(name CloudProvider) (KeyRegistrar, error) {
	b, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	kr, ok := b.(KeyRegistrar)
	if !ok || !b.HasCapability(CapabilitySSHKeys) {
		return nil, ErrNotImplemented(fmt.Sprintf("provider %s does not register SSH keys", name)).WithProvider(name)
	}
	return kr, nil
}

// List returns all registered backend names, sorted.
func (r *Registry) List() []CloudProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]CloudProvider, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ListByCapability returns backends that have a specific capability.
func (r *Registry) ListByCapability(cap Capability) []CloudProvider {
	var names []CloudProvider
	for _, name := range r.List() {
		if b, err := r.Get(name); err == nil && b.HasCapability(cap) {
			names = append(names, name)
		}
	}
	return names
}

// Unregister removes a backend from the registry.
// This is mainly useful for testing.
func (r *Registry) Unregister(name CloudProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backends, name)
}

// Register adds a backend to the default registry.
func Register(b Backend) error {
	return DefaultRegistry.Register(b)
}

// MustRegister is Register for init() functions.
func MustRegister(b Backend) {
	if err := Register(b); err != nil {
		panic(err)
	}
}

// ProviderInfo contains metadata about a registered backend.
type ProviderInfo struct {
	Name         CloudProvider `json:"name"`
	Capabilities []Capability  `json:"capabilities"`
	Credentials  []string      `json:"credentials"`
	ConfigPath   string        `json:"config_path"`
	CanDestroy   bool          `json:"can_destroy"`
	KeyRegistrar bool          `json:"key_registrar"`
}

// Describe returns detailed info about all registered backends.
func (r *Registry) Describe() []ProviderInfo {
	var infos []ProviderInfo
	for _, name := range r.List() {
		b, err := r.Get(name)
		if err != nil {
			continue
		}
		info := ProviderInfo{
			Name:         name,
			Capabilities: b.Capabilities(),
			ConfigPath:   b.ConfigPath(),
		}
		for _, c := range b.Credentials() {
			info.Credentials = append(info.Credentials, c.EnvVar)
		}
		_, info.CanDestroy = b.(Destroyer)
		_, info.KeyRegistrar = b.(KeyRegistrar)
		infos = append(infos, info)
	}
	return infos
}
