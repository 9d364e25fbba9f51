package agent

import (
	"fmt"
	"sort"
	"sync"
)

// Provider bundles the external collaborators one backend supplies.
type Provider struct {
	Driver  Driver
	Tracker Tracker
}

// ProviderFactory builds a provider instance.
type ProviderFactory func() (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]ProviderFactory)
)

// RegisterProvider makes a provider available by name. Providers
// register from init, typically via blank imports in the main package.
func RegisterProvider(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("agent: provider %q registered twice", name))
	}
	registry[name] = factory
}

// NewProvider instantiates a registered provider.
func NewProvider(name string) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return Provider{}, fmt.Errorf("unknown driver provider %q (available: %v)", name, ProviderNames())
	}
	return factory()
}

// ProviderNames lists the registered providers.
func ProviderNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
