package protocol

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a module instance. Each instance owns its own ephemeral
// flow state; instances must not be shared across unrelated concurrent flows.
type Factory func(opts Options) Module

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register adds or replaces a module factory keyed by protocol identifier.
// Modules self-register from init so importing a module package for side
// effects is enough to make it routable.
func Register(protocolType string, factory Factory) {
	if protocolType == "" || factory == nil {
		return
	}
	registryMu.Lock()
	factories[protocolType] = factory
	registryMu.Unlock()
}

// New constructs a module for the protocol identifier.
func New(protocolType string, opts Options) (Module, error) {
	registryMu.RLock()
	factory, ok := factories[protocolType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("protocol: %s not registered", protocolType)
	}
	return factory(opts), nil
}

// Known reports whether a protocol identifier is registered.
func Known(protocolType string) bool {
	registryMu.RLock()
	_, ok := factories[protocolType]
	registryMu.RUnlock()
	return ok
}

// Types returns the registered protocol identifiers in sorted order.
func Types() []string {
	registryMu.RLock()
	ids := make([]string, 0, len(factories))
	for id := range factories {
		ids = append(ids, id)
	}
	registryMu.RUnlock()
	sort.Strings(ids)
	return ids
}
