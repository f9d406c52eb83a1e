package ragsync

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// SourceFactory constructs a fresh, uninitialized source adapter for one
// configured instance. SinkFactory is the sink counterpart.
type SourceFactory func() Source
type SinkFactory func() Sink
type StateBackendFactory func(dsn string) (StateBackend, error)

var pluginRegistry = struct {
	mu             sync.RWMutex
	sources        map[string]SourceFactory
	sinks          map[string]SinkFactory
	stateFactories map[string]StateBackendFactory
}{
	sources:        map[string]SourceFactory{},
	sinks:          map[string]SinkFactory{},
	stateFactories: map[string]StateBackendFactory{},
}

func RegisterSourceFactory(identity string, factory SourceFactory) {
	identity = normalizeIdentity(identity)
	if identity == "" || factory == nil {
		return
	}
	pluginRegistry.mu.Lock()
	defer pluginRegistry.mu.Unlock()
	pluginRegistry.sources[identity] = factory
}

func RegisterSinkFactory(identity string, factory SinkFactory) {
	identity = normalizeIdentity(identity)
	if identity == "" || factory == nil {
		return
	}
	pluginRegistry.mu.Lock()
	defer pluginRegistry.mu.Unlock()
	pluginRegistry.sinks[identity] = factory
}

func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	pluginRegistry.mu.Lock()
	defer pluginRegistry.mu.Unlock()
	pluginRegistry.stateFactories[scheme] = factory
}

// NewSource constructs a source adapter for a plugin identity. The engine
// never constructs adapters itself; it depends only on the two contracts.
func NewSource(identity string) (Source, error) {
	identity = normalizeIdentity(identity)
	pluginRegistry.mu.RLock()
	factory, ok := pluginRegistry.sources[identity]
	pluginRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source plugin %q", ErrNotFound, identity)
	}
	return factory(), nil
}

func NewSink(identity string) (Sink, error) {
	identity = normalizeIdentity(identity)
	pluginRegistry.mu.RLock()
	factory, ok := pluginRegistry.sinks[identity]
	pluginRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink plugin %q", ErrNotFound, identity)
	}
	return factory(), nil
}

// RegisteredSourceIdentities lists known source plugins, sorted.
func RegisteredSourceIdentities() []string {
	pluginRegistry.mu.RLock()
	defer pluginRegistry.mu.RUnlock()
	identities := make([]string, 0, len(pluginRegistry.sources))
	for identity := range pluginRegistry.sources {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	return identities
}

func RegisteredSinkIdentities() []string {
	pluginRegistry.mu.RLock()
	defer pluginRegistry.mu.RUnlock()
	identities := make([]string, 0, len(pluginRegistry.sinks))
	for identity := range pluginRegistry.sinks {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	return identities
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	pluginRegistry.mu.RLock()
	defer pluginRegistry.mu.RUnlock()
	factory, ok := pluginRegistry.stateFactories[scheme]
	return factory, ok
}

func normalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
