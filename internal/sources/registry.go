// Package sources provides the adapter registry plus generic API-client and
// scraper adapters. Anything site-specific lives behind the
// collection.SourceAdapter interface.
package sources

import (
	"fmt"
	"sync"

	"github.com/bjpl/open-learn-co-sub001/internal/collection"
)

// Registry resolves a source key to its adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]collection.SourceAdapter
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]collection.SourceAdapter)}
}

// Register binds an adapter to a source key, replacing any previous binding.
func (r *Registry) Register(key string, adapter collection.SourceAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[key] = adapter
}

// Get returns the adapter for key.
func (r *Registry) Get(key string) (collection.SourceAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[key]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for source %q", key)
	}
	return adapter, nil
}

// BuildDefaults registers a generic adapter for every enabled source that
// does not already have a custom one: API sources get the JSON client,
// scraper sources get the selector-driven scraper.
func (r *Registry) BuildDefaults(sources []collection.SourceDefinition, clock collection.Clock, userAgent string) error {
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		r.mu.RLock()
		_, exists := r.adapters[src.Key]
		r.mu.RUnlock()
		if exists {
			continue
		}
		switch src.Kind {
		case collection.SourceKindAPI:
			r.Register(src.Key, NewAPIClient(src, clock))
		case collection.SourceKindScraper:
			scraper, err := NewScraper(src, clock, userAgent)
			if err != nil {
				return fmt.Errorf("build scraper for %q: %w", src.Key, err)
			}
			r.Register(src.Key, scraper)
		default:
			return fmt.Errorf("source %q has unknown kind %q", src.Key, src.Kind)
		}
	}
	return nil
}
