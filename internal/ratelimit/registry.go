package ratelimit

import "sync"

// configRegistry maps resource keys to explicit rate-limit configs, falling
// back to the store-wide default. Entries never expire.
type configRegistry struct {
	mu         sync.RWMutex
	def        Config
	byResource map[string]Config
}

func newConfigRegistry(def Config) *configRegistry {
	return &configRegistry{
		def:        def,
		byResource: make(map[string]Config),
	}
}

func (r *configRegistry) set(resource string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byResource[resource] = cfg
}

func (r *configRegistry) get(resource string) Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.byResource[resource]; ok {
		return cfg
	}
	return r.def
}
