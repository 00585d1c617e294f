package engine

import (
	"strings"
	"sync"

	"mooncake-conductor/conderr"
)

// Factory builds a fresh Adapter value for a tag. Registered once per tag;
// the registry calls it exactly once and caches the result.
type Factory func() Adapter

// Registry is a process-wide, mutex-guarded adapter registry with
// once-per-tag lazy initialisation: the first Create(tag) call runs that
// tag's Factory and caches the instance, every later call returns the
// cached value. A double-checked-locking pattern, simplified to Go's
// sync.Once per entry.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Adapter
	once      map[string]*sync.Once
}

// NewRegistry returns an empty registry. Register the built-in adapters
// with RegisterFactory before first use.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Adapter),
		once:      make(map[string]*sync.Once),
	}
}

// RegisterFactory associates tag with factory. Calling it again for the
// same tag before Create has observed it replaces the factory; calling it
// after Create has already run it is a no-op, since a tag's construction
// happens exactly once.
func (r *Registry) RegisterFactory(tag string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.instances[tag]; done {
		return
	}
	r.factories[tag] = factory
	if _, ok := r.once[tag]; !ok {
		r.once[tag] = &sync.Once{}
	}
}

// Create returns the adapter registered under tag, building it on first
// call and reusing it on every later call. Returns UnknownEngine if no
// factory was ever registered for tag.
func (r *Registry) Create(tag string) (Adapter, error) {
	r.mu.Lock()
	factory, known := r.factories[tag]
	once, hasOnce := r.once[tag]
	if !hasOnce {
		once = &sync.Once{}
		r.once[tag] = once
	}
	r.mu.Unlock()

	if !known {
		return nil, conderr.Wrap(conderr.UnknownEngine, "no adapter registered for tag: "+tag, nil)
	}

	once.Do(func() {
		instance := factory()
		r.mu.Lock()
		r.instances[tag] = instance
		r.mu.Unlock()
	})

	r.mu.Lock()
	instance, ok := r.instances[tag]
	r.mu.Unlock()
	if !ok {
		return nil, conderr.Wrap(conderr.UnknownEngine, "adapter initialisation failed for tag: "+tag, nil)
	}
	return instance, nil
}

// Tags returns every tag with a registered factory, for diagnostics.
func (r *Registry) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tags := make([]string, 0, len(r.factories))
	for t := range r.factories {
		tags = append(tags, t)
	}
	return tags
}

// joinURL composes baseURL and path, trimming duplicate slashes and
// inserting exactly one separator.
func joinURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	p := strings.TrimLeft(path, "/")
	return base + "/" + p
}
