package circuit

import (
	"sync"
)

// Key derives a breaker key from a target authority and method so one
// failing remote method does not trip calls to unrelated methods on the
// same peer.
func Key(authority, method string) string {
	return authority + "_" + method
}

// Registry is a keyed lookup of circuit breakers. Breakers are created
// lazily on first use and live for the registry's lifetime; removal and
// reset are explicit.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	sink     EventSink
}

// NewRegistry creates an empty breaker registry. The sink, which may be
// nil, is handed to every breaker it creates.
func NewRegistry(sink EventSink) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		sink:     sink,
	}
}

// GetOrCreate returns the breaker for name, creating it with config on
// first use. The config of an existing breaker is left untouched.
func (r *Registry) GetOrCreate(name string, config Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, config, r.sink)
	r.breakers[name] = b
	return b
}

// Remove drops the breaker for name, if present.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// Reset forces the named breaker back to closed. Unknown names are a no-op.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()

	if ok {
		b.Reset()
	}
}

// ListStates returns a snapshot of every breaker's current state.
func (r *Registry) ListStates() map[string]State {
	r.mu.Lock()
	breakers := make(map[string]*Breaker, len(r.breakers))
	for name, b := range r.breakers {
		breakers[name] = b
	}
	r.mu.Unlock()

	// State reads take each breaker's own lock; done outside the registry
	// lock to keep the critical section short.
	states := make(map[string]State, len(breakers))
	for name, b := range breakers {
		states[name] = b.GetState()
	}
	return states
}
