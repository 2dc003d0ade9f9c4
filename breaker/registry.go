package breaker

import (
	"cmp"
	"slices"
	"sync"
)

// Registry lazily creates one breaker per peer on first contact and keeps
// it for its own lifetime.
type Registry struct {
	cfg  Config
	opts []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg and opts.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	return &Registry{
		cfg:      cfg,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for peer, creating it if needed.
func (r *Registry) Get(peer string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[peer]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[peer]; ok {
		return b
	}
	b = New(peer, r.cfg, r.opts...)
	r.breakers[peer] = b
	return b
}

// Snapshots returns a snapshot of every breaker, sorted by peer.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return cmp.Compare(a.Peer, b.Peer) })
	return out
}
