package event

import (
	"sync"
	"sync/atomic"
)

const defaultHistory = 256

// BasicObserver counts events per kind and keeps a bounded history of the
// most recent events. Useful for tests and debugging without external
// dependencies.
type BasicObserver struct {
	counts [numKinds]atomic.Int64

	mu      sync.Mutex
	history []Event
	next    int
	full    bool
}

// NewBasicObserver creates a BasicObserver retaining up to history events.
// A non-positive history uses the default of 256.
func NewBasicObserver(history int) *BasicObserver {
	if history <= 0 {
		history = defaultHistory
	}
	return &BasicObserver{history: make([]Event, history)}
}

// Observe implements Observer.
func (b *BasicObserver) Observe(e Event) {
	if e.Kind >= 0 && e.Kind < numKinds {
		b.counts[e.Kind].Add(1)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) == 0 {
		b.history = make([]Event, defaultHistory)
	}
	b.history[b.next] = e
	b.next = (b.next + 1) % len(b.history)
	if b.next == 0 {
		b.full = true
	}
}

// Count returns how many events of kind k were observed.
func (b *BasicObserver) Count(k Kind) int64 {
	if k < 0 || k >= numKinds {
		return 0
	}
	return b.counts[k].Load()
}

// Events returns the retained events, oldest first.
func (b *BasicObserver) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]Event, b.next)
		copy(out, b.history[:b.next])
		return out
	}
	out := make([]Event, 0, len(b.history))
	out = append(out, b.history[b.next:]...)
	out = append(out, b.history[:b.next]...)
	return out
}

// Filter returns the retained events of kind k, oldest first.
func (b *BasicObserver) Filter(k Kind) []Event {
	var out []Event
	for _, e := range b.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Stats returns the non-zero counters keyed by kind name.
func (b *BasicObserver) Stats() map[string]int64 {
	stats := make(map[string]int64)
	for k := Kind(0); k < numKinds; k++ {
		if n := b.counts[k].Load(); n > 0 {
			stats[k.String()] = n
		}
	}
	return stats
}
