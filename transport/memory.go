package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Fault decides whether a send from one node to another fails. A nil
// return lets the send through.
type Fault func(from, to string, env Envelope) error

// Network is an in-process network of nodes with fault injection. It is
// used by tests and single-process clusters.
type Network struct {
	mu       sync.RWMutex
	nodes    map[string]Handler
	down     map[string]bool
	stalled  map[string]bool
	cut      map[[2]string]bool
	fault    Fault
	calls    map[string]*atomic.Int64
	received map[string]*atomic.Int64
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		nodes:    make(map[string]Handler),
		down:     make(map[string]bool),
		stalled:  make(map[string]bool),
		cut:      make(map[[2]string]bool),
		calls:    make(map[string]*atomic.Int64),
		received: make(map[string]*atomic.Int64),
	}
}

// Register attaches h as node id.
func (n *Network) Register(id string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = h
	n.counter(n.calls, id)
	n.counter(n.received, id)
}

func (n *Network) counter(m map[string]*atomic.Int64, id string) *atomic.Int64 {
	c, ok := m[id]
	if !ok {
		c = new(atomic.Int64)
		m[id] = c
	}
	return c
}

// Nodes returns the registered node ids in sorted order.
func (n *Network) Nodes() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]string, 0, len(n.nodes))
	for id := range n.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Kill makes id unreachable. Sends to it fail immediately.
func (n *Network) Kill(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

// Stall makes sends to id block until the caller's context ends.
func (n *Network) Stall(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stalled[id] = true
}

// Revive undoes Kill and Stall.
func (n *Network) Revive(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, id)
	delete(n.stalled, id)
}

// Partition cuts traffic between a and b in both directions.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]string{a, b}] = true
	n.cut[[2]string{b, a}] = true
}

// Heal restores traffic between a and b.
func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, [2]string{a, b})
	delete(n.cut, [2]string{b, a})
}

// SetFault installs f, replacing any previous fault. Pass nil to clear.
func (n *Network) SetFault(f Fault) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fault = f
}

// Calls returns the number of sends addressed to id, including failed ones.
func (n *Network) Calls(id string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counter(n.calls, id).Load()
}

// Received returns the number of envelopes delivered to id's handler.
func (n *Network) Received(id string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counter(n.received, id).Load()
}

// Endpoint returns the Transport node from uses to send.
func (n *Network) Endpoint(from string) Transport {
	return &endpoint{net: n, from: from}
}

type endpoint struct {
	net  *Network
	from string
}

func (e *endpoint) Send(ctx context.Context, peer string, env Envelope) (Envelope, error) {
	return e.net.send(ctx, e.from, peer, env)
}

func (n *Network) send(ctx context.Context, from, to string, env Envelope) (Envelope, error) {
	env.From = from
	env.Body = slices.Clone(env.Body)

	n.mu.Lock()
	n.counter(n.calls, to).Add(1)
	h, known := n.nodes[to]
	down := n.down[to] || n.down[from]
	stalled := n.stalled[to]
	cut := n.cut[[2]string{from, to}]
	fault := n.fault
	received := n.counter(n.received, to)
	n.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	switch {
	case !known:
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	case down || cut:
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnreachable, to)
	case stalled:
		<-ctx.Done()
		return Envelope{}, ctx.Err()
	}
	if fault != nil {
		if err := fault(from, to, env); err != nil {
			return Envelope{}, err
		}
	}

	received.Add(1)
	resp, err := h.Handle(ctx, env)
	if err != nil {
		return Envelope{}, &RemoteError{Peer: to, Code: ErrorCode(err), Message: err.Error()}
	}
	resp.From = to
	resp.Body = slices.Clone(resp.Body)
	return resp, nil
}
