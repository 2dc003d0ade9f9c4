// Package transport defines the message boundary between nodes.
//
// Every exchange is a request Envelope answered by a response Envelope.
// Bodies are opaque bytes produced by the codec package; the transport
// never interprets them. Handler errors that a registered code describes
// cross the wire as a *RemoteError that still matches the original
// sentinel with errors.Is.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Kind identifies the message type of an envelope.
type Kind uint8

const (
	// KindDelta carries a replication delta for one shard.
	KindDelta Kind = iota + 1
	// KindQuery asks the owner of a shard for its nearest neighbors.
	KindQuery
	// KindGet looks up a vector id on the owner of a shard.
	KindGet
	// KindMutate forwards a put or delete to the owner of a shard.
	KindMutate
	// KindTransferBegin opens a migration staging area on the destination.
	KindTransferBegin
	// KindTransferChunk streams part of a shard's mutation log.
	KindTransferChunk
	// KindTransferCommit sends the catch-up delta and asks for verification.
	KindTransferCommit
	// KindTransferFinalize promotes the staging area to the live shard.
	KindTransferFinalize
	// KindTransferAbort discards a staging area.
	KindTransferAbort
	// KindMapUpdate tells a node that the shard map changed.
	KindMapUpdate
	// KindAck is the response kind of a request with no payload.
	KindAck
)

var kindNames = map[Kind]string{
	KindDelta:            "delta",
	KindQuery:            "query",
	KindGet:              "get",
	KindMutate:           "mutate",
	KindTransferBegin:    "transfer_begin",
	KindTransferChunk:    "transfer_chunk",
	KindTransferCommit:   "transfer_commit",
	KindTransferFinalize: "transfer_finalize",
	KindTransferAbort:    "transfer_abort",
	KindMapUpdate:        "map_update",
	KindAck:              "ack",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Envelope is one message between nodes.
type Envelope struct {
	Kind  Kind   `json:"kind"`
	From  string `json:"from"`
	Shard uint32 `json:"shard"`
	Body  []byte `json:"body,omitempty"`
}

// Ack returns an empty response to e.
func Ack() Envelope { return Envelope{Kind: KindAck} }

// Transport sends an envelope to a peer and returns its response.
type Transport interface {
	Send(ctx context.Context, peer string, env Envelope) (Envelope, error)
}

// Handler serves envelopes addressed to this node.
type Handler interface {
	Handle(ctx context.Context, env Envelope) (Envelope, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env Envelope) (Envelope, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, env Envelope) (Envelope, error) {
	return f(ctx, env)
}

var (
	// ErrUnreachable is returned when a peer cannot be contacted.
	ErrUnreachable = errors.New("transport: peer unreachable")
	// ErrUnknownPeer is returned for a peer with no known address.
	ErrUnknownPeer = errors.New("transport: unknown peer")
	// ErrNoHandler is returned when no handler serves an envelope kind.
	ErrNoHandler = errors.New("transport: no handler")
)

// Mux dispatches envelopes to per-kind handlers.
type Mux struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[Kind]Handler)}
}

// Register registers h for kind, replacing any previous handler.
func (m *Mux) Register(kind Kind, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

// RegisterFunc registers f for kind.
func (m *Mux) RegisterFunc(kind Kind, f func(ctx context.Context, env Envelope) (Envelope, error)) {
	m.Register(kind, HandlerFunc(f))
}

// Handle dispatches env to the handler registered for its kind.
func (m *Mux) Handle(ctx context.Context, env Envelope) (Envelope, error) {
	m.mu.RLock()
	h, ok := m.handlers[env.Kind]
	m.mu.RUnlock()
	if !ok {
		return Envelope{}, fmt.Errorf("%w for %s", ErrNoHandler, env.Kind)
	}
	return h.Handle(ctx, env)
}
