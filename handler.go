package vecmesh

import (
	"context"
	"fmt"

	"github.com/hupe1980/vecmesh/shard"
	"github.com/hupe1980/vecmesh/transport"
	"github.com/hupe1980/vecmesh/vector"
)

type mutateOp uint8

const (
	opPut mutateOp = iota + 1
	opDelete
)

type mutateRequest struct {
	Op         mutateOp          `json:"op"`
	ID         string            `json:"id"`
	Key        uint64            `json:"key,omitempty"`
	MinVersion uint64            `json:"min_version,omitempty"`
	Vector     vector.Vector     `json:"vector,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Shards     []shard.ID        `json:"shards,omitempty"`
}

type mutateResponse struct {
	Shard   shard.ID `json:"shard"`
	Version uint64   `json:"version"`
}

type queryRequest struct {
	Vector vector.Vector `json:"vector"`
	K      int           `json:"k"`
	Metric vector.Metric `json:"metric"`
	After  *Result       `json:"after,omitempty"`
	Shards []shard.ID    `json:"shards"`
}

type queryResponse struct {
	Results []Result `json:"results"`
}

type getRequest struct {
	ID     string     `json:"id"`
	Shards []shard.ID `json:"shards"`
	// History asks for every recorded version instead of the latest.
	History bool `json:"history,omitempty"`
}

type getResponse struct {
	Record  Record   `json:"record"`
	Found   bool     `json:"found"`
	History []Record `json:"history,omitempty"`
}

func (n *Node) register(mux *transport.Mux) {
	mux.RegisterFunc(transport.KindMutate, n.handleMutate)
	mux.RegisterFunc(transport.KindQuery, n.handleQuery)
	mux.RegisterFunc(transport.KindGet, n.handleGet)
}

func (n *Node) reply(v any) (transport.Envelope, error) {
	body, err := n.framer.Encode(v)
	if err != nil {
		return transport.Envelope{}, err
	}
	return transport.Envelope{Kind: transport.KindAck, From: string(n.id), Body: body}, nil
}

func (n *Node) handleMutate(ctx context.Context, env transport.Envelope) (transport.Envelope, error) {
	var req mutateRequest
	if err := n.framer.Decode(env.Body, &req); err != nil {
		return transport.Envelope{}, err
	}
	switch req.Op {
	case opPut:
		if err := vector.Validate(req.Vector, n.dim); err != nil {
			return transport.Envelope{}, err
		}
		rng, muts, err := n.mgr.Put(req.ID, req.Key, req.MinVersion, req.Vector, req.Metadata)
		if err != nil {
			return transport.Envelope{}, err
		}
		version := muts[len(muts)-1].Version
		n.logger.LogPut(ctx, req.ID, uint32(rng.ID), version, nil)
		return n.reply(mutateResponse{Shard: rng.ID, Version: version})
	case opDelete:
		if err := n.ownedLocally(req.Shards); err != nil {
			return transport.Envelope{}, err
		}
		if _, err := n.mgr.Delete(req.ID, req.Shards); err != nil {
			return transport.Envelope{}, err
		}
		return n.reply(mutateResponse{})
	default:
		return transport.Envelope{}, fmt.Errorf("unknown mutation op %d", req.Op)
	}
}

func (n *Node) handleQuery(_ context.Context, env transport.Envelope) (transport.Envelope, error) {
	var req queryRequest
	if err := n.framer.Decode(env.Body, &req); err != nil {
		return transport.Envelope{}, err
	}
	if err := n.ownedLocally(req.Shards); err != nil {
		return transport.Envelope{}, err
	}
	res, err := n.mgr.Nearest(req.Vector, req.K, req.Metric, req.After, req.Shards)
	if err != nil {
		return transport.Envelope{}, err
	}
	return n.reply(queryResponse{Results: res})
}

func (n *Node) handleGet(_ context.Context, env transport.Envelope) (transport.Envelope, error) {
	var req getRequest
	if err := n.framer.Decode(env.Body, &req); err != nil {
		return transport.Envelope{}, err
	}
	if err := n.ownedLocally(req.Shards); err != nil {
		return transport.Envelope{}, err
	}
	if req.History {
		return n.reply(getResponse{History: n.mgr.History(req.ID, req.Shards)})
	}
	rec, ok := n.mgr.Get(req.ID, req.Shards)
	return n.reply(getResponse{Record: rec, Found: ok})
}
