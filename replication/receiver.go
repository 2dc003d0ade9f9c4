package replication

import (
	"context"

	"github.com/hupe1980/vecmesh/transport"
)

// Register installs the delta receiver on mux.
func (r *Runtime) Register(mux *transport.Mux) {
	mux.RegisterFunc(transport.KindDelta, r.handleDelta)
}

// handleDelta merges a delta into the local replicas. A sender with a
// newer map makes the receiver refresh first so mutations for ranges it
// was just assigned are not skipped.
func (r *Runtime) handleDelta(ctx context.Context, env transport.Envelope) (transport.Envelope, error) {
	var req deltaRequest
	if err := r.framer.Decode(env.Body, &req); err != nil {
		return transport.Envelope{}, err
	}
	if cur := r.mgr.Map(); cur == nil || cur.Version < req.MapVersion {
		if _, err := r.mgr.Refresh(ctx); err != nil {
			return transport.Envelope{}, err
		}
	}
	n, err := r.mgr.ApplyDelta(req.Delta)
	if err != nil {
		return transport.Envelope{}, err
	}
	if n > 0 {
		r.logger.Debug("delta applied", "shard", env.Shard, "peer", env.From, "mutations", n)
	}
	return transport.Ack(), nil
}
