package replication

import (
	"cmp"
	"slices"
	"time"

	"github.com/hupe1980/vecmesh/shard"
)

type statusChange int

const (
	unchanged statusChange = iota
	becameDegraded
	recovered
)

type peerState struct {
	lastSuccess  time.Time
	lastFailure  time.Time
	lastErr      string
	failingSince time.Time
	degraded     bool
}

// record applies one delivery outcome and reports a change of the
// degraded flag along with the start of the current failure streak.
func (p *peerState) record(now time.Time, err error, degradedAfter time.Duration) (statusChange, time.Time) {
	if err == nil {
		p.lastSuccess = now
		p.failingSince = time.Time{}
		if p.degraded {
			p.degraded = false
			return recovered, time.Time{}
		}
		return unchanged, time.Time{}
	}

	p.lastFailure = now
	p.lastErr = err.Error()
	if p.failingSince.IsZero() {
		p.failingSince = now
	}
	if !p.degraded && now.Sub(p.failingSince) >= degradedAfter {
		p.degraded = true
		return becameDegraded, p.failingSince
	}
	return unchanged, p.failingSince
}

// PeerStatus is the synchrony of replication toward one peer.
type PeerStatus struct {
	Peer        shard.NodeID `json:"peer"`
	LastSuccess time.Time    `json:"last_success,omitzero"`
	LastFailure time.Time    `json:"last_failure,omitzero"`
	LastError   string       `json:"last_error,omitempty"`
	// Pending is the number of mutations this node owes the peer and the
	// peer has not acknowledged, summed over shards.
	Pending int `json:"pending"`
	// InSync is true when nothing is pending and the last delivery did
	// not fail.
	InSync bool `json:"in_sync"`
	// Degraded is true when no delivery succeeded for DegradedAfter.
	Degraded bool `json:"degraded"`
}

// SyncStatus returns the synchrony of every peer of a local replica,
// sorted by peer.
func (r *Runtime) SyncStatus() []PeerStatus {
	self := r.mgr.Self()
	reps := r.mgr.Replicas()

	r.mu.Lock()
	defer r.mu.Unlock()

	byPeer := make(map[shard.NodeID]*PeerStatus)
	get := func(id shard.NodeID) *PeerStatus {
		st, ok := byPeer[id]
		if !ok {
			st = &PeerStatus{Peer: id}
			if ps, ok := r.peers[id]; ok {
				st.LastSuccess = ps.lastSuccess
				st.LastFailure = ps.lastFailure
				st.LastError = ps.lastErr
				st.Degraded = ps.degraded
				st.InSync = ps.failingSince.IsZero()
			} else {
				st.InSync = true
			}
			byPeer[id] = st
		}
		return st
	}

	for _, rep := range reps {
		rng := rep.Range()
		log := rep.Centroid().Mutations()
		for _, peer := range rng.Peers(self) {
			st := get(peer)
			pos := 0
			if wm, ok := r.marks[flowKey{shard: rep.Shard(), peer: peer}]; ok && wm.gen == rep.Generation() {
				pos = min(wm.pos, len(log))
			}
			for _, m := range log[pos:] {
				if r.owes(rng, m) {
					st.Pending++
				}
			}
		}
	}

	out := make([]PeerStatus, 0, len(byPeer))
	for _, st := range byPeer {
		if st.Pending > 0 {
			st.InSync = false
		}
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b PeerStatus) int { return cmp.Compare(a.Peer, b.Peer) })
	return out
}

// Degraded returns the peers replication to which is degraded.
func (r *Runtime) Degraded() []shard.NodeID {
	var out []shard.NodeID
	for _, st := range r.SyncStatus() {
		if st.Degraded {
			out = append(out, st.Peer)
		}
	}
	return out
}
