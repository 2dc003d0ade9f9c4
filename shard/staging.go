package shard

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/vecmesh/crdt"
	"github.com/hupe1980/vecmesh/transport"
)

// stagingArea holds the state a destination receives for a migration
// until ownership is committed. It is never served to clients.
type stagingArea struct {
	id       string
	rng      Range
	source   NodeID
	centroid *crdt.Centroid
	bytes    int64
	deadline time.Time
	verified bool
}

// Register installs the migration and map-update handlers on mux.
func (m *Manager) Register(mux *transport.Mux) {
	mux.RegisterFunc(transport.KindTransferBegin, m.handleBegin)
	mux.RegisterFunc(transport.KindTransferChunk, m.handleChunk)
	mux.RegisterFunc(transport.KindTransferCommit, m.handleCommit)
	mux.RegisterFunc(transport.KindTransferFinalize, m.handleFinalize)
	mux.RegisterFunc(transport.KindTransferAbort, m.handleAbort)
	mux.RegisterFunc(transport.KindMapUpdate, m.handleMapUpdate)
}

func (m *Manager) handleBegin(_ context.Context, env transport.Envelope) (transport.Envelope, error) {
	var req beginRequest
	if err := m.framer.Decode(env.Body, &req); err != nil {
		return transport.Envelope{}, err
	}

	m.stMu.Lock()
	defer m.stMu.Unlock()

	if st, ok := m.staging[req.MigrationID]; ok {
		st.deadline = m.now().Add(m.cfg.StagingTTL)
		return transport.Ack(), nil
	}
	// A newer migration of the same shard supersedes an abandoned one.
	for id, st := range m.staging {
		if st.rng.ID == req.Range.ID {
			m.dropStagingLocked(id, "superseded")
		}
	}
	m.staging[req.MigrationID] = &stagingArea{
		id:       req.MigrationID,
		rng:      req.Range,
		source:   NodeID(env.From),
		centroid: crdt.New(m.curve.Dim()),
		deadline: m.now().Add(m.cfg.StagingTTL),
	}
	m.logger.Debug("staging area opened", "migration_id", req.MigrationID, "shard", uint32(req.Range.ID), "peer", env.From)
	return transport.Ack(), nil
}

// stage applies d to the staging area of migration id.
func (m *Manager) stage(id string, d crdt.Delta, size int) (*stagingArea, error) {
	m.stMu.Lock()
	defer m.stMu.Unlock()

	st, ok := m.staging[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoStaging, id)
	}
	if err := m.res.ReserveStaging(int64(size)); err != nil {
		return nil, err
	}
	st.bytes += int64(size)
	st.deadline = m.now().Add(m.cfg.StagingTTL)

	if err := d.Verify(m.curve.Dim()); err != nil {
		return nil, err
	}
	if _, err := st.centroid.Apply(d); err != nil {
		if crdt.IsConflict(err) {
			m.violation(st.rng.ID, err)
		}
		return nil, err
	}
	return st, nil
}

func (m *Manager) handleChunk(_ context.Context, env transport.Envelope) (transport.Envelope, error) {
	var req chunkRequest
	if err := m.framer.Decode(env.Body, &req); err != nil {
		return transport.Envelope{}, err
	}
	if _, err := m.stage(req.MigrationID, req.Delta, len(env.Body)); err != nil {
		return transport.Envelope{}, err
	}
	return transport.Ack(), nil
}

func (m *Manager) handleCommit(_ context.Context, env transport.Envelope) (transport.Envelope, error) {
	var req commitRequest
	if err := m.framer.Decode(env.Body, &req); err != nil {
		return transport.Envelope{}, err
	}
	st, err := m.stage(req.MigrationID, req.Delta, len(env.Body))
	if err != nil {
		return transport.Envelope{}, err
	}

	m.stMu.Lock()
	defer m.stMu.Unlock()

	// The staged state must hold every dot the source applied.
	if missing := st.centroid.Dots().MissingFrom(req.Dots); missing > 0 || !st.centroid.Context().Dominates(req.Context) {
		m.logger.Warn("staged state does not cover source",
			"migration_id", req.MigrationID, "shard", uint32(st.rng.ID), "missing", missing)
		return transport.Envelope{}, fmt.Errorf("%w: %d dots missing", ErrMigrationVerificationFailed, missing)
	}
	st.verified = true
	return transport.Ack(), nil
}

func (m *Manager) handleFinalize(ctx context.Context, env transport.Envelope) (transport.Envelope, error) {
	var req finalizeRequest
	if err := m.framer.Decode(env.Body, &req); err != nil {
		return transport.Envelope{}, err
	}
	if _, err := m.Refresh(ctx); err != nil {
		return transport.Envelope{}, err
	}
	// The map may already have been installed by a broadcast; promote now.
	m.promotePending()
	return transport.Ack(), nil
}

func (m *Manager) handleAbort(_ context.Context, env transport.Envelope) (transport.Envelope, error) {
	var req abortRequest
	if err := m.framer.Decode(env.Body, &req); err != nil {
		return transport.Envelope{}, err
	}

	m.stMu.Lock()
	defer m.stMu.Unlock()
	m.dropStagingLocked(req.MigrationID, req.Reason)
	return transport.Ack(), nil
}

func (m *Manager) handleMapUpdate(ctx context.Context, _ transport.Envelope) (transport.Envelope, error) {
	if _, err := m.Refresh(ctx); err != nil {
		return transport.Envelope{}, err
	}
	return transport.Ack(), nil
}

func (m *Manager) dropStagingLocked(id, reason string) {
	st, ok := m.staging[id]
	if !ok {
		return
	}
	delete(m.staging, id)
	m.res.ReleaseStaging(st.bytes)
	m.logger.Info("staging area discarded", "migration_id", id, "shard", uint32(st.rng.ID), "reason", reason)
}

// promoteStaging merges a verified staging area for rep's range into rep
// and drops it. Called with repMu held.
func (m *Manager) promoteStaging(rep *Replica) {
	m.stMu.Lock()
	defer m.stMu.Unlock()

	b := rep.Range()
	for id, st := range m.staging {
		if !st.verified || st.rng.ID != b.ID || st.rng.Low != b.Low || st.rng.High != b.High {
			continue
		}
		d, _ := st.centroid.DeltaSince(crdt.ReplicaID(st.source), 0)
		if _, err := rep.Apply(d); err != nil {
			m.logger.Error("staging promotion failed", "migration_id", id, "shard", uint32(b.ID), "error", err)
			continue
		}
		delete(m.staging, id)
		m.res.ReleaseStaging(st.bytes)
		m.logger.Info("staging area promoted", "migration_id", id, "shard", uint32(b.ID), "mutations", st.centroid.Len())
	}
}

// promotePending promotes verified staging areas for ranges this node
// already owns.
func (m *Manager) promotePending() {
	for _, rep := range m.Owned() {
		m.repMu.RLock()
		m.promoteStaging(rep)
		m.repMu.RUnlock()
	}
}

// StagingAreas returns the number of open staging areas.
func (m *Manager) StagingAreas() int {
	m.stMu.Lock()
	defer m.stMu.Unlock()
	return len(m.staging)
}

// SweepStaging discards staging areas whose deadline passed. A verified
// area is first given a chance to be promoted by refreshing the map, in
// case the commit happened but its finalize message was lost.
func (m *Manager) SweepStaging(ctx context.Context) {
	now := m.now()

	m.stMu.Lock()
	var expired []*stagingArea
	for _, st := range m.staging {
		if now.After(st.deadline) {
			expired = append(expired, st)
		}
	}
	m.stMu.Unlock()
	if len(expired) == 0 {
		return
	}

	for _, st := range expired {
		if st.verified {
			if _, err := m.Refresh(ctx); err == nil {
				m.promotePending()
			}
			break
		}
	}

	m.stMu.Lock()
	defer m.stMu.Unlock()
	for _, st := range expired {
		if _, ok := m.staging[st.id]; ok {
			m.logger.Warn("staging area expired", "migration_id", st.id, "shard", uint32(st.rng.ID), "verified", st.verified)
			m.dropStagingLocked(st.id, "expired")
		}
	}
}
