package shard

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/vecmesh/blobstore"
	"github.com/hupe1980/vecmesh/crdt"
)

type replicaSnapshot struct {
	Range Range      `json:"range"`
	Delta crdt.Delta `json:"delta"`
}

func snapshotName(prefix string, id ID) string {
	return fmt.Sprintf("%s/%010d", prefix, id)
}

// Checkpoint writes every local replica to store under prefix and removes
// snapshots of shards this node no longer holds. It returns the number of
// replicas written.
func (m *Manager) Checkpoint(ctx context.Context, store blobstore.Store, prefix string) (int, error) {
	written := make(map[string]bool)
	for _, rep := range m.Replicas() {
		d, _ := rep.Centroid().DeltaSince(crdt.ReplicaID(m.self), 0)
		data, err := m.framer.Encode(replicaSnapshot{Range: rep.Range(), Delta: d})
		if err != nil {
			return len(written), err
		}
		name := snapshotName(prefix, rep.Shard())
		if err := store.Put(ctx, name, data); err != nil {
			return len(written), fmt.Errorf("shard: checkpoint %d: %w", rep.Shard(), err)
		}
		written[name] = true
	}

	names, err := store.List(ctx, prefix+"/")
	if err != nil {
		return len(written), err
	}
	for _, name := range names {
		if !written[name] {
			if err := store.Delete(ctx, name); err != nil && !blobstore.IsNotFound(err) {
				return len(written), err
			}
		}
	}
	return len(written), nil
}

// Restore loads replica snapshots written by Checkpoint. Call it before
// Bootstrap; the map installed there decides which of the restored
// mutations this node keeps. The clock is advanced past every restored
// dot of this node.
func (m *Manager) Restore(ctx context.Context, store blobstore.Store, prefix string) (int, error) {
	names, err := store.List(ctx, prefix+"/")
	if err != nil {
		return 0, err
	}

	restored := make(map[ID]*Replica)
	for _, name := range names {
		if !strings.HasPrefix(name, prefix+"/") {
			continue
		}
		data, err := store.Get(ctx, name)
		if err != nil {
			return 0, err
		}
		var snap replicaSnapshot
		if err := m.framer.Decode(data, &snap); err != nil {
			return 0, fmt.Errorf("shard: decode snapshot %s: %w", name, err)
		}
		c := crdt.New(m.curve.Dim())
		if _, err := c.Apply(snap.Delta); err != nil {
			return 0, fmt.Errorf("shard: restore snapshot %s: %w", name, err)
		}
		m.clock.Witness(c.Context()[crdt.ReplicaID(m.self)])
		restored[snap.Range.ID] = newReplica(snap.Range, c, false, m.now)
	}

	m.repMu.Lock()
	defer m.repMu.Unlock()
	for id, rep := range restored {
		m.replicas[id] = rep
	}
	m.logger.Info("replicas restored", "count", len(restored))
	return len(restored), nil
}
