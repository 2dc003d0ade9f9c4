package shard

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrRebalanceIncomplete is returned when Rebalance cannot reach the
// target shard count from the ranges this node owns.
var ErrRebalanceIncomplete = errors.New("shard: rebalance incomplete")

const maxCommitAttempts = 3

// commitMap derives a new map from the current one with fn and stores it
// by compare-and-swap, refreshing and retrying on version conflicts.
func (m *Manager) commitMap(ctx context.Context, fn func(*Map) (*Map, error)) (*Map, error) {
	var lastErr error
	for range maxCommitAttempts {
		cur := m.Map()
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		err = m.store.CompareAndSwap(ctx, cur.Version, next)
		if err == nil {
			m.install(next)
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		if _, err := m.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// Split divides local shard id at key at. The new right-hand range keeps
// the owner and replica set, so no data moves between nodes.
func (m *Manager) Split(ctx context.Context, id ID, at uint64) (Migration, error) {
	task, err := m.beginTask(id, "", StateSplitting)
	if err != nil {
		return Migration{}, err
	}
	defer m.endTask(task)

	var right ID
	next, err := m.commitMap(ctx, func(cur *Map) (*Map, error) {
		r, ok := cur.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownShard, id)
		}
		if r.Owner != m.self {
			return nil, fmt.Errorf("%w: shard %d is owned by %s", ErrNotOwner, id, r.Owner)
		}
		nm, newID, err := cur.Split(id, at)
		right = newID
		return nm, err
	})
	if err != nil {
		task.fail(err)
		return task.status(), err
	}

	task.set(StateStable, 1)
	m.logger.Info("shard split", "shard", uint32(id), "new_shard", uint32(right), "at", at, "version", next.Version)
	m.broadcastMap(ctx, next)
	return task.status(), nil
}

// MergeRight joins local shard id with its right neighbor. Both must be
// owned by this node.
func (m *Manager) MergeRight(ctx context.Context, id ID) (Migration, error) {
	task, err := m.beginTask(id, "", StateMerging)
	if err != nil {
		return Migration{}, err
	}
	defer m.endTask(task)

	var absorbed ID
	next, err := m.commitMap(ctx, func(cur *Map) (*Map, error) {
		r, ok := cur.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownShard, id)
		}
		right, ok := cur.Neighbor(id)
		if !ok {
			return nil, fmt.Errorf("%w: shard %d has no right neighbor", ErrInvalidMap, id)
		}
		if r.Owner != m.self || right.Owner != m.self {
			return nil, fmt.Errorf("%w: shards %d and %d", ErrNotOwner, id, right.ID)
		}
		absorbed = right.ID
		return cur.Merge(id)
	})
	if err != nil {
		task.fail(err)
		return task.status(), err
	}

	task.set(StateStable, 1)
	m.logger.Info("shards merged", "shard", uint32(id), "absorbed", uint32(absorbed), "version", next.Version)
	m.broadcastMap(ctx, next)
	return task.status(), nil
}

// splitPoint returns the median live key of rep, or the middle of its
// range when that does not split it.
func splitPoint(rep *Replica) (uint64, bool) {
	r := rep.Range()
	if r.Width() < 2 {
		return 0, false
	}
	if keys := rep.Keys(); len(keys) >= 2 {
		if at := keys[len(keys)/2]; at > r.Low && at < r.High {
			return at, true
		}
	}
	return r.Low + r.Width()/2, true
}

func busier(a, b Load) int {
	if c := cmp.Compare(b.Vectors, a.Vectors); c != 0 {
		return c
	}
	if c := cmp.Compare(b.QueryRate, a.QueryRate); c != 0 {
		return c
	}
	return cmp.Compare(a.Shard, b.Shard)
}

// Rebalance changes the shard count toward target. Growing splits the
// most loaded local ranges first; shrinking merges the least loaded
// adjacent pairs of local ranges first. Only ranges this node owns are
// touched; if the target cannot be reached that way the returned error
// wraps ErrRebalanceIncomplete.
func (m *Manager) Rebalance(ctx context.Context, target int) (*Map, error) {
	if target < 1 {
		return nil, fmt.Errorf("%w: target shard count %d", ErrInvalidMap, target)
	}

	for m.Map().Len() < target {
		loads := make([]Load, 0)
		for _, rep := range m.Owned() {
			loads = append(loads, rep.Load())
		}
		slices.SortFunc(loads, busier)

		split := false
		for _, l := range loads {
			rep, ok := m.Local(l.Shard)
			if !ok {
				continue
			}
			at, ok := splitPoint(rep)
			if !ok {
				continue
			}
			if _, err := m.Split(ctx, l.Shard, at); err != nil {
				return m.Map(), err
			}
			split = true
			break
		}
		if !split {
			return m.Map(), fmt.Errorf("%w: %d of %d shards", ErrRebalanceIncomplete, m.Map().Len(), target)
		}
	}

	for m.Map().Len() > target {
		cur := m.Map()
		type pair struct {
			left    ID
			vectors int
		}
		var pairs []pair
		for i := 0; i+1 < len(cur.Ranges); i++ {
			l, r := cur.Ranges[i], cur.Ranges[i+1]
			if l.Owner != m.self || r.Owner != m.self {
				continue
			}
			n := 0
			for _, id := range []ID{l.ID, r.ID} {
				if rep, ok := m.Local(id); ok {
					n += rep.Len()
				}
			}
			pairs = append(pairs, pair{left: l.ID, vectors: n})
		}
		if len(pairs) == 0 {
			return cur, fmt.Errorf("%w: %d of %d shards", ErrRebalanceIncomplete, cur.Len(), target)
		}
		slices.SortStableFunc(pairs, func(a, b pair) int { return cmp.Compare(a.vectors, b.vectors) })
		if _, err := m.MergeRight(ctx, pairs[0].left); err != nil {
			return m.Map(), err
		}
	}

	return m.Map(), nil
}
