package vecmesh

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/vecmesh/shard"
	"github.com/hupe1980/vecmesh/transport"
	"github.com/hupe1980/vecmesh/vector"
)

type searchOptions struct {
	after *Result
	probe int
}

// SearchOption configures Nearest.
type SearchOption func(*searchOptions)

// WithAfter resumes a query strictly after r in (distance, id) order.
// Passing the last result of a page returns the next page.
func WithAfter(r Result) SearchOption {
	return func(o *searchOptions) {
		o.after = &r
	}
}

// WithProbe limits the query to the n ranges whose key intervals lie
// nearest the query's Hilbert key. Results are then approximate: a true
// neighbor in a range farther along the curve is missed.
func WithProbe(n int) SearchOption {
	return func(o *searchOptions) {
		o.probe = n
	}
}

// Nearest returns the k stored vectors closest to q under metric, ordered
// by distance and then id.
//
// Example paging through results:
//
//	page, _ := n.Nearest(ctx, q, 10, vector.Euclidean)
//	next, _ := n.Nearest(ctx, q, 10, vector.Euclidean, vecmesh.WithAfter(page[len(page)-1]))
func (n *Node) Nearest(ctx context.Context, q vector.Vector, k int, metric vector.Metric, opts ...SearchOption) ([]Result, error) {
	start := time.Now()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if err := vector.Validate(q, n.dim); err != nil {
		return nil, translateError(err)
	}
	var so searchOptions
	for _, opt := range opts {
		opt(&so)
	}

	var (
		out     []Result
		fanout  int
		lastErr error
	)
	lastErr = n.withRefresh(ctx, func() error {
		ranges := n.mgr.Map().Ranges
		if so.probe > 0 {
			key, err := n.curve.Encode(q)
			if err != nil {
				return err
			}
			ranges = nearestRanges(ranges, key, so.probe)
		}
		fanout = len(ranges)

		var mu sync.Mutex
		var hits []Result
		err := n.scatter(ctx, ranges, func(ctx context.Context, owner shard.NodeID, ids []shard.ID) error {
			res, err := n.queryOwner(ctx, owner, ids, queryRequest{
				Vector: q,
				K:      k,
				Metric: metric,
				After:  so.after,
				Shards: ids,
			})
			if err != nil {
				return err
			}
			mu.Lock()
			hits = append(hits, res...)
			mu.Unlock()
			return nil
		})
		out = merge(hits, k)
		return err
	})

	n.opts.metricsCollector.RecordSearch(k, fanout, time.Since(start), lastErr)
	n.logger.LogSearch(ctx, k, fanout, len(out), lastErr)
	if lastErr != nil {
		return nil, translateError(lastErr)
	}
	return out, nil
}

func (n *Node) queryOwner(ctx context.Context, owner shard.NodeID, ids []shard.ID, req queryRequest) ([]Result, error) {
	if owner == n.id {
		if err := n.ownedLocally(ids); err != nil {
			return nil, err
		}
		return n.mgr.Nearest(req.Vector, req.K, req.Metric, req.After, ids)
	}
	var resp queryResponse
	err := n.call(ctx, owner, transport.KindQuery, ids[0], req, &resp)
	if err == nil {
		return resp.Results, nil
	}
	if !n.fallbackable(err) {
		return nil, err
	}
	reps, ok := n.localReplicas(ids)
	if !ok {
		return nil, err
	}
	var out []Result
	for _, rep := range reps {
		res, rerr := rep.Nearest(req.Vector, req.K, req.Metric, req.After)
		if rerr != nil {
			return nil, rerr
		}
		out = append(out, res...)
	}
	n.logger.DebugContext(ctx, "query served by local replica", "peer", string(owner), "error", err)
	return out, nil
}

// merge keeps the highest version of each id and returns the k best hits.
func merge(hits []Result, k int) []Result {
	latest := make(map[string]int, len(hits))
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		if i, ok := latest[h.ID]; ok {
			if h.Version > out[i].Version {
				out[i] = h
			}
			continue
		}
		latest[h.ID] = len(out)
		out = append(out, h)
	}
	slices.SortFunc(out, Result.Compare)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// nearestRanges returns the n ranges closest to key along the curve.
func nearestRanges(ranges []shard.Range, key uint64, n int) []shard.Range {
	if n >= len(ranges) {
		return ranges
	}
	out := slices.Clone(ranges)
	slices.SortStableFunc(out, func(a, b shard.Range) int {
		return cmp.Compare(keyGap(a, key), keyGap(b, key))
	})
	return out[:n]
}

func keyGap(r shard.Range, key uint64) uint64 {
	switch {
	case r.Contains(key):
		return 0
	case key < r.Low:
		return r.Low - key
	default:
		return key - (r.High - 1)
	}
}
