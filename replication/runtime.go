package replication

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecmesh/breaker"
	"github.com/hupe1980/vecmesh/codec"
	"github.com/hupe1980/vecmesh/crdt"
	"github.com/hupe1980/vecmesh/event"
	"github.com/hupe1980/vecmesh/internal/pool"
	"github.com/hupe1980/vecmesh/resource"
	"github.com/hupe1980/vecmesh/shard"
	"github.com/hupe1980/vecmesh/transport"
)

// ErrClosed is returned by RunEpoch after Close.
var ErrClosed = errors.New("replication: runtime closed")

// Config holds the replication knobs.
type Config struct {
	// EpochInterval is the period of the epoch ticker. Default 1s.
	EpochInterval time.Duration
	// CallTimeout bounds each delivery when the runtime creates its own
	// breakers. Default 2s.
	CallTimeout time.Duration
	// DegradedAfter is how long a peer may go without a successful
	// delivery before replication to it is reported degraded. Default 30s.
	DegradedAfter time.Duration
	// Workers is the size of the flow worker pool. Default GOMAXPROCS.
	Workers int
	// MaxBatch caps the mutations sent in one delivery. Default 1024.
	MaxBatch int
	// Compression is applied to delta payloads. Default lz4.
	Compression codec.Compression
}

// DefaultConfig returns the default replication settings.
func DefaultConfig() Config {
	return Config{
		EpochInterval: time.Second,
		CallTimeout:   2 * time.Second,
		DegradedAfter: 30 * time.Second,
		MaxBatch:      1024,
		Compression:   codec.CompressionLZ4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.EpochInterval <= 0 {
		c.EpochInterval = d.EpochInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = d.DegradedAfter
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = d.MaxBatch
	}
	return c
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithConfig sets the replication configuration.
func WithConfig(cfg Config) Option {
	return func(r *Runtime) { r.cfg = cfg }
}

// WithBreakers sets the per-peer breaker table. Share it with the shard
// manager so migration and replication see the same peer health.
func WithBreakers(reg *breaker.Registry) Option {
	return func(r *Runtime) { r.breakers = reg }
}

// WithResources bounds the number of concurrent flows.
func WithResources(rc *resource.Controller) Option {
	return func(r *Runtime) { r.res = rc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithObserver sets the event observer.
func WithObserver(o event.Observer) Option {
	return func(r *Runtime) { r.observer = o }
}

// WithClock sets the time source used for synchrony tracking.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

type flowKey struct {
	shard shard.ID
	peer  shard.NodeID
}

type watermark struct {
	gen uint64
	pos int
}

type result struct {
	key  flowKey
	gen  uint64
	end  int
	sent int
	err  error
	done *sync.WaitGroup
}

// Runtime replicates the local replicas of one node.
type Runtime struct {
	mgr      *shard.Manager
	net      transport.Transport
	breakers *breaker.Registry
	res      *resource.Controller
	pool     *pool.WorkerPool
	framer   codec.Framer
	cfg      Config
	logger   *slog.Logger
	observer event.Observer
	now      func() time.Time

	mu       sync.Mutex
	marks    map[flowKey]watermark
	inflight map[flowKey]bool
	peers    map[shard.NodeID]*peerState

	results chan result
	epochs  atomic.Uint64

	closed   atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	loopDone chan struct{}
	tickers  sync.WaitGroup
}

// New creates a runtime replicating the replicas of mgr over t.
func New(mgr *shard.Manager, t transport.Transport, opts ...Option) *Runtime {
	r := &Runtime{
		mgr:      mgr,
		net:      t,
		cfg:      DefaultConfig(),
		logger:   slog.New(slog.DiscardHandler),
		observer: event.NoopObserver{},
		now:      time.Now,
		marks:    make(map[flowKey]watermark),
		inflight: make(map[flowKey]bool),
		peers:    make(map[shard.NodeID]*peerState),
		results:  make(chan result),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cfg = r.cfg.withDefaults()
	if r.breakers == nil {
		cfg := breaker.DefaultConfig()
		cfg.CallTimeout = r.cfg.CallTimeout
		r.breakers = breaker.NewRegistry(cfg, breaker.WithLogger(r.logger), breaker.WithObserver(r.observer))
	}
	r.framer = codec.Framer{Compression: r.cfg.Compression}
	r.logger = r.logger.With("node", string(mgr.Self()))
	r.pool = pool.New(r.cfg.Workers)

	go r.loop()
	return r
}

// Breakers returns the breaker table.
func (r *Runtime) Breakers() *breaker.Registry { return r.breakers }

// Epochs returns the number of epochs started.
func (r *Runtime) Epochs() uint64 { return r.epochs.Load() }

// RunEpoch starts one epoch and waits for the flows it started. Flows
// still running from an earlier epoch are skipped. It returns the number
// of flows started.
func (r *Runtime) RunEpoch(ctx context.Context) (int, error) {
	wg, n, err := r.startEpoch(ctx)
	wg.Wait()
	return n, err
}

// Start runs an epoch every EpochInterval until ctx ends or Close is
// called. Epochs do not wait for each other; a slow flow is skipped until
// it finishes.
func (r *Runtime) Start(ctx context.Context) {
	r.tickers.Add(1)
	go func() {
		defer r.tickers.Done()
		t := time.NewTicker(r.cfg.EpochInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-t.C:
				if _, _, err := r.startEpoch(ctx); err != nil && !errors.Is(err, ErrClosed) {
					r.logger.Debug("epoch not started", "error", err)
				}
			}
		}
	}()
	r.logger.Info("replication started", "interval", r.cfg.EpochInterval)
}

// Close stops the ticker, lets running flows finish and stops the result
// loop.
func (r *Runtime) Close() {
	r.stopOnce.Do(func() {
		r.closed.Store(true)
		close(r.stop)
		r.tickers.Wait()
		r.pool.Close()
		close(r.results)
		<-r.loopDone
		r.logger.Info("replication stopped")
	})
}

func (r *Runtime) startEpoch(ctx context.Context) (*sync.WaitGroup, int, error) {
	wg := &sync.WaitGroup{}
	if r.closed.Load() {
		return wg, 0, ErrClosed
	}
	r.epochs.Add(1)

	self := r.mgr.Self()
	started := 0
	for _, rep := range r.mgr.Replicas() {
		for _, peer := range rep.Range().Peers(self) {
			key := flowKey{shard: rep.Shard(), peer: peer}
			gen := rep.Generation()

			r.mu.Lock()
			if r.inflight[key] {
				r.mu.Unlock()
				continue
			}
			from := 0
			if wm, ok := r.marks[key]; ok && wm.gen == gen {
				from = wm.pos
			}
			r.inflight[key] = true
			r.mu.Unlock()

			wg.Add(1)
			err := r.pool.Submit(ctx, func() {
				res := r.deliver(ctx, key, rep, from)
				res.done = wg
				r.results <- res
			})
			if err != nil {
				r.mu.Lock()
				delete(r.inflight, key)
				r.mu.Unlock()
				wg.Done()
				if errors.Is(err, pool.ErrClosed) {
					err = ErrClosed
				}
				return wg, started, err
			}
			started++
		}
	}
	return wg, started, nil
}

type deltaRequest struct {
	MapVersion uint64     `json:"map_version"`
	Delta      crdt.Delta `json:"delta"`
}

// deliver sends the mutations of rep past from to key.peer.
func (r *Runtime) deliver(ctx context.Context, key flowKey, rep *shard.Replica, from int) result {
	res := result{key: key, gen: rep.Generation(), end: from}

	c := rep.Centroid()
	end := min(c.Len(), from+r.cfg.MaxBatch)
	if end <= from {
		return res
	}
	rng := rep.Range()
	muts := slices.DeleteFunc(c.DeltaRange("", from, end).Mutations, func(m crdt.Mutation) bool {
		return !r.owes(rng, m)
	})
	delta := crdt.NewDelta(crdt.ReplicaID(r.mgr.Self()), c.Dim(), muts)
	if delta.Empty() {
		res.end = end
		return res
	}
	body, err := r.framer.Encode(deltaRequest{
		MapVersion: r.mgr.Map().Version,
		Delta:      delta,
	})
	if err != nil {
		res.err = err
		return res
	}

	if err := r.res.AcquireFlow(ctx); err != nil {
		res.err = err
		return res
	}
	defer r.res.ReleaseFlow()

	env := transport.Envelope{Kind: transport.KindDelta, Shard: uint32(key.shard), Body: body}
	var remoteErr error
	err = r.breakers.Get(string(key.peer)).Do(ctx, func(ctx context.Context) error {
		_, err := r.net.Send(ctx, string(key.peer), env)
		if transport.IsRemote(err) {
			remoteErr = err
			return nil
		}
		return err
	})
	if err == nil {
		err = remoteErr
	}
	if err != nil {
		res.err = err
		return res
	}
	res.end, res.sent = end, len(delta.Mutations)
	return res
}

// owes reports whether this node must deliver m to the other holders of
// rng. Each holder pushes the mutations it originated; mutations whose
// origin no longer holds the range are pushed by every holder that has
// them. Everything else reaches the peers from its origin directly.
func (r *Runtime) owes(rng shard.Range, m crdt.Mutation) bool {
	origin := shard.NodeID(m.Dot.Replica)
	return origin == r.mgr.Self() || !rng.Holds(origin)
}

func (r *Runtime) loop() {
	defer close(r.loopDone)
	for res := range r.results {
		r.apply(res)
		res.done.Done()
	}
}

// apply records the outcome of one flow task.
func (r *Runtime) apply(res result) {
	now := r.now()

	r.mu.Lock()
	delete(r.inflight, res.key)
	if res.err == nil {
		wm, ok := r.marks[res.key]
		if !ok || wm.gen != res.gen || res.end > wm.pos {
			r.marks[res.key] = watermark{gen: res.gen, pos: res.end}
		}
	}
	ps := r.peerLocked(res.key.peer)
	change, since := ps.record(now, res.err, r.cfg.DegradedAfter)
	r.mu.Unlock()

	log := r.logger.With("shard", uint32(res.key.shard), "peer", string(res.key.peer))
	switch {
	case res.err != nil:
		log.Debug("delta not delivered", "error", res.err)
	case res.sent > 0:
		log.Debug("delta delivered", "mutations", res.sent, "watermark", res.end)
	}

	switch change {
	case becameDegraded:
		log.Warn("replication degraded", "failing_since", since, "error", res.err)
		event.Emit(r.observer, event.Event{
			Kind:  event.KindReplicationDegraded,
			Node:  string(r.mgr.Self()),
			Shard: uint32(res.key.shard),
			Peer:  string(res.key.peer),
			Err:   res.err,
		})
	case recovered:
		log.Info("replication recovered")
		event.Emit(r.observer, event.Event{
			Kind:  event.KindReplicationRecovered,
			Node:  string(r.mgr.Self()),
			Shard: uint32(res.key.shard),
			Peer:  string(res.key.peer),
		})
	}
}

func (r *Runtime) peerLocked(id shard.NodeID) *peerState {
	ps, ok := r.peers[id]
	if !ok {
		ps = &peerState{}
		r.peers[id] = ps
	}
	return ps
}
