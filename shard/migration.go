package shard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/vecmesh/crdt"
	"github.com/hupe1980/vecmesh/event"
	"github.com/hupe1980/vecmesh/transport"
	"github.com/sethvargo/go-retry"
)

// MigrationState is a step of the migration state machine.
type MigrationState int

const (
	StateStable MigrationState = iota
	StateSplitting
	StateMerging
	StateTransferring
	StateCommitted
	StateRolledBack
)

func (s MigrationState) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateSplitting:
		return "splitting"
	case StateMerging:
		return "merging"
	case StateTransferring:
		return "transferring"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Migration is a point-in-time view of a migration.
type Migration struct {
	ID          string         `json:"id"`
	Shard       ID             `json:"shard"`
	Source      NodeID         `json:"source"`
	Destination NodeID         `json:"destination,omitempty"`
	State       MigrationState `json:"state"`
	Progress    float64        `json:"progress"`
	Created     time.Time      `json:"created"`
	Updated     time.Time      `json:"updated"`
	Err         string         `json:"error,omitempty"`
}

// Done reports whether the migration reached a terminal state.
func (m Migration) Done() bool {
	return m.State == StateStable || m.State == StateRolledBack
}

type migrationTask struct {
	mu  sync.Mutex
	now func() time.Time
	st  Migration
}

func (t *migrationTask) set(state MigrationState, progress float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.State = state
	t.st.Progress = progress
	t.st.Updated = t.now()
}

func (t *migrationTask) progress(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.Progress = p
	t.st.Updated = t.now()
}

func (t *migrationTask) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.State = StateRolledBack
	t.st.Err = err.Error()
	t.st.Updated = t.now()
}

// unsettled records err without leaving StateTransferring.
func (t *migrationTask) unsettled(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.Err = err.Error()
	t.st.Updated = t.now()
}

func (t *migrationTask) status() Migration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st
}

// beginTask registers a migration for shard id. At most one migration
// per shard is active at a time.
func (m *Manager) beginTask(id ID, dest NodeID, state MigrationState) (*migrationTask, error) {
	m.migMu.Lock()
	defer m.migMu.Unlock()

	if running, ok := m.active[id]; ok {
		return nil, fmt.Errorf("%w: shard %d (%s)", ErrMigrationInProgress, id, running)
	}
	now := m.now()
	t := &migrationTask{
		now: m.now,
		st: Migration{
			ID:          uuid.NewString(),
			Shard:       id,
			Source:      m.self,
			Destination: dest,
			State:       state,
			Created:     now,
			Updated:     now,
		},
	}
	m.migrations[t.st.ID] = t
	m.active[id] = t.st.ID
	return t, nil
}

func (m *Manager) endTask(t *migrationTask) {
	m.migMu.Lock()
	defer m.migMu.Unlock()
	if m.active[t.st.Shard] == t.st.ID {
		delete(m.active, t.st.Shard)
	}
}

// Migration returns the status of migration id.
func (m *Manager) Migration(id string) (Migration, bool) {
	m.migMu.Lock()
	t, ok := m.migrations[id]
	m.migMu.Unlock()
	if !ok {
		return Migration{}, false
	}
	return t.status(), true
}

// Migrations returns every migration started on this node, oldest first.
func (m *Manager) Migrations() []Migration {
	m.migMu.Lock()
	out := make([]Migration, 0, len(m.migrations))
	for _, t := range m.migrations {
		out = append(out, t.status())
	}
	m.migMu.Unlock()

	slices.SortFunc(out, func(a, b Migration) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

type beginRequest struct {
	MigrationID string `json:"migration_id"`
	Range       Range  `json:"range"`
	MapVersion  uint64 `json:"map_version"`
}

type chunkRequest struct {
	MigrationID string     `json:"migration_id"`
	Seq         int        `json:"seq"`
	Delta       crdt.Delta `json:"delta"`
}

type commitRequest struct {
	MigrationID string       `json:"migration_id"`
	Delta       crdt.Delta   `json:"delta"`
	Dots        *crdt.DotSet `json:"dots"`
	Context     crdt.Context `json:"context"`
}

type finalizeRequest struct {
	MigrationID string `json:"migration_id"`
	MapVersion  uint64 `json:"map_version"`
}

type abortRequest struct {
	MigrationID string `json:"migration_id"`
	Reason      string `json:"reason"`
}

// Migrate transfers ownership of shard id from this node to dest. It
// returns once the migration committed or rolled back; on rollback this
// node remains owner and the returned error wraps ErrMigrationTimeout,
// ErrMigrationVerificationFailed or the cause. If the map store cannot say
// whether ownership moved, the error wraps ErrMigrationOutcomeUnknown:
// nothing is rolled back, the destination keeps its staged copy and this
// node keeps its replica without accepting writes until Refresh.
func (m *Manager) Migrate(ctx context.Context, id ID, dest NodeID) (Migration, error) {
	rng, ok := m.Map().Get(id)
	if !ok {
		return Migration{}, fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	if rng.Owner != m.self {
		return Migration{}, fmt.Errorf("%w: shard %d is owned by %s", ErrNotOwner, id, rng.Owner)
	}
	if dest == "" || dest == m.self {
		return Migration{}, fmt.Errorf("shard: invalid migration destination %q", dest)
	}

	task, err := m.beginTask(id, dest, StateTransferring)
	if err != nil {
		return Migration{}, err
	}
	defer m.endTask(task)

	if err := m.res.AcquireMigration(ctx); err != nil {
		task.fail(err)
		return task.status(), err
	}
	defer m.res.ReleaseMigration()

	log := m.logger.With("migration_id", task.st.ID, "shard", uint32(id), "peer", string(dest))
	log.Info("migration started")
	event.Emit(m.observer, event.Event{
		Kind:        event.KindMigrationStarted,
		Node:        string(m.self),
		Shard:       uint32(id),
		Peer:        string(dest),
		MigrationID: task.st.ID,
	})

	if err := m.transfer(ctx, task, rng); err != nil {
		if errors.Is(err, ErrMigrationOutcomeUnknown) {
			task.unsettled(err)
			log.Error("migration outcome unknown", "error", err)
			return task.status(), err
		}
		m.rollback(ctx, task, err)
		log.Warn("migration rolled back", "error", err)
		return task.status(), err
	}
	log.Info("migration committed", "version", m.Map().Version)
	return task.status(), nil
}

func (m *Manager) transfer(ctx context.Context, task *migrationTask, rng Range) error {
	rep, ok := m.Local(rng.ID)
	if !ok || !rep.IsOwner() {
		return fmt.Errorf("%w: shard %d", ErrNotOwner, rng.ID)
	}
	dest := task.st.Destination
	mid := task.st.ID

	tctx, cancel := context.WithTimeout(ctx, m.cfg.MigrationTimeout)
	defer cancel()

	if err := m.sendTransfer(tctx, dest, transport.KindTransferBegin, rng.ID, beginRequest{
		MigrationID: mid,
		Range:       rng,
		MapVersion:  m.Map().Version,
	}); err != nil {
		return m.transferErr(ctx, tctx, err)
	}

	// Stream the log while writes continue; the tail goes at commit.
	c := rep.Centroid()
	sent, seq := 0, 0
	for {
		total := c.Len()
		if total-sent <= m.cfg.ChunkSize {
			break
		}
		end := sent + m.cfg.ChunkSize
		if err := m.sendTransfer(tctx, dest, transport.KindTransferChunk, rng.ID, chunkRequest{
			MigrationID: mid,
			Seq:         seq,
			Delta:       c.DeltaRange(crdt.ReplicaID(m.self), sent, end),
		}); err != nil {
			return m.transferErr(ctx, tctx, err)
		}
		sent, seq = end, seq+1
		task.progress(0.9 * float64(sent) / float64(max(c.Len(), 1)))
	}

	// Commit: no writes reach the shard until ownership is settled.
	rep.mu.Lock()
	locked := true
	defer func() {
		if locked {
			rep.mu.Unlock()
		}
	}()

	tail, _ := c.DeltaSince(crdt.ReplicaID(m.self), sent)
	if err := m.sendTransfer(tctx, dest, transport.KindTransferCommit, rng.ID, commitRequest{
		MigrationID: mid,
		Delta:       tail,
		Dots:        c.Dots(),
		Context:     c.Context(),
	}); err != nil {
		return m.transferErr(ctx, tctx, err)
	}
	if err := tctx.Err(); err != nil {
		return m.transferErr(ctx, tctx, err)
	}

	next, err := m.commitOwnership(ctx, rng.ID, dest)
	if err != nil {
		if errors.Is(err, ErrMigrationOutcomeUnknown) {
			rep.fenced.Store(true)
		}
		return err
	}
	rep.owner.Store(false)
	rep.mu.Unlock()
	locked = false

	m.install(next)
	task.set(StateCommitted, 1)
	event.Emit(m.observer, event.Event{
		Kind:        event.KindMigrationCommitted,
		Node:        string(m.self),
		Shard:       uint32(rng.ID),
		Peer:        string(dest),
		MigrationID: mid,
	})

	// Ownership is settled; finish even if the caller gives up.
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.MigrationTimeout)
	defer fcancel()
	if err := m.sendTransfer(fctx, dest, transport.KindTransferFinalize, rng.ID, finalizeRequest{
		MigrationID: mid,
		MapVersion:  next.Version,
	}); err != nil {
		m.logger.Warn("migration finalize not acknowledged", "migration_id", mid, "peer", string(dest), "error", err)
	}
	m.broadcastMap(fctx, next)
	task.set(StateStable, 1)
	return nil
}

// commitOwnership swaps the owner of shard id to dest in the map store.
// The swap runs detached from ctx. A failed swap may still have been
// applied, so the stored map is read back until the store answers; if it
// never does within the migration timeout the outcome is unknown.
func (m *Manager) commitOwnership(ctx context.Context, id ID, dest NodeID) (*Map, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.MigrationTimeout)
	defer cancel()

	cur := m.Map()
	next, err := cur.Transfer(id, dest)
	if err != nil {
		return nil, err
	}
	casErr := m.store.CompareAndSwap(cctx, cur.Version, next)
	if casErr == nil {
		return next, nil
	}

	var stored *Map
	b := retry.WithCappedDuration(time.Second, retry.NewFibonacci(m.cfg.RetryBase))
	if err := retry.Do(cctx, b, func(ctx context.Context) error {
		mp, err := m.store.Load(ctx)
		if err != nil {
			m.logger.Debug("map read-back failed, retrying", "shard", uint32(id), "error", err)
			return retry.RetryableError(err)
		}
		stored = mp
		return nil
	}); err != nil || stored == nil {
		return nil, fmt.Errorf("%w: shard %d: swap: %v, read-back: %v", ErrMigrationOutcomeUnknown, id, casErr, err)
	}

	if r, ok := stored.Get(id); ok && r.Owner == dest && stored.Version >= next.Version {
		return stored, nil
	}
	return nil, fmt.Errorf("shard: commit ownership of %d: %w", id, casErr)
}

// transferErr maps an error of the transfer phase to its cause. Running
// out of migration time is ErrMigrationTimeout.
func (m *Manager) transferErr(parent, tctx context.Context, err error) error {
	if errors.Is(err, ErrMigrationVerificationFailed) {
		return err
	}
	if parent.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrMigrationTimeout, m.cfg.MigrationTimeout, err)
	}
	return err
}

func (m *Manager) rollback(ctx context.Context, task *migrationTask, cause error) {
	st := task.status()

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), max(m.cfg.RetryBase*10, time.Second))
	defer cancel()
	if m.net != nil {
		body, err := m.framer.Encode(abortRequest{MigrationID: st.ID, Reason: cause.Error()})
		if err == nil {
			_, err = m.call(actx, st.Destination, transport.Envelope{Kind: transport.KindTransferAbort, Shard: uint32(st.Shard), Body: body})
		}
		if err != nil {
			m.logger.Debug("migration abort not delivered", "migration_id", st.ID, "peer", string(st.Destination), "error", err)
		}
	}

	task.fail(cause)
	event.Emit(m.observer, event.Event{
		Kind:        event.KindMigrationRolledBack,
		Node:        string(m.self),
		Shard:       uint32(st.Shard),
		Peer:        string(st.Destination),
		MigrationID: st.ID,
		Err:         cause,
	})
}

// sendTransfer delivers one transfer message, retrying transport failures
// with Fibonacci backoff until ctx ends. Errors the destination answered
// with are returned at once.
func (m *Manager) sendTransfer(ctx context.Context, dest NodeID, kind transport.Kind, id ID, req any) error {
	body, err := m.framer.Encode(req)
	if err != nil {
		return err
	}
	if err := m.res.AcquireTransfer(ctx, len(body)); err != nil {
		return err
	}

	env := transport.Envelope{Kind: kind, Shard: uint32(id), Body: body}
	b := retry.WithCappedDuration(time.Second, retry.NewFibonacci(m.cfg.RetryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		_, err := m.call(ctx, dest, env)
		switch {
		case err == nil:
			return nil
		case transport.IsRemote(err), ctx.Err() != nil:
			return err
		default:
			m.logger.Debug("transfer send failed, retrying", "kind", kind.String(), "peer", string(dest), "error", err)
			return retry.RetryableError(err)
		}
	})
}
