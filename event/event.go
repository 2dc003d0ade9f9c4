// Package event defines the structured events vecmesh emits to audit and
// metrics collaborators.
//
// The core never formats or exports events itself. Implement Observer to
// forward them to a monitoring system:
//
//	type promObserver struct{ opened prometheus.Counter }
//
//	func (p *promObserver) Observe(e event.Event) {
//	    if e.Kind == event.KindCircuitOpened {
//	        p.opened.Inc()
//	    }
//	}
package event

import (
	"fmt"
	"time"
)

// Kind identifies the type of an Event.
type Kind int

const (
	KindShardAssigned Kind = iota
	KindMigrationStarted
	KindMigrationCommitted
	KindMigrationRolledBack
	KindCircuitOpened
	KindCircuitHalfOpen
	KindCircuitClosed
	KindMergeApplied
	KindBoundaryClamp
	KindReplicationDegraded
	KindReplicationRecovered
	KindInvariantViolation

	numKinds
)

var kindNames = [...]string{
	KindShardAssigned:        "shard_assigned",
	KindMigrationStarted:     "migration_started",
	KindMigrationCommitted:   "migration_committed",
	KindMigrationRolledBack:  "migration_rolled_back",
	KindCircuitOpened:        "circuit_opened",
	KindCircuitHalfOpen:      "circuit_half_open",
	KindCircuitClosed:        "circuit_closed",
	KindMergeApplied:         "merge_applied",
	KindBoundaryClamp:        "boundary_clamp",
	KindReplicationDegraded:  "replication_degraded",
	KindReplicationRecovered: "replication_recovered",
	KindInvariantViolation:   "invariant_violation",
}

func (k Kind) String() string {
	if k >= 0 && k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Event is a single structured occurrence. Fields that do not apply to a
// Kind are left at their zero value.
type Event struct {
	Kind        Kind
	Time        time.Time
	Node        string
	Shard       uint32
	Peer        string
	MigrationID string
	// Count carries a kind-specific quantity: mutations applied by a merge,
	// axes clamped by a boundary event, consecutive failures for a circuit.
	Count int
	Err   error
}

// Observer receives events. Implementations must be safe for concurrent use
// and must not block.
type Observer interface {
	Observe(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

// NoopObserver discards all events.
type NoopObserver struct{}

// Observe implements Observer.
func (NoopObserver) Observe(Event) {}

// Multi fans an event out to several observers in order.
type Multi []Observer

// Observe implements Observer.
func (m Multi) Observe(e Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(e)
		}
	}
}

// Emit stamps e with the current time if unset and sends it to o.
// A nil observer is ignored.
func Emit(o Observer, e Event) {
	if o == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	o.Observe(e)
}
