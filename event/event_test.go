package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicObserver(t *testing.T) {
	o := NewBasicObserver(3)

	Emit(o, Event{Kind: KindCircuitOpened, Peer: "a"})
	Emit(o, Event{Kind: KindCircuitClosed, Peer: "a"})
	Emit(o, Event{Kind: KindCircuitOpened, Peer: "b"})
	Emit(o, Event{Kind: KindMergeApplied, Count: 4})

	assert.Equal(t, int64(2), o.Count(KindCircuitOpened))
	assert.Equal(t, int64(1), o.Count(KindMergeApplied))
	assert.Equal(t, int64(0), o.Count(KindBoundaryClamp))

	events := o.Events()
	require.Len(t, events, 3)
	assert.Equal(t, KindCircuitClosed, events[0].Kind)
	assert.Equal(t, KindMergeApplied, events[2].Kind)
	assert.False(t, events[0].Time.IsZero())

	opened := o.Filter(KindCircuitOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, "b", opened[0].Peer)

	assert.Equal(t, map[string]int64{
		"circuit_opened": 2,
		"circuit_closed": 1,
		"merge_applied":  1,
	}, o.Stats())
}

func TestMulti(t *testing.T) {
	var got []Kind
	a := NewBasicObserver(0)
	m := Multi{a, nil, ObserverFunc(func(e Event) { got = append(got, e.Kind) })}

	Emit(m, Event{Kind: KindShardAssigned})
	Emit(nil, Event{Kind: KindShardAssigned})

	assert.Equal(t, []Kind{KindShardAssigned}, got)
	assert.Equal(t, int64(1), a.Count(KindShardAssigned))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "migration_committed", KindMigrationCommitted.String())
	assert.Equal(t, "unknown(99)", Kind(99).String())
}
