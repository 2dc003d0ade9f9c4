package shard

import (
	"sync"
	"time"
)

const queryRateAlpha = 0.1

// Load describes how busy a local replica is.
type Load struct {
	Shard     ID      `json:"shard"`
	Owner     NodeID  `json:"owner"`
	Vectors   int     `json:"vectors"`
	Mutations int     `json:"mutations"`
	Queries   uint64  `json:"queries"`
	QueryRate float64 `json:"query_rate"` // queries per second, EWMA
}

// Overloaded reports whether l exceeds either limit. A zero limit is
// ignored.
func (l Load) Overloaded(maxVectors int, maxQueryRate float64) bool {
	return (maxVectors > 0 && l.Vectors > maxVectors) ||
		(maxQueryRate > 0 && l.QueryRate > maxQueryRate)
}

// loadTracker keeps an exponentially weighted moving average of the
// instantaneous query rate.
type loadTracker struct {
	mu      sync.Mutex
	rate    float64
	last    time.Time
	queries uint64
}

func (l *loadTracker) observe(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.queries++
	if !l.last.IsZero() {
		dt := max(now.Sub(l.last).Seconds(), 1e-6)
		l.rate = (1-queryRateAlpha)*l.rate + queryRateAlpha/dt
	}
	l.last = now
}

// snapshot returns the rate, decayed if the replica has been idle for
// longer than the average gap, and the total query count.
func (l *loadTracker) snapshot(now time.Time) (float64, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate := l.rate
	if !l.last.IsZero() && rate > 0 {
		if idle := now.Sub(l.last).Seconds(); idle > 1/rate {
			rate = 1 / idle
		}
	}
	return rate, l.queries
}
