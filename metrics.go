package vecmesh

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordPut is called after each put operation.
	// duration is the total time taken, err is nil if successful.
	RecordPut(duration time.Duration, forwarded bool, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(duration time.Duration, err error)

	// RecordSearch is called after each nearest-neighbor query.
	// shards is the number of ranges the query fanned out to.
	RecordSearch(k, shards int, duration time.Duration, err error)

	// RecordMigration is called after each migration attempt.
	RecordMigration(bytes int64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPut(time.Duration, bool, error)        {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)           {}
func (NoopMetricsCollector) RecordSearch(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordMigration(int64, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
type BasicMetricsCollector struct {
	PutCount         atomic.Int64
	PutErrors        atomic.Int64
	PutForwarded     atomic.Int64
	PutTotalNanos    atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchShards     atomic.Int64
	SearchTotalNanos atomic.Int64
	MigrationCount   atomic.Int64
	MigrationErrors  atomic.Int64
	MigrationBytes   atomic.Int64
}

// RecordPut implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPut(duration time.Duration, forwarded bool, err error) {
	b.PutCount.Add(1)
	b.PutTotalNanos.Add(duration.Nanoseconds())
	if forwarded {
		b.PutForwarded.Add(1)
	}
	if err != nil {
		b.PutErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k, shards int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchShards.Add(int64(shards))
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordMigration implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMigration(bytes int64, duration time.Duration, err error) {
	b.MigrationCount.Add(1)
	b.MigrationBytes.Add(bytes)
	if err != nil {
		b.MigrationErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PutCount:        b.PutCount.Load(),
		PutErrors:       b.PutErrors.Load(),
		PutForwarded:    b.PutForwarded.Load(),
		PutAvgNanos:     avg(b.PutTotalNanos.Load(), b.PutCount.Load()),
		DeleteCount:     b.DeleteCount.Load(),
		DeleteErrors:    b.DeleteErrors.Load(),
		SearchCount:     b.SearchCount.Load(),
		SearchErrors:    b.SearchErrors.Load(),
		SearchAvgShards: avg(b.SearchShards.Load(), b.SearchCount.Load()),
		SearchAvgNanos:  avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		MigrationCount:  b.MigrationCount.Load(),
		MigrationErrors: b.MigrationErrors.Load(),
		MigrationBytes:  b.MigrationBytes.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PutCount        int64
	PutErrors       int64
	PutForwarded    int64
	PutAvgNanos     int64
	DeleteCount     int64
	DeleteErrors    int64
	SearchCount     int64
	SearchErrors    int64
	SearchAvgShards int64
	SearchAvgNanos  int64
	MigrationCount  int64
	MigrationErrors int64
	MigrationBytes  int64
}
