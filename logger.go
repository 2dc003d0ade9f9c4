package vecmesh

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with vecmesh-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithNode adds the node id to the logger.
func (l *Logger) WithNode(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("node", id),
	}
}

// LogPut logs a put operation.
func (l *Logger) LogPut(ctx context.Context, id string, shard uint32, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "put failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "put completed",
			"id", id,
			"shard", shard,
			"version", version,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"id", id,
		)
	}
}

// LogSearch logs a nearest-neighbor query.
func (l *Logger) LogSearch(ctx context.Context, k, shards, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"shards", shards,
			"results", resultsFound,
		)
	}
}

// LogMigration logs the outcome of a shard migration.
func (l *Logger) LogMigration(ctx context.Context, migrationID string, shard uint32, dest string, err error) {
	if err != nil {
		l.WarnContext(ctx, "migration failed",
			"migration_id", migrationID,
			"shard", shard,
			"peer", dest,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "migration completed",
			"migration_id", migrationID,
			"shard", shard,
			"peer", dest,
		)
	}
}

// LogCheckpoint logs a snapshot of the local replicas.
func (l *Logger) LogCheckpoint(ctx context.Context, prefix string, replicas int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"prefix", prefix,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "checkpoint saved",
			"prefix", prefix,
			"replicas", replicas,
		)
	}
}

// LogRestore logs the replicas restored at open.
func (l *Logger) LogRestore(ctx context.Context, prefix string, replicas int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "restore failed",
			"prefix", prefix,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "restore completed",
			"prefix", prefix,
			"replicas", replicas,
		)
	}
}
