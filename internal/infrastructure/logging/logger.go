// Package logging provides structured logging infrastructure for taxsync.
// It wraps Go's standard log/slog package with context-aware logging,
// correlation IDs, and sync-specific log attributes.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// contextKey is used for storing logger-related values in context.
type contextKey string

const (
	// CorrelationIDKey is the context key for correlation IDs.
	CorrelationIDKey contextKey = "correlation_id"
	// SyncRunIDKey is the context key for the id of one queue drain.
	SyncRunIDKey contextKey = "sync_run_id"
	// MutationIDKey is the context key for pending mutation handles.
	MutationIDKey contextKey = "mutation_id"
	// EndpointKey is the context key for remote endpoints.
	EndpointKey contextKey = "endpoint"
)

// Level represents log levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format represents log output formats.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	AddSource  bool
	TimeFormat string
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     os.Stderr,
		AddSource:  false,
		TimeFormat: time.RFC3339,
	}
}

// Logger wraps slog.Logger with additional functionality for taxsync.
type Logger struct {
	slogger *slog.Logger
	level   *slog.LevelVar
}

// New creates a new Logger with the provided configuration.
func New(cfg Config) *Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && cfg.TimeFormat != "" {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
				}
			}
			return a
		},
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		slogger: slog.New(handler),
		level:   level,
	}
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return New(Config{Level: LevelError, Output: io.Discard})
}

// parseLevel converts a Level to slog.Level.
func parseLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel dynamically changes the log level. Derived loggers share the level.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(parseLevel(level))
}

// With returns a new Logger with the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slogger: l.slogger.With(args...),
		level:   l.level,
	}
}

// WithGroup returns a new Logger with the given group name.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{
		slogger: l.slogger.WithGroup(name),
		level:   l.level,
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.slogger.Debug(msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) {
	l.slogger.Info(msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.slogger.Warn(msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) {
	l.slogger.Error(msg, args...)
}

// DebugContext logs at debug level with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.slogger.DebugContext(ctx, msg, l.enrichArgs(ctx, args)...)
}

// InfoContext logs at info level with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.slogger.InfoContext(ctx, msg, l.enrichArgs(ctx, args)...)
}

// WarnContext logs at warn level with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.slogger.WarnContext(ctx, msg, l.enrichArgs(ctx, args)...)
}

// ErrorContext logs at error level with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.slogger.ErrorContext(ctx, msg, l.enrichArgs(ctx, args)...)
}

// enrichArgs extracts context values and adds them as log attributes.
func (l *Logger) enrichArgs(ctx context.Context, args []any) []any {
	enriched := make([]any, 0, len(args)+8)

	if v := ctx.Value(CorrelationIDKey); v != nil {
		enriched = append(enriched, "correlation_id", v)
	}
	if v := ctx.Value(SyncRunIDKey); v != nil {
		enriched = append(enriched, "sync_run_id", v)
	}
	if v := ctx.Value(MutationIDKey); v != nil {
		enriched = append(enriched, "mutation_id", v)
	}
	if v := ctx.Value(EndpointKey); v != nil {
		enriched = append(enriched, "endpoint", v)
	}

	enriched = append(enriched, args...)
	return enriched
}

// Underlying returns the underlying slog.Logger.
func (l *Logger) Underlying() *slog.Logger {
	return l.slogger
}

// --- Context helpers ---

// WithCorrelationID adds a correlation ID to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithSyncRunID adds a sync run ID to the context.
func WithSyncRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SyncRunIDKey, id)
}

// WithMutation adds a mutation handle and its endpoint to the context.
func WithMutation(ctx context.Context, id, endpoint string) context.Context {
	ctx = context.WithValue(ctx, MutationIDKey, id)
	return context.WithValue(ctx, EndpointKey, endpoint)
}

// CorrelationID extracts the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if v := ctx.Value(CorrelationIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// --- Domain-specific logging helpers ---

// LogSyncStarted logs the start of a queue drain.
func LogSyncStarted(ctx context.Context, logger *Logger, pending, batches int) {
	logger.InfoContext(ctx, "sync run started",
		"pending", pending,
		"batches", batches,
	)
}

// LogSyncFinished logs the end of a queue drain.
func LogSyncFinished(ctx context.Context, logger *Logger, attempted, succeeded int, duration time.Duration, aborted bool) {
	logger.InfoContext(ctx, "sync run finished",
		"attempted", attempted,
		"succeeded", succeeded,
		"duration_ms", duration.Milliseconds(),
		"aborted", aborted,
	)
}

// LogSyncSucceeded logs a mutation confirmed by the server.
func LogSyncSucceeded(ctx context.Context, logger *Logger, version int64, latency time.Duration) {
	logger.DebugContext(ctx, "mutation synced",
		"version", version,
		"latency_ms", latency.Milliseconds(),
	)
}

// LogRetryScheduled logs a failed attempt that will be retried.
func LogRetryScheduled(ctx context.Context, logger *Logger, retryCount int, delay time.Duration, err error) {
	logger.WarnContext(ctx, "mutation sync failed, retry scheduled",
		"retry_count", retryCount,
		"delay_ms", delay.Milliseconds(),
		"error", err.Error(),
	)
}

// LogBreakerRejected logs a mutation that was not sent because the breaker is open.
func LogBreakerRejected(ctx context.Context, logger *Logger, retryCount int, delay time.Duration) {
	logger.WarnContext(ctx, "remote call skipped, circuit open",
		"retry_count", retryCount,
		"delay_ms", delay.Milliseconds(),
	)
}

// LogMutationAbandoned logs a mutation dropped after exhausting its retries.
func LogMutationAbandoned(ctx context.Context, logger *Logger, retryCount int, err error) {
	logger.ErrorContext(ctx, "mutation abandoned after max retries",
		"retry_count", retryCount,
		"error", err.Error(),
	)
}

// LogConflictResolved logs the outcome of a 409.
func LogConflictResolved(ctx context.Context, logger *Logger, action string, localVersion, serverVersion int64) {
	logger.InfoContext(ctx, "conflict resolved",
		"action", action,
		"local_version", localVersion,
		"server_version", serverVersion,
	)
}

// LogBreakerTransition logs a circuit breaker state change.
func LogBreakerTransition(logger *Logger, name, from, to string, failures int) {
	logger.Warn("circuit breaker state changed",
		"breaker", name,
		"from", from,
		"to", to,
		"failure_count", failures,
	)
}

// LogStoreFailure logs a durable store error.
func LogStoreFailure(ctx context.Context, logger *Logger, op string, err error) {
	logger.ErrorContext(ctx, "durable store failure",
		"operation", op,
		"error", err.Error(),
	)
}

// LogCacheHit logs a cache hit.
func LogCacheHit(ctx context.Context, logger *Logger, key, tier string) {
	logger.DebugContext(ctx, "cache hit",
		"cache_key", key,
		"tier", tier,
	)
}

// LogCacheMiss logs a cache miss.
func LogCacheMiss(ctx context.Context, logger *Logger, key string) {
	logger.DebugContext(ctx, "cache miss",
		"cache_key", key,
	)
}
