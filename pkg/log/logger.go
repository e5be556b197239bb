// Package log provides structured logging for the scavenger services.
// It wraps the standard library's slog package with domain helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type ctxKey string

// RunIDKey tags every log line emitted while serving one scheduler tick.
const RunIDKey ctxKey = "run_id"

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if runID := ctx.Value(RunIDKey); runID != nil {
		logger = logger.With("run_id", runID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithJob returns a logger with mining-job fields
func (l *Logger) WithJob(jobID int64, derivationPath string) *Logger {
	return l.WithFields("job_id", jobID, "derivation_path", derivationPath)
}

// WithWallet returns a logger scoped to one wallet address
func (l *Logger) WithWallet(address string) *Logger {
	return l.WithFields("address", address)
}

// WithSession returns a logger scoped to a batch session
func (l *Logger) WithSession(sessionKey string) *Logger {
	return l.WithFields("session_key", sessionKey)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(duration)/float64(time.Millisecond),
	)
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count int64, duration time.Duration) {
	var throughput float64
	if duration > 0 {
		throughput = float64(count) / duration.Seconds()
	}
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ms", float64(duration)/float64(time.Millisecond),
		"throughput_ops_sec", throughput,
	)
}

// LogSolutionFound logs a nonce that passed the difficulty check
func (l *Logger) LogSolutionFound(address, challengeID, nonce string, attempts int64) {
	l.Info("solution found",
		"address", address,
		"challenge_id", challengeID,
		"nonce", nonce,
		"attempts", attempts,
	)
}

// LogMergeOutcome logs the classified result of one settlement
func (l *Logger) LogMergeOutcome(original, payout, outcome string, attempts int, message string) {
	l.Info("merge outcome",
		"original_address", original,
		"payout_address", payout,
		"outcome", outcome,
		"attempts", attempts,
		"message", message,
	)
}

// LogProgress logs a progress snapshot
func (l *Logger) LogProgress(message string, done, total int64, rate, percent float64) {
	l.Info(message,
		"done", done,
		"total", total,
		"rate", rate,
		"progress_percent", percent,
	)
}
