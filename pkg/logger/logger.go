// Package logger is the structured logger shared by the orchestrator. It
// wraps slog, renders text through tint or JSON through the standard handler
// and lifts request, resource and job ids out of the context onto each entry.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	"github.com/lmittmann/tint"
)

// Logger is a slog.Logger scoped to a component.
type Logger struct {
	*slog.Logger
	config LoggerConfig
}

// LogLevel is the minimum level written.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// OutputFormat selects the handler.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// LoggerConfig holds configuration for the logger
type LoggerConfig struct {
	Level     LogLevel     `mapstructure:"level" yaml:"level" json:"level"`
	Format    OutputFormat `mapstructure:"format" yaml:"format" json:"format"`
	Component string       `mapstructure:"component" yaml:"component" json:"component"`
	Version   string       `mapstructure:"version" yaml:"version" json:"version"`

	// Output defaults to stdout.
	Output io.Writer `mapstructure:"-" yaml:"-" json:"-"`
}

// DefaultConfig returns text output at info level.
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:     LevelInfo,
		Format:    FormatText,
		Component: "vnas-orchestrator",
		Version:   "unknown",
	}
}

// New creates a logger from config.
func New(config LoggerConfig) *Logger {
	return &Logger{
		Logger: slog.New(newHandler(config)),
		config: config,
	}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	cfg := DefaultConfig()
	cfg.Output = io.Discard
	cfg.Format = FormatJSON
	return New(cfg)
}

// With returns a logger that adds args to every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
	}
}

// WithComponent returns a logger scoped to a sub-component
func (l *Logger) WithComponent(name string) *Logger {
	cfg := l.config
	cfg.Component = name
	return &Logger{
		Logger: l.Logger,
		config: cfg,
	}
}

// WithContext returns a logger carrying the ids found in ctx plus the
// component and version.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	args := make([]any, 0, len(contextFields)+2)
	for _, key := range contextFields {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			args = append(args, slog.String(string(key), v))
		}
	}
	args = append(args,
		slog.String("component", l.config.Component),
		slog.String("version", l.config.Version))
	return l.With(args...)
}

// ErrorCtx logs err at error level. Domain errors contribute their domain,
// code, retryability and metadata.
func (l *Logger) ErrorCtx(ctx context.Context, msg string, err error, args ...any) {
	attrs := []any{slog.String("error", err.Error())}

	if domainErr, ok := errors.AsDomainError(err); ok {
		attrs = append(attrs,
			slog.String("error_domain", domainErr.Domain()),
			slog.String("error_code", domainErr.Code()),
			slog.Bool("retryable", domainErr.Retryable()),
		)
		for k, v := range domainErr.Metadata() {
			attrs = append(attrs, slog.Any(k, v))
		}
	}

	l.WithContext(ctx).Error(msg, append(attrs, args...)...)
}

// DBQuery logs a key store statement, at warn level once it is slow.
func (l *Logger) DBQuery(ctx context.Context, operation, table string, duration time.Duration, args ...any) {
	attrs := append([]any{
		slog.String("db_operation", operation),
		slog.String("db_table", table),
		slog.Duration("duration_ms", duration),
	}, args...)

	msg := fmt.Sprintf("%s %s", operation, table)
	if duration > 100*time.Millisecond {
		l.WithContext(ctx).Warn(msg+" (slow)", attrs...)
		return
	}
	l.WithContext(ctx).Debug(msg, attrs...)
}

func newHandler(config LoggerConfig) slog.Handler {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	level := slogLevel(config.Level)

	if config.Format == FormatText {
		return tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
	}
	return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
}

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type contextKey string

const (
	requestIDKey   contextKey = "request_id"
	resourceKeyKey contextKey = "resource_key"
	jobIDKey       contextKey = "job_id"
)

var contextFields = []contextKey{requestIDKey, resourceKeyKey, jobIDKey}

// WithRequestID tags ctx with the id of one CLI invocation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithResourceKey tags ctx with the resource key being worked on.
func WithResourceKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, resourceKeyKey, key)
}

// WithJobID tags ctx with the job running in it.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}
