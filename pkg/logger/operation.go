package logger

import (
	"context"
	"log/slog"
	"time"
)

// Operation logs one named unit of work from start to completion or failure.
// Fields added with With repeat on every later entry.
type Operation struct {
	logger  *Logger
	ctx     context.Context
	name    string
	started time.Time
	fields  []any
}

// StartOp logs "operation started" and returns the operation.
func (l *Logger) StartOp(ctx context.Context, name string, args ...any) *Operation {
	op := &Operation{
		logger:  l,
		ctx:     ctx,
		name:    name,
		started: time.Now(),
		fields:  args,
	}
	l.WithContext(ctx).Info("operation started", op.entry("", nil)...)
	return op
}

// With adds fields to the operation.
func (op *Operation) With(args ...any) *Operation {
	op.fields = append(op.fields, args...)
	return op
}

// Complete logs success with the total duration.
func (op *Operation) Complete(msg string, args ...any) {
	op.logger.WithContext(op.ctx).Info(orDefault(msg, "operation completed"), op.entry("duration_ms", args)...)
}

// Fail logs err with the total duration.
func (op *Operation) Fail(err error, msg string, args ...any) {
	op.logger.ErrorCtx(op.ctx, orDefault(msg, "operation failed"), err, op.entry("duration_ms", args)...)
}

// Progress logs an intermediate step at debug level.
func (op *Operation) Progress(msg string, args ...any) {
	op.logger.WithContext(op.ctx).Debug(msg, op.entry("elapsed_ms", args)...)
}

func (op *Operation) entry(elapsedKey string, args []any) []any {
	attrs := make([]any, 0, 2+len(op.fields)+len(args))
	attrs = append(attrs, slog.String("operation", op.name))
	if elapsedKey != "" {
		attrs = append(attrs, slog.Duration(elapsedKey, time.Since(op.started)))
	}
	attrs = append(attrs, op.fields...)
	return append(attrs, args...)
}

func orDefault(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}
