package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/chiquitav2/vnas-orchestrator/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(buf *bytes.Buffer) *Logger {
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Component = "test-component"
	cfg.Version = "v1"
	cfg.Output = buf
	return New(cfg)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var entry map[string]any
		require.NoError(t, dec.Decode(&entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestErrorCtx_EnrichesAndOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithResourceKey(ctx, "u1")
	ctx = WithJobID(ctx, "u1.abc")

	domainErr := errors.NewProviderError("create failed", true, nil).WithMetadata("vmid", 101)
	l.ErrorCtx(ctx, "operation failed", domainErr, slog.String("extra", "value"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	entry := entries[0]

	for _, k := range []string{
		"error", "error_domain", "error_code", "retryable", "vmid",
		"request_id", "resource_key", "job_id", "component", "version",
		"extra", "msg", "time", "level",
	} {
		assert.Contains(t, entry, k)
	}
	assert.Equal(t, errors.ErrCodeProvider, entry["error_code"])
	assert.Equal(t, errors.DomainProvider, entry["error_domain"])
	assert.Equal(t, true, entry["retryable"])
}

func TestWithContext_SkipsEmptyValues(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.WithContext(context.Background()).Info("hello")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0], "resource_key")
	assert.Equal(t, "test-component", entries[0]["component"])
}

func TestWithComponent_DoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := newBufferLogger(&buf)
	child := parent.WithComponent("child")

	parent.WithContext(context.Background()).Info("from parent")
	child.WithContext(context.Background()).Info("from child")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "test-component", entries[0]["component"])
	assert.Equal(t, "child", entries[1]["component"])
}

func TestOperation_Lifecycle(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	ctx := WithResourceKey(context.Background(), "u1")
	op := l.StartOp(ctx, "create_instance", slog.String("backend", "cloud"))
	op.With(slog.String("instance_id", "42"))
	op.Complete("instance created")

	failing := l.StartOp(ctx, "reboot_instance")
	failing.Fail(errors.NewConnectivityError("unreachable", nil), "")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 4)

	assert.Equal(t, "operation started", entries[0]["msg"])
	assert.Equal(t, "create_instance", entries[0]["operation"])

	assert.Equal(t, "instance created", entries[1]["msg"])
	assert.Equal(t, "42", entries[1]["instance_id"])
	assert.Contains(t, entries[1], "duration_ms")

	assert.Equal(t, "operation failed", entries[3]["msg"])
	assert.Equal(t, errors.ErrCodeConnectivity, entries[3]["error_code"])
	assert.Equal(t, "u1", entries[3]["resource_key"])
}

func TestOperation_CarriesContextIDs(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	ctx := WithJobID(WithRequestID(context.Background(), "req-9"), "u1.abc")
	op := l.StartOp(ctx, "delete_instance")
	op.Progress("servers listed", slog.Int("servers", 1))
	op.Complete("")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2, "progress is debug and filtered at info level")
	for _, e := range entries {
		assert.Equal(t, "req-9", e["request_id"])
		assert.Equal(t, "u1.abc", e["job_id"])
		assert.Equal(t, "delete_instance", e["operation"])
		assert.NotContains(t, e, "resource_key")
	}
	assert.Equal(t, "operation completed", entries[1]["msg"])
}

func TestNew_LevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(LoggerConfig{Level: LevelWarn, Format: FormatText, Component: "cli", Output: &buf})

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.NotContains(t, out, "{", "text format is not JSON")
}

func TestDBQuery_SlowQueriesWarn(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.DBQuery(context.Background(), "select", "keypairs", time.Millisecond)
	l.DBQuery(context.Background(), "select", "keypairs", time.Second)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "WARN", entries[0]["level"])
	assert.Equal(t, "select keypairs (slow)", entries[0]["msg"])
}
