package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func captureLog(t *testing.T, lvl zapcore.LevelEnabler) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(buf),
		lvl,
	)
	old := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = old })
	return buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "日志输出必须是合法的 JSON")
	return entry
}

func TestInfo_WithRequestAndTraceID(t *testing.T) {
	buf := captureLog(t, zap.InfoLevel)

	ctx := context.WithValue(context.Background(), RequestIdKey, "req-1")
	ctx = context.WithValue(ctx, TraceIdKey, "trace-1")
	Info(ctx, "deposit accepted", zap.String("user", "0xabc"), zap.String("amount", "100"))

	entry := decode(t, buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "deposit accepted", entry["msg"])
	assert.Equal(t, "0xabc", entry["user"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "trace-1", entry["trace_id"])
}

func TestError_NoContextIDs(t *testing.T) {
	buf := captureLog(t, zap.InfoLevel)

	Error(context.Background(), "journal flush failed", zap.String("path", "/tmp/ev.wal"))

	entry := decode(t, buf)
	_, hasTrace := entry["trace_id"]
	_, hasReq := entry["request_id"]
	assert.False(t, hasTrace)
	assert.False(t, hasReq)
	assert.Equal(t, "error", entry["level"])
}

func TestSpanContextWinsOverValue(t *testing.T) {
	buf := captureLog(t, zap.InfoLevel)

	tid, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	sid, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = context.WithValue(ctx, TraceIdKey, "ignored")

	Warn(ctx, "slow fill")

	entry := decode(t, buf)
	assert.Equal(t, tid.String(), entry["trace_id"])
}

func TestSetLevel(t *testing.T) {
	buf := captureLog(t, level)
	t.Cleanup(func() { SetLevel("info") })

	SetLevel("warn")
	Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())

	SetLevel("debug")
	Debug(context.Background(), "shown")
	assert.NotZero(t, buf.Len())

	SetLevel("bogus")
	assert.Equal(t, zap.InfoLevel, level.Level())
}
