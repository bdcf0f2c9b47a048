package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("monsvc", Options{Level: "debug", JSON: true, Out: &buf})
	require.NoError(t, err)

	logger.WithField("id", "a1").Debug("Registered")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "monsvc", entry["service"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "Registered", entry["msg"])
	assert.Equal(t, "a1", entry["id"])
	assert.Contains(t, entry, "ts")
	assert.NotContains(t, entry, "trace_id")
}

func TestNewLoggerTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("iutctl", Options{JSON: true, Out: &buf})
	require.NoError(t, err)

	traceID := trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: trace.SpanID{1}})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	logger.WithContext(ctx).Info("traced")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, traceID.String(), entry["trace_id"])
}

func TestNewLoggerBadLevel(t *testing.T) {
	_, err := NewLogger("x", Options{Level: "loud"})
	assert.Error(t, err)
}

func TestInitWithoutCollector(t *testing.T) {
	t.Setenv(EndpointEnv, "")
	var buf bytes.Buffer
	tel, err := Init(context.Background(), "monsvc", Options{Level: "debug", JSON: true, Out: &buf})
	require.NoError(t, err)
	assert.NoError(t, tel.Shutdown(context.Background()))

	_, err = Init(context.Background(), "", Options{})
	assert.Error(t, err)
}

func TestMiddlewareLogsRequest(t *testing.T) {
	t.Setenv(EndpointEnv, "")
	var buf bytes.Buffer
	tel, err := Init(context.Background(), "monsvc", Options{Level: "debug", JSON: true, Out: &buf})
	require.NoError(t, err)
	buf.Reset()

	h := tel.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/machines", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, buf.String(), "GET /machines 418")
}

func TestNewTraceExporterRejectsHostlessURL(t *testing.T) {
	_, err := newTraceExporter(context.Background(), "http://")
	assert.Error(t, err)
}
