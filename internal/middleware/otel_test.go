package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"keygate/internal/infrastructure"
)

func testProviders(t *testing.T) (*infrastructure.OTelProviders, *infrastructure.Metrics) {
	t.Helper()

	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	meter := mp.Meter("test")
	metrics, err := infrastructure.CreateMetrics(meter)
	require.NoError(t, err)

	providers := &infrastructure.OTelProviders{
		Tracer: tp.Tracer("test"),
		Meter:  meter,
		Logger: discardLogger(),
	}
	return providers, metrics
}

func TestOTelHandlerPropagatesTraceID(t *testing.T) {
	providers, metrics := testProviders(t)
	mw := NewOTelMiddleware(providers, metrics)

	var traceID string
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = infrastructure.GetTraceID(r.Context())
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stores", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Len(t, traceID, 32)
}

func TestOTelHandlerNilMetrics(t *testing.T) {
	providers, _ := testProviders(t)
	mw := NewOTelMiddleware(providers, nil)

	handler := mw.Handler(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stores", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResponseWriterCapturesStatusAndBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusCreated)
	n, err := rw.Write([]byte("created"))
	require.NoError(t, err)

	assert.Equal(t, 7, n)
	assert.Equal(t, http.StatusCreated, rw.statusCode)
	assert.Equal(t, int64(7), rw.bytesWritten)
}

func TestGetRoutePatternFallsBackToPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/stores/store-1/products", nil)
	assert.Equal(t, "/api/stores/store-1/products", getRoutePattern(req))
}

func TestGetRealIPPrefersForwardedHeaders(t *testing.T) {
	forwarded := httptest.NewRequest(http.MethodGet, "/", nil)
	forwarded.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", GetRealIP(forwarded))

	realIP := httptest.NewRequest(http.MethodGet, "/", nil)
	realIP.Header.Set("X-Real-IP", "198.51.100.4")
	assert.Equal(t, "198.51.100.4", GetRealIP(realIP))

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, bare.RemoteAddr, GetRealIP(bare))
}

func TestWebSocketTraceMiddlewarePassesThrough(t *testing.T) {
	called := false
	handler := WebSocketTraceMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
}
