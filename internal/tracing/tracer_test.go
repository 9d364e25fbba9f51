package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/amelia-dev/amelia/internal/config"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))

	// The no-op tracer still hands out valid spans.
	_, span := p.Tracer().Start(context.Background(), "test")
	span.End()
}

func TestNewProvider_NoneExporter(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "none", SampleRate: 1.0})
	require.NoError(t, err)
	require.True(t, p.Enabled())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
}

func TestMiddleware_PassThroughWithoutTracer(t *testing.T) {
	called := false
	h := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	require.True(t, called)
}

func TestMiddleware_WrapsHandler(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "none", SampleRate: 1.0})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(Middleware(p.Tracer()))
	r.Get("/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workflows/abc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
