package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourcraft/relances/internal/errors"
)

func serve(s *Server, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := NewServer(Config{})
	rec := serve(s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	down := NewServer(Config{Health: func(context.Context) error {
		return errors.New("database is locked")
	}})
	rec = serve(down, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relances",
		Name:      "test_total",
		Help:      "Test counter.",
	})
	reg.MustRegister(counter)
	counter.Add(3)

	s := NewServer(Config{Gatherer: reg})
	rec := serve(s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relances_test_total 3")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(Config{})
	s.Echo().GET("/boom", func(echo.Context) error {
		panic("boom")
	})
	rec := serve(s, "/boom")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
