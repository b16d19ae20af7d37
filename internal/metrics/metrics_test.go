package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareAndPoll(t *testing.T) {
	m := New(Config{Poll: true, PollUser: "prom", PollPassword: "secret"}, nil)

	r := chi.NewRouter()
	r.Use(m.Middleware())
	r.Get("/o/{token}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/metrics", m.HttpMetrics())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/o/very-secret-token", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "secret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `path="/o/{token}"`))
	assert.False(t, strings.Contains(string(body), "very-secret-token"))
}

func TestPollDisabled(t *testing.T) {
	m := New(Config{}, nil)
	rec := httptest.NewRecorder()
	m.HttpMetrics()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStopWithoutPush(t *testing.T) {
	m := New(Config{}, nil)
	m.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))
}

func TestPush(t *testing.T) {
	pushed := make(chan struct{}, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushed <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(Config{Push: srv.URL}, nil)
	m.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))

	select {
	case <-pushed:
	default:
		t.Fatal("expected a final push on stop")
	}
}
