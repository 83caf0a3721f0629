package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/connmgr/internal/config"
	"github.com/quantfabric/connmgr/internal/exchange"
	"github.com/quantfabric/connmgr/internal/logging"
	"github.com/quantfabric/connmgr/internal/manager"
)

type stubConn struct{}

func (stubConn) Ping(ctx context.Context) error { return nil }
func (stubConn) Close() error                   { return nil }

type stubStream struct {
	done chan struct{}
	once sync.Once
}

func (s *stubStream) ReadMessage() ([]byte, error) {
	<-s.done
	return nil, context.Canceled
}

func (s *stubStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type stubExchange struct{}

func (stubExchange) Connect(ctx context.Context, endpoint string) (exchange.Conn, error) {
	return stubConn{}, nil
}

func (stubExchange) OpenStream(ctx context.Context, endpoint, topic string) (exchange.Stream, error) {
	return &stubStream{done: make(chan struct{})}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Endpoints.Primary = "http://primary"
	cfg.Pool.MinConnections = 1
	cfg.Pool.MaxConnections = 2
	cfg.Health.CheckInterval = 10 * time.Millisecond

	mgr := manager.New(cfg, stubExchange{}, manager.WithLogger(logging.NewNop()))
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mgr.Stop(ctx)
	})

	return NewServer(cfg.Server, mgr, logging.NewNop())
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestRoot(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, "/")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, "connmgr", body["service"])
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string `json:"status"`
		Pool   struct {
			Total int `json:"total"`
		} `json:"pool"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, []string{"unknown", "healthy", "degraded"}, body.Status)
	assert.GreaterOrEqual(t, body.Pool.Total, 1)
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "pool")
	assert.Contains(t, body, "streams")
}

func TestEndpointsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, "/endpoints")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Endpoints []struct {
			URL   string `json:"url"`
			State string `json:"state"`
		} `json:"endpoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Endpoints, 1)
	assert.Equal(t, "http://primary", body.Endpoints[0].URL)
	assert.Equal(t, "closed", body.Endpoints[0].State)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "connmgr_pool_idle_connections")
}
