package pool

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/connmgr/internal/config"
	"github.com/quantfabric/connmgr/internal/logging"
	"github.com/quantfabric/connmgr/internal/metrics"
)

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		CheckInterval: 10 * time.Millisecond,
		CheckTimeout:  100 * time.Millisecond,
		MaxFailures:   3,
	}
}

func newTestMonitor(p *Pool) *Monitor {
	return NewMonitor(p, testHealthConfig(), metrics.NewRegistry(), logging.NewNop(), clock.New())
}

func TestMonitorProbesIdleClients(t *testing.T) {
	fc := &fakeClient{}
	cfg := testPoolConfig()
	cfg.MinConnections = 2
	p := newTestPool(t, cfg, 3, fc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	m := newTestMonitor(p)
	m.CheckOnce(ctx)

	assert.Equal(t, int32(1), fc.conn(0).pings.Load())
	assert.Equal(t, int32(1), fc.conn(1).pings.Load())
	assert.Equal(t, 2, p.Stats().Idle)
}

func TestMonitorEvictsAndReplacesFailingClient(t *testing.T) {
	// Pool min=2, max=5; one client fails its probe 3 times and must be
	// evicted with the pool back at two idle clients.
	fc := &fakeClient{}
	cfg := testPoolConfig()
	cfg.MinConnections = 2
	cfg.MaxConnections = 5
	p := newTestPool(t, cfg, 3, fc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	require.Equal(t, 2, p.Stats().Idle)

	bad := fc.conn(0)
	bad.fail.Store(true)

	m := newTestMonitor(p)
	for i := 0; i < 3; i++ {
		m.CheckOnce(ctx)
	}

	require.Eventually(t, func() bool {
		return bad.closed.Load() && p.Stats().Idle >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorNeverProbesInUseClients(t *testing.T) {
	fc := &fakeClient{}
	p := newTestPool(t, testPoolConfig(), 3, fc)

	ctx := context.Background()
	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	heldConn := fc.conn(0)
	before := heldConn.pings.Load()

	m := newTestMonitor(p)
	m.CheckOnce(ctx)

	assert.Equal(t, before, heldConn.pings.Load())
	p.Release(held, OutcomeSuccess)
}

func TestMonitorFirstCycleDone(t *testing.T) {
	fc := &fakeClient{}
	p := newTestPool(t, testPoolConfig(), 3, fc)
	m := newTestMonitor(p)

	assert.False(t, m.FirstCycleDone())
	m.CheckOnce(context.Background())
	assert.True(t, m.FirstCycleDone())
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	fc := &fakeClient{}
	cfg := testPoolConfig()
	cfg.MinConnections = 1
	p := newTestPool(t, cfg, 3, fc)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m := newTestMonitor(p)
	go func() {
		m.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, m.FirstCycleDone, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}
