package pool

import (
	"context"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/quantfabric/connmgr/internal/config"
	"github.com/quantfabric/connmgr/internal/logging"
	"github.com/quantfabric/connmgr/internal/metrics"
)

// Monitor probes idle pooled clients on an interval and evicts the ones
// that keep failing. In-use clients are never probed; only the caller
// holding one can observe its failures, via Release.
type Monitor struct {
	pool *Pool
	cfg  config.HealthConfig
	reg  *metrics.Registry
	log  *logging.Logger
	clk  clock.Clock

	firstCycleDone atomic.Bool
}

// NewMonitor creates a health monitor for the given pool.
func NewMonitor(pool *Pool, cfg config.HealthConfig, reg *metrics.Registry, log *logging.Logger, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{pool: pool, cfg: cfg, reg: reg, log: log, clk: clk}
}

// Run probes on every tick until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clk.Ticker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce claims every idle client, probes each, and returns them
// with their verdicts. Afterwards it replenishes toward MinConnections
// to cover evictions and earlier creation failures.
func (m *Monitor) CheckOnce(ctx context.Context) {
	claimed := m.pool.claimIdle()

	for _, mc := range claimed {
		latency, err := Probe(ctx, mc.conn, m.cfg.CheckTimeout)
		m.reg.ObserveProbe(latency)

		if err != nil {
			m.log.Warn("health probe failed",
				zap.String("client", string(mc.id)),
				zap.String("endpoint", mc.endpoint),
				zap.Error(err),
			)
		}
		m.pool.returnProbed(mc, err == nil)
	}

	m.pool.EnsureMin(ctx)
	m.firstCycleDone.Store(true)
}

// FirstCycleDone reports whether at least one full probe cycle has run.
// Health status is UNKNOWN until then.
func (m *Monitor) FirstCycleDone() bool {
	return m.firstCycleDone.Load()
}
