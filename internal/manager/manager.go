package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/quantfabric/connmgr/internal/config"
	"github.com/quantfabric/connmgr/internal/exchange"
	"github.com/quantfabric/connmgr/internal/logging"
	"github.com/quantfabric/connmgr/internal/metrics"
	"github.com/quantfabric/connmgr/internal/pool"
	"github.com/quantfabric/connmgr/internal/resilience"
	"github.com/quantfabric/connmgr/internal/shared/id"
	"github.com/quantfabric/connmgr/internal/stream"
)

var (
	ErrShutdown   = errors.New("connection manager is shut down")
	ErrNotStarted = errors.New("connection manager not started")
)

// Health is the manager's overall health classification.
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns the string representation of the health status
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

type lifecycle int

const (
	stateCreated lifecycle = iota
	stateStarted
	stateStopped
)

// ReleaseFunc hands an acquired client back to the pool with the
// operation's outcome. Callers must invoke it exactly once; extra calls
// are no-ops.
type ReleaseFunc func(outcome pool.Outcome)

// Manager is the facade over the connection pool, health monitor,
// endpoint breakers, and stream supervisor.
type Manager struct {
	cfg    *config.Config
	client exchange.Client
	log    *logging.Logger
	clk    clock.Clock

	mu       sync.Mutex
	state    lifecycle
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	reg      *metrics.Registry
	selector *resilience.Selector
	pool     *pool.Pool
	monitor  *pool.Monitor
	streams  *stream.Supervisor
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger overrides the logger built from config.
func WithLogger(log *logging.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock injects a clock, primarily for tests.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clk = clk }
}

// New creates a manager. Nothing connects until Start.
func New(cfg *config.Config, client exchange.Client, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		client: client,
		clk:    clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start validates configuration, builds every component, prefills the
// pool, and launches the background loops. Configuration errors are
// fatal here; connection failures are absorbed and retried.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateStarted:
		return errors.New("connection manager already started")
	case stateStopped:
		return ErrShutdown
	}

	if err := m.cfg.Validate(); err != nil {
		return err
	}

	if m.log == nil {
		log, err := logging.New(logging.Config{
			Level:       m.cfg.Logging.Level,
			Development: m.cfg.Logging.Development,
			OutputPaths: []string{"stdout"},
		})
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		m.log = log
	}

	m.reg = metrics.NewRegistry()
	m.selector = resilience.NewSelector(
		m.cfg.AllEndpoints(),
		resilience.Settings{
			FailureThreshold: m.cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  m.cfg.Breaker.RecoveryTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				m.log.Info("endpoint breaker state change",
					zap.String("endpoint", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			},
		},
		m.clk,
		m.log.Named("breaker"),
	)
	m.reg.SetEndpointStatusFunc(m.selector.Status)

	m.pool = pool.New(
		m.cfg.Pool,
		m.cfg.Health.MaxFailures,
		m.client,
		m.selector,
		m.reg,
		m.log.Named("pool"),
		m.clk,
	)
	m.monitor = pool.NewMonitor(m.pool, m.cfg.Health, m.reg, m.log.Named("health"), m.clk)
	m.streams = stream.NewSupervisor(
		m.cfg.Stream,
		m.cfg.Pool.ConnectionTimeout,
		m.client,
		m.selector,
		m.reg,
		m.log.Named("stream"),
		m.clk,
	)

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.pool.Start(runCtx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitor.Run(runCtx)
	}()

	tasks := 1 // health monitor
	if m.cfg.Pool.EnableAdaptiveScaling {
		tasks++ // pool resize loop
	}
	m.reg.SetBackgroundTasks(tasks)

	m.state = stateStarted
	m.log.Info("connection manager started",
		zap.Int("min_connections", m.cfg.Pool.MinConnections),
		zap.Int("max_connections", m.cfg.Pool.MaxConnections),
		zap.Strings("endpoints", m.cfg.AllEndpoints()),
	)
	return nil
}

// Stop shuts everything down: subscriptions first, then the pool with
// the context as the drain grace period. Stop is idempotent.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != stateStarted {
		m.mu.Unlock()
		return nil
	}
	m.state = stateStopped
	m.mu.Unlock()

	m.log.Info("stopping connection manager")
	m.cancel()

	m.streams.Shutdown(ctx)
	m.pool.Close(ctx)
	m.wg.Wait()

	m.reg.SetBackgroundTasks(0)
	m.log.Info("connection manager stopped")
	return nil
}

// Acquire lends one healthy connection to the caller, bounded by the
// configured connection timeout. The returned release function must be
// called exactly once with the operation outcome.
func (m *Manager) Acquire(ctx context.Context) (*pool.ManagedClient, ReleaseFunc, error) {
	if err := m.ready(); err != nil {
		return nil, nil, err
	}
	p := m.pool

	acquireCtx, cancel := context.WithTimeout(ctx, m.cfg.Pool.ConnectionTimeout)
	defer cancel()

	mc, err := p.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, pool.ErrPoolClosed) {
			return nil, nil, ErrShutdown
		}
		return nil, nil, err
	}

	var once sync.Once
	release := func(outcome pool.Outcome) {
		once.Do(func() { p.Release(mc, outcome) })
	}
	return mc, release, nil
}

// Subscribe opens a supervised stream subscription for the topic.
func (m *Manager) Subscribe(topic string, consumer stream.Consumer, autoReconnect bool) (id.SubscriptionID, error) {
	if err := m.ready(); err != nil {
		return "", err
	}
	return m.streams.Subscribe(topic, consumer, autoReconnect)
}

// Unsubscribe tears down a subscription. Idempotent.
func (m *Manager) Unsubscribe(subID id.SubscriptionID) {
	if err := m.ready(); err != nil {
		return
	}
	m.streams.Unsubscribe(subID)
}

// Metrics returns an immutable snapshot of current metrics.
func (m *Manager) Metrics() metrics.Snapshot {
	m.mu.Lock()
	reg := m.reg
	m.mu.Unlock()
	if reg == nil {
		return metrics.Snapshot{}
	}
	return reg.Snapshot()
}

// Gatherer exposes the Prometheus registry for scraping. Nil before
// Start.
func (m *Manager) Gatherer() prometheus.Gatherer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reg == nil {
		return nil
	}
	return m.reg.Gatherer()
}

// EndpointStats reports every endpoint's breaker status.
func (m *Manager) EndpointStats() []resilience.EndpointStatus {
	m.mu.Lock()
	sel := m.selector
	m.mu.Unlock()
	if sel == nil {
		return nil
	}
	return sel.Status()
}

// HealthStatus derives overall health from breaker states and pool
// occupancy. UNKNOWN until the first health-check cycle completes.
func (m *Manager) HealthStatus() Health {
	m.mu.Lock()
	state := m.state
	monitor := m.monitor
	sel := m.selector
	pl := m.pool
	m.mu.Unlock()

	if state != stateStarted || !monitor.FirstCycleDone() {
		return HealthUnknown
	}

	atMin := pl.Stats().Total() >= m.cfg.Pool.MinConnections
	switch {
	case sel.AllClosed() && atMin:
		return HealthHealthy
	case sel.AllOpen() || !atMin:
		return HealthUnhealthy
	default:
		return HealthDegraded
	}
}

// ready gates operations on lifecycle state.
func (m *Manager) ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case stateCreated:
		return ErrNotStarted
	case stateStopped:
		return ErrShutdown
	}
	return nil
}
