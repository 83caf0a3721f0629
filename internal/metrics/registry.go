package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quantfabric/connmgr/internal/resilience"
)

// Registry holds all Prometheus instruments plus a mirror of current
// values for the snapshot API. Mutations happen alongside the state
// changes they describe, under the registry lock, so the snapshot never
// observes half-updated counters.
type Registry struct {
	// Pool instruments
	PoolIdle        prometheus.Gauge
	PoolInUse       prometheus.Gauge
	AcquiresTotal   prometheus.Counter
	AcquireTimeouts prometheus.Counter
	AcquireWait     prometheus.Histogram

	// Connection lifecycle instruments
	ConnectionsCreated prometheus.Counter
	ConnectionsFailed  prometheus.Counter
	ConnectionsEvicted prometheus.Counter
	OperationLatency   prometheus.Histogram
	ProbeLatency       prometheus.Histogram

	// Stream instruments
	Subscriptions   prometheus.Gauge
	Reconnects      prometheus.Counter
	DroppedMessages prometheus.Counter

	// Endpoint instruments
	EndpointState *prometheus.GaugeVec

	// Background tasks
	BackgroundTasks prometheus.Gauge

	registry *prometheus.Registry

	mu   sync.RWMutex
	live liveCounters

	endpointStatus func() []resilience.EndpointStatus
}

// liveCounters mirrors instrument values for the snapshot API.
type liveCounters struct {
	idle            int
	inUse           int
	failed          int64
	evicted         int64
	timeouts        int64
	reconnects      int64
	dropped         int64
	subscriptions   int
	backgroundTasks int
	latencySum      time.Duration
	latencyCount    int64
}

// Snapshot is an immutable point-in-time copy of manager metrics.
type Snapshot struct {
	TotalConnections  int
	ActiveConnections int
	IdleConnections   int
	FailedConnections int64
	EvictedClients    int64
	AcquireTimeouts   int64
	AvgLatency        time.Duration
	Subscriptions     int
	Reconnects        int64
	DroppedMessages   int64
	BackgroundTasks   int
	Endpoints         []EndpointSnapshot
}

// EndpointSnapshot describes one endpoint's breaker at snapshot time.
type EndpointSnapshot struct {
	URL           string
	State         string
	Failures      uint32
	LastSuccessAt time.Time
	RetryAt       time.Time
}

// NewRegistry creates a registry with its own Prometheus registry so
// multiple managers (and tests) never collide on metric registration.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,

		PoolIdle: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connmgr_pool_idle_connections",
			Help: "Number of idle pooled connections",
		}),
		PoolInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connmgr_pool_in_use_connections",
			Help: "Number of pooled connections lent to callers",
		}),
		AcquiresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "connmgr_pool_acquires_total",
			Help: "Total number of successful pool acquires",
		}),
		AcquireTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "connmgr_pool_acquire_timeouts_total",
			Help: "Total number of acquires that timed out waiting for capacity",
		}),
		AcquireWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "connmgr_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a pooled connection",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
		}),
		ConnectionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "connmgr_connections_created_total",
			Help: "Total number of connections created",
		}),
		ConnectionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "connmgr_connections_failed_total",
			Help: "Total number of connection creation or operation failures",
		}),
		ConnectionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "connmgr_connections_evicted_total",
			Help: "Total number of unhealthy connections evicted from the pool",
		}),
		OperationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "connmgr_operation_latency_seconds",
			Help:    "Latency of caller operations as observed at release",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		ProbeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "connmgr_probe_latency_seconds",
			Help:    "Latency of health probes",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connmgr_stream_subscriptions",
			Help: "Number of live streaming subscriptions",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "connmgr_stream_reconnects_total",
			Help: "Total number of stream reconnect attempts",
		}),
		DroppedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "connmgr_stream_dropped_messages_total",
			Help: "Total number of stream messages dropped on full delivery buffers",
		}),
		EndpointState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "connmgr_endpoint_breaker_state",
			Help: "Breaker state per endpoint (0=closed, 1=half-open, 2=open)",
		}, []string{"endpoint"}),
		BackgroundTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connmgr_background_tasks",
			Help: "Number of running background tasks",
		}),
	}
}

// Gatherer exposes the underlying Prometheus registry for scraping.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// SetEndpointStatusFunc wires the endpoint selector's status snapshot
// into metrics. Called once by the manager at startup.
func (r *Registry) SetEndpointStatusFunc(fn func() []resilience.EndpointStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpointStatus = fn
}

// SetPoolSizes records the pool's idle/in-use split.
func (r *Registry) SetPoolSizes(idle, inUse int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.idle = idle
	r.live.inUse = inUse
	r.PoolIdle.Set(float64(idle))
	r.PoolInUse.Set(float64(inUse))
}

// Acquired records a successful acquire and its wait time.
func (r *Registry) Acquired(wait time.Duration) {
	r.AcquiresTotal.Inc()
	r.AcquireWait.Observe(wait.Seconds())
}

// AcquireTimedOut records an acquire that failed with pool exhaustion.
func (r *Registry) AcquireTimedOut() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.timeouts++
	r.AcquireTimeouts.Inc()
}

// ConnCreated records one successful connection creation.
func (r *Registry) ConnCreated() {
	r.ConnectionsCreated.Inc()
}

// ConnFailed records one connection creation or operation failure.
func (r *Registry) ConnFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.failed++
	r.ConnectionsFailed.Inc()
}

// ConnEvicted records one unhealthy connection eviction.
func (r *Registry) ConnEvicted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.evicted++
	r.ConnectionsEvicted.Inc()
}

// ObserveLatency folds one successful operation latency into the
// rolling average and histogram.
func (r *Registry) ObserveLatency(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.latencySum += d
	r.live.latencyCount++
	r.OperationLatency.Observe(d.Seconds())
}

// ObserveProbe records one health probe latency.
func (r *Registry) ObserveProbe(d time.Duration) {
	r.ProbeLatency.Observe(d.Seconds())
}

// SetSubscriptions records the live subscription count.
func (r *Registry) SetSubscriptions(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.subscriptions = n
	r.Subscriptions.Set(float64(n))
}

// ReconnectAttempt records one stream reconnect attempt.
func (r *Registry) ReconnectAttempt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.reconnects++
	r.Reconnects.Inc()
}

// MessageDropped records one message dropped on a full delivery buffer.
func (r *Registry) MessageDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.dropped++
	r.DroppedMessages.Inc()
}

// SetBackgroundTasks records the number of running background tasks.
func (r *Registry) SetBackgroundTasks(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.backgroundTasks = n
	r.BackgroundTasks.Set(float64(n))
}

// Snapshot produces an immutable copy of current values.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	live := r.live
	statusFn := r.endpointStatus
	r.mu.RUnlock()

	snap := Snapshot{
		TotalConnections:  live.idle + live.inUse,
		ActiveConnections: live.inUse,
		IdleConnections:   live.idle,
		FailedConnections: live.failed,
		EvictedClients:    live.evicted,
		AcquireTimeouts:   live.timeouts,
		Subscriptions:     live.subscriptions,
		Reconnects:        live.reconnects,
		DroppedMessages:   live.dropped,
		BackgroundTasks:   live.backgroundTasks,
	}
	if live.latencyCount > 0 {
		snap.AvgLatency = live.latencySum / time.Duration(live.latencyCount)
	}

	if statusFn != nil {
		for _, ep := range statusFn() {
			snap.Endpoints = append(snap.Endpoints, EndpointSnapshot{
				URL:           ep.URL,
				State:         ep.State.String(),
				Failures:      ep.Failures,
				LastSuccessAt: ep.LastSuccessAt,
				RetryAt:       ep.RetryAt,
			})
			r.EndpointState.WithLabelValues(ep.URL).Set(float64(ep.State))
		}
	}

	return snap
}
