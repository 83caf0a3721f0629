package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/quantfabric/connmgr/internal/config"
	"github.com/quantfabric/connmgr/internal/exchange"
	"github.com/quantfabric/connmgr/internal/logging"
	"github.com/quantfabric/connmgr/internal/metrics"
	"github.com/quantfabric/connmgr/internal/resilience"
	"github.com/quantfabric/connmgr/internal/shared/id"
)

var (
	ErrPoolExhausted    = errors.New("connection pool exhausted")
	ErrPoolClosed       = errors.New("connection pool is closed")
	ErrConnectionFailed = errors.New("connection creation failed")
)

// How long Acquire pauses before retrying after a failed creation, so a
// dead endpoint set does not turn into a hot loop.
const createRetryPause = 100 * time.Millisecond

// How often the adaptive scaling tick runs.
const resizeInterval = 15 * time.Second

// Pool owns a bounded collection of managed clients and hands them out
// with exclusive ownership semantics: a client is either idle (owned by
// the pool), claimed by the health monitor, or lent to exactly one
// caller.
type Pool struct {
	cfg              config.PoolConfig
	maxProbeFailures int
	client           exchange.Client
	selector         *resilience.Selector
	reg              *metrics.Registry
	log              *logging.Logger
	clk              clock.Clock

	mu        sync.Mutex
	idle      []*ManagedClient
	inUse     map[id.ClientID]*ManagedClient
	probing   int
	creating  int
	waiters   []chan *ManagedClient
	waitCount int
	closed    bool

	wg sync.WaitGroup
}

// New creates a pool. Call Start to prefill it and launch background
// scaling.
func New(
	cfg config.PoolConfig,
	maxProbeFailures int,
	client exchange.Client,
	selector *resilience.Selector,
	reg *metrics.Registry,
	log *logging.Logger,
	clk clock.Clock,
) *Pool {
	if clk == nil {
		clk = clock.New()
	}
	return &Pool{
		cfg:              cfg,
		maxProbeFailures: maxProbeFailures,
		client:           client,
		selector:         selector,
		reg:              reg,
		log:              log,
		clk:              clk,
		inUse:            make(map[id.ClientID]*ManagedClient),
	}
}

// Start prefills the pool toward MinConnections and launches the
// adaptive scaling loop. Creation failures during prefill are absorbed;
// the health monitor keeps retrying.
func (p *Pool) Start(ctx context.Context) {
	p.EnsureMin(ctx)

	if p.cfg.EnableAdaptiveScaling {
		p.wg.Add(1)
		go p.resizeLoop(ctx)
	}
}

// Acquire returns an idle client, creating one when capacity allows,
// or waits until the context expires. The caller must hand the client
// back via Release exactly once.
func (p *Pool) Acquire(ctx context.Context) (*ManagedClient, error) {
	start := p.clk.Now()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if n := len(p.idle); n > 0 {
			mc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.lendLocked(mc)
			p.mu.Unlock()
			p.reg.Acquired(p.clk.Since(start))
			return mc, nil
		}

		if p.totalLocked()+p.creating < p.cfg.MaxConnections {
			p.creating++
			p.mu.Unlock()

			mc, err := p.dial(ctx)

			p.mu.Lock()
			p.creating--
			if err == nil {
				if p.closed {
					p.mu.Unlock()
					mc.conn.Close()
					return nil, ErrPoolClosed
				}
				p.lendLocked(mc)
				p.mu.Unlock()
				p.reg.Acquired(p.clk.Since(start))
				return mc, nil
			}
			p.mu.Unlock()

			if ctx.Err() != nil {
				return nil, err
			}
			// Brief pause before retrying creation; releases may also
			// free up an idle client in the meantime.
			pause := p.clk.Timer(createRetryPause)
			select {
			case <-ctx.Done():
				pause.Stop()
				return nil, err
			case <-pause.C:
			}
			continue
		}

		// At capacity: wait for a release.
		ch := make(chan *ManagedClient, 1)
		p.waiters = append(p.waiters, ch)
		p.waitCount++
		p.mu.Unlock()

		select {
		case mc := <-ch:
			if mc == nil {
				return nil, ErrPoolClosed
			}
			p.reg.Acquired(p.clk.Since(start))
			return mc, nil
		case <-ctx.Done():
			p.mu.Lock()
			p.removeWaiterLocked(ch)
			p.mu.Unlock()
			// A release may have handed us a client while we were
			// timing out; prefer it over failing.
			select {
			case mc := <-ch:
				if mc != nil {
					p.reg.Acquired(p.clk.Since(start))
					return mc, nil
				}
			default:
			}
			p.reg.AcquireTimedOut()
			return nil, ErrPoolExhausted
		}
	}
}

// Release hands a client back to the pool with the operation outcome.
// It never blocks on network I/O from the caller's perspective: closes
// of evicted clients happen on a background task.
func (p *Pool) Release(mc *ManagedClient, outcome Outcome) {
	p.mu.Lock()
	if _, held := p.inUse[mc.id]; !held {
		// Double release or foreign client; nothing sane to do.
		p.mu.Unlock()
		p.log.Warn("release of client not in use", zap.String("client", string(mc.id)))
		return
	}
	delete(p.inUse, mc.id)

	now := p.clk.Now()
	latency := now.Sub(mc.lastUsedAt)

	if p.closed {
		mc.state = StateClosed
		p.mu.Unlock()
		mc.conn.Close()
		return
	}

	switch outcome {
	case OutcomeSuccess:
		mc.consecutiveFailures = 0
		mc.lastLatency = latency
		p.returnLocked(mc)
		p.updateSizeMetricsLocked()
		p.mu.Unlock()

		p.reg.ObserveLatency(latency)
		p.selector.Report(mc.endpoint, true)

	case OutcomeFailure:
		mc.consecutiveFailures++
		evict := mc.consecutiveFailures >= p.maxProbeFailures
		if evict {
			mc.state = StateUnhealthy
		} else {
			p.returnLocked(mc)
		}
		p.updateSizeMetricsLocked()
		p.mu.Unlock()

		p.reg.ConnFailed()
		p.selector.Report(mc.endpoint, false)
		if evict {
			p.evict(mc)
		}
	}
}

// EnsureMin creates clients until the pool reaches MinConnections.
// Creation failures end the attempt; the next health check tick retries.
func (p *Pool) EnsureMin(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.closed || p.totalLocked()+p.creating >= p.cfg.MinConnections {
			p.mu.Unlock()
			return
		}
		p.creating++
		p.mu.Unlock()

		mc, err := p.dial(ctx)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			p.log.Warn("pool replenish failed", zap.Error(err))
			return
		}
		if p.closed {
			p.mu.Unlock()
			mc.conn.Close()
			return
		}
		p.addIdleLocked(mc)
		p.updateSizeMetricsLocked()
		p.mu.Unlock()
	}
}

// Close drains the pool: idle clients close immediately, in-use clients
// get until the context deadline to come back, then are force-closed.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil

	idle := p.idle
	p.idle = nil
	p.updateSizeMetricsLocked()
	p.mu.Unlock()

	for _, mc := range idle {
		mc.state = StateClosed
		mc.conn.Close()
	}

	// Grace period for in-use clients; Release closes them directly
	// once the pool is marked closed.
	tick := p.clk.Ticker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		p.mu.Lock()
		remaining := len(p.inUse)
		p.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			p.forceCloseInUse()
			p.wg.Wait()
			return
		case <-tick.C:
		}
	}

	p.wg.Wait()
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Idle    int
	InUse   int
	Probing int
}

// Total returns the number of live clients the pool accounts for.
func (s Stats) Total() int {
	return s.Idle + s.InUse + s.Probing
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: len(p.idle), InUse: len(p.inUse), Probing: p.probing}
}

// claimIdle removes every idle client from the pool and transfers
// ownership to the caller (the health monitor). Clients come back via
// returnProbed.
func (p *Pool) claimIdle() []*ManagedClient {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	claimed := p.idle
	p.idle = nil
	p.probing += len(claimed)
	return claimed
}

// returnProbed hands a claimed client back with its probe verdict.
func (p *Pool) returnProbed(mc *ManagedClient, healthy bool) {
	p.mu.Lock()
	p.probing--

	if p.closed {
		mc.state = StateClosed
		p.mu.Unlock()
		mc.conn.Close()
		return
	}

	if healthy {
		mc.consecutiveFailures = 0
		p.returnLocked(mc)
		p.updateSizeMetricsLocked()
		p.mu.Unlock()
		return
	}

	mc.consecutiveFailures++
	evict := mc.consecutiveFailures >= p.maxProbeFailures
	if !evict {
		p.returnLocked(mc)
	} else {
		mc.state = StateUnhealthy
	}
	p.updateSizeMetricsLocked()
	p.mu.Unlock()

	p.selector.Report(mc.endpoint, false)
	if evict {
		p.evict(mc)
	}
}

// dial creates one new client bound to the currently best endpoint,
// warming it when configured.
func (p *Pool) dial(ctx context.Context) (*ManagedClient, error) {
	url, err := p.selector.Select()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	conn, err := p.client.Connect(dialCtx, url)
	if err == nil && p.cfg.EnableConnectionWarming {
		err = p.warm(dialCtx, conn)
		if err != nil {
			conn.Close()
		}
	}
	if err != nil {
		p.selector.Report(url, false)
		p.reg.ConnFailed()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	p.selector.Report(url, true)
	p.reg.ConnCreated()

	now := p.clk.Now()
	return &ManagedClient{
		id:         id.NewClientID(),
		conn:       conn,
		endpoint:   url,
		state:      StateIdle,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

// warm exercises a fresh connection so latency spikes are absorbed at
// creation time rather than at first real use.
func (p *Pool) warm(ctx context.Context, conn exchange.Conn) error {
	for i := 0; i < p.cfg.WarmUpRequests; i++ {
		if err := conn.Ping(ctx); err != nil {
			return fmt.Errorf("warm-up request %d: %w", i+1, err)
		}
	}
	return nil
}

// evict closes an unhealthy client and replenishes toward MinConnections
// in the background.
func (p *Pool) evict(mc *ManagedClient) {
	p.log.Warn("evicting unhealthy client",
		zap.String("client", string(mc.id)),
		zap.String("endpoint", mc.endpoint),
		zap.Int("failures", mc.consecutiveFailures),
	)
	p.reg.ConnEvicted()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		mc.conn.Close()
		p.mu.Lock()
		mc.state = StateClosed
		p.mu.Unlock()
		p.EnsureMin(context.Background())
	}()
}

// resizeLoop is the adaptive scaling tick: grow toward MaxConnections
// when acquires had to wait, shrink stale idle clients toward
// MinConnections.
func (p *Pool) resizeLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := p.clk.Ticker(resizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.resizeOnce(ctx)
		}
	}
}

// resizeOnce applies one grow/shrink decision.
func (p *Pool) resizeOnce(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	demand := p.waitCount
	p.waitCount = 0

	grow := 0
	if demand > 0 {
		grow = min(demand, p.cfg.MaxConnections-p.totalLocked()-p.creating)
	}

	var stale []*ManagedClient
	if grow == 0 {
		now := p.clk.Now()
		keep := p.idle[:0]
		for _, mc := range p.idle {
			if p.totalLocked()-len(stale) > p.cfg.MinConnections &&
				now.Sub(mc.lastUsedAt) > p.cfg.IdleTimeout {
				mc.state = StateClosed
				stale = append(stale, mc)
				continue
			}
			keep = append(keep, mc)
		}
		p.idle = keep
	}
	p.updateSizeMetricsLocked()
	p.mu.Unlock()

	for _, mc := range stale {
		p.log.Debug("shrinking stale idle client", zap.String("client", string(mc.id)))
		mc.conn.Close()
	}

	for i := 0; i < grow; i++ {
		p.mu.Lock()
		if p.closed || p.totalLocked()+p.creating >= p.cfg.MaxConnections {
			p.mu.Unlock()
			return
		}
		p.creating++
		p.mu.Unlock()

		mc, err := p.dial(ctx)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			p.log.Debug("adaptive grow failed", zap.Error(err))
			return
		}
		if p.closed {
			p.mu.Unlock()
			mc.conn.Close()
			return
		}
		p.addIdleLocked(mc)
		p.updateSizeMetricsLocked()
		p.mu.Unlock()
	}
}

func (p *Pool) forceCloseInUse() {
	p.mu.Lock()
	remaining := make([]*ManagedClient, 0, len(p.inUse))
	for _, mc := range p.inUse {
		remaining = append(remaining, mc)
		mc.state = StateClosed
	}
	p.inUse = make(map[id.ClientID]*ManagedClient)
	p.updateSizeMetricsLocked()
	p.mu.Unlock()

	for _, mc := range remaining {
		p.log.Warn("force closing in-use client", zap.String("client", string(mc.id)))
		mc.conn.Close()
	}
}

// lendLocked marks a client as lent to a caller. Caller holds p.mu.
func (p *Pool) lendLocked(mc *ManagedClient) {
	mc.state = StateInUse
	mc.lastUsedAt = p.clk.Now()
	p.inUse[mc.id] = mc
	p.updateSizeMetricsLocked()
}

// returnLocked hands a healthy client to a waiter or back to the idle
// set. Caller holds p.mu.
func (p *Pool) returnLocked(mc *ManagedClient) {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.lendLocked(mc)
		ch <- mc
		return
	}
	p.addIdleLocked(mc)
}

func (p *Pool) addIdleLocked(mc *ManagedClient) {
	mc.state = StateIdle
	p.idle = append(p.idle, mc)
}

func (p *Pool) removeWaiterLocked(ch chan *ManagedClient) {
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.inUse) + p.probing
}

func (p *Pool) updateSizeMetricsLocked() {
	p.reg.SetPoolSizes(len(p.idle)+p.probing, len(p.inUse))
}
