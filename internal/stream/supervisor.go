package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/quantfabric/connmgr/internal/config"
	"github.com/quantfabric/connmgr/internal/exchange"
	"github.com/quantfabric/connmgr/internal/logging"
	"github.com/quantfabric/connmgr/internal/metrics"
	"github.com/quantfabric/connmgr/internal/resilience"
	"github.com/quantfabric/connmgr/internal/shared/id"
)

var (
	ErrSubscriptionTerminated = errors.New("subscription terminated: reconnection attempts exhausted")
	ErrSupervisorClosed       = errors.New("stream supervisor is closed")
	ErrUnknownSubscription    = errors.New("unknown subscription")
)

// Supervisor owns every streaming subscription. Each one runs as an
// independent state machine with its own reconnect loop and delivery
// path; subscriptions never block each other.
type Supervisor struct {
	cfg         config.StreamConfig
	openTimeout time.Duration
	client      exchange.Client
	selector    *resilience.Selector
	reg         *metrics.Registry
	log         *logging.Logger
	clk         clock.Clock

	mu     sync.Mutex
	subs   map[id.SubscriptionID]*subscription
	closed bool
	wg     sync.WaitGroup
}

// NewSupervisor creates a stream supervisor. openTimeout bounds each
// individual stream dial.
func NewSupervisor(
	cfg config.StreamConfig,
	openTimeout time.Duration,
	client exchange.Client,
	selector *resilience.Selector,
	reg *metrics.Registry,
	log *logging.Logger,
	clk clock.Clock,
) *Supervisor {
	if clk == nil {
		clk = clock.New()
	}
	return &Supervisor{
		cfg:         cfg,
		openTimeout: openTimeout,
		client:      client,
		selector:    selector,
		reg:         reg,
		log:         log,
		clk:         clk,
		subs:        make(map[id.SubscriptionID]*subscription),
	}
}

// Subscribe opens a supervised stream for the topic and starts feeding
// the consumer. The subscription heals itself after drops when
// autoReconnect is set; otherwise the first drop closes it.
func (s *Supervisor) Subscribe(topic string, consumer Consumer, autoReconnect bool) (id.SubscriptionID, error) {
	if consumer.OnMessage == nil {
		return "", fmt.Errorf("subscribe %q: OnMessage is required", topic)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSupervisorClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:            id.NewSubscriptionID(),
		topic:         topic,
		consumer:      consumer,
		autoReconnect: autoReconnect,
		ctx:           ctx,
		cancel:        cancel,
		buf:           make(chan []byte, s.cfg.MessageBufferSize),
		state:         StateConnecting,
	}
	s.subs[sub.id] = sub
	count := len(s.subs)
	s.mu.Unlock()

	s.reg.SetSubscriptions(count)
	s.log.Info("subscribing",
		zap.String("subscription", string(sub.id)),
		zap.String("topic", topic),
		zap.Bool("auto_reconnect", autoReconnect),
	)

	sub.wg.Add(2)
	s.wg.Add(2)
	go s.run(sub)
	go s.deliver(sub)

	return sub.id, nil
}

// Unsubscribe tears a subscription down: it stops in-flight reconnect
// attempts, releases the stream, and waits for both loops to exit
// before returning. Unsubscribing an unknown or closed subscription is
// a no-op.
func (s *Supervisor) Unsubscribe(subID id.SubscriptionID) {
	s.mu.Lock()
	sub, ok := s.subs[subID]
	if ok {
		delete(s.subs, subID)
	}
	count := len(s.subs)
	s.mu.Unlock()

	if !ok {
		return
	}

	s.reg.SetSubscriptions(count)
	sub.cancel()
	sub.closeCurrent()
	sub.wg.Wait()

	s.log.Info("unsubscribed", zap.String("subscription", string(subID)))
}

// State reports a subscription's lifecycle state.
func (s *Supervisor) State(subID id.SubscriptionID) (SubState, error) {
	s.mu.Lock()
	sub, ok := s.subs[subID]
	s.mu.Unlock()
	if !ok {
		return StateClosed, ErrUnknownSubscription
	}
	return sub.State(), nil
}

// Count returns the number of live subscriptions.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Shutdown cancels every subscription and waits for their loops,
// bounded by the context.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[id.SubscriptionID]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		sub.closeCurrent()
	}
	s.reg.SetSubscriptions(0)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stream supervisor shutdown timed out")
	}
}

// run is the per-subscription connect/read/reconnect state machine.
func (s *Supervisor) run(sub *subscription) {
	defer sub.wg.Done()
	defer s.wg.Done()

	bo := s.newBackOff()

	for {
		if sub.ctx.Err() != nil {
			sub.finish(nil)
			return
		}

		sub.mu.Lock()
		attempts := sub.attempts
		sub.mu.Unlock()
		if attempts >= s.cfg.MaxReconnectAttempts {
			s.log.Error("subscription terminated",
				zap.String("subscription", string(sub.id)),
				zap.String("topic", sub.topic),
				zap.Int("attempts", attempts),
			)
			sub.finish(ErrSubscriptionTerminated)
			return
		}
		if attempts > 0 {
			s.reg.ReconnectAttempt()
		}

		opened, err := s.connectAndRead(sub)
		if opened {
			// A healthy connection restores the full failure budget.
			bo.Reset()
		}
		if sub.ctx.Err() != nil {
			sub.finish(nil)
			return
		}

		if !sub.autoReconnect {
			s.log.Warn("subscription dropped, auto-reconnect disabled",
				zap.String("subscription", string(sub.id)),
				zap.Error(err),
			)
			sub.finish(err)
			return
		}

		sub.mu.Lock()
		sub.attempts++
		sub.state = StateReconnecting
		sub.mu.Unlock()

		delay := bo.NextBackOff()
		s.log.Info("stream reconnecting",
			zap.String("subscription", string(sub.id)),
			zap.String("topic", sub.topic),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := s.clk.Timer(delay)
		select {
		case <-sub.ctx.Done():
			timer.Stop()
			sub.finish(nil)
			return
		case <-timer.C:
		}
	}
}

// connectAndRead opens one stream and pumps messages into the delivery
// buffer until it drops. A fresh successful connection resets the
// failure budget.
func (s *Supervisor) connectAndRead(sub *subscription) (bool, error) {
	url, err := s.selector.Select()
	if err != nil {
		return false, err
	}

	openCtx, cancel := context.WithTimeout(sub.ctx, s.openTimeout)
	st, err := s.client.OpenStream(openCtx, url, sub.topic)
	cancel()
	if err != nil {
		s.selector.Report(url, false)
		return false, fmt.Errorf("open stream %s: %w", sub.topic, err)
	}

	s.selector.Report(url, true)
	sub.setOpen(st, url)
	s.log.Info("stream open",
		zap.String("subscription", string(sub.id)),
		zap.String("topic", sub.topic),
		zap.String("endpoint", url),
	)

	for {
		payload, err := st.ReadMessage()
		if err != nil {
			sub.closeCurrent()
			if sub.ctx.Err() == nil {
				s.selector.Report(url, false)
			}
			return true, err
		}
		s.enqueue(sub, payload)
	}
}

// enqueue buffers a message for delivery, dropping the oldest buffered
// message when the consumer cannot keep up. Per-subscription order is
// preserved; only the run loop writes the buffer.
func (s *Supervisor) enqueue(sub *subscription, payload []byte) {
	select {
	case sub.buf <- payload:
		return
	default:
	}

	select {
	case <-sub.buf:
		s.reg.MessageDropped()
	default:
	}
	select {
	case sub.buf <- payload:
	default:
	}
}

// deliver invokes the consumer for each buffered message, strictly in
// order. It survives consumer panics and stops immediately on cancel.
func (s *Supervisor) deliver(sub *subscription) {
	defer sub.wg.Done()
	defer s.wg.Done()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case payload, ok := <-sub.buf:
			if !ok {
				if err := sub.finalError(); err != nil && sub.consumer.OnClose != nil {
					s.invokeOnClose(sub, err)
				}
				return
			}
			s.invokeOnMessage(sub, payload)
		}
	}
}

func (s *Supervisor) invokeOnMessage(sub *subscription, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("consumer panic in OnMessage",
				zap.String("subscription", string(sub.id)),
				zap.Any("panic", r),
			)
		}
	}()
	sub.consumer.OnMessage(sub.topic, payload)
}

func (s *Supervisor) invokeOnClose(sub *subscription, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("consumer panic in OnClose",
				zap.String("subscription", string(sub.id)),
				zap.Any("panic", r),
			)
		}
	}()
	sub.consumer.OnClose(sub.topic, err)
}

// newBackOff builds the reconnect delay sequence:
// min(delay * multiplier^n, maxDelay) without jitter, so fallback
// rotation stays deterministic and testable.
func (s *Supervisor) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectDelay
	bo.Multiplier = s.cfg.BackoffMultiplier
	bo.MaxInterval = s.cfg.MaxReconnectDelay
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
