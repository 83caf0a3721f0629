package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/connmgr/internal/config"
	"github.com/quantfabric/connmgr/internal/exchange"
	"github.com/quantfabric/connmgr/internal/logging"
	"github.com/quantfabric/connmgr/internal/metrics"
	"github.com/quantfabric/connmgr/internal/resilience"
)

type fakeStream struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan []byte, 64), done: make(chan struct{})}
}

func (f *fakeStream) push(p []byte) { f.ch <- p }

// drop simulates a remote disconnect.
func (f *fakeStream) drop() { f.Close() }

func (f *fakeStream) ReadMessage() ([]byte, error) {
	select {
	case p := <-f.ch:
		return p, nil
	case <-f.done:
		return nil, errors.New("stream closed")
	}
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

type fakeStreamClient struct {
	mu        sync.Mutex
	failing   map[string]bool
	opens     int
	endpoints []string
	streams   []*fakeStream
	opened    chan *fakeStream
}

func newFakeStreamClient() *fakeStreamClient {
	return &fakeStreamClient{
		failing: make(map[string]bool),
		opened:  make(chan *fakeStream, 16),
	}
}

func (c *fakeStreamClient) Connect(ctx context.Context, endpoint string) (exchange.Conn, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeStreamClient) OpenStream(ctx context.Context, endpoint, topic string) (exchange.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	c.endpoints = append(c.endpoints, endpoint)
	if c.failing[endpoint] {
		return nil, fmt.Errorf("dial %s: connection refused", endpoint)
	}
	st := newFakeStream()
	c.streams = append(c.streams, st)
	c.opened <- st
	return st, nil
}

func (c *fakeStreamClient) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func (c *fakeStreamClient) openedEndpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.endpoints...)
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		MaxReconnectAttempts: 3,
		ReconnectDelay:       5 * time.Millisecond,
		BackoffMultiplier:    2.0,
		MaxReconnectDelay:    20 * time.Millisecond,
		MessageBufferSize:    16,
	}
}

func newTestSupervisor(cfg config.StreamConfig, client exchange.Client, threshold int, urls ...string) (*Supervisor, *metrics.Registry) {
	if len(urls) == 0 {
		urls = []string{"http://primary"}
	}
	settings := resilience.Settings{FailureThreshold: threshold, RecoveryTimeout: time.Hour}
	sel := resilience.NewSelector(urls, settings, clock.New(), nil)
	reg := metrics.NewRegistry()
	return NewSupervisor(cfg, 100*time.Millisecond, client, sel, reg, logging.NewNop(), clock.New()), reg
}

// collector records delivered messages and the terminal notification.
type collector struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed chan error
}

func newCollector() *collector {
	return &collector{closed: make(chan error, 1)}
}

func (c *collector) consumer() Consumer {
	return Consumer{
		OnMessage: func(topic string, payload []byte) {
			c.mu.Lock()
			c.msgs = append(c.msgs, payload)
			c.mu.Unlock()
		},
		OnClose: func(topic string, err error) {
			c.closed <- err
		},
	}
}

func (c *collector) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}

func TestSubscribeDeliversMessagesInOrder(t *testing.T) {
	fc := newFakeStreamClient()
	sup, _ := newTestSupervisor(testStreamConfig(), fc, 100)
	col := newCollector()

	subID, err := sup.Subscribe("trades.BTC-USD", col.consumer(), true)
	require.NoError(t, err)

	st := <-fc.opened
	st.push([]byte("a"))
	st.push([]byte("b"))
	st.push([]byte("c"))

	require.Eventually(t, func() bool {
		return len(col.received()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, col.received())

	state, err := sup.State(subID)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	sup.Unsubscribe(subID)
}

func TestTerminalAfterMaxAttempts(t *testing.T) {
	fc := newFakeStreamClient()
	fc.failing["http://primary"] = true
	sup, _ := newTestSupervisor(testStreamConfig(), fc, 100)
	col := newCollector()

	_, err := sup.Subscribe("trades.BTC-USD", col.consumer(), true)
	require.NoError(t, err)

	select {
	case err := <-col.closed:
		assert.ErrorIs(t, err, ErrSubscriptionTerminated)
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal notification")
	}

	// Exactly max_reconnection_attempts connects, never a fourth
	assert.Equal(t, 3, fc.openCount())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, fc.openCount())
}

func TestDropWithoutAutoReconnectCloses(t *testing.T) {
	fc := newFakeStreamClient()
	sup, _ := newTestSupervisor(testStreamConfig(), fc, 100)
	col := newCollector()

	_, err := sup.Subscribe("orders", col.consumer(), false)
	require.NoError(t, err)

	st := <-fc.opened
	st.drop()

	select {
	case err := <-col.closed:
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrSubscriptionTerminated)
	case <-time.After(time.Second):
		t.Fatal("no close notification")
	}
	assert.Equal(t, 1, fc.openCount())
}

func TestReconnectAfterDrop(t *testing.T) {
	fc := newFakeStreamClient()
	sup, reg := newTestSupervisor(testStreamConfig(), fc, 100)
	col := newCollector()

	subID, err := sup.Subscribe("trades", col.consumer(), true)
	require.NoError(t, err)

	first := <-fc.opened
	first.push([]byte("before"))
	first.drop()

	second := <-fc.opened
	second.push([]byte("after"))

	require.Eventually(t, func() bool {
		return len(col.received()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("before"), []byte("after")}, col.received())
	assert.GreaterOrEqual(t, reg.Snapshot().Reconnects, int64(1))

	sup.Unsubscribe(subID)
}

func TestReconnectFallsBackAcrossEndpoints(t *testing.T) {
	fc := newFakeStreamClient()
	fc.failing["http://primary"] = true
	sup, _ := newTestSupervisor(testStreamConfig(), fc, 1, "http://primary", "http://fallback")
	col := newCollector()

	subID, err := sup.Subscribe("trades", col.consumer(), true)
	require.NoError(t, err)

	<-fc.opened

	endpoints := fc.openedEndpoints()
	require.Len(t, endpoints, 2)
	assert.Equal(t, "http://primary", endpoints[0])
	assert.Equal(t, "http://fallback", endpoints[1])

	sup.Unsubscribe(subID)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	fc := newFakeStreamClient()
	sup, _ := newTestSupervisor(testStreamConfig(), fc, 100)
	col := newCollector()

	subID, err := sup.Subscribe("trades", col.consumer(), true)
	require.NoError(t, err)
	<-fc.opened

	sup.Unsubscribe(subID)
	sup.Unsubscribe(subID) // no-op
	assert.Equal(t, 0, sup.Count())
}

func TestNoCallbacksAfterUnsubscribeAndShutdown(t *testing.T) {
	fc := newFakeStreamClient()
	sup, _ := newTestSupervisor(testStreamConfig(), fc, 100)
	col := newCollector()

	subID, err := sup.Subscribe("trades", col.consumer(), true)
	require.NoError(t, err)
	st := <-fc.opened

	st.push([]byte("delivered"))
	require.Eventually(t, func() bool {
		return len(col.received()) == 1
	}, time.Second, 5*time.Millisecond)

	sup.Unsubscribe(subID)
	sup.Shutdown(context.Background())

	before := len(col.received())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, len(col.received()))
	select {
	case <-col.closed:
		t.Fatal("explicit unsubscribe must not surface a terminal error")
	default:
	}
}

func TestShutdownClosesAllSubscriptions(t *testing.T) {
	fc := newFakeStreamClient()
	sup, reg := newTestSupervisor(testStreamConfig(), fc, 100)

	for i := 0; i < 3; i++ {
		_, err := sup.Subscribe(fmt.Sprintf("topic-%d", i), newCollector().consumer(), true)
		require.NoError(t, err)
		<-fc.opened
	}
	require.Equal(t, 3, sup.Count())

	sup.Shutdown(context.Background())
	assert.Equal(t, 0, sup.Count())
	assert.Equal(t, 0, reg.Snapshot().Subscriptions)

	_, err := sup.Subscribe("late", newCollector().consumer(), true)
	assert.ErrorIs(t, err, ErrSupervisorClosed)
}

func TestSlowConsumerDropsOldestNotNewest(t *testing.T) {
	fc := newFakeStreamClient()
	cfg := testStreamConfig()
	cfg.MessageBufferSize = 2
	sup, reg := newTestSupervisor(cfg, fc, 100)

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var got [][]byte
	consumer := Consumer{
		OnMessage: func(topic string, payload []byte) {
			mu.Lock()
			got = append(got, payload)
			first := len(got) == 1
			mu.Unlock()
			if first {
				entered <- struct{}{}
				<-release
			}
		},
	}

	subID, err := sup.Subscribe("trades", consumer, true)
	require.NoError(t, err)
	st := <-fc.opened

	st.push([]byte("1"))
	<-entered // consumer is now stuck on message 1

	// Buffer holds 2 and 3; pushing 4 drops the oldest buffered message
	st.push([]byte("2"))
	st.push([]byte("3"))
	st.push([]byte("4"))

	require.Eventually(t, func() bool {
		return reg.Snapshot().DroppedMessages == 1
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, [][]byte{[]byte("1"), []byte("3"), []byte("4")}, got)
	mu.Unlock()

	sup.Unsubscribe(subID)
}

func TestConsumerPanicDoesNotKillDelivery(t *testing.T) {
	fc := newFakeStreamClient()
	sup, _ := newTestSupervisor(testStreamConfig(), fc, 100)

	var mu sync.Mutex
	var delivered int
	consumer := Consumer{
		OnMessage: func(topic string, payload []byte) {
			mu.Lock()
			delivered++
			n := delivered
			mu.Unlock()
			if n == 1 {
				panic("consumer bug")
			}
		},
	}

	subID, err := sup.Subscribe("trades", consumer, true)
	require.NoError(t, err)
	st := <-fc.opened

	st.push([]byte("boom"))
	st.push([]byte("fine"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 2
	}, time.Second, 5*time.Millisecond)

	sup.Unsubscribe(subID)
}

func TestBackoffDelaySequence(t *testing.T) {
	cfg := config.StreamConfig{
		MaxReconnectAttempts: 6,
		ReconnectDelay:       time.Second,
		BackoffMultiplier:    2.0,
		MaxReconnectDelay:    10 * time.Second,
		MessageBufferSize:    1,
	}
	sup, _ := newTestSupervisor(cfg, newFakeStreamClient(), 100)

	bo := sup.newBackOff()
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, bo.NextBackOff(), "delay %d", i)
	}
}
