package stream

import (
	"context"
	"sync"

	"github.com/quantfabric/connmgr/internal/exchange"
	"github.com/quantfabric/connmgr/internal/shared/id"
)

// SubState is the lifecycle state of one subscription.
type SubState int

const (
	StateConnecting SubState = iota
	StateOpen
	StateReconnecting
	StateClosed
)

// String returns the string representation of the state
func (s SubState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Consumer receives a subscription's messages and terminal notification.
// OnMessage must not block indefinitely; a slow consumer only stalls its
// own subscription's delivery, never the supervisor. OnClose is optional
// and fires once when the subscription dies abnormally.
type Consumer struct {
	OnMessage func(topic string, payload []byte)
	OnClose   func(topic string, err error)
}

// subscription is one supervised reconnect loop plus its delivery path.
// The run loop owns connecting/reading; the deliver loop owns callback
// invocation. They communicate only through the bounded buffer so a
// stuck callback cannot block reconnection.
type subscription struct {
	id            id.SubscriptionID
	topic         string
	consumer      Consumer
	autoReconnect bool

	ctx    context.Context
	cancel context.CancelFunc

	buf chan []byte
	wg  sync.WaitGroup

	mu       sync.Mutex
	state    SubState
	current  exchange.Stream
	endpoint string
	attempts int
	finalErr error
}

func (s *subscription) setState(state SubState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the subscription's current lifecycle state.
func (s *subscription) State() SubState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setOpen records a live stream so Unsubscribe can interrupt a blocked
// read by closing it.
func (s *subscription) setOpen(st exchange.Stream, endpoint string) {
	s.mu.Lock()
	s.current = st
	s.endpoint = endpoint
	s.state = StateOpen
	s.attempts = 0
	s.mu.Unlock()
}

// closeCurrent closes the live stream, if any, unblocking ReadMessage.
func (s *subscription) closeCurrent() {
	s.mu.Lock()
	st := s.current
	s.current = nil
	s.mu.Unlock()
	if st != nil {
		st.Close()
	}
}

// finish marks the subscription closed and wakes the deliver loop. Only
// the run loop calls it, exactly once.
func (s *subscription) finish(err error) {
	s.mu.Lock()
	s.state = StateClosed
	s.finalErr = err
	s.mu.Unlock()
	close(s.buf)
}

func (s *subscription) finalError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}
